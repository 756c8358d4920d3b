package logging

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigure(t *testing.T) {
	l := logrus.New()
	require.NoError(t, Configure(l, Config{}))
	assert.Equal(t, logrus.InfoLevel, l.Level)
	assert.IsType(t, &logrus.TextFormatter{}, l.Formatter)

	require.NoError(t, Configure(l, Config{Level: "DEBUG", Format: "json"}))
	assert.Equal(t, logrus.DebugLevel, l.Level)
	assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)

	assert.Error(t, Configure(l, Config{Level: "loud"}))
	assert.EqualError(t, Configure(l, Config{Format: "xml"}),
		"unknown log format `xml`. possible formats: [text json]")
}

func TestConfigure_DisableTimestamp(t *testing.T) {
	l := logrus.New()
	buf := &bytes.Buffer{}
	l.Out = buf
	require.NoError(t, Configure(l, Config{DisableTimestamp: true}))
	l.Formatter.(*logrus.TextFormatter).DisableColors = true

	l.WithField("ring", "rx0").Info("hello")
	assert.Equal(t, "level=info msg=hello ring=rx0\n", buf.String())
}
