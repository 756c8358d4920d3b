//go:build linux

package engstat

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/tfpkt-go/tfpkt"
)

func TestSnapshotSince(t *testing.T) {
	r := metrics.NewRegistry()
	sent := metrics.GetOrRegisterCounter(tfpkt.MetricTxSent, r)
	metrics.GetOrRegisterCounter(tfpkt.MetricRxBadType, r).Inc(2)
	metrics.GetOrRegisterCounter(tfpkt.MetricCmpUnknownBuffer, r).Inc(3)
	sent.Inc(5)

	regs := map[string]metrics.Registry{"asic0": r}
	old := Snapshot(regs, AllCounters...)
	assert.Equal(t, uint64(5), old["asic0"][TxPackets])
	assert.Equal(t, uint64(5), old["asic0"][Errors])
	assert.Equal(t, uint64(0), old["asic0"][RxPackets])

	sent.Inc(7)
	d := Snapshot(regs, TxPackets, Errors).Since(old)
	assert.Equal(t, EngineStats{TxPackets: 7, Errors: 0}, d["asic0"])
}

func TestPrint(t *testing.T) {
	s := Stats{
		"b": {TxPackets: 1, TxBytes: 2048, RxPackets: 0},
		"a": {TxPackets: 3, TxBytes: 1_500_000, TxCompleted: 3, Errors: 1},
	}
	var buf bytes.Buffer
	require.NoError(t, Print(&buf, s, map[string]string{"a": "loopback"}))

	out := buf.String()
	assert.Contains(t, out, "a (loopback):\n")
	assert.Contains(t, out, "b :\n")
	assert.Contains(t, out, "1,500,000")
	assert.Contains(t, out, "completed 3, dropped 0, errors 1")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("a (")), bytes.Index(buf.Bytes(), []byte("b :")))
}

func TestMerge(t *testing.T) {
	a, b := metrics.NewRegistry(), metrics.NewRegistry()
	metrics.GetOrRegisterCounter(tfpkt.MetricTxSent, a).Inc(1)
	sent := metrics.GetOrRegisterCounter(tfpkt.MetricTxSent, b)

	m, err := Merge(map[string]metrics.Registry{"asic0": a, "asic1": b})
	require.NoError(t, err)
	sent.Inc(4)

	assert.Equal(t, int64(1), m.Get("asic0."+tfpkt.MetricTxSent).(metrics.Counter).Count())
	assert.Equal(t, int64(4), m.Get("asic1."+tfpkt.MetricTxSent).(metrics.Counter).Count(), "shared, not copied")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatch(t *testing.T) {
	tx := metrics.NewRegistry()
	metrics.GetOrRegisterCounter(tfpkt.MetricTxSent, tx).Inc(10)

	var out syncBuffer
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Watch(ctx, &out, tx, nil, 5*time.Millisecond)
	}()

	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "TX=10 RX=0 ")
	}, time.Second, time.Millisecond)
	cancel()
	<-done
}
