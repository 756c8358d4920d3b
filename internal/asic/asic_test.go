//go:build linux

package asic

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/romshark/tfpkt-go/internal/test"
	"github.com/romshark/tfpkt-go/tfpkt"
	"github.com/romshark/tfpkt-go/tfsim"
)

func testConfig() tfpkt.Config {
	return tfpkt.Config{
		NumBuffers: 64,
		RxBuffers:  32,
		BufferSize: 2048,
		RxRings:    2,
		TxRings:    1,
		CmpRings:   1,
		RxDepth:    16,
		TxDepth:    16,
		FmDepth:    16,
		CmpDepth:   16,
		MaxRxLoans: 8,
	}
}

func TestOpen_Invalid(t *testing.T) {
	conf := testConfig()
	conf.MaxRxLoans = 32
	_, err := Open(test.NewLogger(), "bad", conf)
	assert.ErrorIs(t, err, tfpkt.ErrInvalidConfig)
	assert.ErrorContains(t, err, "bad")
}

// Two ASICs joined by a link, each with its own dispatcher.
func TestPair(t *testing.T) {
	l := test.NewLogger()
	a, err := Open(l, "a", testConfig())
	require.NoError(t, err)
	b, err := Open(l, "b", testConfig())
	require.NoError(t, err)

	var received atomic.Int64
	_, err = b.Engine.RegisterHandler(func(h tfpkt.BufHandle, _ []byte) {
		received.Add(1)
		assert.NoError(t, b.Engine.RxDone(h))
	}, nil)
	require.NoError(t, err)

	link := tfsim.NewLink(l, a.Dev, b.Dev, tfsim.LinkConfig{Rings: 2, Lossless: true})

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(gctx) })
	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error { return link.Run(gctx) })

	for i := 0; i < 200; {
		err := a.Engine.Transmit(make([]byte, 64))
		if errors.Is(err, tfpkt.ErrNoBuffers) || errors.Is(err, tfpkt.ErrRingFull) {
			time.Sleep(50 * time.Microsecond)
			continue
		}
		require.NoError(t, err)
		i++
	}
	assert.Eventually(t, func() bool { return received.Load() == 200 }, 5*time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, g.Wait(), context.Canceled)

	regs := Registries(a, b)
	assert.Len(t, regs, 2)
	assert.Same(t, a.Registry(), regs["a"])

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	assert.Zero(t, a.Alloc.Outstanding())
}
