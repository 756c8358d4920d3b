//go:build linux

package main

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/romshark/tfpkt-go/internal/asic"
	"github.com/romshark/tfpkt-go/internal/frame"
	"github.com/romshark/tfpkt-go/internal/test"
	"github.com/romshark/tfpkt-go/tfpkt"
	"github.com/romshark/tfpkt-go/tfsim"
)

var (
	router2MAC  = [6]byte{2, 0, 0, 0, 0, 0x22}
	receiverMAC = [6]byte{2, 0, 0, 0, 0, 0x33}
)

func buildFrame(t *testing.T, dst string) []byte {
	t.Helper()
	b, err := frame.NewBuilder(frame.Flow{
		SrcMAC:  net.HardwareAddr{2, 0, 0, 0, 0, 1},
		DstMAC:  net.HardwareAddr{2, 0, 0, 0, 0, 0x11},
		SrcIP:   net.ParseIP("10.0.1.1"),
		DstIP:   net.ParseIP(dst),
		SrcPort: 1000,
		DstPort: 2000,
	})
	require.NoError(t, err)
	f, err := b.Build(7, 64)
	require.NoError(t, err)
	return bytes.Clone(f)
}

func TestRouteFunc(t *testing.T) {
	route := makeRouteFunc(router2MAC, receiverMAC)

	f := buildFrame(t, "10.0.2.9")
	require.Equal(t, routeIf2, route(f))
	assert.Equal(t, receiverMAC[:], f[0:6])
	assert.Equal(t, router2MAC[:], f[6:12])

	f = buildFrame(t, "10.0.1.9")
	orig := bytes.Clone(f)
	assert.Equal(t, routeIf1, route(f))
	assert.Equal(t, orig, f, "no rewrite towards interface1")

	for name, f := range map[string][]byte{
		"other subnet": buildFrame(t, "10.1.2.9"),
		"no route":     buildFrame(t, "10.0.3.9"),
		"short":        make([]byte, 20),
		"not IPv4":     make([]byte, 64),
	} {
		assert.Equal(t, routeNone, route(f), name)
	}
}

func testConfig() tfpkt.Config {
	return tfpkt.Config{
		NumBuffers: 64,
		RxBuffers:  32,
		RxRings:    1,
		TxRings:    1,
		CmpRings:   1,
		RxDepth:    16,
		TxDepth:    16,
		FmDepth:    16,
		CmpDepth:   16,
		MaxRxLoans: 8,
	}
}

func TestRouter(t *testing.T) {
	l := test.NewLogger()
	var asics []*asic.ASIC
	for _, name := range []string{"sender", "router1", "router2", "receiver"} {
		a, err := asic.Open(l, name, testConfig())
		require.NoError(t, err)
		asics = append(asics, a)
	}
	sender, r1, r2, recv := asics[0], asics[1], asics[2], asics[3]

	reg := metrics.NewRegistry()
	rt := NewRouter(l, r1, r2, router2MAC, receiverMAC, reg)
	rt.Lossless = true
	require.NoError(t, rt.Start(context.Background()))

	var mu sync.Mutex
	var got [][]byte
	_, err := recv.Engine.RegisterHandler(func(h tfpkt.BufHandle, f []byte) {
		mu.Lock()
		got = append(got, bytes.Clone(f))
		mu.Unlock()
		assert.NoError(t, recv.Engine.RxDone(h))
	}, nil)
	require.NoError(t, err)

	lc := tfsim.LinkConfig{Lossless: true}
	links := []*tfsim.Link{
		tfsim.NewLink(l, sender.Dev, r1.Dev, lc),
		tfsim.NewLink(l, r1.Dev, nil, lc),
		tfsim.NewLink(l, r2.Dev, recv.Dev, lc),
	}

	require.NoError(t, sender.Engine.Transmit(buildFrame(t, "10.0.2.9")))
	require.NoError(t, sender.Engine.Transmit(buildFrame(t, "10.0.1.9")))
	require.NoError(t, sender.Engine.Transmit(buildFrame(t, "192.168.0.1")))

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range asics {
		g.Go(func() error { return a.Run(gctx) })
	}
	for _, k := range links {
		g.Go(func() error { return k.Run(gctx) })
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return links[1].Delivered() == 1 && len(got) == 1 &&
			reg.Get("route.no_route").(metrics.Counter).Count() == 1
	}, 5*time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, g.Wait(), context.Canceled)

	require.Len(t, got, 1)
	assert.Equal(t, receiverMAC[:], got[0][0:6])
	assert.Equal(t, int64(2), reg.Get("route.forwarded").(metrics.Counter).Count())
	assert.Equal(t, int64(1), reg.Get("route.no_route").(metrics.Counter).Count())
	assert.Zero(t, reg.Get("route.dropped").(metrics.Counter).Count())

	for _, a := range asics {
		require.NoError(t, a.Close())
	}
}

