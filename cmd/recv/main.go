//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/romshark/tfpkt-go/internal/asic"
	"github.com/romshark/tfpkt-go/internal/frame"
	"github.com/romshark/tfpkt-go/internal/logging"
	"github.com/romshark/tfpkt-go/internal/traffic"
	"github.com/romshark/tfpkt-go/tfpkt"
	"github.com/romshark/tfpkt-go/tfsim"
)

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func main() {
	fRxRings := flag.Int("q", 4, "Receive rings")
	fFlows := flag.Int("f", 4, "Number of flows sent by the peer")
	fPktSize := flag.Int("l", 1500, "Packet size")
	fRate := flag.Uint64("r", 0, "Rate limit per flow in packets per second (0 is unlimited)")
	fMaxLoans := flag.Int("m", 0, "Max receive loans (0 for default)")
	fLogLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	if *fFlows < 1 {
		fmt.Fprint(os.Stderr, "-f must be at least 1\n")
		os.Exit(1)
	}

	l := logrus.New()
	fatalIf(logging.Configure(l, logging.Config{Level: *fLogLevel}), "configuring logger")

	rx, err := asic.Open(l, "asic0", tfpkt.Config{
		RxRings:    *fRxRings,
		MaxRxLoans: *fMaxLoans,
	})
	fatalIf(err, "initializing receiver")
	defer func() { fatalIf(rx.Close(), "closing receiver") }()

	peer, err := asic.Open(l, "peer", tfpkt.Config{RxRings: 1, MaxRxLoans: 1})
	fatalIf(err, "initializing peer")
	defer func() { fatalIf(peer.Close(), "closing peer") }()

	fmt.Fprintf(os.Stderr,
		"TFPKT RX: rx_rings=%d flows=%d size=%d rate=%d\n",
		*fRxRings, *fFlows, *fPktSize, *fRate,
	)

	var totalPackets atomic.Uint64
	var totalBytes atomic.Uint64

	_, err = rx.Engine.RegisterHandler(func(h tfpkt.BufHandle, f []byte) {
		totalPackets.Add(1)
		totalBytes.Add(uint64(len(f)))
		if err := rx.Engine.RxDone(h); err != nil {
			panic(err)
		}
	}, nil)
	fatalIf(err, "registering handler")

	wire := tfsim.NewLink(l, peer.Dev, rx.Dev, tfsim.LinkConfig{
		Rings: *fRxRings,
		Batch: 64,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rx.Run(gctx) })
	g.Go(func() error { return peer.Run(gctx) })
	g.Go(func() error { return wire.Run(gctx) })

	for i := range *fFlows {
		s, err := traffic.NewSender(peer.Engine, frame.Flow{
			SrcMAC:  net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02},
			DstMAC:  net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01},
			SrcIP:   net.IPv4(10, 0, 1, byte(i+1)),
			DstIP:   net.IPv4(10, 0, 2, 1),
			SrcPort: uint16(10000 + i),
			DstPort: 12345,
		}, *fPktSize, *fRate)
		fatalIf(err, "creating flow %d", i)
		g.Go(func() error { return s.Send(gctx, math.MaxUint64) })
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var (
		lastPackets uint64
		lastBytes   uint64
		maxPPS      float64
		maxMbps     float64
	)

	lastTime := time.Now()

loop:
	for {
		select {
		case <-gctx.Done():
			break loop
		case now := <-ticker.C:
			elapsed := now.Sub(lastTime).Seconds()

			pkts := totalPackets.Load()
			bytes := totalBytes.Load()

			pps := float64(pkts-lastPackets) / elapsed
			mbps := float64((bytes-lastBytes)*8) / elapsed / 1e6
			maxPPS = max(maxPPS, pps)
			maxMbps = max(maxMbps, mbps)

			fmt.Printf(
				"total=%d | cur=%.0f pps %.2f Mbit/s | max=%.0f pps %.2f Mbit/s | wire drops=%d\n",
				pkts, pps, mbps, maxPPS, maxMbps, wire.Dropped(),
			)

			lastPackets = pkts
			lastBytes = bytes
			lastTime = now
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		fatalIf(err, "running")
	}
}
