//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/romshark/tfpkt-go/engstat"
	"github.com/romshark/tfpkt-go/internal/asic"
	"github.com/romshark/tfpkt-go/internal/frame"
	"github.com/romshark/tfpkt-go/internal/logging"
	"github.com/romshark/tfpkt-go/internal/traffic"
	"github.com/romshark/tfpkt-go/tfpkt"
	"github.com/romshark/tfpkt-go/tfsim"
)

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	fDestMACStr := flag.String("d", "02:00:00:00:00:02", "Destination MAC")
	fSrcIPStr := flag.String("s", "10.0.1.1", "Source IP")
	fDestIPStr := flag.String("D", "10.0.2.1", "Destination IP")
	fPort := flag.Int("p", 12345, "Destination port")
	fCount := flag.Uint64("n", 1_000_000, "Packets to send")
	fPktSize := flag.Int("l", 1360, "Packet size")
	fRate := flag.Uint64("r", 0, "Rate limit in packets per second (0 is unlimited)")
	fTxRings := flag.Int("t", 1, "Transmit rings")
	fLogLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	l := logrus.New()
	must(logging.Configure(l, logging.Config{Level: *fLogLevel}))

	dstMAC, err := net.ParseMAC(*fDestMACStr)
	must(err)

	a, err := asic.Open(l, "asic0", tfpkt.Config{TxRings: *fTxRings})
	must(err)

	sender, err := traffic.NewSender(a.Engine, frame.Flow{
		SrcMAC:  net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01},
		DstMAC:  dstMAC,
		SrcIP:   net.ParseIP(*fSrcIPStr),
		DstIP:   net.ParseIP(*fDestIPStr),
		SrcPort: 12345,
		DstPort: uint16(*fPort),
	}, *fPktSize, *fRate)
	must(err)

	// Frames leave the simulated ASIC on a wire with nothing attached.
	wire := tfsim.NewLink(l, a.Dev, nil, tfsim.LinkConfig{Batch: 128})

	fmt.Fprintf(os.Stderr,
		"TFPKT TX:\ndst_mac=%s src_ip=%s dst_ip=%s dst_port=%d count=%d size=%d rate=%d\n",
		dstMAC, *fSrcIPStr, *fDestIPStr, *fPort, *fCount, *fPktSize, *fRate,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctxRun, cancelRun := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctxRun)
	g.Go(func() error { return a.Run(gctx) })
	g.Go(func() error { return wire.Run(gctx) })
	go engstat.Watch(gctx, os.Stdout, a.Registry(), nil, time.Second)

	start := time.Now()
	err = sender.Send(gctx, *fCount)
	if err != nil && !errors.Is(err, context.Canceled) {
		l.WithError(err).Error("Sending failed")
	}

	// Drain completions: wait until all sent packets are completed.
	completed := func() uint64 {
		return engstat.Snapshot(asic.Registries(a), engstat.TxCompleted)[a.Name][engstat.TxCompleted]
	}
	for completed() < sender.Sent() && gctx.Err() == nil {
		time.Sleep(time.Millisecond)
	}
	elapsed := time.Since(start)

	cancelRun()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		l.WithError(err).Error("Engine stopped")
	}
	must(a.Close())

	pps := float64(sender.Sent()) / elapsed.Seconds()
	fmt.Fprintf(os.Stderr,
		"finished: sent=%s completed=%s bytes=%s | duration=%s | rate=%s pps\n",
		humanize.Comma(int64(sender.Sent())),
		humanize.Comma(int64(completed())),
		humanize.Bytes(sender.Bytes()),
		elapsed,
		humanize.Comma(int64(pps)),
	)
}
