//go:build linux

// Package engstat snapshots and prints packet engine counters.
package engstat

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rcrowley/go-metrics"

	"github.com/romshark/tfpkt-go/tfpkt"
)

type Counter int

const (
	TxPackets Counter = iota
	TxBytes
	TxCompleted
	TxNoBuffers
	TxNoDescriptors
	RxPackets
	RxBytes
	RxLoaned
	RxDropped
	RxExcessLoans
	Errors
)

// AllCounters lists every Counter in print order.
var AllCounters = []Counter{
	TxPackets, TxBytes, TxCompleted, TxNoBuffers, TxNoDescriptors,
	RxPackets, RxBytes, RxLoaned, RxDropped, RxExcessLoans,
	Errors,
}

var counterMetrics = map[Counter][]string{
	TxPackets:       {tfpkt.MetricTxSent},
	TxBytes:         {tfpkt.MetricTxBytes},
	TxCompleted:     {tfpkt.MetricTxCompleted},
	TxNoBuffers:     {tfpkt.MetricTxNoBuffers},
	TxNoDescriptors: {tfpkt.MetricTxNoDescriptors},
	RxPackets:       {tfpkt.MetricRxReceived},
	RxBytes:         {tfpkt.MetricRxBytes},
	RxLoaned:        {tfpkt.MetricRxLoaned},
	RxDropped:       {tfpkt.MetricRxDropped},
	RxExcessLoans:   {tfpkt.MetricRxExcessLoans},
	Errors: {
		tfpkt.MetricTxUnknownBuffer, tfpkt.MetricRxUnknownBuffer,
		tfpkt.MetricRxBadType, tfpkt.MetricRxBadSize,
		tfpkt.MetricRxUnknownLoan, tfpkt.MetricCmpUnknownBuffer,
		tfpkt.MetricCmpBadType, tfpkt.MetricFmRejected,
	},
}

func (c Counter) String() string {
	switch c {
	case TxPackets:
		return "tx_packets"
	case TxBytes:
		return "tx_bytes"
	case TxCompleted:
		return "tx_completed"
	case TxNoBuffers:
		return "tx_no_buffers"
	case TxNoDescriptors:
		return "tx_no_descriptors"
	case RxPackets:
		return "rx_packets"
	case RxBytes:
		return "rx_bytes"
	case RxLoaned:
		return "rx_loaned"
	case RxDropped:
		return "rx_dropped"
	case RxExcessLoans:
		return "rx_excess_loans"
	case Errors:
		return "errors"
	}
	return ""
}

// Per-engine values.
type EngineStats map[Counter]uint64

// Multi-engine stats keyed by engine name.
type Stats map[string]EngineStats

// Snapshot reads counters from the registries of all engines. Counters
// missing from a registry read as zero.
func Snapshot(registries map[string]metrics.Registry, counters ...Counter) Stats {
	s := make(Stats, len(registries))
	for name, r := range registries {
		s[name] = read(r, counters)
	}
	return s
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for name, now := range s {
		prev := old[name]
		diff := make(EngineStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[name] = diff
	}
	return out
}

func read(r metrics.Registry, counters []Counter) EngineStats {
	found := make(EngineStats, len(counters))
	for _, ctr := range counters {
		var v int64
		for _, name := range counterMetrics[ctr] {
			if c, ok := r.Get(name).(metrics.Counter); ok {
				v += c.Count()
			}
		}
		found[ctr] = uint64(v)
	}
	return found
}

func Print(w io.Writer, s Stats, aliases map[string]string) error {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		stats := s[name]

		txPkts := stats[TxPackets]
		txBytes := stats[TxBytes]
		rxPkts := stats[RxPackets]
		rxBytes := stats[RxBytes]

		var err error
		if alias, ok := aliases[name]; ok {
			_, err = fmt.Fprintf(w, "%s (%s):\n", name, alias)
		} else {
			_, err = fmt.Fprintf(w, "%s :\n", name)
		}
		if err != nil {
			return err
		}

		fmt.Fprintf(w, "  TX   %-12d  ≈ %-8s (%s)\n",
			txPkts, humanize.Bytes(txBytes), humanize.Comma(int64(txBytes)),
		)
		fmt.Fprintf(w, "  RX   %-12d  ≈ %-8s (%s)\n",
			rxPkts, humanize.Bytes(rxBytes), humanize.Comma(int64(rxBytes)),
		)
		fmt.Fprintf(w, "  completed %s, dropped %s, errors %s\n",
			humanize.Comma(int64(stats[TxCompleted])),
			humanize.Comma(int64(stats[RxDropped])),
			humanize.Comma(int64(stats[Errors])),
		)
	}

	return nil
}

// Merge returns a registry holding the metrics of every registry in
// registries, each name prefixed with its engine name and a dot. The
// metrics are shared, not copied.
func Merge(registries map[string]metrics.Registry) (metrics.Registry, error) {
	out := metrics.NewRegistry()
	var err error
	for name, r := range registries {
		r.Each(func(metric string, m any) {
			if err == nil {
				err = out.Register(name+"."+metric, m)
			}
		})
	}
	return out, err
}

// Watch prints the transmit counters of tx and the receive counters of rx
// every interval until ctx is done. Either registry may be nil.
func Watch(ctx context.Context, w io.Writer, tx, rx metrics.Registry, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	var last EngineStats
	lastTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			dt := now.Sub(lastTime).Seconds()
			lastTime = now

			cur := make(EngineStats, 4)
			if tx != nil {
				s := read(tx, []Counter{TxPackets, TxBytes})
				cur[TxPackets], cur[TxBytes] = s[TxPackets], s[TxBytes]
			}
			if rx != nil {
				s := read(rx, []Counter{RxPackets, RxBytes})
				cur[RxPackets], cur[RxBytes] = s[RxPackets], s[RxBytes]
			}

			txPPS := uint64(float64(cur[TxPackets]-last[TxPackets]) / dt)
			rxPPS := uint64(float64(cur[RxPackets]-last[RxPackets]) / dt)
			txMbps := float64((cur[TxBytes]-last[TxBytes])*8) / 1e6 / dt
			rxMbps := float64((cur[RxBytes]-last[RxBytes])*8) / 1e6 / dt
			last = cur

			fmt.Fprintf(w,
				"TX=%d RX=%d TX-PPS=%d RX-PPS=%d TX-Mbps=%.1f RX-Mbps=%.1f\n",
				cur[TxPackets], cur[RxPackets], txPPS, rxPPS, txMbps, rxMbps,
			)
		}
	}
}
