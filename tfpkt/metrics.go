//go:build linux

package tfpkt

import (
	"github.com/rcrowley/go-metrics"
)

// Metric names registered in Engine.Registry.
const (
	MetricTxSent          = "tx.sent"
	MetricTxBytes         = "tx.bytes"
	MetricTxCompleted     = "tx.completed"
	MetricTxNoBuffers     = "tx.no_buffers"
	MetricTxNoDescriptors = "tx.no_descriptors"
	MetricTxUnknownBuffer = "tx.unknown_buffer"

	MetricRxReceived      = "rx.received"
	MetricRxBytes         = "rx.bytes"
	MetricRxLoaned        = "rx.loaned"
	MetricRxExcessLoans   = "rx.excess_loans"
	MetricRxNoHandler     = "rx.no_handler"
	MetricRxDropped       = "rx.dropped"
	MetricRxUnknownBuffer = "rx.unknown_buffer"
	MetricRxBadType       = "rx.bad_type"
	MetricRxBadSize       = "rx.bad_size"
	MetricRxUnknownLoan   = "rx.unknown_loan"

	MetricCmpUnknownBuffer = "cmp.unknown_buffer"
	MetricCmpBadType       = "cmp.bad_type"

	MetricFmPushed   = "fm.pushed"
	MetricFmRejected = "fm.rejected"

	MetricPollRounds = "poll.rounds"
	MetricPollBusy   = "poll.busy"
)

type engineMetrics struct {
	txSent          metrics.Counter
	txBytes         metrics.Counter
	txCompleted     metrics.Counter
	txNoBuffers     metrics.Counter
	txNoDescriptors metrics.Counter
	txUnknownBuffer metrics.Counter

	rxReceived      metrics.Counter
	rxBytes         metrics.Counter
	rxLoaned        metrics.Counter
	rxExcessLoans   metrics.Counter
	rxNoHandler     metrics.Counter
	rxDropped       metrics.Counter
	rxUnknownBuffer metrics.Counter
	rxBadType       metrics.Counter
	rxBadSize       metrics.Counter
	rxUnknownLoan   metrics.Counter

	cmpUnknownBuffer metrics.Counter
	cmpBadType       metrics.Counter

	fmPushed   metrics.Counter
	fmRejected metrics.Counter

	pollRounds metrics.Counter
	pollBusy   metrics.Counter
}

func newEngineMetrics(r metrics.Registry) *engineMetrics {
	c := func(name string) metrics.Counter { return metrics.GetOrRegisterCounter(name, r) }
	return &engineMetrics{
		txSent:          c(MetricTxSent),
		txBytes:         c(MetricTxBytes),
		txCompleted:     c(MetricTxCompleted),
		txNoBuffers:     c(MetricTxNoBuffers),
		txNoDescriptors: c(MetricTxNoDescriptors),
		txUnknownBuffer: c(MetricTxUnknownBuffer),

		rxReceived:      c(MetricRxReceived),
		rxBytes:         c(MetricRxBytes),
		rxLoaned:        c(MetricRxLoaned),
		rxExcessLoans:   c(MetricRxExcessLoans),
		rxNoHandler:     c(MetricRxNoHandler),
		rxDropped:       c(MetricRxDropped),
		rxUnknownBuffer: c(MetricRxUnknownBuffer),
		rxBadType:       c(MetricRxBadType),
		rxBadSize:       c(MetricRxBadSize),
		rxUnknownLoan:   c(MetricRxUnknownLoan),

		cmpUnknownBuffer: c(MetricCmpUnknownBuffer),
		cmpBadType:       c(MetricCmpBadType),

		fmPushed:   c(MetricFmPushed),
		fmRejected: c(MetricFmRejected),

		pollRounds: c(MetricPollRounds),
		pollBusy:   c(MetricPollBusy),
	}
}
