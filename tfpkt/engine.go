//go:build linux

package tfpkt

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// RxFunc receives a loaned frame. The handler owns h until it calls
// Engine.RxDone; frame is only valid until then.
type RxFunc func(h BufHandle, frame []byte)

// TxDoneFunc is told that the device finished with a transmitted buffer.
// The buffer is already back in the pool when it is called.
type TxDoneFunc func(h BufHandle)

// HandlerToken identifies a handler registration.
type HandlerToken uint64

type handler struct {
	token  HandlerToken
	rx     RxFunc
	txDone TxDoneFunc
}

// Engine moves frames between the buffer pool and the device rings.
//
// Transmit methods may be called from any goroutine. RunPollOnce is meant
// to be called from a single dispatcher, overlapping calls return
// immediately.
type Engine struct {
	conf     Config
	l        *logrus.Logger
	regs     Registers
	alloc    DMAAllocator
	registry metrics.Registry
	m        *engineMetrics

	// pool.mu also guards handler, nextToken and closed.
	pool      *pool
	handler   *handler
	nextToken HandlerToken
	closed    bool

	rings [numRingKinds][]*Ring

	polling sync.Mutex
}

// New allocates the buffer pool and all rings, programs the rings into the
// device and hands the receive buffers to the free memory rings.
// Nothing is left allocated if New fails.
func New(
	l *logrus.Logger, regs Registers, alloc DMAAllocator, conf Config,
) (_ *Engine, err error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	e := &Engine{
		conf:     conf,
		l:        l,
		regs:     regs,
		alloc:    alloc,
		registry: metrics.NewRegistry(),
	}
	e.m = newEngineMetrics(e.registry)

	e.pool, err = allocPool(l, alloc, conf.NumBuffers, conf.RxBuffers, conf.BufferSize)
	if err != nil {
		return nil, fmt.Errorf("allocating buffer pool: %w", err)
	}

	defer func() {
		if err != nil {
			if rerr := e.release(); rerr != nil {
				l.WithError(rerr).Error("Failed to release partially initialized engine")
			}
		}
	}()

	layout := [numRingKinds]struct{ count, depth int }{
		RingRx:  {conf.RxRings, conf.RxDepth},
		RingTx:  {conf.TxRings, conf.TxDepth},
		RingFm:  {conf.FmRings, conf.FmDepth},
		RingCmp: {conf.CmpRings, conf.CmpDepth},
	}
	for kind := range numRingKinds {
		for id := range layout[kind].count {
			r, err := allocRing(l, alloc, regs, kind, id, layout[kind].depth)
			if err != nil {
				return nil, err
			}
			e.rings[kind] = append(e.rings[kind], r)
		}
	}

	for kind := range numRingKinds {
		for _, r := range e.rings[kind] {
			r.program()
		}
	}

	// Receive buffers are split evenly so that every receive ring can
	// take traffic from the start.
	var pushed int
	share := conf.RxBuffers / len(e.rings[RingFm])
	for i := range e.rings[RingFm] {
		if i == len(e.rings[RingFm])-1 {
			share = -1
		}
		pushed += e.offerFreeBuffers(i, share)
	}

	l.WithFields(logrus.Fields{
		"buffers":    conf.NumBuffers,
		"rxBuffers":  conf.RxBuffers,
		"bufferSize": conf.BufferSize,
		"rxRings":    conf.RxRings,
		"txRings":    conf.TxRings,
		"cmpRings":   conf.CmpRings,
		"fmPushed":   pushed,
	}).Debug("Packet engine initialized")

	return e, nil
}

// release frees all rings and the pool. Only valid while nothing is loaned.
func (e *Engine) release() error {
	var errs []error
	for kind := range numRingKinds {
		for _, r := range e.rings[kind] {
			r.drain()
		}
	}
	for kind := range numRingKinds {
		for _, r := range e.rings[kind] {
			if err := r.free(e.alloc); err != nil {
				errs = append(errs, err)
			}
		}
		e.rings[kind] = nil
	}

	e.pool.mu.Lock()
	defer e.pool.mu.Unlock()
	if err := e.pool.free(e.alloc); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close disables all rings and releases all DMA memory.
// Closing with loaned buffers outstanding panics: the caller still holds
// references into memory the device could be told to reuse.
func (e *Engine) Close() error {
	// Wait for an in-flight poll.
	e.polling.Lock()
	defer e.polling.Unlock()

	e.pool.mu.Lock()
	if e.closed {
		e.pool.mu.Unlock()
		return ErrClosed
	}
	if e.pool.loans[DirRx] != 0 || e.pool.loans[DirTx] != 0 {
		defer e.pool.mu.Unlock()
		e.l.WithFields(logrus.Fields{
			"rxLoans": e.pool.loans[DirRx],
			"txLoans": e.pool.loans[DirTx],
		}).Panic("Closing packet engine with loaned buffers outstanding")
	}
	e.closed = true
	e.handler = nil
	e.pool.mu.Unlock()

	err := e.release()
	e.l.Debug("Packet engine closed")
	return err
}

// RegisterHandler installs the single upstream handler. txDone may be nil.
func (e *Engine) RegisterHandler(rx RxFunc, txDone TxDoneFunc) (HandlerToken, error) {
	if rx == nil {
		return 0, fmt.Errorf("%w: nil receive callback", ErrInvalidArgument)
	}

	e.pool.mu.Lock()
	defer e.pool.mu.Unlock()

	if e.closed {
		return 0, ErrClosed
	}
	if e.handler != nil {
		return 0, ErrAlreadyRegistered
	}
	e.nextToken++
	e.handler = &handler{token: e.nextToken, rx: rx, txDone: txDone}
	return e.nextToken, nil
}

// UnregisterHandler removes the handler registered with tok. It returns
// ErrBusy while any buffer is loaned in either direction.
func (e *Engine) UnregisterHandler(tok HandlerToken) error {
	e.pool.mu.Lock()
	defer e.pool.mu.Unlock()

	if e.handler == nil || e.handler.token != tok {
		return fmt.Errorf("%w: handler token %d is not registered", ErrInvalidArgument, tok)
	}
	if e.pool.loans[DirRx] != 0 || e.pool.loans[DirTx] != 0 {
		return fmt.Errorf("%w: %d rx, %d tx", ErrBusy, e.pool.loans[DirRx], e.pool.loans[DirTx])
	}
	e.handler = nil
	return nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.conf }

// Registry returns the metrics registry of the engine.
func (e *Engine) Registry() metrics.Registry { return e.registry }

// Rings returns the rings of kind k.
func (e *Engine) Rings(k RingKind) []*Ring { return e.rings[k] }

// PoolStats is a snapshot of the buffer lists.
type PoolStats struct {
	RxFree, RxPushed, RxLoaned int
	TxFree, TxPushed, TxLoaned int
	RxLoans, TxLoans           int
}

func (e *Engine) PoolStats() PoolStats {
	p := e.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		RxFree:   p.count(listRxFree),
		RxPushed: p.count(listRxPushed),
		RxLoaned: p.count(listRxLoaned),
		TxFree:   p.count(listTxFree),
		TxPushed: p.count(listTxPushed),
		TxLoaned: p.count(listTxLoaned),
		RxLoans:  p.loans[DirRx],
		TxLoans:  p.loans[DirTx],
	}
}
