//go:build linux

// Package asic assembles a simulated switch ASIC and the packet engine
// driving it, the way the binaries use them.
package asic

import (
	"context"
	"errors"
	"fmt"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/romshark/tfpkt-go/dma"
	"github.com/romshark/tfpkt-go/tfpkt"
	"github.com/romshark/tfpkt-go/tfsim"
)

// ASIC is one simulated device with its own DMA memory and engine.
type ASIC struct {
	Name   string
	Alloc  *dma.MmapAllocator
	Dev    *tfsim.Device
	Engine *tfpkt.Engine

	l *logrus.Entry
}

// Open creates the device and brings up an engine on it.
func Open(l *logrus.Logger, name string, conf tfpkt.Config) (*ASIC, error) {
	alloc := dma.NewMmapAllocator(0, 0)
	dev := tfsim.New(l, alloc)
	e, err := tfpkt.New(l, dev, alloc, conf)
	if err != nil {
		dev.Close()
		return nil, errors.Join(fmt.Errorf("%s: %w", name, err), alloc.Close())
	}

	a := &ASIC{
		Name:   name,
		Alloc:  alloc,
		Dev:    dev,
		Engine: e,
		l:      l.WithField("asic", name),
	}
	a.l.WithFields(logrus.Fields{
		"rxRings": len(e.Rings(tfpkt.RingRx)),
		"txRings": len(e.Rings(tfpkt.RingTx)),
	}).Info("ASIC up")
	return a, nil
}

// Run dispatches device interrupts to the engine until ctx is canceled.
func (a *ASIC) Run(ctx context.Context) error {
	err := a.Engine.Run(ctx, a.Dev.Interrupts())
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", a.Name, err)
	}
	return err
}

// Registry returns the engine's metrics.
func (a *ASIC) Registry() metrics.Registry { return a.Engine.Registry() }

// Close shuts the engine down and releases all DMA memory.
// Every loaned buffer must have been returned.
func (a *ASIC) Close() error {
	var errs []error
	if err := a.Engine.Close(); err != nil && !errors.Is(err, tfpkt.ErrClosed) {
		errs = append(errs, err)
	}
	a.Dev.Close()
	if n := a.Alloc.Outstanding(); n != 0 {
		a.l.WithField("mappings", n).Warn("DMA memory still mapped at close")
	}
	if err := a.Alloc.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("closing %s: %w", a.Name, err)
	}
	a.l.Debug("ASIC down")
	return nil
}

// Registries maps the name of each ASIC to its metrics.
func Registries(asics ...*ASIC) map[string]metrics.Registry {
	m := make(map[string]metrics.Registry, len(asics))
	for _, a := range asics {
		m[a.Name] = a.Registry()
	}
	return m
}
