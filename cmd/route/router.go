//go:build linux

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/romshark/tfpkt-go/internal/asic"
	"github.com/romshark/tfpkt-go/internal/traffic"
	"github.com/romshark/tfpkt-go/tfpkt"
)

const (
	routeNone = iota
	routeIf1
	routeIf2
)

// makeRouteFunc returns the route lookup for 10.0.0.0/16: the third octet
// of the IPv4 destination picks the interface. Frames leaving on if2 get
// router2MAC as source and receiverMAC as destination.
func makeRouteFunc(router2MAC, receiverMAC [6]byte) func(frame []byte) int {
	const ipOff = 14 // Untagged Ethernet.

	return func(frame []byte) int {
		if len(frame) < ipOff+20 ||
			layers.EthernetType(binary.BigEndian.Uint16(frame[12:14])) != layers.EthernetTypeIPv4 ||
			frame[ipOff]>>4 != 4 {
			return routeNone
		}
		dst := frame[ipOff+16 : ipOff+20]
		if dst[0] != 10 || dst[1] != 0 {
			return routeNone
		}
		switch dst[2] {
		case 1:
			return routeIf1
		case 2:
			copy(frame[:6], receiverMAC[:])
			copy(frame[6:12], router2MAC[:])
			return routeIf2
		}
		return routeNone
	}
}

// Router forwards frames received on either of its two ASICs out of the
// ASIC picked by the route function. Frames are copied into a transmit
// buffer of the outgoing ASIC and the receive buffer is returned at once.
type Router struct {
	// Lossless makes the router wait for room on the outgoing ASIC
	// instead of dropping the frame.
	Lossless bool

	l     *logrus.Logger
	ifs   [3]*asic.ASIC
	route func([]byte) int
	ctx   context.Context

	forwarded metrics.Counter
	noRoute   metrics.Counter
	dropped   metrics.Counter
}

func NewRouter(
	l *logrus.Logger, if1, if2 *asic.ASIC, router2MAC, receiverMAC [6]byte, r metrics.Registry,
) *Router {
	return &Router{
		l:         l,
		ifs:       [3]*asic.ASIC{routeIf1: if1, routeIf2: if2},
		route:     makeRouteFunc(router2MAC, receiverMAC),
		forwarded: metrics.GetOrRegisterCounter("route.forwarded", r),
		noRoute:   metrics.GetOrRegisterCounter("route.no_route", r),
		dropped:   metrics.GetOrRegisterCounter("route.dropped", r),
	}
}

// Start registers the forwarding handler on both ASICs. Lossless
// forwarding gives up once ctx is done.
func (rt *Router) Start(ctx context.Context) error {
	rt.ctx = ctx
	for _, in := range rt.ifs[routeIf1:] {
		if _, err := in.Engine.RegisterHandler(rt.handler(in), nil); err != nil {
			return err
		}
	}
	return nil
}

func (rt *Router) handler(in *asic.ASIC) tfpkt.RxFunc {
	return func(h tfpkt.BufHandle, buf []byte) {
		if out := rt.route(buf); out == routeNone {
			rt.noRoute.Inc(1)
		} else if err := rt.forward(rt.ifs[out], buf); err != nil {
			// A full egress queue drops the frame like a switch would.
			rt.dropped.Inc(1)
			rt.l.WithError(err).WithField("out", rt.ifs[out].Name).Trace("Dropped frame")
		} else {
			rt.forwarded.Inc(1)
		}
		if err := in.Engine.RxDone(h); err != nil {
			rt.l.WithError(err).WithField("in", in.Name).Error("Returning receive buffer")
		}
	}
}

func (rt *Router) forward(out *asic.ASIC, buf []byte) error {
	for {
		err := out.Engine.Transmit(buf)
		if !rt.Lossless || rt.ctx.Err() != nil ||
			!(errors.Is(err, tfpkt.ErrNoBuffers) || errors.Is(err, tfpkt.ErrRingFull)) {
			return err
		}
		time.Sleep(traffic.Backoff)
	}
}
