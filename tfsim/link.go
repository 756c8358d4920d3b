//go:build linux

package tfsim

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
)

// LinkConfig controls how a Link moves frames.
type LinkConfig struct {
	// Rings is the number of receive rings of the far end that frames are
	// spread over. Frames of one IPv4 flow always land on the same ring.
	Rings int `yaml:"rings"`
	// Batch is the maximum number of frames taken per Device.Transmit call.
	Batch int `yaml:"batch"`
	// Lossless makes delivery wait for free memory on the far end instead
	// of dropping the frame.
	Lossless bool `yaml:"lossless"`
	// Idle is how long Run sleeps when there is nothing to transmit.
	Idle time.Duration `yaml:"idle"`
}

func (c *LinkConfig) setDefaults() {
	if c.Rings <= 0 {
		c.Rings = 1
	}
	if c.Batch <= 0 {
		c.Batch = 64
	}
	if c.Idle <= 0 {
		c.Idle = 20 * time.Microsecond
	}
}

// Link is a cable from the transmit side of one device to the receive side
// of another, or of the same device for loopback. A Link with no far end
// discards what it carries.
//
// Link takes over the OnTransmit function of the near end.
// Step and Run must not be called concurrently.
type Link struct {
	l        *logrus.Logger
	from, to *Device
	conf     LinkConfig

	pending [][]byte
	spare   [][]byte

	eth     layers.Ethernet
	ip      layers.IPv4
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func NewLink(l *logrus.Logger, from, to *Device, c LinkConfig) *Link {
	c.setDefaults()
	k := &Link{l: l, from: from, to: to, conf: c}
	k.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &k.eth, &k.ip)
	k.parser.IgnoreUnsupported = true
	from.OnTransmit(k.collect)
	return k
}

// collect runs inside from.Transmit. The frame is copied since its buffer
// goes back to the host once the completion is posted.
func (k *Link) collect(_ int, frame []byte) {
	var b []byte
	if n := len(k.spare); n > 0 {
		b, k.spare = k.spare[n-1], k.spare[:n-1]
	}
	k.pending = append(k.pending, append(b[:0], frame...))
}

// ring picks the receive ring for frame by hashing its IPv4 addresses.
func (k *Link) ring(frame []byte) int {
	if k.conf.Rings == 1 {
		return 0
	}
	_ = k.parser.DecodeLayers(frame, &k.decoded)
	for _, t := range k.decoded {
		if t == layers.LayerTypeIPv4 {
			return int(k.ip.NetworkFlow().FastHash() % uint64(k.conf.Rings))
		}
	}
	return 0
}

// Step moves up to one batch of frames across the link and returns the
// number of frames the near end transmitted.
func (k *Link) Step(ctx context.Context) (int, error) {
	n, err := k.from.Transmit(k.conf.Batch)
	k.deliver(ctx)
	return n, err
}

func (k *Link) deliver(ctx context.Context) {
	for i, f := range k.pending {
		if k.to == nil {
			k.delivered.Add(1)
		} else if k.send(ctx, f) {
			k.delivered.Add(1)
		} else {
			k.dropped.Add(1)
		}
		k.spare = append(k.spare, f)
		k.pending[i] = nil
	}
	k.pending = k.pending[:0]
}

func (k *Link) send(ctx context.Context, f []byte) bool {
	ring := k.ring(f)
	for {
		err := k.to.Receive(ring, f)
		if err == nil {
			return true
		}
		if !errors.Is(err, ErrNoFreeMemory) && !errors.Is(err, ErrRingFull) {
			k.l.WithError(err).WithField("ring", ring).Debug("Link dropped frame")
			return false
		}
		if !k.conf.Lossless || ctx.Err() != nil {
			return false
		}
		time.Sleep(k.conf.Idle)
	}
}

// Run calls Step until ctx is canceled and returns context.Canceled.
// Device errors end Run.
func (k *Link) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		n, err := k.Step(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			time.Sleep(k.conf.Idle)
		}
	}
	return context.Canceled
}

// Delivered returns the number of frames handed to the far end.
func (k *Link) Delivered() uint64 { return k.delivered.Load() }

// Dropped returns the number of frames the far end could not take.
func (k *Link) Dropped() uint64 { return k.dropped.Load() }
