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

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/tfpkt-go/engstat"
	"github.com/romshark/tfpkt-go/internal/asic"
	"github.com/romshark/tfpkt-go/internal/frame"
	"github.com/romshark/tfpkt-go/internal/logging"
	"github.com/romshark/tfpkt-go/internal/stats"
	"github.com/romshark/tfpkt-go/internal/traffic"
	"github.com/romshark/tfpkt-go/tfpkt"
	"github.com/romshark/tfpkt-go/tfsim"
)

// Set at build time.
var version = "dev"

type Config struct {
	Router struct {
		Engine tfpkt.Config `yaml:"engine"` // Used for both interfaces.
		MAC1   string       `yaml:"mac1"`
		MAC2   string       `yaml:"mac2"`
	} `yaml:"router"`

	Sender struct {
		Engine  tfpkt.Config `yaml:"engine"`
		MAC     string       `yaml:"mac"`
		SrcIP   string       `yaml:"src-ip"`
		DstIP   string       `yaml:"dst-ip"`
		SrcPort uint16       `yaml:"src-port"`
		DstPort uint16       `yaml:"dst-port"`
		RatePPS uint64       `yaml:"rate-pps"` // 0 = unlimited, max speed.
	} `yaml:"sender"`

	Receiver struct {
		Engine tfpkt.Config `yaml:"engine"`
		MAC    string       `yaml:"mac"`
	} `yaml:"receiver"`

	Link    tfsim.LinkConfig `yaml:"link"`
	Logging logging.Config   `yaml:"logging"`
	Stats   stats.Config     `yaml:"stats"`

	MTU   uint32 `yaml:"mtu"`
	Count uint64 `yaml:"count"`
	Test  bool   `yaml:"test"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "", "path to config YAML file")
	fRate := flag.Int64("r", -1, "sender rate limit in PPS (<0 falls back to config)")
	fCount := flag.Uint64("n", 0, "packet count override")
	fMTU := flag.Uint("l", 0, "pkt size override (MTU)")
	fTest := flag.Bool("test", false, "enable test mode (override)")
	flag.Parse()

	var conf Config
	if *fConfig != "" {
		b, err := os.ReadFile(*fConfig)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	if *fRate >= 0 {
		conf.Sender.RatePPS = uint64(*fRate)
	}
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fMTU != 0 {
		conf.MTU = uint32(*fMTU)
	}
	if *fTest {
		conf.Test = true
	}

	// Defaults
	setDefault := func(s *string, v string) {
		if *s == "" {
			*s = v
		}
	}
	setDefault(&conf.Sender.MAC, "02:00:00:00:00:01")
	setDefault(&conf.Router.MAC1, "02:00:00:00:01:01")
	setDefault(&conf.Router.MAC2, "02:00:00:00:01:02")
	setDefault(&conf.Receiver.MAC, "02:00:00:00:00:02")
	setDefault(&conf.Sender.SrcIP, "10.0.1.1")
	setDefault(&conf.Sender.DstIP, "10.0.2.1")
	if conf.Sender.SrcPort == 0 {
		conf.Sender.SrcPort = 12345
	}
	if conf.Sender.DstPort == 0 {
		conf.Sender.DstPort = 12345
	}
	if conf.MTU == 0 {
		conf.MTU = 1500
	}
	if conf.Count == 0 {
		conf.Count = 1_000_000
	}
	if conf.Test {
		// Ordered delivery needs every hop to wait rather than drop.
		conf.Link.Lossless = true
	}

	// Basic validation
	for name, c := range map[string]*tfpkt.Config{
		"router":   &conf.Router.Engine,
		"sender":   &conf.Sender.Engine,
		"receiver": &conf.Receiver.Engine,
	} {
		if err := c.ValidateAndSetDefaults(); err != nil {
			return nil, fmt.Errorf("%s.engine: %w", name, err)
		}
	}
	if err := conf.Stats.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	for _, mac := range []string{conf.Sender.MAC, conf.Router.MAC1, conf.Router.MAC2, conf.Receiver.MAC} {
		if _, err := net.ParseMAC(mac); err != nil {
			return nil, fmt.Errorf("invalid mac %q: %w", mac, err)
		}
	}
	if net.ParseIP(conf.Sender.SrcIP).To4() == nil {
		return nil, fmt.Errorf("invalid sender.src-ip %q", conf.Sender.SrcIP)
	}
	if net.ParseIP(conf.Sender.DstIP).To4() == nil {
		return nil, fmt.Errorf("invalid sender.dst-ip %q", conf.Sender.DstIP)
	}
	if conf.MTU < frame.MinSize || int(conf.MTU) > conf.Sender.Engine.BufferSize {
		return nil, errors.New("unsupported mtu")
	}

	return &conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func mustHW(s string) net.HardwareAddr {
	hw, err := net.ParseMAC(s)
	fatalIf(err, "parsing mac %q", s)
	return hw
}

func mustMAC(s string) (mac [6]byte) {
	copy(mac[:], mustHW(s))
	return mac
}

// topology is sender -> router1 | router2 -> receiver, with router1's
// transmit side cabled back to the sender.
type topology struct {
	sender, router1, router2, receiver *asic.ASIC
	links                              []*tfsim.Link
	routeStats                         metrics.Registry
}

func (t *topology) asics() []*asic.ASIC {
	return []*asic.ASIC{t.sender, t.router1, t.router2, t.receiver}
}

func build(ctx context.Context, l *logrus.Logger, conf *Config) *topology {
	var t topology
	var err error
	t.sender, err = asic.Open(l, "sender", conf.Sender.Engine)
	fatalIf(err, "sender asic")
	t.router1, err = asic.Open(l, "router1", conf.Router.Engine)
	fatalIf(err, "router1 asic")
	t.router2, err = asic.Open(l, "router2", conf.Router.Engine)
	fatalIf(err, "router2 asic")
	t.receiver, err = asic.Open(l, "receiver", conf.Receiver.Engine)
	fatalIf(err, "receiver asic")

	link := func(from, to *asic.ASIC) *tfsim.Link {
		c := conf.Link
		c.Rings = to.Engine.Config().RxRings
		return tfsim.NewLink(l, from.Dev, to.Dev, c)
	}
	t.links = []*tfsim.Link{
		link(t.sender, t.router1),
		link(t.router1, t.sender),
		link(t.router2, t.receiver),
	}

	t.routeStats = metrics.NewRegistry()
	rt := NewRouter(l, t.router1, t.router2,
		mustMAC(conf.Router.MAC2), mustMAC(conf.Receiver.MAC), t.routeStats)
	rt.Lossless = conf.Link.Lossless
	fatalIf(rt.Start(ctx), "starting router")
	return &t
}

func run(conf *Config) {
	fmt.Fprintf(os.Stderr, "FORWARDING CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	l := logrus.New()
	fatalIf(logging.Configure(l, conf.Logging), "configuring logger")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctxRun, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	topo := build(ctxRun, l, conf)
	regs := asic.Registries(topo.asics()...)
	merged, err := engstat.Merge(regs)
	fatalIf(err, "merging registries")
	topo.routeStats.Each(func(name string, m any) {
		fatalIf(merged.Register(name, m), "registering %s", name)
	})

	chk := traffic.NewChecker()
	_, err = topo.receiver.Engine.RegisterHandler(func(h tfpkt.BufHandle, f []byte) {
		if err := chk.Check(f); err != nil {
			if conf.Test {
				fmt.Fprintf(os.Stderr, "TEST ERROR: %v\n", err)
				os.Exit(1)
			}
			l.WithError(err).Debug("Sequence check failed")
		}
		if err := topo.receiver.Engine.RxDone(h); err != nil {
			l.WithError(err).Error("Returning receive buffer")
		}
	}, nil)
	fatalIf(err, "registering receiver")

	sender, err := traffic.NewSender(topo.sender.Engine, frame.Flow{
		SrcMAC:  mustHW(conf.Sender.MAC),
		DstMAC:  mustHW(conf.Router.MAC1),
		SrcIP:   net.ParseIP(conf.Sender.SrcIP),
		DstIP:   net.ParseIP(conf.Sender.DstIP),
		SrcPort: conf.Sender.SrcPort,
		DstPort: conf.Sender.DstPort,
	}, int(conf.MTU), conf.Sender.RatePPS)
	fatalIf(err, "creating sender")

	g, gctx := errgroup.WithContext(ctxRun)
	for _, a := range topo.asics() {
		g.Go(func() error { return a.Run(gctx) })
	}
	for _, k := range topo.links {
		g.Go(func() error { return k.Run(gctx) })
	}
	g.Go(func() error { return stats.Serve(gctx, l, merged, conf.Stats, version) })
	go engstat.Watch(gctx, os.Stdout, topo.sender.Registry(), topo.receiver.Registry(), time.Second)

	before := engstat.Snapshot(regs, engstat.AllCounters...)

	start := time.Now()
	err = sender.Send(gctx, conf.Count)
	if err != nil && !errors.Is(err, context.Canceled) {
		l.WithError(err).Error("Sender stopped")
	}

	wait(gctx, time.Second, "forwarding", func() bool {
		return chk.Received() >= sender.Sent()
	})
	elapsed := time.Since(start)

	cancelRun()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		l.WithError(err).Error("Forwarding aborted")
	}
	deltas := engstat.Snapshot(regs, engstat.AllCounters...).Since(before)
	for _, a := range topo.asics() {
		fatalIf(a.Close(), "closing %s", a.Name)
	}

	if conf.Test {
		if received := chk.Received(); received != conf.Count {
			fmt.Fprintf(os.Stderr, "TEST FAILED: received %d of %d\n", received, conf.Count)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "TEST PASSED: received all %d packets in order\n", conf.Count)
	}
	printFinalReport(sender, chk, topo, elapsed)

	fmt.Fprintf(os.Stderr, "\nENGINE COUNTERS:\n")
	err = engstat.Print(os.Stderr, deltas, nil)
	fatalIf(err, "printing engine stats diff")
	fmt.Fprintln(os.Stderr)
}

func printFinalReport(s *traffic.Sender, chk *traffic.Checker, topo *topology, elapsed time.Duration) {
	txPackets := s.Sent()
	rxPackets := chk.Received()
	txBytes := s.Bytes()
	rxBytes := chk.Bytes()

	drops := txPackets - min(rxPackets, txPackets)
	secs := elapsed.Seconds()
	txAvgPPS := uint64(float64(txPackets) / secs)
	rxAvgPPS := uint64(float64(rxPackets) / secs)
	txAvgMbps := float64(txBytes*8) / 1e6 / secs
	rxAvgMbps := float64(rxBytes*8) / 1e6 / secs

	count := func(name string) int64 {
		return topo.routeStats.Get(name).(metrics.Counter).Count()
	}

	p := message.NewPrinter(language.English)
	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", secs)
	p.Printf(" TX:                %d packets\n", txPackets)
	p.Printf(" RX:                %d packets\n", rxPackets)
	p.Printf(" TX Avg PPS:        %d\n", txAvgPPS)
	p.Printf(" RX Avg PPS:        %d\n", rxAvgPPS)
	p.Printf(" TX Avg rate:       %.1f Mbps\n", txAvgMbps)
	p.Printf(" RX Avg rate:       %.1f Mbps\n", rxAvgMbps)
	p.Printf(" Dropped:           %d (%.4f%%)\n",
		drops, float64(drops)/float64(max(txPackets, 1))*100)
	p.Printf(" Routed:            %d (no route %d, queue drops %d)\n",
		count("route.forwarded"), count("route.no_route"), count("route.dropped"))
	for _, k := range topo.links {
		if k.Dropped() > 0 {
			p.Printf(" Link drops:        %d\n", k.Dropped())
		}
	}
	p.Printf(" Sequence errors:   %d\n", chk.Errors())
}

// wait polls done until it reports true, ctx is done or d has passed.
func wait(ctx context.Context, d time.Duration, subject string, done func() bool) {
	fmt.Fprintf(os.Stderr, "waiting up to %s for %s...\n", d, subject)
	deadline := time.Now().Add(d)
	for !done() && time.Now().Before(deadline) && ctx.Err() == nil {
		time.Sleep(time.Millisecond)
	}
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")
	run(conf)
}
