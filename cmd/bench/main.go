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
	Egress struct {
		Engine  tfpkt.Config `yaml:"engine"`
		SrcMAC  string       `yaml:"src-mac"`
		DestMAC string       `yaml:"dest-mac"`
		SrcIP   string       `yaml:"src-ip"` // Not CLI-overwritable.
		DstIP   string       `yaml:"dst-ip"`
		SrcPort int          `yaml:"src-port"`
		DstPort int          `yaml:"dst-port"`
		RatePPS uint64       `yaml:"rate-pps"`
	} `yaml:"egress"`

	Ingress struct {
		Engine tfpkt.Config `yaml:"engine"`
	} `yaml:"ingress"`

	Link    tfsim.LinkConfig `yaml:"link"`
	Logging logging.Config   `yaml:"logging"`
	Stats   stats.Config     `yaml:"stats"`

	MTU   uint64 `yaml:"mtu"`
	Count uint64 `yaml:"count"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "", "path to config YAML file")
	fDestMAC := flag.String("d", "", "dest mac")
	fDstIP := flag.String("D", "", "dst ip")
	fPort := flag.Int("p", 0, "dst udp port")
	fCount := flag.Uint64("n", 0, "packet count")
	fPktSize := flag.Uint("l", 1500, "pkt size")
	fRate := flag.Uint64("r", 0, "rate limit in packets per second")
	fLossless := flag.Bool("lossless", false, "link waits for free memory instead of dropping")
	fStats := flag.String("stats", "", "prometheus listen address")

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

	// Apply CLI overrides if necessary.
	if *fDestMAC != "" {
		conf.Egress.DestMAC = *fDestMAC
	}
	if *fDstIP != "" {
		conf.Egress.DstIP = *fDstIP
	}
	if *fPort != 0 {
		conf.Egress.DstPort = *fPort
	}
	if *fPktSize != 1500 || conf.MTU == 0 {
		conf.MTU = uint64(*fPktSize)
	}
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fRate != 0 {
		conf.Egress.RatePPS = *fRate
	}
	if *fLossless {
		conf.Link.Lossless = true
	}
	if *fStats != "" {
		conf.Stats.Listen = *fStats
	}

	// Defaults

	if conf.Egress.SrcMAC == "" {
		conf.Egress.SrcMAC = "02:00:00:00:00:01"
	}
	if conf.Egress.DestMAC == "" {
		conf.Egress.DestMAC = "02:00:00:00:00:02"
	}
	if conf.Egress.SrcIP == "" {
		conf.Egress.SrcIP = "10.0.1.1"
	}
	if conf.Egress.DstIP == "" {
		conf.Egress.DstIP = "10.0.2.1"
	}
	if conf.Egress.SrcPort == 0 {
		conf.Egress.SrcPort = 12345
	}
	if conf.Egress.DstPort == 0 {
		conf.Egress.DstPort = 12345
	}
	if conf.Count == 0 {
		conf.Count = 1_000_000
	}

	// Validate

	if err := conf.Egress.Engine.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("egress.engine: %w", err)
	}
	if err := conf.Ingress.Engine.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("ingress.engine: %w", err)
	}
	if conf.Link.Rings == 0 {
		conf.Link.Rings = conf.Ingress.Engine.RxRings
	}
	if conf.Link.Rings > conf.Ingress.Engine.RxRings {
		return nil, fmt.Errorf("link.rings (%d) exceeds ingress rx-rings (%d)",
			conf.Link.Rings, conf.Ingress.Engine.RxRings)
	}
	if err := conf.Stats.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	for _, mac := range []string{conf.Egress.SrcMAC, conf.Egress.DestMAC} {
		if _, err := net.ParseMAC(mac); err != nil {
			return nil, fmt.Errorf("invalid mac %q: %w", mac, err)
		}
	}
	if net.ParseIP(conf.Egress.SrcIP).To4() == nil {
		return nil, fmt.Errorf("invalid egress.src-ip %q", conf.Egress.SrcIP)
	}
	if net.ParseIP(conf.Egress.DstIP).To4() == nil {
		return nil, fmt.Errorf("invalid egress.dst-ip %q", conf.Egress.DstIP)
	}
	if conf.Egress.DstPort <= 0 || conf.Egress.DstPort > 65535 {
		return nil, errors.New("egress.dst-port must be between 1-65535")
	}
	if conf.Egress.SrcPort <= 0 || conf.Egress.SrcPort > 65535 {
		return nil, errors.New("egress.src-port must be between 1-65535")
	}
	if conf.MTU < frame.MinSize || conf.MTU > uint64(conf.Egress.Engine.BufferSize) {
		return nil, fmt.Errorf("unsupported mtu %d", conf.MTU)
	}

	return &conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	l := logrus.New()
	fatalIf(logging.Configure(l, conf.Logging), "configuring logger")

	// Print final resolved config
	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	egress, err := asic.Open(l, "egress", conf.Egress.Engine)
	fatalIf(err, "egress asic")
	ingress, err := asic.Open(l, "ingress", conf.Ingress.Engine)
	fatalIf(err, "ingress asic")

	regs := asic.Registries(egress, ingress)
	merged, err := engstat.Merge(regs)
	fatalIf(err, "merging registries")

	chk := traffic.NewChecker()
	_, err = ingress.Engine.RegisterHandler(func(h tfpkt.BufHandle, f []byte) {
		if err := chk.Check(f); err != nil {
			l.WithError(err).Debug("Sequence check failed")
		}
		if err := ingress.Engine.RxDone(h); err != nil {
			l.WithError(err).Error("Returning receive buffer")
		}
	}, nil)
	fatalIf(err, "registering ingress handler")

	srcMAC, _ := net.ParseMAC(conf.Egress.SrcMAC)
	dstMAC, _ := net.ParseMAC(conf.Egress.DestMAC)
	sender, err := traffic.NewSender(egress.Engine, frame.Flow{
		SrcMAC:  srcMAC,
		DstMAC:  dstMAC,
		SrcIP:   net.ParseIP(conf.Egress.SrcIP),
		DstIP:   net.ParseIP(conf.Egress.DstIP),
		SrcPort: uint16(conf.Egress.SrcPort),
		DstPort: uint16(conf.Egress.DstPort),
	}, int(conf.MTU), conf.Egress.RatePPS)
	fatalIf(err, "creating sender")

	link := tfsim.NewLink(l, egress.Dev, ingress.Dev, conf.Link)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctxRun, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	g, gctx := errgroup.WithContext(ctxRun)
	g.Go(func() error { return egress.Run(gctx) })
	g.Go(func() error { return ingress.Run(gctx) })
	g.Go(func() error { return link.Run(gctx) })
	g.Go(func() error { return stats.Serve(gctx, l, merged, conf.Stats, version) })
	go engstat.Watch(gctx, os.Stdout, egress.Registry(), ingress.Registry(), time.Second)

	before := engstat.Snapshot(regs, engstat.AllCounters...)

	start := time.Now()
	err = sender.Send(gctx, conf.Count)
	if err != nil && !errors.Is(err, context.Canceled) {
		l.WithError(err).Error("Sender stopped")
	}

	{
		d := 300 * time.Millisecond
		fmt.Fprintf(os.Stderr, "waiting up to %s for transmission...\n", d)
		deadline := time.Now().Add(d)
		for chk.Received()+link.Dropped() < sender.Sent() &&
			time.Now().Before(deadline) && gctx.Err() == nil {
			time.Sleep(time.Millisecond)
		}
	}
	elapsed := time.Since(start)

	cancelRun()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		l.WithError(err).Error("Benchmark aborted")
	}

	deltas := engstat.Snapshot(regs, engstat.AllCounters...).Since(before)
	fatalIf(egress.Close(), "closing egress")
	fatalIf(ingress.Close(), "closing ingress")

	printFinalReport(sender, chk, link, elapsed)

	fmt.Fprintf(os.Stderr, "\nENGINE COUNTERS:\n")
	err = engstat.Print(os.Stderr, deltas, map[string]string{
		egress.Name:  "sender",
		ingress.Name: "receiver",
	})
	fatalIf(err, "printing engine stats diff")
	fmt.Fprintln(os.Stderr)
}

func printFinalReport(s *traffic.Sender, chk *traffic.Checker, link *tfsim.Link, elapsed time.Duration) {
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
	p.Printf(" Dropped on link:   %d\n", link.Dropped())
	p.Printf(" Sequence errors:   %d\n", chk.Errors())
}
