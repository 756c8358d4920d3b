// Package stats exports go-metrics registries to Prometheus.
package stats

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// Config is the stats section of a binary's config file.
// An empty Listen disables the exporter.
type Config struct {
	Listen    string        `yaml:"listen"`
	Path      string        `yaml:"path"`
	Namespace string        `yaml:"namespace"`
	Subsystem string        `yaml:"subsystem"`
	Interval  time.Duration `yaml:"interval"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Path == "" {
		c.Path = "/metrics"
	}
	if c.Namespace == "" {
		c.Namespace = "tfpkt"
	}
	if c.Interval == 0 {
		c.Interval = 10 * time.Second
	}
	if c.Interval < 0 {
		return fmt.Errorf("stats.interval was an invalid duration: %s", c.Interval)
	}
	return nil
}

// Handler returns an http.Handler serving r in the Prometheus text format.
// The Prometheus view is refreshed every c.Interval.
func Handler(l *logrus.Logger, r metrics.Registry, c Config, version string) http.Handler {
	pr := prometheus.NewRegistry()
	pClient := mp.NewPrometheusProvider(r, c.Namespace, c.Subsystem, pr, c.Interval)
	go pClient.UpdatePrometheusMetrics()

	// Export our version information as labels on a static gauge
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: c.Namespace,
		Subsystem: c.Subsystem,
		Name:      "info",
		Help:      "Version information for the packet engine binary",
		ConstLabels: prometheus.Labels{
			"version":   version,
			"goversion": runtime.Version(),
		},
	})
	pr.MustRegister(g)
	g.Set(1)

	return promhttp.HandlerFor(pr, promhttp.HandlerOpts{ErrorLog: l})
}

// Serve exports r on c.Listen until ctx is canceled.
// It returns nil right away when c.Listen is empty.
func Serve(ctx context.Context, l *logrus.Logger, r metrics.Registry, c Config, version string) error {
	if c.Listen == "" {
		return nil
	}
	if err := c.ValidateAndSetDefaults(); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(c.Path, Handler(l, r, c, version))
	srv := &http.Server{Addr: c.Listen, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	l.Infof("Prometheus stats listening on %s at %s", c.Listen, c.Path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
