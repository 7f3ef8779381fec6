// Command rubynode runs a tracker of a Ruby node network.
//
// It can also announce a service, or look services up, before settling as
// a regular tracker:
//
//	rubynode -config node.yaml -announce 'service-name=billing@tcp://10.0.0.5:9000'
//	rubynode -find 'service-name=billing'
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-metrics/prometheus"
	ruby "github.com/nohros/nohrosruby-sub001"
	"github.com/nohros/nohrosruby-sub001/pkg/endpoint"
	"github.com/nohros/nohrosruby-sub001/pkg/fact"
	_ "github.com/nohros/nohrosruby-sub001/pkg/repository/etcd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConfigPath = flag.String("config", "", "YAML config file")

	Mailbox     = flag.String("mailbox", "", "endpoint the mailbox is bound on")
	Advertise   = flag.String("advertise", "", "host advertised to reach the mailbox")
	BeaconPort  = flag.Int("beacon-port", 0, "UDP port of beacons")
	Neighbours  = flag.String("neighbours", "", "comma-separated list of gossip neighbours, enables gossip")
	MetricsAddr = flag.String("metrics-addr", "", "address serving /metrics, empty to disable")
	LogLevel    = flag.String("log-level", "", "debug, info, warn or error")

	Announce    = flag.String("announce", "", "announce a service, as facts@endpoint")
	Find        = flag.String("find", "", "find the services matching the facts, then exit")
	FindTimeout = flag.Duration("find-timeout", 10*time.Second, "how long -find waits for an answer")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	cfg := DefaultConfig()
	if *ConfigPath != "" {
		var err error
		cfg, err = LoadConfig(*ConfigPath)
		if err != nil {
			slog.Error("failed to load config", "error", err)
			return 1
		}
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return 1
	}

	level, _ := cfg.level()
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)

	sink, err := prometheus.NewPrometheusSink()
	if err != nil {
		logger.Error("failed to create metric sink", "error", err)
		return 1
	}
	if cfg.Metrics.Addr != "" {
		go serveMetrics(logger, cfg.Metrics.Addr)
	}

	opts, err := cfg.Options(handler, sink)
	if err != nil {
		logger.Error("failed to build options", "error", err)
		return 1
	}
	engine, err := ruby.Create(opts...)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		return 2
	}

	// This will gracefully shutdown the node when pressing CTRL+C.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		logger.Error("failed to start engine", "error", err)
		engine.Shutdown()
		return 3
	}
	defer engine.Shutdown()

	if *Announce != "" {
		facts, ep, err := parseAnnounce(*Announce)
		if err != nil {
			logger.Error("invalid -announce", "error", err)
			return 1
		}
		if err := engine.Announce(ctx, facts, ep); err != nil {
			logger.Error("failed to announce service", "error", err)
			return 4
		}
	}

	if *Find != "" {
		facts, err := fact.ParseSet(*Find)
		if err != nil {
			logger.Error("invalid -find", "error", err)
			return 1
		}
		found, err := find(ctx, engine, facts, *FindTimeout)
		if err != nil {
			logger.Error("no service found", "facts", facts, "error", err)
			return 5
		}
		for _, ep := range found {
			fmt.Println(ep)
		}
		return 0
	}

	<-ctx.Done()
	logger.Info("terminating...")
	return 0
}

// applyFlags overrides cfg with the flags set on the command line.
func applyFlags(cfg *Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mailbox":
			cfg.Mailbox = *Mailbox
		case "advertise":
			cfg.Advertise = *Advertise
		case "beacon-port":
			cfg.Beacon.Enabled = true
			cfg.Beacon.Port = *BeaconPort
		case "neighbours":
			cfg.Gossip.Enabled = true
			cfg.Gossip.Neighbours = splitList(*Neighbours)
		case "metrics-addr":
			cfg.Metrics.Addr = *MetricsAddr
		case "log-level":
			cfg.LogLevel = *LogLevel
		}
	})
}

func splitList(s string) []string {
	var items []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// parseAnnounce reads `facts@endpoint`.
func parseAnnounce(s string) (fact.Set, endpoint.Endpoint, error) {
	rawFacts, rawEp, ok := strings.Cut(s, "@")
	if !ok {
		return nil, endpoint.Endpoint{}, fmt.Errorf("expected facts@endpoint, got %q", s)
	}
	facts, err := fact.ParseSet(rawFacts)
	if err != nil {
		return nil, endpoint.Endpoint{}, err
	}
	ep, err := endpoint.Parse(rawEp)
	if err != nil {
		return nil, endpoint.Endpoint{}, err
	}
	return facts, ep, nil
}

// find retries until a tracker is known, then waits for the first answer.
func find(ctx context.Context, engine *ruby.Engine, facts fact.Set, timeout time.Duration) ([]endpoint.Endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan endpoint.Endpoint, 64)
	cb := func(ep endpoint.Endpoint) {
		select {
		case results <- ep:
		default:
		}
	}

	retry := time.NewTicker(time.Second)
	defer retry.Stop()
	for {
		err := engine.FindServices(ctx, facts, cb)
		if err == nil {
			break
		}
		if !errors.Is(err, ruby.ErrNoTrackers) && !errors.Is(err, ruby.ErrNotDelivered) {
			return nil, err
		}
		select {
		case <-retry.C:
		case <-ctx.Done():
			return nil, err
		}
	}

	var found []endpoint.Endpoint
	select {
	case ep := <-results:
		found = append(found, ep)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	// a single response carries every match, drain it.
	for {
		select {
		case ep := <-results:
			found = append(found, ep)
		case <-time.After(100 * time.Millisecond):
			return found, nil
		}
	}
}

func serveMetrics(logger *slog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", "error", err)
	}
}
