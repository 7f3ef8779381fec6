package main

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	ruby "github.com/nohros/nohrosruby-sub001"
	"github.com/nohros/nohrosruby-sub001/pkg/beacon"
	"github.com/nohros/nohrosruby-sub001/pkg/endpoint"
	"github.com/nohros/nohrosruby-sub001/pkg/repository"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Config of a node, usually read from a YAML file.
type Config struct {
	PeerID    string `yaml:"peer_id"`
	Mailbox   string `yaml:"mailbox"`
	Advertise string `yaml:"advertise"`
	LogLevel  string `yaml:"log_level"`

	Beacon struct {
		Enabled     bool          `yaml:"enabled"`
		Bind        string        `yaml:"bind"`
		Port        int           `yaml:"port"`
		Destination string        `yaml:"destination"`
		Interval    time.Duration `yaml:"interval"`
	} `yaml:"beacon"`

	Gossip struct {
		Enabled    bool     `yaml:"enabled"`
		Bind       string   `yaml:"bind"`
		Port       int      `yaml:"port"`
		Neighbours []string `yaml:"neighbours"`
	} `yaml:"gossip"`

	Repository repository.Config `yaml:"repository"`

	TrackerExpiry time.Duration `yaml:"tracker_expiry"`
	QueryTTL      time.Duration `yaml:"query_ttl"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`

	TLS struct {
		Cert string `yaml:"cert"`
		Key  string `yaml:"key"`
		CA   string `yaml:"ca"`
	} `yaml:"tls"`
}

func DefaultConfig() Config {
	var c Config
	c.Mailbox = "tcp://*:8521"
	c.LogLevel = "info"
	c.Beacon.Enabled = true
	c.Beacon.Port = beacon.DefaultPort
	c.Beacon.Interval = time.Second
	c.Gossip.Port = 7946
	c.Repository.Backend = repository.MemoryBackend
	c.TrackerExpiry = time.Minute
	c.QueryTTL = 30 * time.Second
	c.Metrics.Addr = ":9852"
	return c
}

// LoadConfig reads the YAML file at path on top of the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.PeerID != "" {
		if _, err := uuid.Parse(c.PeerID); err != nil {
			errs = append(errs, fmt.Errorf("peer_id: %w", err))
		}
	}
	if _, err := endpoint.Parse(c.Mailbox); err != nil {
		errs = append(errs, fmt.Errorf("mailbox: %w", err))
	}
	if _, err := c.level(); err != nil {
		errs = append(errs, err)
	}
	if c.Beacon.Enabled {
		if c.Beacon.Port <= 0 || c.Beacon.Port > 65535 {
			errs = append(errs, fmt.Errorf("beacon.port: %d out of range", c.Beacon.Port))
		}
		if c.Beacon.Destination != "" {
			if _, err := netip.ParseAddrPort(c.Beacon.Destination); err != nil {
				errs = append(errs, fmt.Errorf("beacon.destination: %w", err))
			}
		}
	}
	if c.Gossip.Enabled && (c.Gossip.Port < 0 || c.Gossip.Port > 65535) {
		errs = append(errs, fmt.Errorf("gossip.port: %d out of range", c.Gossip.Port))
	}
	if c.TrackerExpiry < 0 || c.QueryTTL < 0 {
		errs = append(errs, errors.New("tracker_expiry and query_ttl cannot be negative"))
	}
	tlsSet := 0
	for _, f := range []string{c.TLS.Cert, c.TLS.Key, c.TLS.CA} {
		if f != "" {
			tlsSet++
		}
	}
	if tlsSet != 0 && tlsSet != 3 {
		errs = append(errs, errors.New("tls: cert, key and ca must be provided together"))
	}
	if strings.HasPrefix(c.Mailbox, "quic://") && tlsSet == 0 {
		errs = append(errs, errors.New("tls: required by a quic mailbox"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (c *Config) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return level, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

// Options turns a validated config into engine options.
func (c *Config) Options(handler slog.Handler, sink metrics.MetricSink) ([]ruby.Option, error) {
	opts := []ruby.Option{
		ruby.WithLog(handler),
		ruby.WithMetricSink(sink),
		ruby.WithMailbox(c.Mailbox),
		ruby.WithAdvertiseAddr(c.Advertise),
		ruby.WithRepositoryConfig(c.Repository),
		ruby.WithTrackerExpiry(c.TrackerExpiry),
		ruby.WithQueryTTL(c.QueryTTL),
	}

	if c.PeerID != "" {
		id, err := uuid.Parse(c.PeerID)
		if err != nil {
			return nil, err
		}
		opts = append(opts, ruby.WithPeerID(id))
	}

	if c.Beacon.Enabled {
		opts = append(opts,
			ruby.WithBeacon(c.Beacon.Bind, c.Beacon.Port),
			ruby.WithBeaconInterval(c.Beacon.Interval),
		)
		if c.Beacon.Destination != "" {
			dst, err := netip.ParseAddrPort(c.Beacon.Destination)
			if err != nil {
				return nil, err
			}
			opts = append(opts, ruby.WithBeaconDestination(dst))
		}
	}

	if c.Gossip.Enabled {
		opts = append(opts,
			ruby.WithGossip(c.Gossip.Bind, c.Gossip.Port),
			ruby.WithNeighbours(c.Gossip.Neighbours),
		)
	}

	if c.TLS.Cert != "" {
		tlsConf, err := loadTlsConfig(c.TLS.Cert, c.TLS.Key, c.TLS.CA)
		if err != nil {
			return nil, err
		}
		opts = append(opts, ruby.WithTlsConfig(tlsConf))
	}
	return opts, nil
}

func loadTlsConfig(cert, key, ca string) (*tls.Config, error) {
	keypair, err := tls.LoadX509KeyPair(cert, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load node cert: %w", err)
	}

	caBytes, err := os.ReadFile(ca)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA: %w", err)
	}

	caBundle := x509.NewCertPool()
	if !caBundle.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("failed to load CA: no certificate in %s", ca)
	}

	return &tls.Config{
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caBundle,
		Certificates: []tls.Certificate{keypair},
		RootCAs:      caBundle,
	}, nil
}
