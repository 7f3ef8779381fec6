// Package etcd stores services in etcd. Importing it registers the "etcd"
// repository backend.
//
// Every service is a JSON record under `<prefix>/services/<endpoint>`.
// When a lease TTL is configured, records are bound to a lease kept alive
// for as long as the repository is open, so services of a crashed node
// vanish on their own.
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nohros/nohrosruby-sub001/internal/telemetry"
	"github.com/nohros/nohrosruby-sub001/pkg/endpoint"
	"github.com/nohros/nohrosruby-sub001/pkg/fact"
	"github.com/nohros/nohrosruby-sub001/pkg/repository"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const Backend = "etcd"

// Option keys understood in [repository.Config.Options].
const (
	OptEndpoints   = "endpoints"
	OptPrefix      = "prefix"
	OptLeaseTTL    = "lease_ttl"
	OptDialTimeout = "dial_timeout"
	OptLogLevel    = "log_level"
)

const DefaultPrefix = "/ruby"

func init() {
	repository.Register(Backend, func(cfg repository.Config) (repository.Repository, error) {
		settings, err := parseOptions(cfg.Options)
		if err != nil {
			return nil, err
		}
		return Open(settings, cfg.LogHandler)
	})
}

// Settings of the etcd backend.
type Settings struct {
	Endpoints   []string
	Prefix      string
	LeaseTTL    time.Duration
	DialTimeout time.Duration
	// LogLevel of the etcd client own logger.
	LogLevel zapcore.Level
}

func parseOptions(opts map[string]string) (Settings, error) {
	s := Settings{
		Prefix:      DefaultPrefix,
		DialTimeout: 5 * time.Second,
		LogLevel:    zapcore.WarnLevel,
	}
	for _, raw := range strings.Split(opts[OptEndpoints], ",") {
		if raw = strings.TrimSpace(raw); raw != "" {
			s.Endpoints = append(s.Endpoints, raw)
		}
	}
	if len(s.Endpoints) == 0 {
		return s, fmt.Errorf("%w: %s is required", repository.ErrInvalidCfg, OptEndpoints)
	}
	if prefix, ok := opts[OptPrefix]; ok {
		s.Prefix = strings.TrimSuffix(prefix, "/")
	}
	if raw, ok := opts[OptLeaseTTL]; ok {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			return s, fmt.Errorf("%w: %s: %w", repository.ErrInvalidCfg, OptLeaseTTL, err)
		}
		s.LeaseTTL = ttl
	}
	if raw, ok := opts[OptDialTimeout]; ok {
		timeout, err := time.ParseDuration(raw)
		if err != nil {
			return s, fmt.Errorf("%w: %s: %w", repository.ErrInvalidCfg, OptDialTimeout, err)
		}
		s.DialTimeout = timeout
	}
	if raw, ok := opts[OptLogLevel]; ok {
		level, err := zapcore.ParseLevel(raw)
		if err != nil {
			return s, fmt.Errorf("%w: %s: %w", repository.ErrInvalidCfg, OptLogLevel, err)
		}
		s.LogLevel = level
	}
	return s, nil
}

type Repository struct {
	cli    *clientv3.Client
	prefix string
	lease  clientv3.LeaseID
	logger *slog.Logger
	cancel context.CancelFunc
}

var _ repository.Repository = (*Repository)(nil)

// Open connects to etcd and, when s.LeaseTTL is set, grants the lease
// records are bound to.
func Open(s Settings, handler slog.Handler) (*Repository, error) {
	logCfg := zap.NewProductionConfig()
	logCfg.Level = zap.NewAtomicLevelAt(s.LogLevel)
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   s.Endpoints,
		DialTimeout: s.DialTimeout,
		LogConfig:   &logCfg,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	repo := &Repository{
		cli:    cli,
		prefix: s.Prefix,
		logger: telemetry.Logger(handler).With("backend", Backend),
		cancel: cancel,
	}

	if s.LeaseTTL > 0 {
		grantCtx, grantCancel := context.WithTimeout(ctx, s.DialTimeout)
		ttl := int64(s.LeaseTTL / time.Second)
		if ttl < 1 {
			ttl = 1
		}
		lease, err := cli.Grant(grantCtx, ttl)
		grantCancel()
		if err != nil {
			cancel()
			cli.Close()
			return nil, fmt.Errorf("could not grant a lease: %w", err)
		}
		repo.lease = lease.ID

		keepAlive, err := cli.KeepAlive(ctx, lease.ID)
		if err != nil {
			cancel()
			cli.Close()
			return nil, fmt.Errorf("could not keep the lease alive: %w", err)
		}
		go repo.drainKeepAlive(keepAlive)
	}

	return repo, nil
}

func (r *Repository) drainKeepAlive(ch <-chan *clientv3.LeaseKeepAliveResponse) {
	for range ch {
	}
	r.logger.Debug("lease keep-alive stopped", "lease", strconv.FormatInt(int64(r.lease), 16))
}

type record struct {
	Endpoint string       `json:"endpoint"`
	Facts    []recordFact `json:"facts"`
}

type recordFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (r *Repository) servicesPrefix() string {
	return r.prefix + "/services/"
}

func (r *Repository) key(ep endpoint.Endpoint) string {
	return r.servicesPrefix() + url.PathEscape(ep.String())
}

func encode(ep endpoint.Endpoint, facts fact.Set) ([]byte, error) {
	rec := record{Endpoint: ep.String(), Facts: make([]recordFact, len(facts))}
	for i, f := range facts {
		rec.Facts[i] = recordFact{Name: f.Name, Value: f.Value}
	}
	return json.Marshal(rec)
}

func decode(raw []byte) (endpoint.Endpoint, fact.Set, error) {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return endpoint.Endpoint{}, nil, err
	}
	ep, err := endpoint.Parse(rec.Endpoint)
	if err != nil {
		return endpoint.Endpoint{}, nil, err
	}
	facts := make(fact.Set, len(rec.Facts))
	for i, f := range rec.Facts {
		facts[i] = fact.New(f.Name, f.Value)
	}
	return ep, facts, nil
}

func (r *Repository) Query(ctx context.Context, facts fact.Set) ([]endpoint.Endpoint, error) {
	resp, err := r.cli.Get(ctx, r.servicesPrefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	var matches []endpoint.Endpoint
	for _, kv := range resp.Kvs {
		ep, stored, err := decode(kv.Value)
		if err != nil {
			r.logger.Warn("skipping undecodable record", "key", string(kv.Key), telemetry.LabelError.L(err))
			continue
		}
		if stored.Matches(facts) {
			matches = append(matches, ep)
		}
	}
	return matches, nil
}

func (r *Repository) Add(ctx context.Context, ep endpoint.Endpoint, facts fact.Set) error {
	value, err := encode(ep, facts)
	if err != nil {
		return err
	}

	var opts []clientv3.OpOption
	if r.lease != clientv3.NoLease {
		opts = append(opts, clientv3.WithLease(r.lease))
	}
	_, err = r.cli.Put(ctx, r.key(ep), string(value), opts...)
	return err
}

func (r *Repository) Remove(ctx context.Context, facts fact.Set) error {
	if len(facts) == 0 {
		return repository.ErrNoFacts
	}
	matches, err := r.Query(ctx, facts)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return nil
	}

	ops := make([]clientv3.Op, len(matches))
	for i, ep := range matches {
		ops[i] = clientv3.OpDelete(r.key(ep))
	}
	_, err = r.cli.Txn(ctx).Then(ops...).Commit()
	return err
}

// Close revokes the lease, dropping the records bound to it, and closes
// the client.
func (r *Repository) Close() error {
	var errs []error
	if r.lease != clientv3.NoLease {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := r.cli.Revoke(ctx, r.lease); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	r.cancel()
	errs = append(errs, r.cli.Close())
	return errors.Join(errs...)
}
