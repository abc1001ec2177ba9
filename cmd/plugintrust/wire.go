package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	trust "github.com/reglet-dev/reglet-trust"
	"github.com/reglet-dev/reglet-trust/capability/gatekeeper"
	"github.com/reglet-dev/reglet-trust/capability/grantstore"
	"github.com/reglet-dev/reglet-trust/capability/revocation"
	"github.com/reglet-dev/reglet-trust/config"
	"github.com/reglet-dev/reglet-trust/metrics"
	"github.com/reglet-dev/reglet-trust/plugin/keyring"
	"github.com/reglet-dev/reglet-trust/plugin/oci"
	"github.com/reglet-dev/reglet-trust/plugin/repository"
	"github.com/reglet-dev/reglet-trust/scanner"
	"github.com/reglet-dev/reglet-trust/storage/postgres"
)

// env is a wired kernel plus the resources it borrows.
type env struct {
	cfg      *config.Config
	logger   *slog.Logger
	kernel   *trust.Kernel
	registry *prometheus.Registry
	closers  []func(context.Context) error
}

func (e *env) Close(ctx context.Context) error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i](ctx))
	}
	return errors.Join(errs...)
}

// wire builds a kernel from cfg. On error every resource opened so far is
// released.
func wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *env, err error) {
	e := &env{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = e.Close(ctx)
		}
	}()

	level, err := gatekeeper.ParseSecurityLevel(cfg.SecurityLevel)
	if err != nil {
		return nil, err
	}
	opts := []trust.Option{
		trust.WithLogger(logger),
		trust.WithSecurityLevel(level),
		trust.WithCacheTTL(cfg.CacheTTL),
		trust.WithGracePeriod(cfg.GracePeriod),
		trust.WithBlockOnCritical(cfg.BlockOnCritical),
		trust.WithCeilings(cfg.ValidationCeilings()),
		trust.WithLimitCeiling(cfg.SandboxCeiling()),
		trust.WithScanWorkers(cfg.Scanner.Workers),
		trust.WithPackageSource(oci.NewSource(oci.NewEnvAuthProvider())),
	}

	e.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	observer, err := metrics.NewObserver(e.registry)
	if err != nil {
		return nil, err
	}
	opts = append(opts, trust.WithPolicyObserver(observer), trust.WithSandboxObserver(observer))

	if cfg.UsesPostgres() {
		pool, err := postgres.Open(ctx, postgres.Config{
			DSN:            cfg.Storage.Postgres.DSN,
			ConnectTimeout: cfg.Storage.Postgres.ConnectTimeout,
			MaxConns:       cfg.Storage.Postgres.MaxConns,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, func(context.Context) error { pool.Close(); return nil })
		if cfg.Storage.Grants == config.BackendPostgres {
			opts = append(opts, trust.WithGrantStore(postgres.NewGrantStore(pool)))
		}
		if cfg.Storage.Audit == config.BackendPostgres {
			opts = append(opts, trust.WithAuditLog(postgres.NewAuditLog(pool)))
		}
	}
	if cfg.Storage.Grants == config.BackendFile {
		store, err := grantstore.NewFileStore(grantstore.WithPath(cfg.Storage.GrantFile))
		if err != nil {
			return nil, fmt.Errorf("open grant file: %w", err)
		}
		opts = append(opts, trust.WithGrantStore(store))
	}
	if cfg.Storage.KeyFile != "" {
		opts = append(opts, trust.WithKeyStore(keyring.NewFileStore(cfg.Storage.KeyFile)))
	}
	if cfg.Storage.PackageDir != "" {
		repo, err := repository.NewFSPackageRepository(cfg.Storage.PackageDir)
		if err != nil {
			return nil, fmt.Errorf("open package dir: %w", err)
		}
		opts = append(opts, trust.WithRepository(repo))
	}
	if len(cfg.Scanner.RuleFiles) > 0 {
		rules, err := scanner.LoadRuleFiles(cfg.Scanner.RuleFiles...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, trust.WithScannerRules(rules))
	}

	if addr := cfg.Revocation.Redis.Addr; addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Revocation.Redis.Password,
			DB:       cfg.Revocation.Redis.DB,
		})
		e.closers = append(e.closers, func(context.Context) error { return client.Close() })
		busOpts := []revocation.RedisOption{revocation.WithLogger(logger)}
		if ch := cfg.Revocation.Redis.Channel; ch != "" {
			busOpts = append(busOpts, revocation.WithChannel(ch))
		}
		bus, err := revocation.NewRedisBus(ctx, client, busOpts...)
		if err != nil {
			return nil, fmt.Errorf("subscribe revocations: %w", err)
		}
		e.closers = append(e.closers, func(context.Context) error { return bus.Close() })
		opts = append(opts, trust.WithRevocationBus(bus))
	}

	k, err := trust.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	e.kernel = k
	e.closers = append(e.closers, k.Close)
	return e, nil
}
