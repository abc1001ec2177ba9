package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// envParser collects conversion errors so one bad variable does not hide
// the others.
type envParser struct {
	errs []error
}

func (p *envParser) str(key string, dst *string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func (p *envParser) csv(key string, dst *[]string) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (p *envParser) integer(key string, dst *int) {
	if v, ok := lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			p.fail(key, err)
			return
		}
		*dst = n
	}
}

func (p *envParser) integer32(key string, dst *int32) {
	if v, ok := lookup(key); ok {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			p.fail(key, err)
			return
		}
		*dst = int32(n)
	}
}

func (p *envParser) integer64(key string, dst *int64) {
	if v, ok := lookup(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			p.fail(key, err)
			return
		}
		*dst = n
	}
}

func (p *envParser) float(key string, dst *float64) {
	if v, ok := lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			p.fail(key, err)
			return
		}
		*dst = f
	}
}

func (p *envParser) boolean(key string, dst *bool) {
	if v, ok := lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			p.fail(key, err)
			return
		}
		*dst = b
	}
}

func (p *envParser) dur(key string, dst *time.Duration) {
	if v, ok := lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			p.fail(key, err)
			return
		}
		*dst = d
	}
}

func (p *envParser) fail(key string, err error) {
	p.errs = append(p.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
}

func (c *Config) applyEnvOverrides() error {
	var p envParser

	p.str("SECURITY_LEVEL", &c.SecurityLevel)
	p.dur("CACHE_TTL", &c.CacheTTL)
	p.dur("GRACE_PERIOD", &c.GracePeriod)
	p.boolean("BLOCK_ON_CRITICAL", &c.BlockOnCritical)

	p.integer64("CEILING_MAX_MEMORY_BYTES", &c.Ceilings.MaxMemoryBytes)
	p.dur("CEILING_MAX_CPU_PER_INVOKE", &c.Ceilings.MaxCPUPerInvoke)
	p.integer("CEILING_MAX_CALLS_PER_SECOND", &c.Ceilings.MaxCallsPerSecond)

	p.integer64("LIMIT_MAX_MEMORY_BYTES", &c.Limits.MaxMemoryBytes)
	p.dur("LIMIT_MAX_CPU_PER_INVOKE", &c.Limits.MaxCPUPerInvoke)
	p.dur("LIMIT_MAX_CPU_TOTAL", &c.Limits.MaxCPUTotal)
	p.dur("LIMIT_MAX_WALL_PER_INVOKE", &c.Limits.MaxWallPerInvoke)
	p.integer("LIMIT_MAX_CALLS_PER_SECOND", &c.Limits.MaxCallsPerSecond)

	p.str("STORAGE_GRANTS", &c.Storage.Grants)
	p.str("STORAGE_GRANT_FILE", &c.Storage.GrantFile)
	p.str("STORAGE_AUDIT", &c.Storage.Audit)
	p.str("STORAGE_KEY_FILE", &c.Storage.KeyFile)
	p.str("STORAGE_PACKAGE_DIR", &c.Storage.PackageDir)
	p.str("PG_DSN", &c.Storage.Postgres.DSN)
	p.integer32("PG_MAX_CONNS", &c.Storage.Postgres.MaxConns)
	p.dur("PG_CONNECT_TIMEOUT", &c.Storage.Postgres.ConnectTimeout)

	p.str("REDIS_ADDR", &c.Revocation.Redis.Addr)
	p.str("REDIS_PASSWORD", &c.Revocation.Redis.Password)
	p.integer("REDIS_DB", &c.Revocation.Redis.DB)
	p.str("REDIS_CHANNEL", &c.Revocation.Redis.Channel)

	p.csv("SCANNER_RULE_FILES", &c.Scanner.RuleFiles)
	p.integer("SCANNER_WORKERS", &c.Scanner.Workers)

	p.str("ADMIN_ADDR", &c.Admin.Addr)
	p.dur("ADMIN_REAP_INTERVAL", &c.Admin.ReapInterval)
	p.float("ADMIN_MAX_HOST_MEMORY_PERCENT", &c.Admin.MaxHostMemory)
	p.dur("ADMIN_SHUTDOWN_TIMEOUT", &c.Admin.ShutdownTimeout)

	p.str("LOG_LEVEL", &c.Log.Level)
	p.str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(p.errs...)
}
