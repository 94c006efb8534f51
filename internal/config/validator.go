package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the configuration for errors. It returns the first
// problem found; a nil return means the configuration is usable.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if cfg.Listen.Address == "" {
		return fmt.Errorf("listen.address is required")
	}

	if len(cfg.Backends) == 0 {
		return fmt.Errorf("at least one backend is required")
	}

	seen := make(map[string]bool, len(cfg.Backends))
	for i, b := range cfg.Backends {
		if err := validateBackend(i, b); err != nil {
			return err
		}
		if seen[b.Name] {
			return fmt.Errorf("backends[%d]: duplicate backend name %q", i, b.Name)
		}
		seen[b.Name] = true
	}

	if cfg.Probes.LatencyMultiple <= 1 {
		return fmt.Errorf("probes.latencyMultiple must be greater than 1")
	}

	if err := validateCircuitBreaker(cfg.CircuitBreaker); err != nil {
		return err
	}

	if err := validateRateLimit(cfg.RateLimit); err != nil {
		return err
	}

	if err := validateCache(cfg.Cache); err != nil {
		return err
	}

	if err := validateAuth(cfg.Auth, cfg.RateLimit); err != nil {
		return err
	}

	if cfg.Timeouts.BackendCall.Duration() > cfg.Timeouts.Request.Duration() {
		return fmt.Errorf("timeouts.backendCall must not exceed timeouts.request")
	}

	return nil
}

func validateBackend(i int, b BackendConfig) error {
	if b.Name == "" {
		return fmt.Errorf("backends[%d]: name is required", i)
	}
	if b.Model == "" {
		return fmt.Errorf("backends[%d] (%s): model is required", i, b.Name)
	}
	if b.Address == "" {
		return fmt.Errorf("backends[%d] (%s): address is required", i, b.Name)
	}

	u, err := url.Parse(b.Address)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("backends[%d] (%s): address must be an http(s) URL", i, b.Name)
	}

	if b.Weight < 0 {
		return fmt.Errorf("backends[%d] (%s): weight must not be negative", i, b.Name)
	}
	return nil
}

func validateCircuitBreaker(cb CircuitBreakerConfig) error {
	if cb.FailureRatio < 0 || cb.FailureRatio > 1 {
		return fmt.Errorf("circuitBreaker.failureRatio must be between 0 and 1")
	}
	if cb.MinVolume < 1 {
		return fmt.Errorf("circuitBreaker.minVolume must be at least 1")
	}
	if cb.Cooldown.Duration() > cb.MaxCooldown.Duration() {
		return fmt.Errorf("circuitBreaker.cooldown must not exceed maxCooldown")
	}
	if cb.HalfOpenMax < cb.SuccessThreshold {
		return fmt.Errorf("circuitBreaker.halfOpenMax must be at least successThreshold")
	}
	return nil
}

func validateRateLimit(rl RateLimitConfig) error {
	if !rl.Enabled {
		return nil
	}
	if len(rl.Tiers) == 0 {
		return fmt.Errorf("rateLimit.tiers must not be empty when enabled")
	}
	for name, limits := range rl.Tiers {
		if limits.PerMinute <= 0 || limits.PerHour <= 0 || limits.PerDay <= 0 {
			return fmt.Errorf("rateLimit.tiers.%s: all window limits must be positive", name)
		}
		if limits.PerMinute > limits.PerHour || limits.PerHour > limits.PerDay {
			return fmt.Errorf("rateLimit.tiers.%s: limits must be non-decreasing across windows", name)
		}
	}
	return nil
}

func validateCache(c CacheConfig) error {
	if !c.Enabled {
		return nil
	}
	switch c.Type {
	case CacheTypeMemory, "":
	case CacheTypeRedis:
		if c.Redis.Address == "" {
			return fmt.Errorf("cache.redis.address is required for redis cache")
		}
	default:
		return fmt.Errorf("cache.type must be %q or %q", CacheTypeMemory, CacheTypeRedis)
	}
	if c.TTL.Duration() <= 0 {
		return fmt.Errorf("cache.ttl must be positive when cache is enabled")
	}
	return nil
}

func validateAuth(a AuthConfig, rl RateLimitConfig) error {
	for i, k := range a.APIKeys {
		if k.Key == "" || k.Principal == "" {
			return fmt.Errorf("auth.apiKeys[%d]: key and principal are required", i)
		}
		if rl.Enabled && k.Tier != "" {
			if _, ok := rl.Tiers[k.Tier]; !ok {
				return fmt.Errorf("auth.apiKeys[%d]: unknown tier %q", i, k.Tier)
			}
		}
	}

	if a.JWT.Enabled {
		if a.JWT.Secret == "" && a.JWT.JWKSURL == "" {
			return fmt.Errorf("auth.jwt: secret or jwksURL is required when enabled")
		}
		if a.JWT.Secret != "" && a.JWT.JWKSURL != "" {
			return fmt.Errorf("auth.jwt: secret and jwksURL are mutually exclusive")
		}
	}

	if rl.Enabled && a.DefaultTier != "" {
		if _, ok := rl.Tiers[a.DefaultTier]; !ok {
			return fmt.Errorf("auth.defaultTier: unknown tier %q", a.DefaultTier)
		}
	}

	if strings.TrimSpace(a.DefaultTier) == "" && len(a.APIKeys) == 0 && !a.JWT.Enabled {
		return fmt.Errorf("auth: no credential source configured and no default tier")
	}

	return nil
}
