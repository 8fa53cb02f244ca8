package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	logx "workbot/pkg/logx"
)

const (
	PolicyAllow = "allow"
	PolicyDeny  = "deny"
)

// Validate checks structural rules that don't need any runtime component.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if !logx.ValidLevel(cfg.Logging.Level) {
		add("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if !logx.ValidLevel(cfg.Logging.Discord.MinLevel) {
		add("logging.discord.min_level: unknown level %q", cfg.Logging.Discord.MinLevel)
	}

	wt := cfg.WorkTime
	if wt.Enabled {
		switch strings.ToLower(strings.TrimSpace(wt.Policy)) {
		case PolicyAllow:
			if len(wt.ExcludedChannelIDs) > 0 {
				add("worktime: excluded_channel_ids cannot be used with policy=allow")
			}
			if len(wt.TargetChannelIDs) == 0 {
				add("worktime: target_channel_ids is required with policy=allow")
			}
		case PolicyDeny:
			if len(wt.TargetChannelIDs) > 0 {
				add("worktime: target_channel_ids cannot be used with policy=deny")
			}
		default:
			add("worktime.policy: must be %q or %q, got %q", PolicyAllow, PolicyDeny, wt.Policy)
		}
		if wt.RankingLimit < 0 {
			add("worktime.ranking_limit must be >= 0")
		}
		if tz := strings.TrimSpace(wt.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				add("worktime.timezone: invalid %q: %w", tz, err)
			}
		}
	}

	if cfg.Bump.Enabled {
		if strings.TrimSpace(cfg.Bump.ChannelID) == "" {
			add("bump.channel_id is required when bump.enabled")
		}
		if cfg.Bump.Lookback < 0 {
			add("bump.lookback must be >= 0")
		}
	}
	if cfg.Intro.Enabled {
		if strings.TrimSpace(cfg.Intro.ChannelID) == "" || strings.TrimSpace(cfg.Intro.RoleID) == "" {
			add("intro.channel_id and intro.role_id are required when intro.enabled")
		}
		if cfg.Intro.BackfillLimit < 0 {
			add("intro.backfill_limit must be >= 0")
		}
	}
	if cfg.Recruit.Enabled && strings.TrimSpace(cfg.Recruit.ChannelID) == "" {
		add("recruit.channel_id is required when recruit.enabled")
	}
	if cfg.Scheduler.BackfillEveryTicks < 0 {
		add("scheduler.backfill_every_ticks must be >= 0")
	}

	durations := map[string]string{
		"bump.cooldown":              cfg.Bump.Cooldown,
		"intro.backfill_window":      cfg.Intro.BackfillWindow,
		"recruit.cooldown":           cfg.Recruit.Cooldown,
		"scheduler.tick_timeout":     cfg.Scheduler.TickTimeout,
		"scheduler.start_delay":      cfg.Scheduler.StartDelay,
		"storage.busy_timeout":       "",
		"notifier.retry_base":        "",
		"notifier.retry_max_delay":   "",
		"restart.backoff":            "",
		"restart.rate_limit_backoff": "",
	}
	if cfg.Storage != nil {
		durations["storage.busy_timeout"] = cfg.Storage.BusyTimeout
	}
	if cfg.Notifier != nil {
		durations["notifier.retry_base"] = cfg.Notifier.RetryBase
		durations["notifier.retry_max_delay"] = cfg.Notifier.RetryMaxDelay
	}
	if cfg.Restart != nil {
		durations["restart.backoff"] = cfg.Restart.Backoff
		durations["restart.rate_limit_backoff"] = cfg.Restart.RateLimitBackoff
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "none", "file":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(cfg.Storage.Path) == "" {
				add("storage.path is required when storage.driver=sqlite")
			}
		case "postgres", "pgx":
			if strings.TrimSpace(cfg.Storage.DSN) == "" {
				add("storage.dsn is required when storage.driver=postgres")
			}
		default:
			add("unknown storage.driver: %s", cfg.Storage.Driver)
		}
	}
	if pc := cfg.Pprof; pc != nil {
		if pc.BlockProfileRate < 0 || pc.MutexProfileFraction < 0 {
			add("pprof: profile rates must be >= 0")
		}
		if addr := strings.TrimSpace(pc.Addr); pc.Enabled && addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				add("pprof.addr: invalid %q (expected host:port): %w", addr, err)
			} else if !pc.AllowPublic && !IsLoopbackAddr(addr) {
				add("pprof: binding to non-loopback addr %q requires allow_public=true", addr)
			}
		}
	}
	return errors.Join(errs...)
}

// IsLoopbackAddr reports whether a host:port binds to loopback only.
func IsLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
