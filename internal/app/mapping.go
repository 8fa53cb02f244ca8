package app

import (
	"fmt"
	"strings"
	"time"

	"workbot/internal/config"
	"workbot/internal/notifier"
	"workbot/internal/plugin"
	"workbot/internal/task/scheduler"
	logx "workbot/pkg/logx"
	"workbot/plugins/bump"
	"workbot/plugins/intro"
	"workbot/plugins/recruit"
	"workbot/plugins/worktime"
)

const (
	defaultInterval         = "15m"
	defaultTickTimeout      = 2 * time.Minute
	defaultStartDelay       = 30 * time.Second
	defaultTimezone         = "Asia/Tokyo"
	defaultRestartBackoff   = 30 * time.Second
	defaultRateLimitBackoff = 10 * time.Minute
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Discord: logx.DiscordConfig{
			Enabled:    l.Discord.Enabled,
			ChannelID:  l.Discord.ChannelID,
			MinLevel:   l.Discord.MinLevel,
			RatePerSec: l.Discord.RatePerSec,
		},
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	var out notifier.Config
	if cfg == nil || cfg.Notifier == nil {
		return out, nil
	}
	nc := cfg.Notifier
	if nc.RatePerSec < 0 || nc.RetryMax < 0 {
		return out, fmt.Errorf("notifier.rate_per_sec and notifier.retry_max must be >= 0")
	}
	base, err := config.ParseDurationField("notifier.retry_base", nc.RetryBase)
	if err != nil {
		return out, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay)
	if err != nil {
		return out, err
	}
	out.RatePerSec = nc.RatePerSec
	out.RetryMax = nc.RetryMax
	out.RetryBase = base
	out.RetryMaxDelay = maxDelay
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	tickTimeout, err := config.ParseDurationOrDefault("scheduler.tick_timeout", sc.TickTimeout, defaultTickTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	startDelay, err := config.ParseDurationOrDefault("scheduler.start_delay", sc.StartDelay, defaultStartDelay)
	if err != nil {
		return scheduler.Config{}, err
	}
	schedule := strings.TrimSpace(sc.Interval)
	if schedule == "" {
		schedule = defaultInterval
	}
	return scheduler.Config{
		Schedule:    schedule,
		TickTimeout: tickTimeout,
		StartDelay:  startDelay,
		Timezone:    sc.Timezone,
	}, nil
}

// restartBackoff returns the generic and rate-limited run loop delays.
func restartBackoff(cfg *config.Config) (generic, rateLimited time.Duration) {
	generic, rateLimited = defaultRestartBackoff, defaultRateLimitBackoff
	if cfg == nil || cfg.Restart == nil {
		return generic, rateLimited
	}
	if d, err := config.ParseDurationOrDefault("restart.backoff", cfg.Restart.Backoff, generic); err == nil {
		generic = d
	}
	if d, err := config.ParseDurationOrDefault("restart.rate_limit_backoff", cfg.Restart.RateLimitBackoff, rateLimited); err == nil {
		rateLimited = d
	}
	return generic, rateLimited
}

// LoadLocation resolves an IANA zone name, defaulting to Asia/Tokyo.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultTimezone
	}
	return time.LoadLocation(name)
}

// buildPlugins returns the enabled feature modules in start order.
func buildPlugins(cfg *config.Config) ([]plugin.Plugin, error) {
	var out []plugin.Plugin

	if wt := cfg.WorkTime; wt.Enabled {
		loc, err := LoadLocation(wt.Timezone)
		if err != nil {
			return nil, fmt.Errorf("worktime.timezone: %w", err)
		}
		out = append(out, worktime.New(worktime.Config{
			Policy:             wt.Policy,
			TargetChannelIDs:   wt.TargetChannelIDs,
			ExcludedChannelIDs: wt.ExcludedChannelIDs,
			NotifyDM:           wt.NotifyDM,
			RankingLimit:       wt.RankingLimit,
			Location:           loc,
		}))
	}

	if b := cfg.Bump; b.Enabled {
		cooldown, err := config.ParseDurationOrDefault("bump.cooldown", b.Cooldown, bump.DefaultCooldown)
		if err != nil {
			return nil, err
		}
		out = append(out, bump.New(bump.Config{
			ChannelID:    b.ChannelID,
			LogChannelID: b.LogChannelID,
			BotID:        b.ExternalBotID,
			Marker:       b.SuccessMarker,
			Cooldown:     cooldown,
			Lookback:     b.Lookback,
		}))
	}

	if in := cfg.Intro; in.Enabled {
		window, err := config.ParseDurationOrDefault("intro.backfill_window", in.BackfillWindow, intro.DefaultBackfillWindow)
		if err != nil {
			return nil, err
		}
		out = append(out, intro.New(intro.Config{
			ChannelID:          in.ChannelID,
			RoleID:             in.RoleID,
			WelcomeChannelID:   in.WelcomeChannelID,
			ServerName:         in.ServerName,
			ApproveEmoji:       in.ApproveEmoji,
			BackfillWindow:     window,
			BackfillLimit:      in.BackfillLimit,
			BackfillEveryTicks: cfg.Scheduler.BackfillEveryTicks,
		}))
	}

	if rc := cfg.Recruit; rc.Enabled {
		cooldown, err := config.ParseDurationOrDefault("recruit.cooldown", rc.Cooldown, recruit.DefaultCooldown)
		if err != nil {
			return nil, err
		}
		out = append(out, recruit.New(recruit.Config{
			ChannelID:    rc.ChannelID,
			NotifyRoleID: rc.NotifyRoleID,
			Cooldown:     cooldown,
		}))
	}
	return out, nil
}
