package config

import (
	"sort"
	"strings"

	logx "workbot/pkg/logx"
)

// LiveSections are applied on hot reload; every other section needs a restart.
var LiveSections = map[string]bool{"logging": true, "pprof": true}

// SummarizeConfigChange returns (1) the sorted list of changed sections,
// (2) safe structured attrs for logging (never includes the token or DSN),
// and (3) the changed sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	// Discord: compare the token by presence only.
	od, nd := oldCfg.Discord, newCfg.Discord
	tokenChanged := strings.TrimSpace(od.Token) != strings.TrimSpace(nd.Token)
	od.Token, nd.Token = "", ""
	if tokenChanged || hashSection(od) != hashSection(nd) {
		changed = append(changed, "discord")
		attrs = append(attrs,
			logx.Bool("discord.token_changed", tokenChanged),
			logx.String("discord.guild_id", nd.GuildID),
			logx.Int("discord.admin_count", len(nd.AdminUserIDs)),
		)
	}

	if hashSection(oldCfg.Logging) != hashSection(newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.discord_enabled", newCfg.Logging.Discord.Enabled),
		)
	}

	if hashSection(oldCfg.WorkTime) != hashSection(newCfg.WorkTime) {
		changed = append(changed, "worktime")
		attrs = append(attrs,
			logx.Bool("worktime.enabled", newCfg.WorkTime.Enabled),
			logx.String("worktime.policy", newCfg.WorkTime.Policy),
		)
	}
	if hashSection(oldCfg.Bump) != hashSection(newCfg.Bump) {
		changed = append(changed, "bump")
		attrs = append(attrs, logx.Bool("bump.enabled", newCfg.Bump.Enabled))
	}
	if hashSection(oldCfg.Intro) != hashSection(newCfg.Intro) {
		changed = append(changed, "intro")
		attrs = append(attrs, logx.Bool("intro.enabled", newCfg.Intro.Enabled))
	}
	if hashSection(oldCfg.Recruit) != hashSection(newCfg.Recruit) {
		changed = append(changed, "recruit")
		attrs = append(attrs, logx.Bool("recruit.enabled", newCfg.Recruit.Enabled))
	}
	if hashSection(oldCfg.Scheduler) != hashSection(newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.interval", newCfg.Scheduler.Interval),
			logx.Int("scheduler.backfill_every_ticks", newCfg.Scheduler.BackfillEveryTicks),
		)
	}
	if hashSection(oldCfg.Notifier) != hashSection(newCfg.Notifier) {
		changed = append(changed, "notifier")
	}

	// Storage: never log path or DSN contents.
	var oDriver, nDriver string
	var oSum, nSum uint64
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver)
		oSum = hashSection(oldCfg.Storage)
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver)
		nSum = hashSection(newCfg.Storage)
	}
	if oSum != nSum {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.driver_changed", oDriver != nDriver),
		)
	}

	if hashSection(oldCfg.Restart) != hashSection(newCfg.Restart) {
		changed = append(changed, "restart")
	}
	if hashSection(oldCfg.Systemd) != hashSection(newCfg.Systemd) {
		changed = append(changed, "systemd")
	}
	if hashSection(oldCfg.Pprof) != hashSection(newCfg.Pprof) {
		changed = append(changed, "pprof")
		if newCfg.Pprof != nil {
			attrs = append(attrs,
				logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
				logx.String("pprof.addr", newCfg.Pprof.Addr),
			)
		}
	}

	sort.Strings(changed)
	restart := make([]string, 0, len(changed))
	for _, s := range changed {
		if !LiveSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}
