package config

// Config is the whole bot configuration.
//
// Identifiers (channels, roles, admins) and the eligibility policy are read once
// at start and stay fixed for the process lifetime. Only the logging section is
// applied on hot reload.
type Config struct {
	Discord   DiscordConfig   `json:"discord"`
	Logging   LoggingConfig   `json:"logging"`
	WorkTime  WorkTimeConfig  `json:"worktime"`
	Bump      BumpConfig      `json:"bump"`
	Intro     IntroConfig     `json:"intro"`
	Recruit   RecruitConfig   `json:"recruit"`
	Scheduler SchedulerConfig `json:"scheduler"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Restart  *RestartConfig  `json:"restart,omitempty"`
	Systemd  *SystemdConfig  `json:"systemd,omitempty"`
	Pprof    *PprofConfig    `json:"pprof,omitempty"`
}

type DiscordConfig struct {
	// Token may be left empty and supplied via DISCORD_BOT_TOKEN.
	Token   string `json:"token"`
	GuildID string `json:"guild_id"`
	// AdminUserIDs may use admin-only commands and approve introductions.
	AdminUserIDs []string `json:"admin_user_ids"`
	// RegisterCommands overwrites the guild's slash commands on ready.
	RegisterCommands *bool `json:"register_commands,omitempty"`
}

// WorkTimeConfig selects which voice channels count as "work".
//
// Policy "allow" counts only TargetChannelIDs; policy "deny" counts every
// voice channel except ExcludedChannelIDs. The two lists are mutually exclusive.
type WorkTimeConfig struct {
	Enabled            bool     `json:"enabled"`
	Policy             string   `json:"policy"`
	TargetChannelIDs   []string `json:"target_channel_ids,omitempty"`
	ExcludedChannelIDs []string `json:"excluded_channel_ids,omitempty"`
	// NotifyDM sends the session summary to the user by DM.
	NotifyDM bool `json:"notify_dm"`
	// RankingLimit caps /worktime_ranking (default 10).
	RankingLimit int `json:"ranking_limit,omitempty"`
	// Timezone anchors week/month windows (default "Asia/Tokyo").
	Timezone string `json:"timezone,omitempty"`
}

type BumpConfig struct {
	Enabled      bool   `json:"enabled"`
	ChannelID    string `json:"channel_id"`
	LogChannelID string `json:"log_channel_id,omitempty"`
	// ExternalBotID identifies the bump service (DISBOARD by default).
	ExternalBotID string `json:"external_bot_id,omitempty"`
	// SuccessMarker is the substring that marks a successful bump.
	SuccessMarker string `json:"success_marker,omitempty"`
	// Cooldown is a Go duration string (default "2h").
	Cooldown string `json:"cooldown,omitempty"`
	// Lookback caps the history scan (default 100 messages).
	Lookback int `json:"lookback,omitempty"`
}

type IntroConfig struct {
	Enabled          bool   `json:"enabled"`
	ChannelID        string `json:"channel_id"`
	RoleID           string `json:"role_id"`
	WelcomeChannelID string `json:"welcome_channel_id,omitempty"`
	ServerName       string `json:"server_name,omitempty"`
	ApproveEmoji     string `json:"approve_emoji,omitempty"`
	// BackfillWindow is a Go duration string (default "24h").
	BackfillWindow string `json:"backfill_window,omitempty"`
	BackfillLimit  int    `json:"backfill_limit,omitempty"`
}

type RecruitConfig struct {
	Enabled      bool   `json:"enabled"`
	ChannelID    string `json:"channel_id"`
	NotifyRoleID string `json:"notify_role_id,omitempty"`
	// Cooldown is a Go duration string (default "30m").
	Cooldown string `json:"cooldown,omitempty"`
}

// SchedulerConfig controls the periodic checks.
//
// Interval accepts a Go duration ("15m"), HH:MM ("00:15") or a cron spec.
// BackfillEveryTicks runs the intro backfill every N ticks (default 8).
type SchedulerConfig struct {
	Enabled            bool   `json:"enabled"`
	Interval           string `json:"interval,omitempty"`
	BackfillEveryTicks int    `json:"backfill_every_ticks,omitempty"`
	// TickTimeout bounds one tick (default "2m").
	TickTimeout string `json:"tick_timeout,omitempty"`
	// StartDelay postpones the first tick after ready (default "30s").
	StartDelay string `json:"start_delay,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
}

// NotifierConfig controls outbound message pacing.
// All durations are Go duration strings (e.g. "500ms", "10s").
type NotifierConfig struct {
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/workbot" }
//	"storage": { "driver": "postgres", "dsn": "postgres://bot@localhost/bot" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// RestartConfig controls the top-level run loop backoff.
type RestartConfig struct {
	Backoff          string `json:"backoff,omitempty"`            // default "30s"
	RateLimitBackoff string `json:"rate_limit_backoff,omitempty"` // default "10m"
}

type SystemdConfig struct {
	Notify bool `json:"notify"`
}

// PprofConfig controls the optional debug HTTP listener. It is applied live.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:6060"
	// AllowPublic permits a non-loopback bind.
	AllowPublic          bool `json:"allow_public,omitempty"`
	BlockProfileRate     int  `json:"block_profile_rate,omitempty"`
	MutexProfileFraction int  `json:"mutex_profile_fraction,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Discord LoggingDiscord `json:"discord"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingDiscord struct {
	Enabled    bool   `json:"enabled"`
	ChannelID  string `json:"channel_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}
