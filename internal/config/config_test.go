package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

const sampleYAML = `
discord:
  token: abc
  guild_id: 123456789012345678
  admin_user_ids: [111, 222]
worktime:
  enabled: true
  policy: allow
  target_channel_ids: [900000000000000001]
  notify_dm: true
scheduler:
  enabled: true
  interval: 15m
  backfill_every_ticks: 8
storage:
  driver: file
  path: ./data/workbot
`

func TestDecodeYAMLKeepsSnowflakesAsStrings(t *testing.T) {
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Discord.GuildID != "123456789012345678" {
		t.Fatalf("GuildID = %q", cfg.Discord.GuildID)
	}
	if !reflect.DeepEqual(cfg.Discord.AdminUserIDs, []string{"111", "222"}) {
		t.Fatalf("AdminUserIDs = %v", cfg.Discord.AdminUserIDs)
	}
	if !reflect.DeepEqual(cfg.WorkTime.TargetChannelIDs, []string{"900000000000000001"}) {
		t.Fatalf("TargetChannelIDs = %v", cfg.WorkTime.TargetChannelIDs)
	}
	// non-id integers stay integers
	if cfg.Scheduler.BackfillEveryTicks != 8 {
		t.Fatalf("BackfillEveryTicks = %d", cfg.Scheduler.BackfillEveryTicks)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode("config.json", []byte(`{"discord":{"token":"x"},"telegram":{}}`))
	if err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	_, err := Decode("config.json", []byte(`{} {}`))
	if err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestDecodeTokenFromEnv(t *testing.T) {
	t.Setenv(TokenEnv, "from-env")
	cfg, err := Decode("config.json", []byte(`{"discord":{"token":""}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Discord.Token != "from-env" {
		t.Fatalf("Token = %q, want from-env", cfg.Discord.Token)
	}
}

func TestValidatePolicy(t *testing.T) {
	tests := []struct {
		name    string
		wt      WorkTimeConfig
		wantErr string
	}{
		{name: "allow ok", wt: WorkTimeConfig{Enabled: true, Policy: "allow", TargetChannelIDs: []string{"1"}}},
		{name: "deny ok", wt: WorkTimeConfig{Enabled: true, Policy: "deny", ExcludedChannelIDs: []string{"1"}}},
		{name: "deny without list", wt: WorkTimeConfig{Enabled: true, Policy: "deny"}},
		{name: "allow needs targets", wt: WorkTimeConfig{Enabled: true, Policy: "allow"}, wantErr: "target_channel_ids is required"},
		{name: "mixed", wt: WorkTimeConfig{Enabled: true, Policy: "allow", TargetChannelIDs: []string{"1"}, ExcludedChannelIDs: []string{"2"}}, wantErr: "cannot be used"},
		{name: "unknown policy", wt: WorkTimeConfig{Enabled: true, Policy: "both"}, wantErr: "worktime.policy"},
		{name: "disabled ignores policy", wt: WorkTimeConfig{Policy: "both"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&Config{WorkTime: tt.wt})
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDurationsAndStorage(t *testing.T) {
	cfg := &Config{
		Bump:    BumpConfig{Cooldown: "two hours"},
		Storage: &StorageConfig{Driver: "sqlite"},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"bump.cooldown", "storage.path is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("err = %v, missing %q", err, want)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{Discord: DiscordConfig{Token: "a"}, Logging: LoggingConfig{Level: "info"}}
	newCfg := &Config{Discord: DiscordConfig{Token: "b"}, Logging: LoggingConfig{Level: "debug"}}

	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	if !reflect.DeepEqual(changed, []string{"discord", "logging"}) {
		t.Fatalf("changed = %v", changed)
	}
	if !reflect.DeepEqual(restart, []string{"discord"}) {
		t.Fatalf("restart = %v", restart)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}

	changed, _, restart = SummarizeConfigChange(oldCfg, oldCfg)
	if len(changed) != 0 || len(restart) != 0 {
		t.Fatalf("expected no changes, got %v / %v", changed, restart)
	}
}

func TestManagerLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestValidatePprof(t *testing.T) {
	cases := []struct {
		name    string
		pc      *PprofConfig
		wantErr bool
	}{
		{name: "disabled public", pc: &PprofConfig{Addr: "0.0.0.0:6060"}},
		{name: "loopback", pc: &PprofConfig{Enabled: true, Addr: "127.0.0.1:6060"}},
		{name: "localhost", pc: &PprofConfig{Enabled: true, Addr: "localhost:6060"}},
		{name: "default addr", pc: &PprofConfig{Enabled: true}},
		{name: "public", pc: &PprofConfig{Enabled: true, Addr: ":6060"}, wantErr: true},
		{name: "public allowed", pc: &PprofConfig{Enabled: true, Addr: ":6060", AllowPublic: true}},
		{name: "bad addr", pc: &PprofConfig{Enabled: true, Addr: "6060"}, wantErr: true},
		{name: "negative rate", pc: &PprofConfig{BlockProfileRate: -1}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(&Config{Pprof: tc.pc})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestPprofChangeIsLive(t *testing.T) {
	oldCfg := &Config{}
	newCfg := &Config{Pprof: &PprofConfig{Enabled: true}}
	changed, _, restart := SummarizeConfigChange(oldCfg, newCfg)
	if !reflect.DeepEqual(changed, []string{"pprof"}) || len(restart) != 0 {
		t.Fatalf("changed = %v, restart = %v", changed, restart)
	}
}
