package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"workbot/internal/config"
	logx "workbot/pkg/logx"
)

// sdNotifier talks to systemd when the unit uses Type=notify. All calls are
// no-ops outside systemd or when systemd.notify is off.
type sdNotifier struct {
	enabled  bool
	readySent bool
	cancel   context.CancelFunc
}

func newSdNotifier(cfg *config.Config) *sdNotifier {
	return &sdNotifier{enabled: cfg != nil && cfg.Systemd != nil && cfg.Systemd.Notify}
}

// ready sends READY=1 once and starts the watchdog pinger if the unit has
// WatchdogSec set.
func (n *sdNotifier) ready(ctx context.Context, log logx.Logger) {
	if !n.enabled || n.readySent {
		return
	}
	n.readySent = true
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify ready failed", logx.Err(err))
	} else if !ok {
		log.Debug("sd_notify not supported (NOTIFY_SOCKET unset)")
		return
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-wctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
}

func (n *sdNotifier) stopping() {
	if n.cancel != nil {
		n.cancel()
	}
	if n.enabled {
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	}
}
