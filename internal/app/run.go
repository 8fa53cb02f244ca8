package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"workbot/internal/config"
	rtsup "workbot/internal/runtime/supervisor"
	logx "workbot/pkg/logx"
)

// Run builds and runs the app until ctx is done. A fatal runtime error stops
// the app, waits out a backoff and starts a fresh instance; a platform rate
// limit uses the longer backoff. Construction errors are returned.
func Run(ctx context.Context, cfgm *config.ConfigManager, opts Options) error {
	notify := newSdNotifier(cfgm.Get())
	defer notify.stopping()

	for attempt := 1; ; attempt++ {
		a, err := NewApp(cfgm, opts)
		if err != nil {
			return fmt.Errorf("build app: %w", err)
		}
		log := a.log.With(logx.Int("attempt", attempt))

		runErr := a.Start(ctx)
		reason := StopStartError
		if runErr == nil {
			notify.ready(ctx, log)
			select {
			case <-ctx.Done():
				reason = StopSignal
			case <-a.Done():
				reason, runErr = StopFatalError, a.Err()
			}
		}

		stopCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		_ = a.Stop(stopCtx, reason)
		cancel()

		if ctx.Err() != nil {
			return nil
		}
		if runErr == nil {
			runErr = errors.New("app stopped without error")
		}

		generic, rateLimited := restartBackoff(cfgm.Get())
		wait := rtsup.Jitter(generic)
		if IsRateLimited(runErr) {
			wait = rateLimited
		}
		logx.NewConsole("INFO").Error("app failed; restarting", logx.Err(runErr), logx.String("reason", string(reason)), logx.Duration("backoff", wait))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}
