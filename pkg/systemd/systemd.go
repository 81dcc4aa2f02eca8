// Package systemd integrates with the service manager via the sd_notify
// protocol. All calls are no-ops outside a systemd unit (NOTIFY_SOCKET
// unset), so the binary behaves the same under a plain shell.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "surveybot/pkg/logx"
)

// NotifyReady tells the service manager the process finished starting up.
func NotifyReady(log logx.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		log.Warn("sd_notify ready failed", logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify ready sent")
	}
}

// NotifyStopping tells the service manager a shutdown is in progress,
// which makes TimeoutStopSec count from now instead of from SIGTERM.
func NotifyStopping(log logx.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		log.Warn("sd_notify stopping failed", logx.Err(err))
	}
}

// WatchdogLoop pings the systemd watchdog at half the configured interval
// until ctx is canceled. It returns immediately when WatchdogSec is not
// set on the unit.
func WatchdogLoop(ctx context.Context, log logx.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("sd_watchdog detection failed", logx.Err(err))
		return
	}
	if interval == 0 {
		return
	}

	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	log.Debug("sd_watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Warn("sd_watchdog ping failed", logx.Err(err))
			}
		}
	}
}
