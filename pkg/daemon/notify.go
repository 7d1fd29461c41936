package daemon

import (
	"fmt"
	"log/slog"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
)

// Notifier reports lifecycle state to the service manager.
type Notifier interface {
	Ready(status string)
	Status(status string)
	Watchdog()
	Stopping()
}

// SystemdNotifier speaks the sd_notify protocol. Outside systemd
// (no NOTIFY_SOCKET) every call is a no-op.
type SystemdNotifier struct {
	watchdog time.Duration
	logger   *slog.Logger
}

// NewSystemdNotifier reads the watchdog interval from the environment.
func NewSystemdNotifier(logger *slog.Logger) *SystemdNotifier {
	wd, err := sddaemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("watchdog config invalid", "err", err)
	}
	if wd > 0 {
		logger.Info("systemd watchdog enabled", "interval", wd)
	}
	return &SystemdNotifier{watchdog: wd, logger: logger}
}

func (n *SystemdNotifier) Ready(status string) {
	n.send(sddaemon.SdNotifyReady + "\n" + statusLine(status))
}

func (n *SystemdNotifier) Status(status string) {
	n.send(statusLine(status))
}

// Watchdog pings the service manager when WatchdogSec is set.
func (n *SystemdNotifier) Watchdog() {
	if n.watchdog > 0 {
		n.send(sddaemon.SdNotifyWatchdog)
	}
}

func (n *SystemdNotifier) Stopping() {
	n.send(sddaemon.SdNotifyStopping)
}

func (n *SystemdNotifier) send(state string) {
	if _, err := sddaemon.SdNotify(false, state); err != nil {
		n.logger.Debug("sd_notify failed", "err", err)
	}
}

func statusLine(s string) string {
	return fmt.Sprintf("STATUS=%s", s)
}

type nopNotifier struct{}

func (nopNotifier) Ready(string)  {}
func (nopNotifier) Status(string) {}
func (nopNotifier) Watchdog()     {}
func (nopNotifier) Stopping()     {}
