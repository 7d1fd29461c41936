// Package service manages the dicewatchd systemd user service unit.
package service

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"

	"github.com/modoterra/dicewatch/pkg/config"
)

const unitName = "dicewatchd.service"

// UnitContents returns the systemd unit file contents. The daemon reports
// readiness and watchdog pings over sd_notify. stopTimeout covers the
// final segment handoff on stop.
func UnitContents(binaryPath, configPath string, stopTimeout time.Duration) string {
	return fmt.Sprintf(`[Unit]
Description=dicewatch daemon, records dice rolls from a live game page
Documentation=https://github.com/modoterra/dicewatch
After=network-online.target

[Service]
Type=notify
NotifyAccess=main
ExecStart=%s --config %s
WorkingDirectory=%s
Restart=on-failure
RestartSec=5
WatchdogSec=%d
TimeoutStopSec=%d

[Install]
WantedBy=default.target
`, binaryPath, configPath, filepath.Dir(configPath),
		int(config.WatchdogInterval.Seconds()), int(stopTimeout.Seconds()))
}

// UnitPath returns the path to the systemd user unit file.
func UnitPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine user config directory: %w", err)
	}
	return filepath.Join(configDir, "systemd", "user", unitName), nil
}

// Install writes the unit file, reloads systemd, and enables+starts the service.
func Install(ctx context.Context, configPath string) error {
	binaryPath, err := exec.LookPath("dicewatchd")
	if err != nil {
		return fmt.Errorf("dicewatchd not found in PATH: %w", err)
	}
	binaryPath, err = filepath.Abs(binaryPath)
	if err != nil {
		return fmt.Errorf("cannot resolve dicewatchd path: %w", err)
	}
	configPath, err = filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("cannot resolve config path: %w", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	unitPath, err := UnitPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(unitPath), 0o755); err != nil {
		return fmt.Errorf("cannot create directory: %w", err)
	}
	if err := os.WriteFile(unitPath, []byte(UnitContents(binaryPath, configPath, cfg.StopTimeout())), 0o644); err != nil {
		return fmt.Errorf("cannot write unit file: %w", err)
	}

	conn, err := dbus.NewUserConnectionContext(ctx)
	if err != nil {
		return fmt.Errorf("connect to user systemd: %w", err)
	}
	defer conn.Close()

	if err := conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	if _, _, err := conn.EnableUnitFilesContext(ctx, []string{unitName}, false, true); err != nil {
		return fmt.Errorf("enable %s: %w", unitName, err)
	}
	return startAndWait(ctx, conn, unitName)
}

func startAndWait(ctx context.Context, conn *dbus.Conn, name string) error {
	done := make(chan string, 1)
	if _, err := conn.StartUnitContext(ctx, name, "replace", done); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	select {
	case result := <-done:
		if result != "done" {
			return fmt.Errorf("start %s: job %s", name, result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Uninstall stops+disables the service, removes the unit file, and reloads systemd.
func Uninstall(ctx context.Context) error {
	conn, err := dbus.NewUserConnectionContext(ctx)
	if err != nil {
		return fmt.Errorf("connect to user systemd: %w", err)
	}
	defer conn.Close()

	// Best-effort stop and disable; the unit may not be loaded.
	_, _ = conn.StopUnitContext(ctx, unitName, "replace", nil)
	_, _ = conn.DisableUnitFilesContext(ctx, []string{unitName}, false)

	unitPath, err := UnitPath()
	if err != nil {
		return err
	}
	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot remove unit file: %w", err)
	}
	if err := conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	return nil
}

// Status returns a human-readable status string.
func Status(ctx context.Context, socketPath string) string {
	var lines []string

	if _, err := os.Stat(socketPath); err == nil {
		lines = append(lines, "socket: active ("+socketPath+")")
	} else {
		lines = append(lines, "socket: inactive ("+socketPath+")")
	}

	unitPath, err := UnitPath()
	if err != nil {
		return strings.Join(lines, "\n")
	}
	if _, statErr := os.Stat(unitPath); statErr != nil {
		lines = append(lines, "systemd user service: not installed")
		return strings.Join(lines, "\n")
	}
	lines = append(lines, "systemd user service: "+unitState(ctx))
	return strings.Join(lines, "\n")
}

func unitState(ctx context.Context) string {
	conn, err := dbus.NewUserConnectionContext(ctx)
	if err != nil {
		return "unknown"
	}
	defer conn.Close()

	units, err := conn.ListUnitsByNamesContext(ctx, []string{unitName})
	if err != nil || len(units) == 0 {
		return "unknown"
	}
	return formatUnit(units[0])
}

func formatUnit(u dbus.UnitStatus) string {
	if u.LoadState == "not-found" {
		return "not loaded"
	}
	if u.SubState == "" || u.SubState == u.ActiveState {
		return u.ActiveState
	}
	return fmt.Sprintf("%s (%s)", u.ActiveState, u.SubState)
}
