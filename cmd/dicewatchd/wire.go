package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/modoterra/dicewatch/pkg/config"
	"github.com/modoterra/dicewatch/pkg/daemon"
	"github.com/modoterra/dicewatch/pkg/delivery"
	"github.com/modoterra/dicewatch/pkg/observe"
	"github.com/modoterra/dicewatch/pkg/rolllog"
	"github.com/modoterra/dicewatch/pkg/surface"
	"github.com/modoterra/dicewatch/pkg/surface/chrome"
	"github.com/modoterra/dicewatch/pkg/transport/uds"
)

const dismissPoll = 500 * time.Millisecond

// build assembles the daemon from cfg. The browser is started here so a
// missing Chromium fails fast.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*daemon.Daemon, error) {
	table, err := cfg.FingerprintTable()
	if err != nil {
		return nil, err
	}

	notifier := daemon.NewSystemdNotifier(logger)
	sink, err := newSink(cfg, notifier.Watchdog, logger)
	if err != nil {
		return nil, err
	}

	browser, err := chrome.New(ctx, chrome.Options{
		Headless:  cfg.Browser.Headless,
		NoSandbox: cfg.Browser.NoSandbox,
		ExecPath:  cfg.Browser.ExecPath,
		UserAgent: cfg.Browser.UserAgent,
	}, logger.With("component", "browser"))
	if err != nil {
		return nil, err
	}

	reader := observe.NewReader(browser, table, logger.With("component", "reader"))
	resolver := observe.NewResolver(reader, observe.ResolverConfig{
		PollInterval: cfg.Resolver.PollInterval.D(),
		Timeout:      cfg.Resolver.Timeout.D(),
		Heartbeat:    notifier.Watchdog,
	}, logger.With("component", "resolver"))

	manager := rolllog.NewManager(rolllog.ManagerConfig{
		Dir:             cfg.OutputDir,
		Interval:        cfg.RotationInterval.D(),
		SkipEmpty:       cfg.Delivery.SkipEmpty,
		DeliveryTimeout: cfg.HandoffBudget(),
	}, sink, logger.With("component", "rolllog"))

	return daemon.New(daemon.Options{
		URL:              cfg.URL,
		Tick:             cfg.Tick.D(),
		RotationInterval: cfg.RotationInterval.D(),
		Interstitials:    interstitials(cfg.Interstitials),
		ShutdownTimeout:  cfg.StopTimeout(),
		Surface:          browser,
		Observer:         resolver,
		Dismisser:        observe.NewDismisser(browser, dismissPoll, logger.With("component", "dismiss")),
		Log:              manager,
		Server:           uds.NewServer(cfg.Socket, logger.With("component", "socket")),
		Notifier:         notifier,
	}, logger), nil
}

// newSink picks the Telegram sink when a token is configured. heartbeat is
// called after each Bot API request.
func newSink(cfg *config.Config, heartbeat func(), logger *slog.Logger) (delivery.Sink, error) {
	tg := cfg.Delivery.Telegram
	if !tg.Enabled() {
		logger.Warn("telegram delivery not configured; closed segments stay on disk")
		return delivery.NewLogSink(logger.With("component", "delivery")), nil
	}
	sink, err := delivery.NewTelegram(delivery.TelegramConfig{
		Token:     tg.Token,
		ChatIDs:   tg.ChatIDs,
		Endpoint:  tg.Endpoint,
		Timeout:   cfg.Delivery.Timeout.D(),
		Heartbeat: heartbeat,
	}, logger.With("component", "delivery"))
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return sink, nil
}

func interstitials(steps []config.Interstitial) []observe.Interstitial {
	out := make([]observe.Interstitial, 0, len(steps))
	for _, s := range steps {
		out = append(out, observe.Interstitial{
			Name:    s.Name,
			Control: surface.Control{Selector: s.Selector, Role: s.Role, Text: s.Text},
			Timeout: s.Timeout.D(),
		})
	}
	return out
}
