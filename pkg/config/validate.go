package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/modoterra/dicewatch/pkg/core"
	"github.com/modoterra/dicewatch/pkg/surface"
)

const minTick = 100 * time.Millisecond

// Validate checks the config for structural correctness.
func Validate(c *Config) []error {
	var errs []error

	if c.Version != 1 {
		errs = append(errs, fmt.Errorf("version must be 1, got %d", c.Version))
	}

	if c.URL == "" {
		errs = append(errs, fmt.Errorf("url is required"))
	} else if u, err := url.Parse(c.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("url must be an absolute http(s) URL, got %q", c.URL))
	}

	if c.OutputDir == "" {
		errs = append(errs, fmt.Errorf("output_dir is required"))
	}

	if c.Tick.D() < minTick {
		errs = append(errs, fmt.Errorf("tick must be at least %s, got %s", minTick, c.Tick))
	}
	if c.RotationInterval.D() < 0 {
		errs = append(errs, fmt.Errorf("rotation_interval must not be negative"))
	}
	if c.Resolver.PollInterval.D() <= 0 {
		errs = append(errs, fmt.Errorf("resolver.poll_interval must be positive"))
	}
	if c.Resolver.Timeout.D() < c.Resolver.PollInterval.D() {
		errs = append(errs, fmt.Errorf("resolver.timeout must be at least resolver.poll_interval"))
	}

	if _, err := core.NewFingerprintTable(c.Fingerprints); err != nil {
		errs = append(errs, fmt.Errorf("fingerprints: %w", err))
	}

	for i, it := range c.Interstitials {
		label := it.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		switch {
		case it.Selector != "" && it.Text != "":
			errs = append(errs, fmt.Errorf("interstitial %q: set selector or role+text, not both", label))
		case it.Selector == "" && it.Text == "":
			errs = append(errs, fmt.Errorf("interstitial %q: selector or text is required", label))
		case it.Text != "":
			if _, _, err := surface.TextPattern(it.Text); err != nil {
				errs = append(errs, fmt.Errorf("interstitial %q: bad text pattern: %w", label, err))
			}
		}
		if it.Timeout.D() <= 0 {
			errs = append(errs, fmt.Errorf("interstitial %q: timeout must be positive", label))
		}
	}

	tg := c.Delivery.Telegram
	if tg.Enabled() && len(tg.ChatIDs) == 0 {
		errs = append(errs, fmt.Errorf("delivery.telegram: chat_ids is required when a token is set"))
	}
	if !tg.Enabled() && len(tg.ChatIDs) > 0 {
		errs = append(errs, fmt.Errorf("delivery.telegram: token is required when chat_ids are set"))
	}
	if c.Delivery.Timeout.D() < 0 {
		errs = append(errs, fmt.Errorf("delivery.timeout must not be negative"))
	}
	if c.Delivery.Timeout.D() >= WatchdogInterval {
		errs = append(errs, fmt.Errorf("delivery.timeout must be below the %s service watchdog, got %s", WatchdogInterval, c.Delivery.Timeout))
	}

	return errs
}
