package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every override variable.
const EnvPrefix = "DICEWATCH_"

// Overrides are deployment settings taken from the environment. Unset
// variables leave the file value alone.
type Overrides struct {
	URL              string         `env:"URL"`
	OutputDir        string         `env:"OUTPUT_DIR"`
	RotationInterval *time.Duration `env:"ROTATION_INTERVAL"` // 0 disables rotation
	TelegramToken    string         `env:"TELEGRAM_TOKEN"`
	TelegramChatIDs  []int64        `env:"TELEGRAM_CHAT_IDS" envSeparator:","`
	Socket           string         `env:"SOCKET"`
}

// ParseEnv reads overrides from environ. A nil environ means the process
// environment.
func ParseEnv(environ map[string]string) (Overrides, error) {
	o, err := env.ParseAsWithOptions[Overrides](env.Options{Prefix: EnvPrefix, Environment: environ})
	if err != nil {
		return Overrides{}, fmt.Errorf("parse env: %w", err)
	}
	return o, nil
}

// Apply copies every set override onto c.
func (o Overrides) Apply(c *Config) {
	if o.URL != "" {
		c.URL = o.URL
	}
	if o.OutputDir != "" {
		c.OutputDir = o.OutputDir
	}
	if o.RotationInterval != nil {
		c.RotationInterval = Duration(*o.RotationInterval)
	}
	if o.TelegramToken != "" {
		c.Delivery.Telegram.Token = o.TelegramToken
	}
	if len(o.TelegramChatIDs) > 0 {
		c.Delivery.Telegram.ChatIDs = o.TelegramChatIDs
	}
	if o.Socket != "" {
		c.Socket = o.Socket
	}
}

// ApplyEnv overlays the process environment onto c.
func ApplyEnv(c *Config) error {
	o, err := ParseEnv(nil)
	if err != nil {
		return err
	}
	o.Apply(c)
	return nil
}
