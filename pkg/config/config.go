// Package config loads and validates dicewatch.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/modoterra/dicewatch/pkg/core"
)

// DefaultFile is the config file looked up in the working directory.
const DefaultFile = "dicewatch.yaml"

// DefaultSocket is the daemon's status socket.
const DefaultSocket = "/tmp/dicewatch.sock"

// DefaultCookieSelector matches the accept button of the game site's
// cookie consent popup.
const DefaultCookieSelector = "button.CookieConsentPopup__PopupCookieButton-sc-1cemb3v-4"

// WatchdogInterval is the WatchdogSec of the installed service unit. The
// daemon pings at least once per tick, per resolver poll and per delivery
// request, so no single request may take this long.
const WatchdogInterval = 90 * time.Second

// Config represents a dicewatch.yaml file.
type Config struct {
	Version          int            `yaml:"version"           json:"version"`
	URL              string         `yaml:"url"               json:"url"`
	OutputDir        string         `yaml:"output_dir"        json:"output_dir"`
	Tick             Duration       `yaml:"tick"              json:"tick"`
	RotationInterval Duration       `yaml:"rotation_interval" json:"rotation_interval"`
	Resolver         Resolver       `yaml:"resolver"          json:"resolver"`
	Browser          Browser        `yaml:"browser"           json:"browser"`
	Interstitials    []Interstitial `yaml:"interstitials,omitempty" json:"interstitials,omitempty"`
	Fingerprints     map[string]int `yaml:"fingerprints"      json:"fingerprints"`
	Delivery         Delivery       `yaml:"delivery"          json:"delivery"`
	Socket           string         `yaml:"socket,omitempty"  json:"socket,omitempty"`

	// FilePath is where the config was loaded from. Not serialized.
	FilePath string `yaml:"-" json:"-"`
}

// Resolver tunes the dice resolver's inner poll.
type Resolver struct {
	PollInterval Duration `yaml:"poll_interval" json:"poll_interval"`
	Timeout      Duration `yaml:"timeout"       json:"timeout"`
}

// Browser configures the headless Chromium instance.
type Browser struct {
	Headless  bool   `yaml:"headless"            json:"headless"`
	NoSandbox bool   `yaml:"no_sandbox"          json:"no_sandbox"`
	ExecPath  string `yaml:"exec_path,omitempty" json:"exec_path,omitempty"`
	UserAgent string `yaml:"user_agent,omitempty" json:"user_agent,omitempty"`
}

// Interstitial is one startup dismiss step. Exactly one of Selector or
// Role+Text identifies the control. Text is a regular expression run by the
// browser: Go syntax limited to what JavaScript reads the same way, with
// flags only as a leading group such as (?i).
type Interstitial struct {
	Name     string   `yaml:"name"               json:"name"`
	Selector string   `yaml:"selector,omitempty" json:"selector,omitempty"`
	Role     string   `yaml:"role,omitempty"     json:"role,omitempty"`
	Text     string   `yaml:"text,omitempty"     json:"text,omitempty"`
	Timeout  Duration `yaml:"timeout"            json:"timeout"`
}

// Delivery configures where closed segments go.
type Delivery struct {
	Telegram  Telegram `yaml:"telegram"   json:"telegram"`
	Timeout   Duration `yaml:"timeout"    json:"timeout"`
	SkipEmpty bool     `yaml:"skip_empty" json:"skip_empty"`
}

// Telegram holds bot credentials and recipients.
type Telegram struct {
	Token    string  `yaml:"token,omitempty"    json:"-"`
	ChatIDs  []int64 `yaml:"chat_ids,omitempty" json:"chat_ids,omitempty"`
	Endpoint string  `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
}

// Enabled reports whether Telegram delivery is configured.
func (t Telegram) Enabled() bool { return t.Token != "" }

// Default returns a config with every tunable set.
func Default() *Config {
	return &Config{
		Version:          1,
		URL:              "https://betboom.ru/game/nardsgame",
		OutputDir:        "results",
		Tick:             Duration(time.Second),
		RotationInterval: Duration(24 * time.Hour),
		Resolver: Resolver{
			PollInterval: Duration(250 * time.Millisecond),
			Timeout:      Duration(30 * time.Second),
		},
		Browser: Browser{Headless: true},
		Interstitials: []Interstitial{
			{Name: "cookies", Selector: DefaultCookieSelector, Timeout: Duration(60 * time.Second)},
			{Name: "welcome", Role: "button", Text: "^Отлично!?$", Timeout: Duration(180 * time.Second)},
		},
		// Assets are matched by file name and each name counts once per
		// scan, so a double is only observable when the page draws the
		// two dice from distinct asset names. Pages that reuse one image
		// for both dice need per-die variants listed here.
		Fingerprints: map[string]int{
			"dice1.png": 1,
			"dice2.png": 2,
			"dice3.png": 3,
			"dice4.png": 4,
			"dice5.png": 5,
			"dice6.png": 6,
		},
		Delivery: Delivery{Timeout: Duration(60 * time.Second)},
		Socket:   DefaultSocket,
	}
}

// Load reads and parses the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	c.FilePath = abs
	return c, nil
}

// Parse decodes YAML on top of Default, so omitted fields keep their
// defaults. The fingerprint table is replaced, never merged.
func Parse(data []byte) (*Config, error) {
	c := Default()
	c.Fingerprints = nil
	c.Interstitials = nil
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if c.Socket == "" {
		c.Socket = DefaultSocket
	}
	return c, nil
}

// Save writes c to path as YAML.
func Save(c *Config, path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// FingerprintTable builds the validated lookup table.
// HandoffBudget bounds one segment handoff: a session request plus one
// upload per chat, each limited by delivery.timeout.
func (c *Config) HandoffBudget() time.Duration {
	per := c.Delivery.Timeout.D()
	if per <= 0 {
		per = time.Minute
	}
	return per * time.Duration(len(c.Delivery.Telegram.ChatIDs)+1)
}

// StopTimeout is how long a clean stop may take: the final handoff plus
// browser and socket teardown.
func (c *Config) StopTimeout() time.Duration {
	return c.HandoffBudget() + 30*time.Second
}

func (c *Config) FingerprintTable() (*core.FingerprintTable, error) {
	return core.NewFingerprintTable(c.Fingerprints)
}

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
