package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramConfig configures the Telegram sink.
type TelegramConfig struct {
	Token    string
	ChatIDs  []int64
	Endpoint string // defaults to tgbotapi.APIEndpoint
	Timeout  time.Duration // per API request
	// Heartbeat, if set, is called after every API request so a
	// multi-chat upload never starves the service watchdog.
	Heartbeat func()
}

// Telegram sends documents to every configured chat through the Bot API.
type Telegram struct {
	cfg    TelegramConfig
	client *http.Client
	logger *slog.Logger

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// NewTelegram creates a Telegram sink. The bot session is established
// lazily on the first Send so startup never depends on the network.
func NewTelegram(cfg TelegramConfig, logger *slog.Logger) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if len(cfg.ChatIDs) == 0 {
		return nil, fmt.Errorf("at least one telegram chat id is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = tgbotapi.APIEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

// Send uploads doc to each chat. A failing chat does not stop delivery to
// the others; all failures are joined into the returned error.
func (t *Telegram) Send(ctx context.Context, doc Document) error {
	if _, err := os.Stat(doc.Path); err != nil {
		return fmt.Errorf("stat %s: %w", doc.Path, err)
	}
	bot, err := t.session()
	t.beat()
	if err != nil {
		return err
	}

	var errs []error
	for _, chatID := range t.cfg.ChatIDs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		msg := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(doc.Path))
		msg.Caption = doc.Caption
		_, err := bot.Send(msg)
		t.beat()
		if err != nil {
			errs = append(errs, fmt.Errorf("send to chat %d: %w", chatID, err))
			continue
		}
		t.logger.Info("segment delivered", "chat", chatID, "path", doc.Path)
	}
	return errors.Join(errs...)
}

func (t *Telegram) beat() {
	if t.cfg.Heartbeat != nil {
		t.cfg.Heartbeat()
	}
}

func (t *Telegram) session() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(t.cfg.Token, t.cfg.Endpoint, t.client)
	if err != nil {
		return nil, fmt.Errorf("telegram session: %w", err)
	}
	t.bot = bot
	return bot, nil
}
