package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/00sapo/better-morning/internal/config"
)

// Telegram limits a message to this many characters.
const maxMessageLen = 4096

// Telegram allows about one message per second in a single chat.
const messageInterval = time.Second

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

var _ Deliverer = (*Telegram)(nil)

// Telegram sends the digest to a chat, split into as many messages as needed.
type Telegram struct {
	cfg      config.TelegramSettings
	log      *slog.Logger
	newAPI   func(token string) (telegramAPI, error)
	interval time.Duration
}

// NewTelegram creates a Telegram deliverer.
func NewTelegram(cfg config.TelegramSettings, log *slog.Logger) *Telegram {
	return &Telegram{
		cfg: cfg,
		log: log,
		newAPI: func(token string) (telegramAPI, error) {
			return tgbotapi.NewBotAPI(token)
		},
		interval: messageInterval,
	}
}

// Deliver sends doc to the configured chat.
func (t *Telegram) Deliver(ctx context.Context, doc Document) (string, error) {
	creds, err := requireEnv(t.cfg.TokenEnv, t.cfg.ChatIDEnv)
	if err != nil {
		return "", err
	}
	chatID, err := strconv.ParseInt(creds[1], 10, 64)
	if err != nil {
		return "", fmt.Errorf("parse chat id: %w", err)
	}

	api, err := t.newAPI(creds[0])
	if err != nil {
		return "", fmt.Errorf("create bot api: %w", err)
	}

	pace := rate.NewLimiter(rate.Every(t.interval), 1)
	chunks := SplitMessage(doc.Markdown, maxMessageLen)
	for i, chunk := range chunks {
		if err := pace.Wait(ctx); err != nil {
			return "", err
		}
		msg := tgbotapi.NewMessage(chatID, chunk)
		msg.DisableWebPagePreview = true
		if _, err := api.Send(msg); err != nil {
			return "", fmt.Errorf("send message %d/%d: %w", i+1, len(chunks), err)
		}
	}

	t.log.Info("digest sent to telegram", "chat_id", chatID, "messages", len(chunks))
	return fmt.Sprintf("telegram:%d", chatID), nil
}

// SplitMessage splits text into chunks of at most limit characters, preferring
// paragraph and then line boundaries.
func SplitMessage(text string, limit int) []string {
	var out []string
	for utf8.RuneCountInString(text) > limit {
		cut := byteOffset(text, limit)
		head := text[:cut]
		if i := strings.LastIndex(head, "\n\n"); i > 0 {
			cut = i
		} else if i := strings.LastIndex(head, "\n"); i > 0 {
			cut = i
		}
		out = append(out, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

// byteOffset returns the byte index just past the first n runes of s.
func byteOffset(s string, n int) int {
	for i := range s {
		if n == 0 {
			return i
		}
		n--
	}
	return len(s)
}
