package alert

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/resend/resend-go/v2"
)

// --- EMAIL ---

type ResendSender struct {
	client *resend.Client
}

func NewResendSender(apiKey string) *ResendSender {
	return &ResendSender{client: resend.NewClient(apiKey)}
}

func (r *ResendSender) Send(ctx context.Context, m Message) error {
	if len(m.To) == 0 {
		return errors.New("no recipients")
	}
	_, err := r.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    m.From,
		To:      m.To,
		Subject: m.Subject,
		Html:    m.HTML,
		Text:    m.Text,
	})
	return err
}

// --- TELEGRAM ---

const telegramLimit = 4000

type TelegramSender struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

func NewTelegramSender(token string, chatID int64) (*TelegramSender, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return &TelegramSender{bot: bot, chatID: chatID}, nil
}

func (t *TelegramSender) Send(_ context.Context, m Message) error {
	msg := tgbotapi.NewMessage(t.chatID, telegramText(m))
	msg.DisableWebPagePreview = true
	_, err := t.bot.Send(msg)
	return err
}

// telegramText joins subject and body and cuts it to telegramLimit bytes on a
// rune boundary.
func telegramText(m Message) string {
	text := strings.ToValidUTF8(m.Subject+"\n\n"+m.Text, "\uFFFD")
	if len(text) <= telegramLimit {
		return text
	}
	n := telegramLimit
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return text[:n] + "\n..."
}
