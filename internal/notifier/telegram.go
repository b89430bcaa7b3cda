package notifier

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

type TelegramNotifier struct {
	Token  string
	ChatID string

	log zerolog.Logger
}

func NewTelegramNotifier(token, chatID string, log zerolog.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		Token:  token,
		ChatID: chatID,
		log:    log.With().Str("component", "telegram").Logger(),
	}
}

func (t *TelegramNotifier) Send(message string) error {
	apiURL := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.Token)
	resp, err := http.PostForm(apiURL, url.Values{
		"chat_id": {t.ChatID},
		"text":    {message},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("telegram send failed: %s", resp.Status)
	}
	return nil
}

func (t *TelegramNotifier) SendWithRetry(message string) error {
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		if err = t.Send(message); err == nil {
			return nil
		}
		t.log.Warn().Err(err).Int("attempt", attempt).Msg("notification failed")
		time.Sleep(2 * time.Second)
	}
	return err
}
