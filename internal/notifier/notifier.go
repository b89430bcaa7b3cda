// Package notifier
package notifier

// Notifier interface for sending notifications (e.g., Telegram).
type Notifier interface {
	Send(msg string) error
	SendWithRetry(msg string) error
}

// Noop drops every message. Used when no channel is configured.
type Noop struct{}

func (Noop) Send(string) error          { return nil }
func (Noop) SendWithRetry(string) error { return nil }
