package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// APIError is a non-2xx response from the venue.
type APIError struct {
	HTTPStatus int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d (code %d): %s", e.HTTPStatus, e.Code, e.Message)
}

// Transient reports whether the failure is worth retrying. Rate limits,
// server-side errors, and transport failures are transient; other API
// rejections are permanent and retrying them only repeats the rejection.
func Transient(err error) bool {
	if err == nil || isPermanentMarker(err) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatus == http.StatusTooManyRequests || apiErr.HTTPStatus >= 500
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// remaining transport failures (connection reset, EOF) carry no API
	// payload
	return true
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks an error as not retryable regardless of its kind.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanentMarker(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Retry runs fn up to attempts times with exponential backoff, capped
// at five minutes, stopping early on permanent errors or context
// cancellation.
func Retry(ctx context.Context, log zerolog.Logger, attempts int, delay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	backoff := delay
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !Transient(err) {
			return err
		}
		if i == attempts {
			break
		}
		log.Warn().Err(err).Int("attempt", i).Int("max", attempts).Dur("backoff", backoff).Msg("retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 5*time.Minute {
			backoff *= 2
			if backoff > 5*time.Minute {
				backoff = 5 * time.Minute
			}
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", attempts, err)
}
