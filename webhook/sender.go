package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

const (
	// HeaderSignature carries the hex HMAC-SHA256 of the request body,
	// keyed with the subscription secret.
	HeaderSignature = "X-Webhook-Signature"

	// HeaderEventType carries the event type of the delivery.
	HeaderEventType = "X-Webhook-Event"

	// HeaderDeliveryID carries the delivery ID so receivers can dedupe
	// redelivered events.
	HeaderDeliveryID = "X-Webhook-Delivery"

	// maxResponseBytes bounds how much of an endpoint's response body is
	// drained before closing.
	maxResponseBytes = 4 << 10
)

var (
	// ErrEndpointRejected is returned when the endpoint answered with a
	// non-2xx status.
	ErrEndpointRejected = errors.New("webhook endpoint rejected delivery")

	// ErrEndpointUnavailable is returned when the endpoint's circuit
	// breaker is open and the attempt was skipped.
	ErrEndpointUnavailable = errors.New("webhook endpoint circuit open")
)

// Sender performs one delivery attempt against a subscription endpoint.
type Sender interface {
	Send(ctx context.Context, sub *Subscription, delivery *Delivery) error
}

// HTTPSender posts deliveries over HTTP with an HMAC signature header.
// Each endpoint host gets its own circuit breaker so one flapping
// receiver cannot starve attempts against healthy ones.
type HTTPSender struct {
	client *http.Client

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker
}

var _ Sender = (*HTTPSender)(nil)

// NewHTTPSender creates a sender with the given client. A nil client
// gets a default with a bounded request timeout.
func NewHTTPSender(client *http.Client) *HTTPSender {
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}

	return &HTTPSender{
		client:   client,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Sign computes the hex HMAC-SHA256 of body keyed with secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches Sign(secret, body)
// in constant time. Receivers use it to authenticate incoming webhooks.
func VerifySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// Send posts the delivery payload to the subscription URL. A non-2xx
// response or transport error counts as a failed attempt.
func (s *HTTPSender) Send(ctx context.Context, sub *Subscription, delivery *Delivery) error {
	if sub == nil || delivery == nil {
		return ErrNotFound
	}

	breaker, err := s.breakerFor(sub.URL)
	if err != nil {
		return err
	}

	_, err = breaker.Execute(func() (any, error) {
		return nil, s.post(ctx, sub, delivery)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %w", ErrEndpointUnavailable, err)
		}

		return err
	}

	return nil
}

func (s *HTTPSender) post(ctx context.Context, sub *Subscription, delivery *Delivery) error {
	body := delivery.EventData
	if len(body) == 0 {
		body = []byte("{}")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(sub.Secret, body))
	req.Header.Set(HeaderEventType, delivery.EventType)
	req.Header.Set(HeaderDeliveryID, delivery.ID.String())

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}

	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: status %d", ErrEndpointRejected, resp.StatusCode)
	}

	return nil
}

func (s *HTTPSender) breakerFor(rawURL string) (*gobreaker.CircuitBreaker, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse webhook url: %w", err)
	}

	host := parsed.Host
	if host == "" {
		host = rawURL
	}

	s.breakersMu.Lock()
	defer s.breakersMu.Unlock()

	if breaker, ok := s.breakers[host]; ok {
		return breaker, nil
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook-" + host,
		MaxRequests: 3,
		Interval:    2 * time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)

			return counts.ConsecutiveFailures >= 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.5)
		},
	})
	s.breakers[host] = breaker

	return breaker, nil
}
