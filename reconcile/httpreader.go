package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

const (
	defaultReadTimeout = 10 * time.Second

	// maxAuthorityResponse bounds how much of the authority's response body
	// is read.
	maxAuthorityResponse = 64 << 10
)

var (
	// ErrEmptyAuthorityURL is returned when a reader is constructed without
	// a base URL.
	ErrEmptyAuthorityURL = errors.New("authority base URL is empty")

	// ErrAuthorityUnavailable is returned when the authority circuit breaker
	// is open and the read was skipped.
	ErrAuthorityUnavailable = errors.New("authority circuit open")

	// ErrAuthorityRejected is returned when the authority answered with a
	// non-200 status.
	ErrAuthorityRejected = errors.New("authority rejected balance read")
)

// HTTPReader reads authoritative balances from the authority's query
// endpoint: GET {base}/vaults/{address}. Reads go through one circuit
// breaker; a dead authority fails fast instead of stalling every
// reconciliation cycle on timeouts.
type HTTPReader struct {
	base    string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

var _ LedgerReader = (*HTTPReader)(nil)

// authorityBalance is the authority's wire response for one vault.
type authorityBalance struct {
	Balance   int64     `json:"balance"`
	Slot      uint64    `json:"slot"`
	BlockTime time.Time `json:"block_time"`
	Signature string    `json:"signature"`
}

// NewHTTPReader creates a reader against the authority base URL. A nil
// client gets a default with a bounded request timeout.
func NewHTTPReader(baseURL string, client *http.Client) (*HTTPReader, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, ErrEmptyAuthorityURL
	}

	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse authority URL: %w", err)
	}

	if client == nil {
		client = &http.Client{Timeout: defaultReadTimeout}
	}

	return &HTTPReader{
		base:   baseURL,
		client: client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "reconcile-authority",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.ConsecutiveFailures >= 5 {
					return true
				}

				return counts.Requests >= 10 &&
					float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
			},
		}),
	}, nil
}

// AuthoritativeBalance implements LedgerReader.
func (r *HTTPReader) AuthoritativeBalance(ctx context.Context, vaultAddress string) (int64, ExternalRef, error) {
	result, err := r.breaker.Execute(func() (any, error) {
		return r.fetch(ctx, vaultAddress)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, ExternalRef{}, fmt.Errorf("%w: %s", ErrAuthorityUnavailable, vaultAddress)
		}

		return 0, ExternalRef{}, err
	}

	balance := result.(authorityBalance)

	return balance.Balance, ExternalRef{
		Slot:      balance.Slot,
		BlockTime: balance.BlockTime,
		Signature: balance.Signature,
	}, nil
}

func (r *HTTPReader) fetch(ctx context.Context, vaultAddress string) (authorityBalance, error) {
	endpoint := r.base + "/vaults/" + url.PathEscape(vaultAddress)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return authorityBalance{}, fmt.Errorf("build authority request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return authorityBalance{}, fmt.Errorf("read authority balance: %w", err)
	}

	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAuthorityResponse))
	if err != nil {
		return authorityBalance{}, fmt.Errorf("read authority response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return authorityBalance{}, fmt.Errorf("%w: status %d for %s",
			ErrAuthorityRejected, resp.StatusCode, vaultAddress)
	}

	var balance authorityBalance
	if err := json.Unmarshal(body, &balance); err != nil {
		return authorityBalance{}, fmt.Errorf("decode authority response: %w", err)
	}

	return balance, nil
}
