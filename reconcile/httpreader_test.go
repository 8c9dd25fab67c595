//go:build unit

package reconcile

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPReaderRejectsEmptyURL(t *testing.T) {
	t.Parallel()

	_, err := NewHTTPReader("  ", nil)
	require.ErrorIs(t, err, ErrEmptyAuthorityURL)
}

func TestHTTPReaderReadsBalance(t *testing.T) {
	t.Parallel()

	blockTime := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/vaults/vault-addr-1", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"balance": 1500,
			"slot": 98765,
			"block_time": "` + blockTime.Format(time.RFC3339) + `",
			"signature": "sig-abc"
		}`))
	}))
	defer server.Close()

	reader, err := NewHTTPReader(server.URL+"/", nil)
	require.NoError(t, err)

	balance, ref, err := reader.AuthoritativeBalance(t.Context(), "vault-addr-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), balance)
	assert.Equal(t, uint64(98765), ref.Slot)
	assert.Equal(t, "sig-abc", ref.Signature)
	assert.True(t, ref.BlockTime.Equal(blockTime))
}

func TestHTTPReaderRejectedStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	reader, err := NewHTTPReader(server.URL, nil)
	require.NoError(t, err)

	_, _, err = reader.AuthoritativeBalance(t.Context(), "missing-vault")
	require.ErrorIs(t, err, ErrAuthorityRejected)
}

func TestHTTPReaderCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	reader, err := NewHTTPReader(server.URL, nil)
	require.NoError(t, err)

	for range 5 {
		_, _, err = reader.AuthoritativeBalance(t.Context(), "vault-addr-1")
		require.ErrorIs(t, err, ErrAuthorityRejected)
	}

	_, _, err = reader.AuthoritativeBalance(t.Context(), "vault-addr-1")
	require.ErrorIs(t, err, ErrAuthorityUnavailable)
	assert.Equal(t, 5, hits)
}
