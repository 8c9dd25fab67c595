//go:build unit

package webhook

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewSubscription(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		url     string
		secret  string
		events  []string
		wantErr error
	}{
		{
			name:   "valid",
			url:    "https://example.com/hooks",
			secret: "s3cret",
			events: []string{"transaction.confirmed"},
		},
		{
			name:    "empty url",
			url:     "   ",
			secret:  "s3cret",
			events:  []string{"transaction.confirmed"},
			wantErr: ErrEmptyURL,
		},
		{
			name:    "empty secret",
			url:     "https://example.com/hooks",
			secret:  "",
			events:  []string{"transaction.confirmed"},
			wantErr: ErrEmptySecret,
		},
		{
			name:    "no events",
			url:     "https://example.com/hooks",
			secret:  "s3cret",
			events:  nil,
			wantErr: ErrNoEventTypes,
		},
		{
			name:    "blank event type",
			url:     "https://example.com/hooks",
			secret:  "s3cret",
			events:  []string{"transaction.confirmed", " "},
			wantErr: ErrEmptyEventType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sub, err := NewSubscription(tt.url, tt.secret, tt.events)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				require.Nil(t, sub)

				return
			}

			require.NoError(t, err)
			require.NotEqual(t, uuid.Nil, sub.ID)
			require.True(t, sub.IsActive)
			require.Zero(t, sub.FailureCount)
		})
	}
}

func TestSubscriptionWants(t *testing.T) {
	t.Parallel()

	sub, err := NewSubscription("https://example.com", "s", []string{"vault.deposited", "vault.withdrawn"})
	require.NoError(t, err)

	require.True(t, sub.Wants("vault.deposited"))
	require.False(t, sub.Wants("vault.locked"))
}

func TestNewDelivery(t *testing.T) {
	t.Parallel()

	subID := uuid.New()

	delivery, err := NewDelivery(subID, "vault.deposited", []byte(`{"amount":100}`))
	require.NoError(t, err)
	require.Equal(t, StatusPending, delivery.Status)
	require.Zero(t, delivery.AttemptCount)
	require.False(t, delivery.Terminal())
	require.False(t, delivery.NextRetryAt.IsZero())

	_, err = NewDelivery(uuid.Nil, "vault.deposited", nil)
	require.Error(t, err)

	_, err = NewDelivery(subID, "", nil)
	require.ErrorIs(t, err, ErrEmptyEventType)

	_, err = NewDelivery(subID, "vault.deposited", []byte("not-json"))
	require.ErrorIs(t, err, ErrPayloadNotJSON)

	big := make([]byte, MaxPayloadBytes+1)
	_, err = NewDelivery(subID, "vault.deposited", big)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestDeliveryTerminal(t *testing.T) {
	t.Parallel()

	delivery := &Delivery{Status: StatusPending}
	require.False(t, delivery.Terminal())

	for _, status := range []string{StatusDelivered, StatusFailed, StatusExpired} {
		delivery.Status = status
		require.True(t, delivery.Terminal(), status)
	}
}
