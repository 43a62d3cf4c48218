package redis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wolfeidau/biopay/internal/models"
)

func TestSessionTTL(t *testing.T) {
	// Far from the wall clock, as under a mock clock.
	created := time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		session models.Session
		want    time.Duration
	}{
		{
			name:    "lifetime plus retention",
			session: models.Session{CreatedAt: created, ExpiresAt: created.Add(5 * time.Minute)},
			want:    5*time.Minute + sessionRetention,
		},
		{
			name:    "expires before creation",
			session: models.Session{CreatedAt: created, ExpiresAt: created.Add(-time.Minute)},
			want:    sessionRetention,
		},
		{
			name:    "no creation time",
			session: models.Session{ExpiresAt: created.Add(5 * time.Minute)},
			want:    sessionRetention,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sessionTTL(&tt.session))
		})
	}
}
