package models

import (
	"testing"
	"time"
)

func TestRefreshTokenLive(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		tok  RefreshToken
		want bool
	}{
		{
			name: "live",
			tok:  RefreshToken{ExpiresAt: now.Add(time.Hour)},
			want: true,
		},
		{
			name: "expired",
			tok:  RefreshToken{ExpiresAt: now.Add(-time.Hour)},
			want: false,
		},
		{
			name: "expires exactly now",
			tok:  RefreshToken{ExpiresAt: now},
			want: false,
		},
		{
			name: "revoked but not expired",
			tok: RefreshToken{
				ExpiresAt: now.Add(time.Hour),
				RevokedAt: &now,
			},
			want: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.tok.Live(now); got != tc.want {
				t.Errorf("Live() = %v, want %v", got, tc.want)
			}
		})
	}
}
