package executor

import (
	"net/http"
	"testing"
	"time"
)

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		value  string
		want   time.Duration
		wantOK bool
	}{
		{"seconds", "30", 30 * time.Second, true},
		{"padded seconds", " 2 ", 2 * time.Second, true},
		{"zero clamps", "0", minRetryDelay, true},
		{"negative", "-5", 0, false},
		{"http date", now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second, true},
		{"past date clamps", now.Add(-time.Hour).Format(http.TimeFormat), minRetryDelay, true},
		{"largest exact", "9223372036", 9223372036 * time.Second, true},
		{"saturates", "9300000000", maxRetryDelay, true},
		{"saturates far", "10000000000", maxRetryDelay, true},
		{"beyond int64", "99999999999999999999", maxRetryDelay, true},
		{"below int64", "-99999999999999999999", 0, false},
		{"empty", "", 0, false},
		{"garbage", "soon", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseRetryAfter(tt.value, now)
			if ok != tt.wantOK {
				t.Fatalf("ParseRetryAfter(%q) ok = %v, want %v", tt.value, ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}
