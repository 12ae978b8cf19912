package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHostOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		rawURL string
		want   string
	}{
		{"http://localhost:8080/webhook", "localhost:8080"},
		{"https://example.com/callback", "example.com"},
		{"http://api.example.com:3000/v1/events?key=123", "api.example.com:3000"},
		{"http://192.168.1.1:9000/hook", "192.168.1.1:9000"},
		{"://invalid", "://invalid"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, hostOf(tt.rawURL), tt.rawURL)
	}
}
