package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haroon-sajid/teamapp-gateway/internal/server/middleware"
)

func TestIsTrustedLocal(t *testing.T) {
	cases := []struct {
		ip      string
		trusted bool
	}{
		{"127.0.0.1", true},
		{"::1", true},
		{"10.0.0.5", true},
		{"192.168.1.20", true},
		{"172.16.0.1", true},
		{"169.254.1.1", true},
		{"fe80::1", true},
		{"203.0.113.7", false},
		{"8.8.8.8", false},
		{"2001:db8::1", false},
		{"not-an-ip", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.trusted, middleware.IsTrustedLocal(tc.ip), "ip %q", tc.ip)
	}
}

func TestRequestMetadataMiddleware(t *testing.T) {
	var got *middleware.RequestMetadata
	handler := middleware.Chain(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			meta, ok := middleware.ReqMetadataFrom(r.Context())
			require.True(t, ok)
			got = meta
		}),
		middleware.RequestMetadataMiddleware(),
	)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "192.168.1.20:51234"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, got)
	assert.Equal(t, "192.168.1.20", got.IP)
	assert.True(t, got.TrustedLocal)

	got = nil
	req = httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, got)
	assert.False(t, got.TrustedLocal)
}
