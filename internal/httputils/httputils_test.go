package httputils

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded first entry", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}, "10.0.0.1:5000", "203.0.113.7"},
		{"forwarded wins over real ip", map[string]string{"X-Forwarded-For": "203.0.113.7", "X-Real-IP": "198.51.100.2"}, "10.0.0.1:5000", "203.0.113.7"},
		{"real ip", map[string]string{"X-Real-IP": " 198.51.100.2 "}, "10.0.0.1:5000", "198.51.100.2"},
		{"peer address", nil, "192.0.2.1:41234", "192.0.2.1"},
		{"ipv4 mapped ipv6", nil, "[::ffff:192.0.2.1]:80", "192.0.2.1"},
		{"ipv6", nil, "[2001:db8::1]:80", "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(r))
		})
	}
}

func TestHandleAPIResponse(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/x", nil)

	rec := httptest.NewRecorder()
	HandleAPIResponse(rec, r, zap.NewNop(), map[string]int{"n": 1}, nil, 0)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"n":1}`, rec.Body.String())

	rec = httptest.NewRecorder()
	HandleAPIResponse(rec, r, zap.NewNop(), nil, errors.New("nope"), http.StatusForbidden)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"nope"}`, rec.Body.String())
}
