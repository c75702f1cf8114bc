package moderation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func chatServer(t *testing.T, status int, reply string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		if assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			assert.Equal(t, DefaultModel, req.Model)
			if assert.Len(t, req.Messages, 2) {
				assert.Equal(t, "system", req.Messages[0].Role)
				assert.Contains(t, req.Messages[1].Content, "恭喜发财")
			}
		}

		w.WriteHeader(status)
		if status == http.StatusOK {
			resp := map[string]any{
				"choices": []map[string]any{
					{"message": map[string]string{"content": reply}},
				},
			}
			_ = json.NewEncoder(w).Encode(resp)
		}
	}))
}

func TestHTTPClient_Classify(t *testing.T) {
	tests := []struct {
		name   string
		status int
		reply  string
		want   Verdict
	}{
		{"valid", http.StatusOK, "VALID", Valid},
		{"valid lowercase with padding", http.StatusOK, "  valid\n", Valid},
		{"invalid", http.StatusOK, "INVALID", Invalid},
		{"unexpected reply", http.StatusOK, "maybe?", Invalid},
		{"empty reply", http.StatusOK, "", Unavailable},
		{"server error", http.StatusInternalServerError, "", Unavailable},
		{"unauthorized", http.StatusUnauthorized, "", Unavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := chatServer(t, tt.status, tt.reply)
			defer server.Close()

			client := NewHTTPClient(server.URL, "test-key")
			assert.Equal(t, tt.want, client.Classify(context.Background(), "恭喜发财"))
		})
	}
}

func TestHTTPClient_NoAPIKey(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "")
	assert.Equal(t, Unavailable, client.Classify(context.Background(), "happy new year"))
	assert.False(t, called)
}

func TestHTTPClient_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "test-key", WithTimeout(20*time.Millisecond))
	assert.Equal(t, Unavailable, client.Classify(context.Background(), "happy new year"))
}

func TestVerdict_String(t *testing.T) {
	assert.Equal(t, "valid", Valid.String())
	assert.Equal(t, "invalid", Invalid.String())
	assert.Equal(t, "unavailable", Unavailable.String())
	assert.Equal(t, Invalid, Static(Invalid).Classify(context.Background(), "x"))
	assert.Equal(t, Unavailable, Noop{}.Classify(context.Background(), "x"))
}
