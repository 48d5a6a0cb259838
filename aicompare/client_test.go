package aicompare

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatServer(t *testing.T, status int, reply string, seen *chatRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.WriteHeader(status)
		if status != http.StatusOK {
			w.Write([]byte(`{"error":{"message":"quota exceeded"}}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": reply}}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(Options{
		BaseURL: srv.URL + "/v1/",
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
		RPS:     1000,
	}, nil)
}

func TestCompareImages(t *testing.T) {
	var seen chatRequest
	srv := chatServer(t, http.StatusOK, "87", &seen)

	got, err := newTestClient(srv).CompareImages(context.Background(), "https://img/a.jpg", "https://img/b.jpg")
	require.NoError(t, err)
	assert.Equal(t, 87, got)

	assert.Equal(t, "gpt-4o-mini", seen.Model)
	require.Len(t, seen.Messages, 1)
	parts := seen.Messages[0].Content
	require.Len(t, parts, 3)
	assert.Equal(t, "text", parts[0].Type)
	assert.Equal(t, "https://img/a.jpg", parts[1].ImageURL.URL)
	assert.Equal(t, "https://img/b.jpg", parts[2].ImageURL.URL)
}

func TestCompareImages_Errors(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		srv := chatServer(t, http.StatusTooManyRequests, "", nil)
		_, err := newTestClient(srv).CompareImages(context.Background(), "a", "b")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "429")
	})

	t.Run("empty reply", func(t *testing.T) {
		srv := chatServer(t, http.StatusOK, "  ", nil)
		_, err := newTestClient(srv).CompareImages(context.Background(), "a", "b")
		assert.ErrorIs(t, err, ErrEmptyResponse)
	})

	t.Run("no number", func(t *testing.T) {
		srv := chatServer(t, http.StatusOK, "cannot tell", nil)
		_, err := newTestClient(srv).CompareImages(context.Background(), "a", "b")
		assert.ErrorIs(t, err, ErrUnparseable)
	})

	t.Run("cancelled", func(t *testing.T) {
		srv := chatServer(t, http.StatusOK, "50", nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := newTestClient(srv).CompareImages(ctx, "a", "b")
		assert.Error(t, err)
	})
}

func TestParseConfidence(t *testing.T) {
	tests := []struct {
		reply string
		want  int
	}{
		{"0", 0},
		{"100", 100},
		{"Confidence: 92%", 92},
		{"250", 100},
		{"73\n", 73},
	}
	for _, tt := range tests {
		got, err := ParseConfidence(tt.reply)
		require.NoError(t, err, tt.reply)
		assert.Equal(t, tt.want, got, tt.reply)
	}

	_, err := ParseConfidence("-")
	assert.ErrorIs(t, err, ErrUnparseable)
}
