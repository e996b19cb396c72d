package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riffle-ai/riffle/internal/log"
)

// newTokenServer serves client-credentials exchanges, counting fetches.
func newTokenServer(t *testing.T, fetches *atomic.Int64, status int) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.FormValue("grant_type"))

		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		// Small delay widens the race window for the dedup test.
		time.Sleep(20 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-abc",
			"expires_in":   3600,
		})
	}))
}

func newTestTokenSource(t *testing.T, tokenURL string) *TokenSource {
	t.Helper()

	ts, err := NewTokenSource(TokenConfig{
		TokenURL:     tokenURL,
		ClientID:     "client",
		ClientSecret: "secret",
		Logger:       log.NewNop(),
	})
	require.NoError(t, err)
	return ts
}

func TestTokenSource_ConcurrentCallersShareOneFetch(t *testing.T) {
	t.Parallel()

	var fetches atomic.Int64
	server := newTokenServer(t, &fetches, http.StatusOK)
	defer server.Close()

	ts := newTestTokenSource(t, server.URL)

	const callers = 20
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := ts.Token(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "tok-abc", token)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), fetches.Load())
}

func TestTokenSource_CachesUntilRefreshMargin(t *testing.T) {
	t.Parallel()

	var fetches atomic.Int64
	server := newTokenServer(t, &fetches, http.StatusOK)
	defer server.Close()

	ts := newTestTokenSource(t, server.URL)

	now := time.Now()
	ts.now = func() time.Time { return now }

	_, err := ts.Token(context.Background())
	require.NoError(t, err)
	_, err = ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), fetches.Load(), "second call should hit the cache")

	// Inside the refresh margin the token counts as stale.
	now = now.Add(3600*time.Second - 30*time.Second)
	_, err = ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), fetches.Load(), "stale token should be refetched")
}

func TestTokenSource_UnauthorizedIsAuthenticationError(t *testing.T) {
	t.Parallel()

	var fetches atomic.Int64
	server := newTokenServer(t, &fetches, http.StatusUnauthorized)
	defer server.Close()

	ts := newTestTokenSource(t, server.URL)

	_, err := ts.Token(context.Background())
	require.ErrorIs(t, err, ErrAuthentication)
}
