//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/sal-scripts-packager/internal/domain/script"
)

// TestNewClient_ValidatesURL verifies that NewClient rejects empty and malformed server URLs.
func TestNewClient_ValidatesURL(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "sal", "ftp://sal", "http://"} {
		c, err := NewClient(raw)
		require.Error(t, err, raw)
		require.Nil(t, c)
	}
}

// TestClient_URL checks the Sal route layout including trailing slashes and base paths.
func TestClient_URL(t *testing.T) {
	t.Parallel()

	c, err := NewClient("https://sal.example.com")
	require.NoError(t, err)
	require.Equal(t, "https://sal.example.com/preflight-v2/", c.URL("preflight-v2"))
	require.Equal(t,
		"https://sal.example.com/preflight-v2/get-script/inventory/collect.sh/",
		c.URL("preflight-v2", "get-script", "inventory", "collect.sh"))

	c, err = NewClient("https://example.com/sal/")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/sal/preflight-v2/", c.URL("preflight-v2"))

	require.Equal(t, "https://example.com/sal/preflight-v2/get-script/my%20plugin/a.sh/",
		c.URL("preflight-v2", "get-script", "my plugin", "a.sh"))
}

// TestClient_Get returns bodies for 2xx and TransportError with status otherwise.
func TestClient_Get(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/ok/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	mux.HandleFunc("/missing/", func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	c, err := NewClient(ts.URL)
	require.NoError(t, err)

	body, err := c.Get(context.Background(), "ok")
	require.NoError(t, err)
	require.Equal(t, "[]", string(body))

	_, err = c.Get(context.Background(), "missing")
	require.ErrorIs(t, err, script.ErrTransport)

	var transportErr *script.TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, http.StatusNotFound, transportErr.StatusCode)
	require.Equal(t, ts.URL+"/missing/", transportErr.URL)
}

// TestClient_Get_Timeout ensures a slow server cannot block the client beyond the request timeout.
func TestClient_Get_Timeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	c, err := NewClient(ts.URL, WithRequestTimeout(50*time.Millisecond))
	require.NoError(t, err)

	started := time.Now()

	_, err = c.Get(context.Background(), "slow")
	require.ErrorIs(t, err, script.ErrTransport)
	require.Less(t, time.Since(started), 5*time.Second)
}

// TestClient_Get_ConnectionRefused reports a transport error without a status code.
func TestClient_Get_ConnectionRefused(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.NotFoundHandler())
	address := ts.URL
	ts.Close()

	c, err := NewClient(address)
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "preflight-v2")
	require.ErrorIs(t, err, script.ErrTransport)

	var transportErr *script.TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Zero(t, transportErr.StatusCode)
}

// TestClient_Get_Retries repeats 5xx failures up to the limit but never 4xx ones.
func TestClient_Get_Retries(t *testing.T) {
	t.Parallel()

	var flakyHits, badHits atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/flaky/", func(w http.ResponseWriter, _ *http.Request) {
		if flakyHits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/bad/", func(w http.ResponseWriter, _ *http.Request) {
		badHits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	// Without retries the first 502 is final.
	c, err := NewClient(ts.URL)
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "flaky")
	require.ErrorIs(t, err, script.ErrTransport)
	require.EqualValues(t, 1, flakyHits.Load())

	// With retries the third attempt succeeds.
	flakyHits.Store(0)

	c, err = NewClient(ts.URL, WithRetries(3), WithRetryInterval(time.Millisecond))
	require.NoError(t, err)

	body, err := c.Get(context.Background(), "flaky")
	require.NoError(t, err)
	require.Equal(t, "ok", string(body))
	require.EqualValues(t, 3, flakyHits.Load())

	_, err = c.Get(context.Background(), "bad")
	require.ErrorIs(t, err, script.ErrTransport)
	require.EqualValues(t, 1, badHits.Load())
}
