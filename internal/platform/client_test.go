package platform

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/transcript-engine/internal/resilience"
)

func TestClientDo_PassesHeadersAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "3", r.Header.Get("X-Youtube-Client-Name"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"videoId":"abc"}`, string(body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient(WithRate(100))
	resp, err := c.Do(context.Background(), Request{
		Method:  http.MethodPost,
		URL:     srv.URL + "/youtubei/v1/player",
		Headers: map[string]string{"X-Youtube-Client-Name": "3"},
		Body:    []byte(`{"videoId":"abc"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestClientDo_ClassifiesStatus(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusOK, false},
		{http.StatusNotFound, false},
		{http.StatusForbidden, false},
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			resp, err := NewClient(WithRate(100)).Do(context.Background(), Request{URL: srv.URL})
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.Status)
			if tt.transient {
				require.Error(t, err)
				assert.True(t, resilience.IsTransient(err))
				assert.Equal(t, tt.status, resilience.StatusCode(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClientDo_ThrottleSlowsHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(WithRate(40))
	_, _ = c.Do(context.Background(), Request{URL: srv.URL})

	var lim *AdaptiveLimiter
	for _, l := range c.limiters.limiters {
		lim = l
	}
	require.NotNil(t, lim)
	assert.InDelta(t, 20.0, float64(lim.Limit()), 0.001)
}

func TestClientDo_TransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := srv.URL
	srv.Close()

	_, err := NewClient(WithRate(100)).Do(context.Background(), Request{URL: addr})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestClientDo_Browser(t *testing.T) {
	var calls atomic.Int32
	browser := func(method, target string, headers map[string]string, body io.Reader) ([]byte, int, error) {
		calls.Add(1)
		assert.Equal(t, http.MethodGet, method)
		assert.Equal(t, "https://www.youtube.com/watch?v=abc", target)
		assert.Equal(t, "en-US,en;q=0.9", headers["accept-language"])
		assert.Nil(t, body)
		return []byte("<html>ok</html>"), http.StatusOK, nil
	}

	c := NewClient(WithRate(100), WithBrowser(browser))
	require.True(t, c.HasBrowser())

	resp, err := c.Do(context.Background(), Request{
		URL:     "https://www.youtube.com/watch?v=abc",
		Headers: map[string]string{"accept-language": "en-US,en;q=0.9"},
		Browser: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "<html>ok</html>", string(resp.Body))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientDo_BrowserHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	browser := func(string, string, map[string]string, io.Reader) ([]byte, int, error) {
		<-release
		return nil, http.StatusOK, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewClient(WithRate(100), WithBrowser(browser)).Do(ctx, Request{URL: "https://www.youtube.com/", Browser: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAdaptiveLimiter(t *testing.T) {
	l := NewAdaptiveLimiter("www.youtube.com", rate.Limit(10), 10)

	for i := 0; i < 10; i++ {
		l.OnSuccess()
	}
	assert.InDelta(t, 20.0, float64(l.Limit()), 0.001)

	for i := 0; i < 10; i++ {
		l.OnRateLimit()
	}
	assert.InDelta(t, 2.5, float64(l.Limit()), 0.001)
}

func TestDetectBlock(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   BlockType
	}{
		{"ok", 200, `{"captions":{}}`, BlockNone},
		{"throttled", 429, ``, BlockThrottled},
		{"bot check", 200, `<div>Sign in to confirm you're not a bot</div>`, BlockBotCheck},
		{"unusual traffic", 200, `Our systems have detected unusual traffic from your computer network.`, BlockBotCheck},
		{"captcha", 200, `<form id="captcha-form">`, BlockCaptcha},
		{"consent", 200, `<a href="https://consent.youtube.com/m?continue=">Before you continue to YouTube</a>`, BlockConsent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectBlock(tt.status, []byte(tt.body)))
		})
	}
}
