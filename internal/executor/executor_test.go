package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"postrunner/internal/model"
	"postrunner/internal/sticky"
	logx "postrunner/pkg/logx"
)

func TestRestrictedMarker(t *testing.T) {
	t.Parallel()
	base := errors.New("captcha wall")
	err := fmt.Errorf("execute: %w", Restricted(base))
	require.True(t, IsRestricted(err))
	require.ErrorIs(t, err, ErrRestricted)
	require.ErrorIs(t, err, base)

	require.False(t, IsRestricted(errors.New("timeout")))
	require.False(t, IsRestricted(nil))
	require.True(t, IsRestricted(Restricted(nil)))
}

func TestDryRunAlwaysSucceeds(t *testing.T) {
	t.Parallel()
	f := NewDryRunFactory(0, logx.Nop())
	ex, err := f.New(context.Background(), model.Account{ID: "a"}, sticky.Session{ProxyID: "p"})
	require.NoError(t, err)
	defer ex.Close()

	ok, err := ex.IsAuthenticated(context.Background(), model.Account{ID: "a"})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, ex.Execute(context.Background(), model.Post{ID: "p1", Target: "t", Content: "c"}))
}

func TestWebhookExecutor(t *testing.T) {
	t.Parallel()
	var got actionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/auth":
			if r.URL.Query().Get("account") == "good" {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusUnauthorized)
		case "/session":
			_, _ = w.Write([]byte("cookie-v2\n"))
		case "/actions":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			switch got.Post.Target {
			case "ok":
				w.WriteHeader(http.StatusCreated)
			case "blocked":
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte("slow down"))
			default:
				w.WriteHeader(http.StatusBadGateway)
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	f, err := NewWebhookFactory(WebhookConfig{BaseURL: srv.URL + "/", Token: "tok", RatePerSec: 1000}, srv.Client())
	require.NoError(t, err)

	ctx := context.Background()
	ex, err := f.New(ctx, model.Account{ID: "good", SessionRef: "s1"}, sticky.Session{ProxyID: "px", SessionID: "sid"})
	require.NoError(t, err)

	ok, err := ex.IsAuthenticated(ctx, model.Account{ID: "good"})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = ex.IsAuthenticated(ctx, model.Account{ID: "bad"})
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, ex.Execute(ctx, model.Post{ID: "p1", Target: "ok", Content: "c"}))
	require.Equal(t, "good", got.AccountID)
	require.Equal(t, "sid", got.StickyID)
	require.Equal(t, "px", got.ProxyID)

	err = ex.Execute(ctx, model.Post{ID: "p2", Target: "blocked", Content: "c"})
	require.True(t, IsRestricted(err))
	require.Contains(t, err.Error(), "slow down")

	err = ex.Execute(ctx, model.Post{ID: "p3", Target: "broken", Content: "c"})
	require.Error(t, err)
	require.False(t, IsRestricted(err))

	exp, ok := ex.(SessionExporter)
	require.True(t, ok)
	s, err := exp.ExportSession(ctx)
	require.NoError(t, err)
	require.Equal(t, "cookie-v2", s)
}

func TestWebhookFactoryValidation(t *testing.T) {
	t.Parallel()
	_, err := NewWebhookFactory(WebhookConfig{}, nil)
	require.Error(t, err)
}
