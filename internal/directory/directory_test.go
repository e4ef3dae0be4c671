package directory_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/toybridge/gateway/internal/directory"
)

func TestModeFallsBackOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := directory.New(srv.URL, srv.URL, "token", zap.NewNop().Sugar())
	assert.Equal(t, "conversation", c.Mode(context.Background(), "00:16:3e:ac:b5:38"))
}

func TestModeReturnsParsedValue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]interface{}{"code": 0, "data": "music"})
	}))
	defer srv.Close()

	c := directory.New(srv.URL, srv.URL, "secret", zap.NewNop().Sugar())
	assert.Equal(t, "music", c.Mode(context.Background(), "00:16:3e:ac:b5:38"))
}

func TestCycleMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code": 0,
			"data": map[string]interface{}{"success": true, "newMode": "music", "oldMode": "conversation"},
		})
	}))
	defer srv.Close()

	c := directory.New(srv.URL, srv.URL, "secret", zap.NewNop().Sugar())
	result, err := c.CycleMode(context.Background(), "00:16:3e:ac:b5:38")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "music", result.NewMode)
}

func TestBotAction(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := directory.New(srv.URL, srv.URL, "secret", zap.NewNop().Sugar())
	err := c.BotAction(context.Background(), directory.BotMusic, "room1", "next")
	require.NoError(t, err)
	assert.Equal(t, "/music-bot/room1/next", gotPath)
}
