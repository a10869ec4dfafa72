package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlack_LoginExpiredPostsMessage(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s, err := NewSlack("xoxb-1", "#alerts", WithBaseURL(srv.URL))
	require.NoError(t, err)
	require.NoError(t, s.LoginExpired(context.Background(), "acme", "t-9"))

	assert.Equal(t, "Bearer xoxb-1", gotAuth)
	assert.Equal(t, "/chat.postMessage", gotPath)
	assert.Equal(t, "#alerts", gotBody["channel"])
	assert.Contains(t, gotBody["text"], "acme login expired")
	assert.Contains(t, gotBody["text"], "t-9")
}

func TestSlack_APIErrorIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer srv.Close()

	s, err := NewSlack("xoxb-1", "#nope", WithBaseURL(srv.URL))
	require.NoError(t, err)
	err = s.LoginExpired(context.Background(), "acme", "t-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel_not_found")
}

func TestNewSlack_RequiresTokenAndChannel(t *testing.T) {
	_, err := NewSlack("", "#c")
	assert.Error(t, err)
	_, err = NewSlack("tok", "")
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	var n Notifier = Nop{}
	assert.NoError(t, n.LoginExpired(context.Background(), "acme", "t"))
}
