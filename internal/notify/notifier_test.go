package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	name     string
	titles   []string
	messages []string
	fail     bool
}

func (s *recordingSender) Send(ctx context.Context, title, message string) error {
	if s.fail {
		return errors.New("boom")
	}
	s.titles = append(s.titles, title)
	s.messages = append(s.messages, message)
	return nil
}

func (s *recordingSender) Name() string { return s.name }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifyTransition(t *testing.T) {
	sender := &recordingSender{name: "test"}
	n := NewNotifier([]Sender{sender}, nil, discardLogger())

	err := n.NotifyTransition(context.Background(), 42, "0xabc", "liquidated", map[string]any{
		"listing_id": int64(7),
		"amount":     int64(100),
	})
	require.NoError(t, err)
	require.Len(t, sender.titles, 1)
	assert.Equal(t, "position 42: liquidated", sender.titles[0])

	// Detail keys are rendered sorted after the owner line.
	assert.Equal(t, "owner: 0xabc\namount: 100\nlisting_id: 7", sender.messages[0])
}

func TestNotifyTransitionFilter(t *testing.T) {
	sender := &recordingSender{name: "test"}
	n := NewNotifier([]Sender{sender}, []string{"liquidated", "defaulted"}, discardLogger())

	require.NoError(t, n.NotifyTransition(context.Background(), 1, "0xabc", "repaid", nil))
	assert.Empty(t, sender.titles)

	require.NoError(t, n.NotifyTransition(context.Background(), 1, "0xabc", "defaulted", nil))
	assert.Len(t, sender.titles, 1)
}

func TestDispatchCollectsSenderErrors(t *testing.T) {
	good := &recordingSender{name: "good"}
	bad := &recordingSender{name: "bad", fail: true}
	n := NewNotifier([]Sender{bad, good}, nil, discardLogger())

	err := n.NotifyAll(context.Background(), "title", "message")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")

	// The failing sender does not block delivery to the others.
	assert.Len(t, good.titles, 1)
}

func TestNotifierWithoutSenders(t *testing.T) {
	n := NewNotifier(nil, nil, discardLogger())
	assert.NoError(t, n.NotifyAll(context.Background(), "title", "message"))
}

func TestWebhookSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		got = map[string]string{"raw": string(body)}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL)
	require.NoError(t, s.Send(context.Background(), "t", "m"))
	assert.JSONEq(t, `{"title":"t","message":"m"}`, got["raw"])
}

func TestTelegramSender(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("token123", "chat42")
	s.baseURL = srv.URL

	require.NoError(t, s.Send(context.Background(), "position 1: repaid", "owner: 0xabc"))
	assert.Equal(t, "/bottoken123/sendMessage", gotPath)
	assert.JSONEq(t, `{"chat_id":"chat42","text":"position 1: repaid\nowner: 0xabc"}`, gotBody)
}

func TestTelegramSenderRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := NewTelegramSender("token123", "chat42")
	s.baseURL = srv.URL

	err := s.Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestWebhookSenderRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL)
	err := s.Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}
