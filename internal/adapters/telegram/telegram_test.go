package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"jobwarden/internal/notifier"
)

func TestSendPostsToChat(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var got map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			http.NotFound(w, r)
			return
		}
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		_ = json.Unmarshal(b, &got)
		mu.Unlock()
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"chat":{"id":42,"type":"private"},"date":0}}`)
	}))
	defer ts.Close()

	s, err := New(Config{Token: "t0k", ChatID: 42, URL: ts.URL})
	if err != nil {
		t.Fatal(err)
	}
	err = s.Send(context.Background(), notifier.Alert{Severity: notifier.SeverityCritical, Message: "job backup failed"})
	if err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if got["chat_id"] != "42" || !strings.Contains(got["text"].(string), "job backup failed") {
		t.Fatalf("request = %v", got)
	}
}

func TestNewRequiresTokenAndChat(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{ChatID: 1}); err == nil {
		t.Fatal("empty token accepted")
	}
	if _, err := New(Config{Token: "x"}); err == nil {
		t.Fatal("empty chat accepted")
	}
}
