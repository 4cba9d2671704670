package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestTelegramChannelSendsToEveryChat(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		chats []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg telegramMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		paths = append(paths, r.URL.Path)
		chats = append(chats, msg.ChatID)
		mu.Unlock()
		if msg.ChatID == "-200" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channel, err := NewTelegramChannel("123:abc", "100; 101", WithTelegramAPIBase(server.URL))
	if err != nil {
		t.Fatalf("new telegram channel: %v", err)
	}
	if err := channel.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(chats) != 2 || chats[0] != "100" || chats[1] != "101" {
		t.Fatalf("unexpected chats %v", chats)
	}
	if paths[0] != "/bot123:abc/sendMessage" {
		t.Fatalf("unexpected path %s", paths[0])
	}

	partial, _ := NewTelegramChannel("123:abc", "100,-200", WithTelegramAPIBase(server.URL))
	err = partial.Send(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "1 of 2") {
		t.Fatalf("expected partial failure, got %v", err)
	}
	if len(chats) != 4 {
		t.Fatalf("every chat must be attempted, got %v", chats)
	}
}

func TestTelegramChannelRequiresTokenAndChats(t *testing.T) {
	if _, err := NewTelegramChannel("", "1"); err == nil {
		t.Fatalf("expected error for empty token")
	}
	if _, err := NewTelegramChannel("t", " ; ,"); err == nil {
		t.Fatalf("expected error for empty chat list")
	}
}
