package chatsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWSChannelDisconnected(t *testing.T) {
	ch := NewWSChannel(ChannelConfig{URL: "ws://127.0.0.1:1/ws", DialTimeout: time.Second})

	if ch.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", ch.State())
	}
	if err := ch.Send(context.Background(), JoinChat{ConversationID: "c1"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := ch.Connect(context.Background(), "u-1"); err == nil {
		t.Fatal("expected dial error")
	}
	if ch.State() != StateDisconnected {
		t.Errorf("expected disconnected after failed dial, got %s", ch.State())
	}
	ch.Disconnect()
}

func TestWSChannelRejectedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	ch := NewWSChannel(ChannelConfig{
		URL:   NewClient(srv.URL, nil).ChannelURL(),
		Token: "tok",
	})
	if err := ch.Connect(context.Background(), "u-1"); err == nil {
		t.Fatal("expected handshake error")
	}
	if ch.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", ch.State())
	}
}

func TestWSChannelDialURL(t *testing.T) {
	ch := NewWSChannel(ChannelConfig{URL: "wss://api.example.com/ws", Token: "a b"})
	if got, want := ch.dialURL(), "wss://api.example.com/ws?token=a+b"; got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}
