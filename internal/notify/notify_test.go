package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type recordingSender struct {
	name string
	err  error
	mu   sync.Mutex
	got  []Message
}

func (r *recordingSender) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	r.got = append(r.got, msg)
	r.mu.Unlock()
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifier_FiltersEvents(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{"trade_completed", " "}, discard())

	if err := n.Notify(context.Background(), "trade_failed", "t", "b"); err != nil {
		t.Fatal(err)
	}
	if err := n.Notify(context.Background(), "trade_completed", "Arbitrage completed", "profit"); err != nil {
		t.Fatal(err)
	}
	if len(s.got) != 1 || s.got[0].Title != "Arbitrage completed" {
		t.Fatalf("delivered = %+v", s.got)
	}
}

func TestNotifier_OneFailingSenderDoesNotBlockOthers(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("boom")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discard())

	err := n.Notify(context.Background(), "trade_failed", "t", "b")
	if err == nil || !strings.Contains(err.Error(), "bad: boom") {
		t.Fatalf("err = %v", err)
	}
	if len(good.got) != 1 {
		t.Fatal("healthy sender was skipped")
	}
}

func TestTelegramSender(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&payload)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.baseURL = srv.URL
	if err := s.Send(context.Background(), Message{Title: "Hi", Body: "there"}); err != nil {
		t.Fatal(err)
	}
	if payload["chat_id"] != "42" || payload["text"] != "*Hi*\nthere" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestDiscordSender_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Embeds []discordEmbed `json:"embeds"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if len(body.Embeds) != 1 || body.Embeds[0].Color != colorFailure {
			t.Errorf("embeds = %+v", body.Embeds)
		}
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), Message{Event: "trade_failed", Title: "x"})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("err = %v", err)
	}
}
