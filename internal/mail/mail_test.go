package mail

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestSend_InvalidAddresses(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s := NewSender(Options{Host: "localhost", Port: 2525, From: "no-reply@example.com", Timeout: time.Second}, logger)
	err := s.Send(context.Background(), "не адрес", "subj", "body")
	if err == nil || !strings.Contains(err.Error(), "получателя") {
		t.Errorf("ошибка = %v, ожидалась ошибка адреса получателя", err)
	}

	s = NewSender(Options{Host: "localhost", Port: 2525, From: "bad from", Timeout: time.Second}, logger)
	err = s.Send(context.Background(), "a@example.com", "subj", "body")
	if err == nil || !strings.Contains(err.Error(), "отправителя") {
		t.Errorf("ошибка = %v, ожидалась ошибка адреса отправителя", err)
	}
}

func TestClientOptions_AuthOnlyWithUsername(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	anon := NewSender(Options{Host: "h", Port: 25, Timeout: time.Second}, logger)
	withAuth := NewSender(Options{Host: "h", Port: 587, Username: "u", Password: "p", RequireTLS: true, Timeout: time.Second}, logger)

	if got := len(anon.clientOptions()); got != 3 {
		t.Errorf("опций без авторизации = %d, ожидалось 3", got)
	}
	if got := len(withAuth.clientOptions()); got != 6 {
		t.Errorf("опций с авторизацией = %d, ожидалось 6", got)
	}
}
