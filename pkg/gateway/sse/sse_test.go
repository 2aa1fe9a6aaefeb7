package sse

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriterSend(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	w, err := New(rec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Send("status", map[string]string{"status": "pending"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "event: status\n") {
		t.Fatalf("body=%q, missing event line", body)
	}
	if !strings.Contains(body, `data: {"status":"pending"}`+"\n\n") {
		t.Fatalf("body=%q, missing data line", body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type=%q", ct)
	}
}

func TestWriterPingIsComment(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	w, err := New(rec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if got := rec.Body.String(); got != ": ping\n\n" {
		t.Fatalf("body=%q", got)
	}
}
