package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestBuffer_RecentWraps(t *testing.T) {
	b := NewBuffer(3)
	for _, msg := range []string{"a", "b", "c", "d", "e"} {
		b.Add(Entry{Level: "INFO", Message: msg})
	}

	got := b.Recent(0, Filter{})
	if len(got) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(got))
	}
	for i, want := range []string{"c", "d", "e"} {
		if got[i].Message != want {
			t.Errorf("Entry %d: expected %s, got %s", i, want, got[i].Message)
		}
	}

	if got := b.Recent(2, Filter{}); len(got) != 2 || got[0].Message != "d" {
		t.Errorf("Expected newest two entries, got %+v", got)
	}
}

func TestBuffer_DefaultSize(t *testing.T) {
	if b := NewBuffer(0); len(b.entries) != 1000 {
		t.Errorf("Expected default size 1000, got %d", len(b.entries))
	}
}

func TestFilter_Match(t *testing.T) {
	e := Entry{Level: "WARN", Component: "codnida", Camera: "codnida_a_80"}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"zero filter", Filter{}, true},
		{"component", Filter{Component: "codnida"}, true},
		{"other component", Filter{Component: "api"}, false},
		{"camera", Filter{Camera: "codnida_a_80"}, true},
		{"other camera", Filter{Camera: "codnida_b_80"}, false},
		{"level below", Filter{MinLevel: slog.LevelInfo}, true},
		{"level above", Filter{MinLevel: slog.LevelError}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Match(e); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuffer_Subscribe(t *testing.T) {
	b := NewBuffer(10)
	ch := b.Subscribe()

	b.Add(Entry{Message: "live"})
	select {
	case e := <-ch:
		if e.Message != "live" {
			t.Errorf("Expected live, got %s", e.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("Subscriber did not receive entry")
	}

	b.Unsubscribe(ch)
	b.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("Channel should be closed after Unsubscribe")
	}
}

func TestHandler_CapturesRecords(t *testing.T) {
	b := NewBuffer(10)
	var out bytes.Buffer
	logger := slog.New(NewHandler(b, slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelInfo})))

	logger.With("component", "codnida", "camera", "codnida_a_80").
		WithGroup("req").
		Warn("Command failed", "status", 500)
	logger.Debug("dropped")

	got := b.Recent(0, Filter{})
	if len(got) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(got))
	}
	e := got[0]
	if e.Level != "WARN" || e.Message != "Command failed" {
		t.Errorf("Unexpected entry: %+v", e)
	}
	if e.Component != "codnida" || e.Camera != "codnida_a_80" {
		t.Errorf("Expected component and camera to be captured, got %+v", e)
	}
	if v, ok := e.Attrs["req.status"]; !ok || v != int64(500) {
		t.Errorf("Expected grouped status attr, got %v", e.Attrs)
	}

	if !strings.Contains(out.String(), "Command failed") {
		t.Errorf("Record should be forwarded, got %q", out.String())
	}
}
