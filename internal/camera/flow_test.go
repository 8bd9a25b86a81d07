package camera

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/Spatial-NVR/codnida/internal/codnida"
	"github.com/Spatial-NVR/codnida/internal/config"
)

func newTestFlow(t *testing.T) (*Flow, *config.Config, *Manager) {
	t.Helper()
	m, _, _ := newTestManager(t)
	cfg := config.Default()
	cfg.SetPath(filepath.Join(t.TempDir(), "config.yaml"))
	return NewFlow(cfg, m), cfg, m
}

func TestFlowCreate(t *testing.T) {
	flow, cfg, m := newTestFlow(t)
	dev := newTestDevice(t)
	want := dev.cameraConfig(t, "")

	res, err := flow.Create(context.Background(), FlowInput{
		Host:     want.Host,
		Port:     want.Port,
		Username: "admin",
		Password: "password",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if res.EntryID == "" {
		t.Error("Expected an entry id")
	}
	if res.Title != want.Host {
		t.Errorf("Expected title to fall back to host, got %s", res.Title)
	}
	if res.EntityID != want.UniqueID() {
		t.Errorf("Expected entity %s, got %s", want.UniqueID(), res.EntityID)
	}

	saved := cfg.GetCamera(res.EntryID)
	if saved == nil || saved.Password != "password" {
		t.Fatalf("Entry not saved: %+v", saved)
	}

	ent, err := m.Get(res.EntityID)
	if err != nil {
		t.Fatalf("Entity not set up: %v", err)
	}
	if ent.EntryState != EntryLoaded {
		t.Errorf("Expected loaded entity, got %s", ent.EntryState)
	}
}

func TestFlowCreate_AlreadyConfigured(t *testing.T) {
	flow, _, _ := newTestFlow(t)
	dev := newTestDevice(t)
	c := dev.cameraConfig(t, "")
	in := FlowInput{Host: c.Host, Port: c.Port, Username: "admin", Password: "password", Name: "Porch"}

	if _, err := flow.Create(context.Background(), in); err != nil {
		t.Fatalf("First create failed: %v", err)
	}
	if _, err := flow.Create(context.Background(), in); !errors.Is(err, ErrAlreadyConfigured) {
		t.Errorf("Expected ErrAlreadyConfigured, got %v", err)
	}
}

func TestFlowCreate_CannotConnect(t *testing.T) {
	flow, cfg, _ := newTestFlow(t)
	dev := newTestDevice(t)
	dev.setStatus(http.StatusUnauthorized)
	c := dev.cameraConfig(t, "")

	_, err := flow.Create(context.Background(), FlowInput{Host: c.Host, Port: c.Port, Username: "admin", Password: "bad"})
	if !errors.Is(err, ErrCannotConnect) || !errors.Is(err, codnida.ErrNotReady) {
		t.Errorf("Expected ErrCannotConnect wrapping ErrNotReady, got %v", err)
	}
	if n := len(cfg.CameraList()); n != 0 {
		t.Errorf("No entry should be saved, got %d", n)
	}
}

func TestFlowCreate_Validation(t *testing.T) {
	flow, _, _ := newTestFlow(t)

	tests := []struct {
		name   string
		input  FlowInput
		fields []string
	}{
		{"empty", FlowInput{}, []string{"host", "username", "password"}},
		{"blank host", FlowInput{Host: "  ", Username: "u", Password: "p"}, []string{"host"}},
		{"bad port", FlowInput{Host: "h", Username: "u", Password: "p", Port: 70000}, []string{"port"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := flow.Create(context.Background(), tt.input)
			var verrs codnida.ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("Expected validation errors, got %v", err)
			}
			if len(verrs) != len(tt.fields) {
				t.Fatalf("Expected %d errors, got %v", len(tt.fields), verrs)
			}
			for i, f := range tt.fields {
				if verrs[i].Field != f {
					t.Errorf("Expected error on %s, got %s", f, verrs[i].Field)
				}
			}
		})
	}
}

func TestFlowDelete(t *testing.T) {
	flow, cfg, m := newTestFlow(t)
	dev := newTestDevice(t)
	c := dev.cameraConfig(t, "")

	res, err := flow.Create(context.Background(), FlowInput{Host: c.Host, Port: c.Port, Username: "admin", Password: "password"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := flow.Delete(context.Background(), res.EntryID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if cfg.GetCamera(res.EntryID) != nil {
		t.Error("Entry should be removed from config")
	}
	if _, err := m.Get(res.EntityID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Entity should be removed, got %v", err)
	}
	if err := flow.Delete(context.Background(), res.EntryID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
