package camera

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Spatial-NVR/codnida/internal/config"
	"github.com/Spatial-NVR/codnida/internal/database"
	"github.com/Spatial-NVR/codnida/internal/eventbus"
)

// testDevice is an httptest camera answering every CGI path with status
type testDevice struct {
	*httptest.Server
	status atomic.Int32

	mu       sync.Mutex
	requests []string
}

func newTestDevice(t *testing.T) *testDevice {
	t.Helper()
	d := &testDevice{}
	d.status.Store(http.StatusOK)
	d.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		d.requests = append(d.requests, r.URL.RequestURI())
		d.mu.Unlock()

		status := int(d.status.Load())
		w.WriteHeader(status)
		if status == http.StatusOK && r.URL.Path == "/cgi-bin/snapshot" {
			_, _ = w.Write([]byte("jpegdata"))
			return
		}
		_, _ = w.Write([]byte("OK"))
	}))
	t.Cleanup(d.Close)
	return d
}

func (d *testDevice) setStatus(code int) {
	d.status.Store(int32(code))
}

func (d *testDevice) requestCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

func (d *testDevice) cameraConfig(t *testing.T, entryID string) config.CameraConfig {
	t.Helper()
	u, err := url.Parse(d.URL)
	if err != nil {
		t.Fatalf("Failed to parse server URL: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("Failed to split host: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return config.CameraConfig{
		EntryID:  entryID,
		Host:     host,
		Port:     port,
		Username: "admin",
		Password: "password",
	}
}

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(&database.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := database.NewMigrator(db).Run(context.Background()); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	return db
}

// recordingPublisher captures published events
type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

type published struct {
	subject string
	data    any
}

func (p *recordingPublisher) Publish(subject string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{subject: subject, data: data})
	return nil
}

func (p *recordingPublisher) stateChanges() []eventbus.StateChangedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []eventbus.StateChangedEvent
	for _, e := range p.events {
		if evt, ok := e.data.(eventbus.StateChangedEvent); ok {
			out = append(out, evt)
		}
	}
	return out
}

func (p *recordingPublisher) count(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.subject == subject {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T) (*Manager, *Repository, *recordingPublisher) {
	t.Helper()
	repo := NewRepository(setupTestDB(t))
	pub := &recordingPublisher{}
	m := NewManager(repo, pub)
	t.Cleanup(m.Close)
	return m, repo, pub
}
