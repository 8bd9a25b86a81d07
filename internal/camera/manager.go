// Package camera hosts codnida camera entities: config entry setup and
// teardown, service dispatch, and availability tracking.
package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Spatial-NVR/codnida/internal/codnida"
	"github.com/Spatial-NVR/codnida/internal/config"
	"github.com/Spatial-NVR/codnida/internal/eventbus"
)

// EntryState is the lifecycle state of a config entry
type EntryState string

const (
	EntryLoaded     EntryState = "loaded"
	EntrySetupRetry EntryState = "setup_retry"
	EntryNotLoaded  EntryState = "not_loaded"
)

// Entity states
const (
	StateIdle        = "idle"
	StateUnavailable = "unavailable"
)

var (
	ErrNotFound          = errors.New("camera not found")
	ErrNotLoaded         = errors.New("camera not loaded")
	ErrAlreadyConfigured = errors.New("camera already configured")
	ErrCannotConnect     = errors.New("cannot connect")
)

// Publisher publishes events; *eventbus.EventBus satisfies it
type Publisher interface {
	Publish(subject string, data any) error
}

// Entity is the public view of a camera entity
type Entity struct {
	EntityID          string          `json:"entity_id"`
	EntryID           string          `json:"entry_id"`
	Name              string          `json:"name"`
	Host              string          `json:"host"`
	Port              int             `json:"port"`
	EntryState        EntryState      `json:"entry_state"`
	State             string          `json:"state"`
	Available         bool            `json:"available"`
	SupportedFeatures codnida.Feature `json:"supported_features"`
	PresetMin         int             `json:"preset_min"`
	PresetMax         int             `json:"preset_max"`
	Error             string          `json:"error,omitempty"`
	LastChanged       time.Time       `json:"last_changed"`
}

type entry struct {
	cfg         config.CameraConfig
	cam         *codnida.Camera
	state       EntryState
	lastState   string
	err         string
	lastChanged time.Time
	// gen counts setups and teardowns; a probe finishing under an older
	// generation was superseded
	gen uint64
}

// Manager owns the camera entities created from config entries
type Manager struct {
	repo   *Repository
	bus    Publisher
	opts   []codnida.Option
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewManager creates a manager. repo and bus may be nil; opts are applied
// to every camera after the per-entry options.
func NewManager(repo *Repository, bus Publisher, opts ...codnida.Option) *Manager {
	return &Manager{
		repo:    repo,
		bus:     bus,
		opts:    opts,
		logger:  slog.Default().With("component", "camera-manager"),
		entries: make(map[string]*entry),
	}
}

// Setup creates the entity for a config entry and probes the device. A
// failed probe leaves the entry in setup_retry and returns an error
// wrapping codnida.ErrNotReady; nothing is retried automatically.
func (m *Manager) Setup(ctx context.Context, cfg config.CameraConfig) error {
	if cfg.EntryID == "" {
		return fmt.Errorf("entry id is required")
	}

	m.mu.Lock()
	e, ok := m.entries[cfg.EntryID]
	if !ok {
		e = &entry{}
		m.entries[cfg.EntryID] = e
	}
	e.gen++
	gen := e.gen
	e.cam.Close()
	e.cam = nil
	e.cfg = cfg
	e.err = ""
	m.mu.Unlock()

	if cfg.Disabled {
		m.mu.Lock()
		e.state = EntryNotLoaded
		m.mu.Unlock()
		m.logger.Info("Camera entry disabled", "entry", cfg.EntryID, "camera", cfg.UniqueID())
		m.transition(ctx, e, "disabled")
		m.publishSetup(cfg, EntryNotLoaded, "")
		return nil
	}

	cam := codnida.New(cfg.Endpoint(), append(cfg.Options(), m.opts...)...)
	probeErr := cam.TestConnection(ctx)

	m.mu.Lock()
	if e.gen != gen || m.entries[cfg.EntryID] != e {
		m.mu.Unlock()
		cam.Close()
		m.logger.Debug("Camera setup superseded", "entry", cfg.EntryID, "camera", cfg.UniqueID())
		return nil
	}
	if probeErr != nil {
		e.state = EntrySetupRetry
		e.err = probeErr.Error()
		m.mu.Unlock()
		cam.Close()
		m.logger.Warn("Camera not ready", "entry", cfg.EntryID, "camera", cfg.UniqueID(), "error", probeErr)
		m.transition(ctx, e, "setup failed")
		m.publishSetup(cfg, EntrySetupRetry, probeErr.Error())
		return fmt.Errorf("setup %s: %w", cfg.UniqueID(), probeErr)
	}
	e.cam = cam
	e.state = EntryLoaded
	m.mu.Unlock()

	m.logger.Info("Camera loaded", "entry", cfg.EntryID, "camera", cfg.UniqueID())
	m.transition(ctx, e, "setup")
	m.publishSetup(cfg, EntryLoaded, "")
	return nil
}

// Reload tears an entry down and sets it up again. It is the way a camera
// latched unavailable gets probed again.
func (m *Manager) Reload(ctx context.Context, id string) error {
	m.mu.RLock()
	e := m.lookup(id)
	var cfg config.CameraConfig
	if e != nil {
		cfg = e.cfg
	}
	m.mu.RUnlock()

	if e == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return m.Setup(ctx, cfg)
}

// Unload closes the entity's adapter. The entry stays known as not_loaded.
func (m *Manager) Unload(ctx context.Context, id string) error {
	m.mu.Lock()
	e := m.lookup(id)
	if e == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.gen++
	e.cam.Close()
	e.cam = nil
	e.state = EntryNotLoaded
	entryID := e.cfg.EntryID
	m.mu.Unlock()

	m.logger.Info("Camera unloaded", "entry", entryID)
	m.transition(ctx, e, "unloaded")
	return nil
}

// Remove unloads an entry and forgets it along with its stored state
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	e := m.lookup(id)
	if e == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.gen++
	e.cam.Close()
	e.cam = nil
	delete(m.entries, e.cfg.EntryID)
	uniqueID := e.cfg.UniqueID()
	m.mu.Unlock()

	if m.repo != nil {
		if err := m.repo.Delete(ctx, uniqueID); err != nil {
			m.logger.Error("Failed to delete entity state", "camera", uniqueID, "error", err)
		}
	}
	m.logger.Info("Camera removed", "camera", uniqueID)
	return nil
}

// Sync reconciles the loaded entries with the configuration: new entries
// are set up, removed ones dropped and changed ones reloaded. Setup
// failures are joined into the returned error.
func (m *Manager) Sync(ctx context.Context, cfg *config.Config) error {
	wanted := make(map[string]config.CameraConfig)
	for _, c := range cfg.CameraList() {
		if c.EntryID == "" {
			m.logger.Warn("Skipping camera entry without entry_id", "host", c.Host)
			continue
		}
		wanted[c.EntryID] = c
	}

	m.mu.RLock()
	var stale []string
	var changed []config.CameraConfig
	for id, e := range m.entries {
		c, ok := wanted[id]
		switch {
		case !ok:
			stale = append(stale, id)
		case c != e.cfg:
			changed = append(changed, c)
		}
		delete(wanted, id)
	}
	m.mu.RUnlock()

	for _, id := range stale {
		if err := m.Remove(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			m.logger.Error("Failed to remove camera", "entry", id, "error", err)
		}
	}

	var errs []error
	for _, c := range changed {
		if err := m.Setup(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range wanted {
		if err := m.Setup(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// CallService validates and runs a service against a loaded entity.
// Device failures do not surface here; they only flip availability.
func (m *Manager) CallService(ctx context.Context, id string, call codnida.ServiceCall) error {
	e, cam, err := m.loaded(id)
	if err != nil {
		return err
	}

	if err := codnida.Call(ctx, cam, call); err != nil {
		return err
	}

	m.transition(ctx, e, "command failed")

	if m.bus != nil {
		evt := eventbus.ServiceCalledEvent{
			EntityID:  cam.UniqueID(),
			Service:   string(call.Service),
			Data:      call.Data,
			Timestamp: time.Now(),
		}
		if err := m.bus.Publish(eventbus.SubjectServiceCalled, evt); err != nil {
			m.logger.Warn("Failed to publish service call", "error", err)
		}
	}
	return nil
}

// Snapshot returns a still image; nil means the device gave none
func (m *Manager) Snapshot(ctx context.Context, id string) ([]byte, error) {
	_, cam, err := m.loaded(id)
	if err != nil {
		return nil, err
	}
	return cam.Image(ctx), nil
}

// StreamSource returns the RTSP URL of a loaded entity
func (m *Manager) StreamSource(id string) (string, error) {
	_, cam, err := m.loaded(id)
	if err != nil {
		return "", err
	}
	return cam.StreamSource(), nil
}

// Get returns one entity by entity id or entry id
func (m *Manager) Get(id string) (Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e := m.lookup(id)
	if e == nil {
		return Entity{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.view(), nil
}

// List returns all entities ordered by name
func (m *Manager) List() []Entity {
	m.mu.RLock()
	entities := make([]Entity, 0, len(m.entries))
	for _, e := range m.entries {
		entities = append(entities, e.view())
	}
	m.mu.RUnlock()

	sort.Slice(entities, func(i, j int) bool {
		if entities[i].Name != entities[j].Name {
			return entities[i].Name < entities[j].Name
		}
		return entities[i].EntityID < entities[j].EntityID
	})
	return entities
}

// History returns stored availability transitions of an entity
func (m *Manager) History(ctx context.Context, id string, limit int) ([]StateChange, error) {
	ent, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if m.repo == nil {
		return []StateChange{}, nil
	}
	return m.repo.History(ctx, ent.EntityID, limit)
}

// Close closes every adapter
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		e.gen++
		e.cam.Close()
		e.cam = nil
		e.state = EntryNotLoaded
	}
}

// lookup finds an entry by entry id or entity id. Caller holds m.mu.
func (m *Manager) lookup(id string) *entry {
	if e, ok := m.entries[id]; ok {
		return e
	}
	for _, e := range m.entries {
		if e.cfg.UniqueID() == id {
			return e
		}
	}
	return nil
}

func (m *Manager) loaded(id string) (*entry, *codnida.Camera, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e := m.lookup(id)
	if e == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.state != EntryLoaded || e.cam == nil {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrNotLoaded, id, e.state)
	}
	return e, e.cam, nil
}

// transition persists and publishes the entity state if it changed
func (m *Manager) transition(ctx context.Context, e *entry, reason string) {
	m.mu.Lock()
	old := e.lastState
	view := e.view()
	if view.State == old {
		m.mu.Unlock()
		return
	}
	e.lastState = view.State
	e.lastChanged = time.Now()
	view.LastChanged = e.lastChanged
	m.mu.Unlock()

	m.logger.Info("Camera state changed",
		"camera", view.EntityID, "old_state", old, "new_state", view.State, "reason", reason)

	if m.repo != nil {
		st := EntityState{
			UniqueID:    view.EntityID,
			EntryID:     view.EntryID,
			Name:        view.Name,
			State:       view.State,
			Available:   view.Available,
			LastChanged: view.LastChanged,
		}
		if err := m.repo.Upsert(ctx, st); err != nil {
			m.logger.Error("Failed to persist entity state", "camera", view.EntityID, "error", err)
		}
		change := StateChange{UniqueID: view.EntityID, Available: view.Available, Reason: reason, ChangedAt: view.LastChanged}
		if err := m.repo.RecordChange(ctx, change); err != nil {
			m.logger.Error("Failed to record state change", "camera", view.EntityID, "error", err)
		}
	}

	if m.bus != nil {
		evt := eventbus.StateChangedEvent{
			EntityID:  view.EntityID,
			EntryID:   view.EntryID,
			Name:      view.Name,
			OldState:  old,
			NewState:  view.State,
			Available: view.Available,
			Reason:    reason,
			Timestamp: view.LastChanged,
		}
		if err := m.bus.Publish(eventbus.SubjectStateChanged, evt); err != nil {
			m.logger.Warn("Failed to publish state change", "error", err)
		}
	}
}

func (m *Manager) publishSetup(cfg config.CameraConfig, state EntryState, errMsg string) {
	if m.bus == nil {
		return
	}
	evt := eventbus.EntrySetupEvent{
		EntryID:   cfg.EntryID,
		EntityID:  cfg.UniqueID(),
		State:     string(state),
		Error:     errMsg,
		Timestamp: time.Now(),
	}
	if err := m.bus.Publish(eventbus.SubjectEntrySetup, evt); err != nil {
		m.logger.Warn("Failed to publish entry setup", "error", err)
	}
}

// view builds the public entity. Caller holds m.mu.
func (e *entry) view() Entity {
	name := e.cfg.Name
	if name == "" {
		name = codnida.DefaultName
	}
	ent := Entity{
		EntityID:          e.cfg.UniqueID(),
		EntryID:           e.cfg.EntryID,
		Name:              name,
		Host:              e.cfg.Host,
		Port:              e.cfg.Port,
		EntryState:        e.state,
		State:             StateUnavailable,
		SupportedFeatures: codnida.SupportedFeatures,
		Error:             e.err,
		LastChanged:       e.lastChanged,
	}
	ent.PresetMin, ent.PresetMax = e.cfg.PresetRange()
	if e.cam != nil {
		ent.PresetMin, ent.PresetMax = e.cam.PresetRange()
		ent.Available = e.state == EntryLoaded && e.cam.Available()
	}
	if ent.Available {
		ent.State = StateIdle
	}
	return ent
}
