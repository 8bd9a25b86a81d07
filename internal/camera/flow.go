package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/Spatial-NVR/codnida/internal/codnida"
	"github.com/Spatial-NVR/codnida/internal/config"
)

// FlowInput is the user step of the config flow
type FlowInput struct {
	Host     string `json:"host"`
	Username string `json:"username"`
	Password string `json:"password"`
	Port     int    `json:"port,omitempty"`
	Name     string `json:"name,omitempty"`
}

// FlowResult is a created config entry
type FlowResult struct {
	EntryID  string `json:"entry_id"`
	Title    string `json:"title"`
	EntityID string `json:"entity_id"`
}

// Validate checks the required fields
func (in FlowInput) Validate() codnida.ValidationErrors {
	var errs codnida.ValidationErrors
	if strings.TrimSpace(in.Host) == "" {
		errs = append(errs, codnida.ValidationError{Field: "host", Message: "host is required"})
	}
	if in.Username == "" {
		errs = append(errs, codnida.ValidationError{Field: "username", Message: "username is required"})
	}
	if in.Password == "" {
		errs = append(errs, codnida.ValidationError{Field: "password", Message: "password is required"})
	}
	if in.Port < 0 || in.Port > 65535 {
		errs = append(errs, codnida.ValidationError{Field: "port", Message: "port must be between 1 and 65535"})
	}
	return errs
}

// Flow creates config entries from user input
type Flow struct {
	cfg     *config.Config
	manager *Manager
	opts    []codnida.Option
	logger  *slog.Logger
}

// NewFlow creates a config flow writing entries to cfg. opts are applied to
// the probe camera.
func NewFlow(cfg *config.Config, manager *Manager, opts ...codnida.Option) *Flow {
	return &Flow{
		cfg:     cfg,
		manager: manager,
		opts:    opts,
		logger:  slog.Default().With("component", "config-flow"),
	}
}

// Create validates the input, refuses duplicates, probes the device and
// saves and sets up the new entry.
func (f *Flow) Create(ctx context.Context, in FlowInput) (*FlowResult, error) {
	in.Host = strings.TrimSpace(in.Host)
	if in.Port == 0 {
		in.Port = codnida.DefaultPort
	}
	if errs := in.Validate(); errs.HasErrors() {
		return nil, errs
	}

	camCfg := config.CameraConfig{
		EntryID:  uuid.New().String(),
		Name:     in.Name,
		Host:     in.Host,
		Port:     in.Port,
		Username: in.Username,
		Password: in.Password,
	}

	if existing := f.cfg.FindByUniqueID(camCfg.UniqueID()); existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyConfigured, camCfg.UniqueID())
	}

	probe := codnida.New(camCfg.Endpoint(), f.opts...)
	defer probe.Close()
	if err := probe.TestConnection(ctx); err != nil {
		f.logger.Warn("Config flow probe failed", "host", in.Host, "port", in.Port, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrCannotConnect, err)
	}

	if err := f.cfg.UpsertCamera(camCfg); err != nil {
		return nil, fmt.Errorf("failed to save config entry: %w", err)
	}
	f.logger.Info("Config entry created", "entry", camCfg.EntryID, "title", camCfg.Title())

	if err := f.manager.Setup(ctx, camCfg); err != nil && !errors.Is(err, codnida.ErrNotReady) {
		return nil, err
	}

	return &FlowResult{
		EntryID:  camCfg.EntryID,
		Title:    camCfg.Title(),
		EntityID: camCfg.UniqueID(),
	}, nil
}

// Delete removes a config entry and its entity
func (f *Flow) Delete(ctx context.Context, entryID string) error {
	if f.cfg.GetCamera(entryID) == nil {
		return fmt.Errorf("%w: entry %s", ErrNotFound, entryID)
	}
	if err := f.cfg.RemoveCamera(entryID); err != nil {
		return err
	}
	if err := f.manager.Remove(ctx, entryID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	f.logger.Info("Config entry removed", "entry", entryID)
	return nil
}
