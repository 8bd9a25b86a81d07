// Package codnida drives Codnida PTZ network cameras through their CGI
// HTTP surface: snapshots, RTSP stream URLs, pan/tilt moves, presets and
// power control. Each Camera tracks a best-effort availability flag.
package codnida

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultPort       = 8080
	DefaultName       = "Codnida Camera"
	DefaultStreamPath = "11"
	DefaultPresetMin  = 1
	DefaultPresetMax  = 16

	// RequestTimeout bounds every request issued by a Camera's session
	RequestTimeout = 10 * time.Second
)

// Device CGI endpoints
const (
	pathStatus   = "/cgi-bin/status"
	pathSnapshot = "/cgi-bin/snapshot"
	pathPTZ      = "/cgi-bin/ptz?action=%s"
	pathPreset   = "/cgi-bin/preset?action=set&preset=%d"
	pathPowerOn  = "/cgi-bin/power?action=on"
	pathPowerOff = "/cgi-bin/power?action=off"
)

// ErrNotReady is returned when the liveness probe cannot reach the device
var ErrNotReady = errors.New("device not ready")

// Direction is a pan/tilt movement accepted by the ptz endpoint
type Direction string

const (
	DirectionUp    Direction = "up"
	DirectionDown  Direction = "down"
	DirectionLeft  Direction = "left"
	DirectionRight Direction = "right"
)

// Directions lists every supported movement
var Directions = []Direction{DirectionUp, DirectionDown, DirectionLeft, DirectionRight}

// ParseDirection returns the Direction for s or false if s is not one
func ParseDirection(s string) (Direction, bool) {
	for _, d := range Directions {
		if string(d) == s {
			return d, true
		}
	}
	return "", false
}

// Endpoint identifies a camera and the credentials used to reach it
type Endpoint struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
	Name     string `json:"name,omitempty"`
}

// UniqueID returns the stable identifier of the device
func (e Endpoint) UniqueID() string {
	return fmt.Sprintf("codnida_%s_%d", e.Host, e.Port)
}

// BaseURL returns the HTTP origin of the device CGI surface
func (e Endpoint) BaseURL() string {
	return "http://" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Camera is the adapter for a single device
type Camera struct {
	endpoint   Endpoint
	client     *http.Client
	streamPath string
	presetMin  int
	presetMax  int
	logger     *slog.Logger

	available  atomic.Bool
	closeOnce  sync.Once
	ownsClient bool
}

// Option configures a Camera
type Option func(*Camera)

// WithHTTPClient replaces the session the camera builds for itself. The
// caller keeps ownership; Close leaves it open.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Camera) {
		if client != nil {
			c.client = client
		}
	}
}

// WithLogger sets the base logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Camera) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithStreamPath sets the RTSP path suffix
func WithStreamPath(path string) Option {
	return func(c *Camera) {
		path = strings.TrimPrefix(path, "/")
		if path != "" {
			c.streamPath = path
		}
	}
}

// WithPresetRange sets the inclusive range of accepted preset numbers
func WithPresetRange(lo, hi int) Option {
	return func(c *Camera) {
		if lo >= 1 && hi >= lo {
			c.presetMin = lo
			c.presetMax = hi
		}
	}
}

// New creates a camera adapter. The camera starts out available.
func New(endpoint Endpoint, opts ...Option) *Camera {
	c := &Camera{
		endpoint:   endpoint,
		streamPath: DefaultStreamPath,
		presetMin:  DefaultPresetMin,
		presetMax:  DefaultPresetMax,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		c.ownsClient = true
		c.client = &http.Client{
			Timeout:   RequestTimeout,
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
		}
	}
	c.logger = c.logger.With("component", "codnida", "camera", endpoint.UniqueID())
	c.available.Store(true)

	return c
}

// Endpoint returns the device configuration
func (c *Camera) Endpoint() Endpoint {
	return c.endpoint
}

// UniqueID returns the device identifier
func (c *Camera) UniqueID() string {
	return c.endpoint.UniqueID()
}

// Name returns the display name, which may be empty
func (c *Camera) Name() string {
	return c.endpoint.Name
}

// PresetRange returns the inclusive range of accepted presets
func (c *Camera) PresetRange() (int, int) {
	return c.presetMin, c.presetMax
}

// Available reports the last known availability of the device
func (c *Camera) Available() bool {
	return c.available.Load()
}

// TestConnection probes the status endpoint. It is the only call that can
// mark an unavailable camera available again.
func (c *Camera) TestConnection(ctx context.Context) error {
	resp, err := c.get(ctx, pathStatus)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			c.logger.Debug("Liveness check canceled")
			return ctx.Err()
		}
		c.available.Store(false)
		c.logger.Error("Liveness check failed", "error", err)
		return fmt.Errorf("%w: %s: %v", ErrNotReady, c.endpoint.BaseURL(), err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		c.available.Store(false)
		c.logger.Error("Liveness check rejected", "status", resp.StatusCode)
		return fmt.Errorf("%w: %s: status %d", ErrNotReady, c.endpoint.BaseURL(), resp.StatusCode)
	}

	c.available.Store(true)
	return nil
}

// SendCommand issues a command GET for path. Failures mark the camera
// unavailable and are only logged. A successful command leaves the flag
// as it is.
func (c *Camera) SendCommand(ctx context.Context, path string) {
	if !c.available.Load() {
		c.logger.Warn("Camera unavailable, command skipped", "path", path)
		return
	}

	resp, err := c.get(ctx, path)
	if err != nil {
		// A caller giving up says nothing about the device
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			c.logger.Debug("Command canceled", "path", path)
			return
		}
		c.available.Store(false)
		c.logger.Error("Command failed", "path", path, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.available.Store(false)
		c.logger.Error("Command rejected", "path", path, "status", resp.StatusCode)
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Debug("Command response unreadable", "path", path, "error", err)
		return
	}
	c.logger.Debug("Command sent", "path", path, "response", string(body))
}

// Move pans or tilts the camera one step
func (c *Camera) Move(ctx context.Context, direction string) {
	d, ok := ParseDirection(direction)
	if !ok {
		c.logger.Warn("Invalid movement", "movement", direction)
		return
	}
	c.SendCommand(ctx, fmt.Sprintf(pathPTZ, d))
}

// SetPreset stores the current position under preset
func (c *Camera) SetPreset(ctx context.Context, preset int) {
	if preset < c.presetMin || preset > c.presetMax {
		c.logger.Warn("Preset out of range", "preset", preset, "min", c.presetMin, "max", c.presetMax)
		return
	}
	c.SendCommand(ctx, fmt.Sprintf(pathPreset, preset))
}

// TurnOn powers the camera on
func (c *Camera) TurnOn(ctx context.Context) {
	c.SendCommand(ctx, pathPowerOn)
}

// TurnOff powers the camera off
func (c *Camera) TurnOff(ctx context.Context) {
	c.SendCommand(ctx, pathPowerOff)
}

// Image fetches a still image. It is attempted whatever the availability
// flag says and never changes it. A nil result means no image.
func (c *Camera) Image(ctx context.Context) []byte {
	resp, err := c.get(ctx, pathSnapshot)
	if err != nil {
		c.logger.Error("Snapshot failed", "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("Snapshot rejected", "status", resp.StatusCode)
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Error("Snapshot read failed", "error", err)
		return nil
	}
	return data
}

// StreamSource returns the RTSP URL of the live stream
func (c *Camera) StreamSource() string {
	return fmt.Sprintf("rtsp://%s:%s@%s:%d/%s",
		c.endpoint.Username, c.endpoint.Password, c.endpoint.Host, c.endpoint.Port, c.streamPath)
}

// Close releases the session. Calling it more than once is harmless.
func (c *Camera) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.closeOnce.Do(func() {
		if !c.ownsClient {
			return
		}
		c.client.CloseIdleConnections()
		c.logger.Debug("Session closed")
	})
}

func (c *Camera) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint.BaseURL()+path, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.endpoint.Username, c.endpoint.Password)
	return c.client.Do(req)
}
