// Package config provides configuration management for the camera bridge
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/Spatial-NVR/codnida/internal/codnida"
)

// Config represents the main bridge configuration
type Config struct {
	Version string         `yaml:"version"`
	System  SystemConfig   `yaml:"system"`
	Cameras []CameraConfig `yaml:"cameras"`

	// Internal fields
	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
	encKey   []byte          `yaml:"-"`
}

// SystemConfig holds system-wide settings
type SystemConfig struct {
	Name     string         `yaml:"name"`
	DataPath string         `yaml:"data_path"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Server   ServerConfig   `yaml:"server"`
	EventBus EventBusConfig `yaml:"event_bus"`
}

// DatabaseConfig holds database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
	// HistoryDays is how long availability history is kept; 0 means the
	// default, negative keeps it forever
	HistoryDays int `yaml:"history_days,omitempty"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// ServerConfig holds HTTP API settings
type ServerConfig struct {
	Address        string   `yaml:"address"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// EventBusConfig holds embedded NATS settings
type EventBusConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"` // -1 picks a random port
}

// CameraConfig holds configuration for a single camera entry
type CameraConfig struct {
	EntryID    string `yaml:"entry_id" json:"entry_id"`
	Name       string `yaml:"name,omitempty" json:"name,omitempty"`
	Host       string `yaml:"host" json:"host"`
	Port       int    `yaml:"port" json:"port"`
	Username   string `yaml:"username" json:"username"`
	Password   string `yaml:"password" json:"-"`
	StreamPath string `yaml:"stream_path,omitempty" json:"stream_path,omitempty"`
	PresetMin  int    `yaml:"preset_min,omitempty" json:"preset_min,omitempty"`
	PresetMax  int    `yaml:"preset_max,omitempty" json:"preset_max,omitempty"`
	Disabled   bool   `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// Endpoint converts the entry into the adapter's endpoint
func (c CameraConfig) Endpoint() codnida.Endpoint {
	return codnida.Endpoint{
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
		Name:     c.Name,
	}
}

// UniqueID returns the unique id of the device the entry points at
func (c CameraConfig) UniqueID() string {
	return c.Endpoint().UniqueID()
}

// Title returns the display title of the entry
func (c CameraConfig) Title() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Host
}

// PresetRange returns the inclusive preset range of the entry, falling
// back to the adapter defaults for unset or invalid bounds
func (c CameraConfig) PresetRange() (int, int) {
	lo, hi := c.PresetMin, c.PresetMax
	if lo <= 0 {
		lo = codnida.DefaultPresetMin
	}
	if hi <= 0 {
		hi = codnida.DefaultPresetMax
	}
	if hi < lo {
		return codnida.DefaultPresetMin, codnida.DefaultPresetMax
	}
	return lo, hi
}

// Options returns adapter options derived from the entry
func (c CameraConfig) Options() []codnida.Option {
	lo, hi := c.PresetRange()
	return []codnida.Option{
		codnida.WithStreamPath(c.StreamPath),
		codnida.WithPresetRange(lo, hi),
	}
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.path = path
	cfg.encKey = getEncryptionKey()

	if err := cfg.decryptSecrets(); err != nil {
		return nil, fmt.Errorf("failed to decrypt secrets: %w", err)
	}

	cfg.setDefaults()

	return &cfg, nil
}

// Save saves the configuration to a YAML file
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveUnlocked()
}

// saveUnlocked saves without acquiring lock (caller must hold lock)
func (c *Config) saveUnlocked() error {
	if c.encKey == nil {
		c.encKey = getEncryptionKey()
	}

	cfgCopy := &Config{
		Version: c.Version,
		System:  c.System,
		Cameras: append([]CameraConfig(nil), c.Cameras...),
		path:    c.path,
		encKey:  c.encKey,
	}
	if err := cfgCopy.encryptSecrets(); err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}

	data, err := yaml.Marshal(cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# Codnida camera bridge configuration\n# Written by the bridge - manual edits are preserved\n\n"
	data = append([]byte(header), data...)

	// Atomic write
	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return os.Rename(tmpPath, c.path)
}

// Watch starts watching for configuration file changes
func (c *Config) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	path := filepath.Clean(c.GetPath())

	go func() {
		defer watcher.Close()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != path {
					continue
				}
				// Save replaces the file by rename, so Create counts too
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					time.Sleep(100 * time.Millisecond) // Debounce
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watch error", "error", err)
			}
		}
	}()

	// Watch the directory: a renamed-over file drops a file watch
	return watcher.Add(filepath.Dir(path))
}

// OnChange registers a callback for config changes
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// reload reloads the configuration from disk
func (c *Config) reload() {
	newCfg, err := Load(c.GetPath())
	if err != nil {
		slog.Error("Failed to reload config", "error", err)
		return
	}

	c.mu.Lock()
	c.Version = newCfg.Version
	c.System = newCfg.System
	c.Cameras = newCfg.Cameras
	c.encKey = newCfg.encKey
	watchers := c.watchers
	c.mu.Unlock()

	slog.Info("Configuration reloaded", "cameras", len(newCfg.Cameras))

	for _, fn := range watchers {
		fn(c)
	}
}

// CameraList returns a copy of the configured camera entries
func (c *Config) CameraList() []CameraConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]CameraConfig(nil), c.Cameras...)
}

// GetCamera returns a camera entry by entry ID
func (c *Config) GetCamera(entryID string) *CameraConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := range c.Cameras {
		if c.Cameras[i].EntryID == entryID {
			cam := c.Cameras[i]
			return &cam
		}
	}
	return nil
}

// FindByUniqueID returns the entry pointing at the device with uniqueID
func (c *Config) FindByUniqueID(uniqueID string) *CameraConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := range c.Cameras {
		if c.Cameras[i].UniqueID() == uniqueID {
			cam := c.Cameras[i]
			return &cam
		}
	}
	return nil
}

// UpsertCamera adds or updates a camera entry
func (c *Config) UpsertCamera(cam CameraConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.Cameras {
		if c.Cameras[i].EntryID == cam.EntryID {
			c.Cameras[i] = cam
			return c.saveUnlocked()
		}
	}

	c.Cameras = append(c.Cameras, cam)
	return c.saveUnlocked()
}

// RemoveCamera removes a camera entry by entry ID
func (c *Config) RemoveCamera(entryID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.Cameras {
		if c.Cameras[i].EntryID == entryID {
			c.Cameras = append(c.Cameras[:i], c.Cameras[i+1:]...)
			return c.saveUnlocked()
		}
	}

	return fmt.Errorf("camera entry not found: %s", entryID)
}

// SetPath sets the path for the config file (used for saving)
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// GetPath returns the current config file path
func (c *Config) GetPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// Default returns a configuration with defaults applied and no cameras
func Default() *Config {
	cfg := &Config{encKey: getEncryptionKey()}
	cfg.setDefaults()
	return cfg
}

// setDefaults sets default values for unset fields
func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.System.Name == "" {
		c.System.Name = "codnida"
	}
	if c.System.DataPath == "" {
		c.System.DataPath = "/data"
	}
	if c.System.Logging.Level == "" {
		c.System.Logging.Level = "info"
	}
	if c.System.Logging.Format == "" {
		c.System.Logging.Format = "json"
	}
	if c.System.Server.Address == "" {
		c.System.Server.Address = "0.0.0.0"
	}
	if c.System.Server.Port == 0 {
		c.System.Server.Port = 8123
	}
	if c.System.EventBus.Host == "" {
		c.System.EventBus.Host = "127.0.0.1"
	}
	if c.System.EventBus.Port == 0 {
		c.System.EventBus.Port = 4222
	}
	for i := range c.Cameras {
		if c.Cameras[i].Port == 0 {
			c.Cameras[i].Port = codnida.DefaultPort
		}
	}
}

// encryptSecrets encrypts sensitive fields
func (c *Config) encryptSecrets() error {
	for i := range c.Cameras {
		if c.Cameras[i].Password != "" && !strings.HasPrefix(c.Cameras[i].Password, "encrypted:") {
			encrypted, err := encrypt(c.encKey, c.Cameras[i].Password)
			if err != nil {
				return err
			}
			c.Cameras[i].Password = "encrypted:" + encrypted
		}
	}
	return nil
}

// decryptSecrets decrypts sensitive fields
func (c *Config) decryptSecrets() error {
	for i := range c.Cameras {
		if strings.HasPrefix(c.Cameras[i].Password, "encrypted:") {
			encrypted := strings.TrimPrefix(c.Cameras[i].Password, "encrypted:")
			decrypted, err := decrypt(c.encKey, encrypted)
			if err != nil {
				return err
			}
			c.Cameras[i].Password = decrypted
		}
	}
	return nil
}

// getEncryptionKey returns the encryption key from environment or the built-in one
func getEncryptionKey() []byte {
	keyStr := os.Getenv("CODNIDA_ENCRYPTION_KEY")
	if keyStr != "" {
		key, err := base64.StdEncoding.DecodeString(keyStr)
		if err == nil && len(key) == 32 {
			return key
		}
	}

	// Must be exactly 32 bytes for AES-256
	return []byte("codnida-bridge-default-key-32by!")
}

// encrypt encrypts a string using AES-GCM
func encrypt(key []byte, plaintext string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts a string using AES-GCM
func decrypt(key []byte, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertextBytes := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
