package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Spatial-NVR/codnida/internal/api"
	"github.com/Spatial-NVR/codnida/internal/camera"
	"github.com/Spatial-NVR/codnida/internal/codnida"
	"github.com/Spatial-NVR/codnida/internal/config"
	"github.com/Spatial-NVR/codnida/internal/database"
	"github.com/Spatial-NVR/codnida/internal/eventbus"
	"github.com/Spatial-NVR/codnida/internal/logging"
)

const (
	version         = "0.1.0"
	defaultDataPath = "/data"
)

func main() {
	dataPath := getEnv("DATA_PATH", defaultDataPath)
	configPath := findConfigFile(dataPath)

	cfg, err := loadConfig(configPath, dataPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}

	logs := logging.NewBuffer(1000)
	slog.SetDefault(newLogger(cfg.System.Logging, logs))
	slog.Info("Starting codnida camera bridge", "version", version, "config_path", configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.System.DataPath != "" {
		dataPath = cfg.System.DataPath
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		slog.Error("Failed to create data directory", "path", dataPath, "error", err)
		os.Exit(1)
	}

	// Open database
	dbConfig := database.DefaultConfig(dataPath)
	if cfg.System.Database.Path != "" {
		dbConfig.Path = cfg.System.Database.Path
	}
	if days := cfg.System.Database.HistoryDays; days != 0 {
		dbConfig.HistoryRetention = time.Duration(days) * 24 * time.Hour
	}
	db, err := database.Open(dbConfig)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := database.NewMigrator(db).Run(ctx); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	go db.RunRetention(ctx, time.Hour)

	bus, err := eventbus.New(eventbus.Config{
		Host: cfg.System.EventBus.Host,
		Port: cfg.System.EventBus.Port,
	}, slog.Default())
	if err != nil {
		slog.Error("Failed to create event bus", "error", err)
		os.Exit(1)
	}
	defer bus.Stop()

	manager := camera.NewManager(camera.NewRepository(db), bus)
	defer manager.Close()
	flow := camera.NewFlow(cfg, manager)

	if err := manager.Sync(ctx, cfg); err != nil {
		// Entries left in setup_retry wait for an explicit reload
		slog.Warn("Some cameras are not ready", "error", err)
	}

	cfg.OnChange(func(c *config.Config) {
		if err := manager.Sync(ctx, c); err != nil {
			slog.Warn("Some cameras are not ready after reload", "error", err)
		}
		if err := bus.Publish(eventbus.SubjectConfigChanged, map[string]any{
			"cameras":   len(c.CameraList()),
			"timestamp": time.Now(),
		}); err != nil {
			slog.Warn("Failed to publish config change", "error", err)
		}
	})
	if err := cfg.Watch(); err != nil {
		slog.Warn("Config hot reload disabled", "error", err)
	}

	if _, err := bus.Respond(eventbus.SubjectCallService, callServiceHandler(ctx, manager)); err != nil {
		slog.Error("Failed to register service call handler", "error", err)
		os.Exit(1)
	}

	hub := api.NewHub()
	go hub.Run()
	defer hub.Stop()
	if err := hub.Forward(bus); err != nil {
		slog.Error("Failed to forward events to websocket clients", "error", err)
		os.Exit(1)
	}

	router := api.NewRouter(api.RouterConfig{
		Manager:        manager,
		Flow:           flow,
		Hub:            hub,
		Logs:           logs,
		AllowedOrigins: cfg.System.Server.AllowedOrigins,
		Checks: map[string]api.HealthCheck{
			"database": db.Health,
			"eventbus": bus.HealthCheck,
		},
		Version: version,
	})

	addr := fmt.Sprintf("%s:%d", cfg.System.Server.Address, cfg.System.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("Server starting", "address", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server error", "error", err)
			cancel()
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	slog.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}

	slog.Info("Server stopped")
}

// callServiceHandler serves service calls arriving over the event bus
func callServiceHandler(ctx context.Context, manager *camera.Manager) func([]byte) error {
	return func(data []byte) error {
		var req eventbus.CallServiceRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return fmt.Errorf("invalid request: %w", err)
		}
		callCtx, cancel := context.WithTimeout(ctx, codnida.RequestTimeout)
		defer cancel()
		return manager.CallService(callCtx, req.EntityID, codnida.ServiceCall{
			Service: codnida.Service(req.Service),
			Data:    req.Data,
		})
	}
}

// loadConfig loads the config file, or starts from defaults when there is
// none yet so the config flow can create it
func loadConfig(path, dataPath string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cfg = config.Default()
	cfg.System.DataPath = dataPath
	cfg.SetPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	if err := cfg.Save(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger; records are also kept in buffer
// when it is non-nil
func newLogger(cfg config.LoggingConfig, buffer *logging.Buffer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	if buffer != nil {
		handler = logging.NewHandler(buffer, handler)
	}
	return slog.New(handler)
}

// findConfigFile looks for config file in multiple locations
func findConfigFile(dataPath string) string {
	if configPath := os.Getenv("CONFIG_PATH"); configPath != "" {
		return configPath
	}

	locations := []string{
		filepath.Join(dataPath, "config.yaml"),
		"./config/config.yaml",
		"/config/config.yaml",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return filepath.Join(dataPath, "config.yaml")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
