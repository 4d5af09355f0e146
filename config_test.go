package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config is invalid: %v", err)
	}
}

func TestLoadConfigLayers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scriptdesk.yaml")
	yamlConfig := `
origin: http://desk.example:9000
store:
  kind: bolt
  path: file.db
loader:
  cache_ttl: 1m
  max_retries: 2
`
	if err := os.WriteFile(path, []byte(yamlConfig), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	environ := []string{
		"SCRIPTDESK_LOADER_MAX_RETRIES=5",
		"SCRIPTDESK_STORE_PATH=env.db",
		"SCRIPTDESK_REMOTE_AUTO_UPDATE=false",
		"UNRELATED=1",
	}
	args := []string{"--config", path, "--store-path", "flag.db", "--debug"}

	cfg, err := LoadConfig(args, environ)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Origin != "http://desk.example:9000" {
		t.Errorf("expected origin from file, got %q", cfg.Origin)
	}
	if cfg.Loader.CacheTTL != time.Minute {
		t.Errorf("expected cache TTL from file, got %v", cfg.Loader.CacheTTL)
	}
	if cfg.Loader.MaxRetries != 5 {
		t.Errorf("expected the environment to override max retries, got %d", cfg.Loader.MaxRetries)
	}
	if cfg.Store.Kind != "bolt" {
		t.Errorf("expected store kind from file, got %q", cfg.Store.Kind)
	}
	if cfg.Store.Path != "flag.db" {
		t.Errorf("expected the flag to override store path, got %q", cfg.Store.Path)
	}
	if cfg.Remote.AutoUpdate {
		t.Error("expected auto update disabled by the environment")
	}
	if !cfg.Debug {
		t.Error("expected debug from the flag")
	}
	if cfg.Queue.Capacity != 100 {
		t.Errorf("expected the default queue capacity, got %d", cfg.Queue.Capacity)
	}
	if cfg.Loader.Timeout != 10*time.Second {
		t.Errorf("expected the default timeout, got %v", cfg.Loader.Timeout)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		environ []string
		wantErr string
	}{
		{"bad store", []string{"--store", "sqlite"}, nil, "store.kind"},
		{"bad durable", []string{"--durable", "tape"}, nil, "durable.kind"},
		{"relative origin", []string{"--origin", "desk.local"}, nil, "origin"},
		{"s3 without bucket", []string{"--durable", "s3"}, nil, "durable.bucket"},
		{"bad env duration", nil, []string{"SCRIPTDESK_LOADER_TIMEOUT=soon"}, "environment"},
		{"extra argument", []string{"serve"}, nil, "unexpected argument"},
		{"bad log format", []string{"--log-format", "xml"}, nil, "log_format"},
		{"missing config file", []string{"--config", "/nonexistent/scriptdesk.yaml"}, nil, "config file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(tt.args, tt.environ)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLogFormat(t *testing.T) {
	cfg, err := LoadConfig(nil, []string{"SCRIPTDESK_LOG_FORMAT=json"})
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.LogFormat != "json" {
		t.Fatalf("expected json from the environment, got %q", cfg.LogFormat)
	}

	var buf bytes.Buffer
	newLogger(cfg, &buf).Info("cache installed", "version", "2.1.0")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected a JSON log line, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "cache installed" || line["version"] != "2.1.0" {
		t.Errorf("unexpected log line %v", line)
	}

	cfg, err = LoadConfig([]string{"--log-format", "text"}, []string{"SCRIPTDESK_LOG_FORMAT=json"})
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("expected the flag to override the environment, got %q", cfg.LogFormat)
	}
	buf.Reset()
	newLogger(cfg, &buf).Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected debug lines dropped at info level, got %q", buf.String())
	}
}

func TestLocalScriptDataURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Origin = "http://localhost:8000/desk/"
	if got := cfg.LocalScriptDataURL(); got != "http://localhost:8000/desk/script-data.json" {
		t.Errorf("unexpected local URL %q", got)
	}
}

func TestExternalAPIs(t *testing.T) {
	got := externalAPIs(DefaultConfig())
	want := []string{"https://castrox-dev.github.io", "https://raw.githubusercontent.com"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("externalAPIs[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
