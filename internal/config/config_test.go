package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestLoad_Formats(t *testing.T) {
	want := &Config{
		AppID:     "app",
		Token:     "tok",
		Buckets:   []string{"notes", "tags"},
		DataDir:   "/var/lib/ghostsync",
		Storage:   StorageBolt,
		PageSize:  20,
		Retry:     RetryConfig{MaxRetries: 5, FullObjectAfter: 2},
		Heartbeat: 30 * time.Second,
		Log:       LogConfig{Verbose: true},
	}

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "yaml",
			file: "ghostsync.yaml",
			content: `app_id: app
token: tok
buckets: [notes, tags]
data_dir: /var/lib/ghostsync
storage: bolt
page_size: 20
heartbeat: 30s
retry:
  max_retries: 5
  full_object_after: 2
log:
  verbose: true
`,
		},
		{
			name: "toml",
			file: "ghostsync.toml",
			content: `app_id = "app"
token = "tok"
buckets = ["notes", "tags"]
data_dir = "/var/lib/ghostsync"
storage = "bolt"
page_size = 20
heartbeat = "30s"

[retry]
max_retries = 5
full_object_after = 2

[log]
verbose = true
`,
		},
		{
			name: "json",
			file: "ghostsync.json",
			content: `{"app_id":"app","token":"tok","buckets":["notes","tags"],
"data_dir":"/var/lib/ghostsync","storage":"bolt","page_size":20,"heartbeat":"30s",
"retry":{"max_retries":5,"full_object_after":2},"log":{"verbose":true}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.content)
			got, err := Load(path)
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}
			if got.Source != path {
				t.Errorf("Source = %q, want %q", got.Source, path)
			}
			if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(Config{}, "Source")); diff != "" {
				t.Errorf("config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	got, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if diff := cmp.Diff(Default(), got); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_Env(t *testing.T) {
	path := writeFile(t, "ghostsync.yaml", "app_id: fromfile\npage_size: 10\n")
	t.Setenv("GHOSTSYNC_APP_ID", "fromenv")
	t.Setenv("GHOSTSYNC_BUCKETS", "a, b")
	t.Setenv("GHOSTSYNC_RETRY_MAX_RETRIES", "7")
	t.Setenv("GHOSTSYNC_HEARTBEAT", "5s")

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if got.AppID != "fromenv" {
		t.Errorf("AppID = %q, want fromenv", got.AppID)
	}
	if got.PageSize != 10 {
		t.Errorf("PageSize = %d, want 10", got.PageSize)
	}
	if diff := cmp.Diff([]string{"a", "b"}, got.Buckets); diff != "" {
		t.Errorf("Buckets mismatch (-want +got):\n%s", diff)
	}
	if got.Retry.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d, want 7", got.Retry.MaxRetries)
	}
	if got.Heartbeat != 5*time.Second {
		t.Errorf("Heartbeat = %s, want 5s", got.Heartbeat)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "bad storage", content: "storage: postgres\n"},
		{name: "zero page size", content: "page_size: 0\n"},
		{name: "negative retries", content: "retry:\n  max_retries: -1\n"},
		{name: "duplicate bucket", content: "buckets: [a, a]\n"},
		{name: "dashboard port", content: "dashboard_port: 70000\n"},
		{name: "bad yaml", content: "app_id: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeFile(t, "ghostsync.yaml", tt.content)); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing explicit file")
	}
}

func TestSaveThenLoad(t *testing.T) {
	cfg := Default()
	cfg.AppID = "app"
	cfg.Buckets = []string{"notes"}
	cfg.MirrorDir = "/tmp/mirror"
	cfg.Heartbeat = 45 * time.Second

	path := filepath.Join(t.TempDir(), "nested", "ghostsync.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if diff := cmp.Diff(cfg, got, cmpopts.IgnoreFields(Config{}, "Source")); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRenderTOML(t *testing.T) {
	cfg := Default()
	cfg.AppID = "app"
	cfg.Buckets = []string{"notes"}

	var buf bytes.Buffer
	if err := cfg.RenderTOML(&buf); err != nil {
		t.Fatalf("RenderTOML() failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{`app_id = "app"`, `heartbeat = "20s"`, "[retry]", "max_retries = 3"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	var decoded map[string]any
	if _, err := toml.Decode(out, &decoded); err != nil {
		t.Fatalf("rendered TOML does not parse: %v", err)
	}
}

func TestSocketURL(t *testing.T) {
	cfg := Default()
	if _, err := cfg.SocketURL(); err == nil {
		t.Error("expected error without app_id or url")
	}

	cfg.AppID = "app"
	if got, _ := cfg.SocketURL(); got != "wss://api.simperium.com/sock/1/app/websocket" {
		t.Errorf("SocketURL() = %q", got)
	}

	cfg.URL = "ws://localhost:9000/sock"
	if got, _ := cfg.SocketURL(); got != cfg.URL {
		t.Errorf("SocketURL() = %q, want configured url", got)
	}
}

func TestPaths(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "data"

	tests := []struct {
		storage string
		want    string
	}{
		{StorageSQLite, filepath.Join("data", "ghostsync.db")},
		{StorageBolt, filepath.Join("data", "ghostsync.bolt")},
		{StorageMemory, ""},
	}
	for _, tt := range tests {
		cfg.Storage = tt.storage
		if got := cfg.StorePath(); got != tt.want {
			t.Errorf("StorePath(%s) = %q, want %q", tt.storage, got, tt.want)
		}
	}

	if got := cfg.MirrorPath("notes"); got != "" {
		t.Errorf("MirrorPath without mirror_dir = %q", got)
	}
	cfg.MirrorDir = "m"
	if got := cfg.MirrorPath("notes"); got != filepath.Join("m", "notes") {
		t.Errorf("MirrorPath = %q", got)
	}
}
