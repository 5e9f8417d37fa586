package spalloc

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Hostname != "" {
		t.Errorf("Hostname = %q, want empty", cfg.Hostname)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.Keepalive != DefaultKeepalive {
		t.Errorf("Keepalive = %v, want %v", cfg.Keepalive, DefaultKeepalive)
	}
	if cfg.ReconnectDelay != DefaultReconnectDelay {
		t.Errorf("ReconnectDelay = %v, want %v", cfg.ReconnectDelay, DefaultReconnectDelay)
	}
	if cfg.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", cfg.Timeout, DefaultTimeout)
	}
	if cfg.MinRatio != DefaultMinRatio {
		t.Errorf("MinRatio = %v, want %v", cfg.MinRatio, DefaultMinRatio)
	}
	if cfg.MaxDeadBoards == nil || *cfg.MaxDeadBoards != 0 {
		t.Errorf("MaxDeadBoards = %v, want 0", cfg.MaxDeadBoards)
	}
	if cfg.MaxDeadLinks != nil {
		t.Errorf("MaxDeadLinks = %v, want nil", cfg.MaxDeadLinks)
	}
	if cfg.RequireTorus {
		t.Error("RequireTorus = true, want false")
	}
}

func TestLoadConfigReadsValues(t *testing.T) {
	path := writeConfigFile(t, "spalloc.ini", `
[spalloc]
hostname = spalloc.example.com
port = 22245
owner = me@example.com
keepalive = 30.5
reconnect_delay = 2
timeout = 10
machine = spinn-5
min_ratio = 0.5
max_dead_boards = 2
max_dead_links = 1
require_torus = True
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Hostname != "spalloc.example.com" {
		t.Errorf("Hostname = %q", cfg.Hostname)
	}
	if cfg.Port != 22245 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if cfg.Owner != "me@example.com" {
		t.Errorf("Owner = %q", cfg.Owner)
	}
	if want := 30*time.Second + 500*time.Millisecond; cfg.Keepalive != want {
		t.Errorf("Keepalive = %v, want %v", cfg.Keepalive, want)
	}
	if cfg.ReconnectDelay != 2*time.Second {
		t.Errorf("ReconnectDelay = %v", cfg.ReconnectDelay)
	}
	if cfg.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v", cfg.Timeout)
	}
	if cfg.Machine != "spinn-5" {
		t.Errorf("Machine = %q", cfg.Machine)
	}
	if cfg.MinRatio != 0.5 {
		t.Errorf("MinRatio = %v", cfg.MinRatio)
	}
	if cfg.MaxDeadBoards == nil || *cfg.MaxDeadBoards != 2 {
		t.Errorf("MaxDeadBoards = %v", cfg.MaxDeadBoards)
	}
	if cfg.MaxDeadLinks == nil || *cfg.MaxDeadLinks != 1 {
		t.Errorf("MaxDeadLinks = %v", cfg.MaxDeadLinks)
	}
	if !cfg.RequireTorus {
		t.Error("RequireTorus = false")
	}
}

func TestLoadConfigNoneLiterals(t *testing.T) {
	path := writeConfigFile(t, "spalloc.ini", `
[spalloc]
keepalive = None
timeout = None
machine = None
tags = None
max_dead_boards = None
max_dead_links = None
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Keepalive != NoKeepalive {
		t.Errorf("Keepalive = %v, want NoKeepalive", cfg.Keepalive)
	}
	if cfg.Timeout != NoTimeout {
		t.Errorf("Timeout = %v, want NoTimeout", cfg.Timeout)
	}
	if cfg.Machine != "" {
		t.Errorf("Machine = %q, want empty", cfg.Machine)
	}
	if cfg.Tags != nil {
		t.Errorf("Tags = %v, want nil", cfg.Tags)
	}
	if cfg.MaxDeadBoards != nil {
		t.Errorf("MaxDeadBoards = %v, want nil", cfg.MaxDeadBoards)
	}
	if cfg.MaxDeadLinks != nil {
		t.Errorf("MaxDeadLinks = %v, want nil", cfg.MaxDeadLinks)
	}
}

func TestLoadConfigTags(t *testing.T) {
	path := writeConfigFile(t, "spalloc.ini", `
[spalloc]
tags = default, gpu ,  large
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	want := []string{"default", "gpu", "large"}
	if len(cfg.Tags) != len(want) {
		t.Fatalf("Tags = %v, want %v", cfg.Tags, want)
	}
	for i := range want {
		if cfg.Tags[i] != want[i] {
			t.Fatalf("Tags = %v, want %v", cfg.Tags, want)
		}
	}
}

func TestLoadConfigLaterFilesOverride(t *testing.T) {
	system := writeConfigFile(t, "system.ini", `
[spalloc]
hostname = system.example.com
owner = system@example.com
port = 11111
`)
	user := writeConfigFile(t, "user.ini", `
[spalloc]
hostname = user.example.com
`)
	cfg, err := LoadConfig(system, user)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Hostname != "user.example.com" {
		t.Errorf("Hostname = %q, want user.example.com", cfg.Hostname)
	}
	if cfg.Owner != "system@example.com" {
		t.Errorf("Owner = %q, want system@example.com", cfg.Owner)
	}
	if cfg.Port != 11111 {
		t.Errorf("Port = %d, want 11111", cfg.Port)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := writeConfigFile(t, "spalloc.ini", `
[spalloc]
hostname = file.example.com
`)
	t.Setenv("SPALLOC_HOSTNAME", "env.example.com")
	t.Setenv("SPALLOC_PORT", "12345")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Hostname != "env.example.com" {
		t.Errorf("Hostname = %q, want env.example.com", cfg.Hostname)
	}
	if cfg.Port != 12345 {
		t.Errorf("Port = %d, want 12345", cfg.Port)
	}
}

func TestLoadConfigBadValue(t *testing.T) {
	path := writeConfigFile(t, "spalloc.ini", `
[spalloc]
port = not-a-number
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("LoadConfig accepted a non-numeric port")
	}
}

func TestDefaultSearchPathEndsWithCwdFile(t *testing.T) {
	paths := DefaultSearchPath()
	if len(paths) == 0 {
		t.Fatal("empty search path")
	}
	if got := paths[len(paths)-1]; got != ".spalloc" {
		t.Fatalf("last search path entry = %q, want .spalloc", got)
	}
}
