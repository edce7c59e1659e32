package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkerPoolSize != 8 {
		t.Fatalf("expected default worker_pool_size=8, got %d", cfg.WorkerPoolSize)
	}
	if cfg.CallbackBaseBackoff != time.Second {
		t.Fatalf("expected default callback_base_backoff=1s, got %s", cfg.CallbackBaseBackoff)
	}
	if cfg.RepositoryURL != "memory://" {
		t.Fatalf("expected default repository_url, got %q", cfg.RepositoryURL)
	}
}

func TestLoadEnvOverridesDefault(t *testing.T) {
	t.Setenv("TASKFORGE_WORKER_POOL_SIZE", "32")
	t.Setenv("TASKFORGE_DEFAULT_USER_ID", "svc-account")

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkerPoolSize != 32 {
		t.Fatalf("expected env override worker_pool_size=32, got %d", cfg.WorkerPoolSize)
	}
	if cfg.DefaultUserID != "svc-account" {
		t.Fatalf("expected env override default_user_id, got %q", cfg.DefaultUserID)
	}
}

func TestLoadConfigFileOverridesDefaultButNotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskforge.yaml")
	contents := "worker_pool_size: 16\nstream_buffer_size: 128\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("TASKFORGE_WORKER_POOL_SIZE", "64")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkerPoolSize != 64 {
		t.Fatalf("expected env to win over file, got %d", cfg.WorkerPoolSize)
	}
	if cfg.StreamBufferSize != 128 {
		t.Fatalf("expected file value stream_buffer_size=128, got %d", cfg.StreamBufferSize)
	}
}

func TestLoadFlagOverridesEverything(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("worker_pool_size", 8, "")
	if err := fs.Set("worker_pool_size", "4"); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	t.Setenv("TASKFORGE_WORKER_POOL_SIZE", "64")

	cfg, err := Load("", fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkerPoolSize != 4 {
		t.Fatalf("expected flag to win over env and default, got %d", cfg.WorkerPoolSize)
	}
}

func TestLoadRejectsUnsupportedRepositoryURL(t *testing.T) {
	t.Setenv("TASKFORGE_REPOSITORY_URL", "postgres://localhost/taskforge")
	if _, err := Load("", nil); err == nil {
		t.Fatalf("expected validation error for unsupported repository_url")
	}
}

func TestLoadRejectsNonPositiveWorkerPoolSize(t *testing.T) {
	t.Setenv("TASKFORGE_WORKER_POOL_SIZE", "0")
	if _, err := Load("", nil); err == nil {
		t.Fatalf("expected validation error for worker_pool_size=0")
	}
}

func TestLoadMissingConfigFileReturnsError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
