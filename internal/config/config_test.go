package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadFallsBackOnInvalidNumbers(t *testing.T) {
	t.Setenv("LEDGER_CACHE_TTL_SECONDS", "-4")
	t.Setenv("MAX_UPLOAD_MB", "lots")
	t.Setenv("BACKUP_HOUR", "31")
	t.Setenv("BACKUP_ENABLED", "maybe")

	cfg := Load()
	if cfg.LedgerCacheTTL() != 30*time.Second {
		t.Fatalf("expected default ledger cache ttl, got %s", cfg.LedgerCacheTTL())
	}
	if cfg.MaxUploadBytes() != 10<<20 {
		t.Fatalf("expected 10MB upload cap, got %d", cfg.MaxUploadBytes())
	}
	if cfg.BackupHour != 2 {
		t.Fatalf("expected backup hour 2, got %d", cfg.BackupHour)
	}
	if cfg.BackupEnabled {
		t.Fatalf("expected backups disabled on unparsable flag")
	}
}

func TestLoadReadsOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("AUTO_MIGRATE", "true")
	t.Setenv("PHONE_REGION", "us")
	t.Setenv("IMPORT_LOCK_TTL_SECONDS", "45")

	cfg := Load()
	if cfg.Address() != ":9090" {
		t.Fatalf("unexpected address %q", cfg.Address())
	}
	if !cfg.AutoMigrate {
		t.Fatalf("expected AUTO_MIGRATE to be honoured")
	}
	if cfg.PhoneRegion != "US" {
		t.Fatalf("expected upper-cased region, got %q", cfg.PhoneRegion)
	}
	if cfg.ImportLockTTL() != 45*time.Second {
		t.Fatalf("unexpected import lock ttl %s", cfg.ImportLockTTL())
	}
}

func TestLoadDotEnvKeepsExistingValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("LOG_LEVEL=debug\nBACKUP_DIR=/tmp/from-file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("BACKUP_DIR", "")
	os.Unsetenv("BACKUP_DIR")

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	cfg := Load()
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected process env to win, got %q", cfg.LogLevel)
	}
	if cfg.BackupDir != "/tmp/from-file" {
		t.Fatalf("expected value from file, got %q", cfg.BackupDir)
	}
}
