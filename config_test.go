// Copyright © 2025 kogeler
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempIni(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "m20d.ini")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadConfigFromIni(t *testing.T) {
	path := writeTempIni(t, "[m20d]\ndevice=/dev/ttyUSB3\nbaud=9600\nspool_dir=/tmp/spool-ini\nmax_retries=7\n")

	cfg, err := loadConfig([]string{"-c", path})
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Device != "/dev/ttyUSB3" {
		t.Errorf("Device = %q, want /dev/ttyUSB3", cfg.Device)
	}
	if cfg.Baud != 9600 {
		t.Errorf("Baud = %d, want 9600", cfg.Baud)
	}
	if cfg.SpoolDir != "/tmp/spool-ini" {
		t.Errorf("SpoolDir = %q, want /tmp/spool-ini", cfg.SpoolDir)
	}
	if cfg.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d, want 7", cfg.MaxRetries)
	}
}

// TestLoadConfigFlagsWinOverIni exercises the flags-win precedence rule directly:
// an explicitly passed flag overrides whatever the INI file set for the
// same field.
func TestLoadConfigFlagsWinOverIni(t *testing.T) {
	path := writeTempIni(t, "[m20d]\ndevice=/dev/ttyUSB3\nbaud=9600\nspool_dir=/tmp/spool-ini\n")

	cfg, err := loadConfig([]string{"-c", path, "-b", "115200"})
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Baud != 115200 {
		t.Errorf("Baud = %d, want 115200 (flag should win over INI)", cfg.Baud)
	}
	if cfg.Device != "/dev/ttyUSB3" {
		t.Errorf("Device = %q, want /dev/ttyUSB3 (unset flag should keep INI value)", cfg.Device)
	}
}

func TestLoadConfigPersistPathOverride(t *testing.T) {
	cfg, err := loadConfig([]string{"-d", "/dev/ttyUSB0", "-s", "/tmp/spool", "-q", "/var/lib/m20d/queue.db"})
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.PersistPath != "/var/lib/m20d/queue.db" {
		t.Errorf("PersistPath = %q, want explicit override", cfg.PersistPath)
	}
}

func TestLoadConfigRejectsBadLogDest(t *testing.T) {
	_, err := loadConfig([]string{"-d", "/dev/ttyUSB0", "-s", "/tmp/spool", "-o", "nowhere"})
	if err == nil {
		t.Fatal("expected error for invalid log destination")
	}
}

func TestParseChatIDsRejectsGarbage(t *testing.T) {
	if _, err := parseChatIDs("123,abc"); err == nil {
		t.Fatal("expected error for non-numeric chat id")
	}
}

func TestParseChatIDsEmptyIsEmpty(t *testing.T) {
	ids, err := parseChatIDs("")
	if err != nil {
		t.Fatalf("parseChatIDs() error = %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("ids = %v, want none", ids)
	}
}
