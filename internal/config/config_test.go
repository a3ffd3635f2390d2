package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/systemshift/persistore/internal/heap"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("", t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tool != defaultTool {
		t.Errorf("Tool = %q, want %q", cfg.Tool, defaultTool)
	}
	if !cfg.KeepBackups() {
		t.Error("backups disabled by default")
	}
	if len(cfg.Constants) != 0 {
		t.Errorf("Constants = %v", cfg.Constants)
	}
}

func TestLoad_FromStoreDir(t *testing.T) {
	dir := t.TempDir()
	yaml := "constants:\n  - " + heap.ClassClassID.String() + "\n  - __\ntool: importer\nverbose: true\nbackup: false\n"
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("", dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tool != "importer" || !cfg.Verbose || cfg.KeepBackups() {
		t.Errorf("cfg = %+v", cfg)
	}
	ids, err := cfg.ConstantIDs()
	if err != nil {
		t.Fatalf("ConstantIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != heap.ClassClassID {
		t.Errorf("ids = %v, want the class class only", ids)
	}
}

func TestLoad_ExplicitPathMustExist(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), ""); err == nil {
		t.Fatal("missing explicit config accepted")
	}
}

func TestLoad_BadConstant(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	os.WriteFile(path, []byte("constants: [not-an-id]\n"), 0644)
	if _, err := Load(path, ""); err == nil {
		t.Fatal("bad constant id accepted")
	}
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	backup := false
	in := &Config{Constants: []string{heap.ObjectClassID.String()}, Tool: "x", Backup: &backup}
	if err := in.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	out, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out.Tool != "x" || out.KeepBackups() || len(out.Constants) != 1 {
		t.Errorf("out = %+v", out)
	}
}
