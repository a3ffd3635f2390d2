package persist

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStager_CommitRenames(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.txt")
	data := []byte("hello world")

	st := NewStager(false)
	if err := st.Write(path, data, 0644); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("target exists before commit: %v", err)
	}
	if err := st.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("got %q, want %q", got, data)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0644 {
		t.Fatalf("perm = %o, want 0644", info.Mode().Perm())
	}
}

func TestStager_KeepsOneBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.txt")

	for _, content := range []string{"first", "second", "third"} {
		st := NewStager(true)
		if err := st.Write(path, []byte(content), 0644); err != nil {
			t.Fatalf("Write %s: %v", content, err)
		}
		if err := st.Commit(); err != nil {
			t.Fatalf("Commit %s: %v", content, err)
		}
	}

	got, _ := os.ReadFile(path)
	if string(got) != "third" {
		t.Fatalf("got %q, want %q", got, "third")
	}
	backup, err := os.ReadFile(path + BackupSuffix)
	if err != nil {
		t.Fatalf("ReadFile backup: %v", err)
	}
	if string(backup) != "second" {
		t.Fatalf("backup = %q, want %q", backup, "second")
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		t.Fatalf("got %d files, want file and one backup", len(entries))
	}
}

func TestStager_AbortLeavesOriginal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.txt")
	os.WriteFile(path, []byte("original"), 0644)

	st := NewStager(true)
	if err := st.Write(path, []byte("replacement"), 0644); err != nil {
		t.Fatalf("Write: %v", err)
	}
	st.Abort()

	got, _ := os.ReadFile(path)
	if string(got) != "original" {
		t.Fatalf("original corrupted: got %q", got)
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if e.Name() != "test.txt" {
			t.Fatalf("unexpected file left behind: %s", e.Name())
		}
	}
}

func TestStager_WriteFailure(t *testing.T) {
	dir := t.TempDir()

	st := NewStager(false)
	badPath := filepath.Join(dir, "nodir", "test.txt")
	err := st.Write(badPath, []byte("bad"), 0644)
	if err == nil {
		t.Fatal("expected error writing to nonexistent dir")
	}
	var ioe *IOError
	if !errors.As(err, &ioe) {
		t.Fatalf("error %T is not an IOError", err)
	}
	if st.Len() != 0 {
		t.Fatalf("Len = %d after failed write", st.Len())
	}
}

func TestStager_UniqueSuffix(t *testing.T) {
	a, b := NewStager(false), NewStager(false)
	if a.Suffix() == b.Suffix() {
		t.Fatalf("two runs share suffix %q", a.Suffix())
	}
	if !strings.HasPrefix(a.Suffix(), ".tmp-") {
		t.Fatalf("suffix %q", a.Suffix())
	}
}

func TestAppendSynced(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.jsonl")

	if err := appendSynced(path, []byte("line1\n")); err != nil {
		t.Fatalf("appendSynced 1: %v", err)
	}
	if err := appendSynced(path, []byte("line2\n")); err != nil {
		t.Fatalf("appendSynced 2: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "line1\nline2\n" {
		t.Fatalf("got %q, want %q", got, "line1\nline2\n")
	}
}

func TestStager_CommitFailureRestoresPrevious(t *testing.T) {
	for _, backup := range []bool{true, false} {
		dir := t.TempDir()
		first := filepath.Join(dir, "first.txt")
		added := filepath.Join(dir, "added.txt")
		last := filepath.Join(dir, "last.txt")
		os.WriteFile(first, []byte("old first"), 0644)
		os.WriteFile(first+BackupSuffix, []byte("older first"), 0644)
		os.WriteFile(last, []byte("old last"), 0644)

		st := NewStager(backup)
		for _, p := range []string{first, added, last} {
			if err := st.Write(p, []byte("new"), 0644); err != nil {
				t.Fatalf("Write %s: %v", p, err)
			}
		}
		// the last rename fails after the others went through
		os.Remove(st.staged[2].tmp)

		err := st.Commit()
		var ioe *IOError
		if !errors.As(err, &ioe) {
			t.Fatalf("backup=%v: Commit error = %v, want IOError", backup, err)
		}

		want := map[string]string{
			"first.txt":  "old first",
			"first.txt~": "older first",
			"last.txt":   "old last",
		}
		entries, _ := os.ReadDir(dir)
		if len(entries) != len(want) {
			var names []string
			for _, e := range entries {
				names = append(names, e.Name())
			}
			t.Errorf("backup=%v: files after failed commit = %v", backup, names)
		}
		for name, content := range want {
			got, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil || string(got) != content {
				t.Errorf("backup=%v: %s = %q (%v), want %q", backup, name, got, err, content)
			}
		}
	}
}

func TestStager_CommitWithoutBackupDropsReplaced(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.txt")
	os.WriteFile(path, []byte("old"), 0644)

	st := NewStager(false)
	if err := st.Write(path, []byte("new"), 0644); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := st.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("got %d files, want only the installed one", len(entries))
	}
}
