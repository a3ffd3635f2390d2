package persist

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// JournalEntry records one installed dump.
type JournalEntry struct {
	Time     time.Time `json:"time"`
	Spaces   int       `json:"spaces"`
	Objects  int       `json:"objects"`
	Manifest string    `json:"manifest"` // checksum of the installed manifest
}

func journalPath(dir string) string {
	return filepath.Join(dir, GeneratedDir, JournalName)
}

func appendJournal(dir string, e JournalEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	if err := appendSynced(journalPath(dir), append(data, '\n')); err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	return nil
}

// ReadJournal returns the dump history of the store at dir, oldest first.
// A store without history yields no entries.
func ReadJournal(dir string) ([]JournalEntry, error) {
	f, err := os.Open(journalPath(dir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, ioErr("open", journalPath(dir), err)
	}
	defer f.Close()

	var entries []JournalEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e JournalEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue // skip malformed lines
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, ioErr("read", journalPath(dir), err)
	}
	return entries, nil
}
