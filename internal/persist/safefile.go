package persist

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// syncedWrite writes data through f, fsyncs and closes f.
func syncedWrite(f *os.File, data []byte) error {
	_, err := f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// appendSynced adds data at the end of path, creating it if needed. Used
// for the dump journal, which is never rewritten.
func appendSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return ioErr("open", path, err)
	}
	if err := syncedWrite(f, data); err != nil {
		return ioErr("append", path, err)
	}
	return nil
}

// Stager writes a set of files under run-unique temporary names next to
// their targets and only renames them into place on Commit. Until then the
// previous files are untouched.
type Stager struct {
	suffix string
	backup bool
	staged []stagedFile
}

type stagedFile struct {
	tmp   string
	final string
}

// BackupSuffix is appended to the single rotating backup of a replaced file.
const BackupSuffix = "~"

// NewStager starts a staging run. With backup set, every replaced file is
// kept once as <name>~.
func NewStager(backup bool) *Stager {
	return &Stager{
		suffix: fmt.Sprintf(".tmp-%d-%s", os.Getpid(), uuid.NewString()[:8]),
		backup: backup,
	}
}

// Suffix returns the temporary suffix of this run.
func (s *Stager) Suffix() string { return s.suffix }

// Write stages data for path.
func (s *Stager) Write(path string, data []byte, perm os.FileMode) error {
	tmp := path + s.suffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return ioErr("create", tmp, err)
	}
	// the umask must not narrow store files
	err = f.Chmod(perm)
	if err == nil {
		err = syncedWrite(f, data)
	} else {
		f.Close()
	}
	if err != nil {
		os.Remove(tmp)
		return ioErr("write", tmp, err)
	}
	s.staged = append(s.staged, stagedFile{tmp: tmp, final: path})
	return nil
}

// Len returns the number of staged files.
func (s *Stager) Len() int { return len(s.staged) }

// installed is one completed Commit step: final holds the staged content
// and the file it replaced, if any, waits at aside.
type installed struct {
	final  string
	aside  string
	failed bool // the install rename itself failed; final was not written
}

// asideSuffix follows the run suffix on replaced files during Commit.
const asideSuffix = ".prev"

// Commit renames every staged file into place, in staging order. Replaced
// files are first moved aside; if any step fails every completed step is
// undone, so the previous files are back in place when Commit returns an
// error. The moved-aside files become the <name>~ backups only once all
// renames succeeded.
func (s *Stager) Commit() error {
	dirs := s.dirs()
	done := make([]installed, 0, len(s.staged))
	for i, f := range s.staged {
		step := installed{final: f.final}
		if _, err := os.Lstat(f.final); err == nil {
			step.aside = f.final + s.suffix + asideSuffix
			if err := os.Rename(f.final, step.aside); err != nil {
				return s.rollback(done, i, ioErr("set aside", f.final, err))
			}
		} else if !os.IsNotExist(err) {
			return s.rollback(done, i, ioErr("stat", f.final, err))
		}
		if err := os.Rename(f.tmp, f.final); err != nil {
			done = append(done, installed{final: f.final, aside: step.aside, failed: true})
			return s.rollback(done, i, ioErr("rename", f.tmp, err))
		}
		done = append(done, step)
	}
	s.staged = nil
	for _, step := range done {
		s.retire(step)
	}
	return syncDirs(dirs)
}

// rollback undoes done in reverse order, removes the temporary files not
// yet renamed (from index from on) and returns cause joined with any
// failure to restore.
func (s *Stager) rollback(done []installed, from int, cause error) error {
	errs := []error{cause}
	for i := len(done) - 1; i >= 0; i-- {
		step := done[i]
		switch {
		case step.aside != "":
			if err := os.Rename(step.aside, step.final); err != nil {
				errs = append(errs, ioErr("restore", step.final, err))
			}
		case !step.failed:
			if err := os.Remove(step.final); err != nil && !os.IsNotExist(err) {
				errs = append(errs, ioErr("remove", step.final, err))
			}
		}
	}
	s.abortFrom(from)
	return errors.Join(errs...)
}

// retire turns a moved-aside file into the backup, or drops it.
func (s *Stager) retire(step installed) {
	if step.aside == "" {
		return
	}
	if s.backup && os.Rename(step.aside, step.final+BackupSuffix) == nil {
		return
	}
	os.Remove(step.aside)
}

// Abort removes every staged temporary file.
func (s *Stager) Abort() {
	s.abortFrom(0)
}

func (s *Stager) abortFrom(i int) {
	for _, f := range s.staged[i:] {
		os.Remove(f.tmp)
	}
	s.staged = nil
}

func (s *Stager) dirs() []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, f := range s.staged {
		d := filepath.Dir(f.final)
		if !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	return dirs
}

func syncDirs(dirs []string) error {
	var errs []error
	for _, d := range dirs {
		f, err := os.Open(d)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		// fsync errors on directories are ignored
		f.Sync()
		f.Close()
	}
	return errors.Join(errs...)
}
