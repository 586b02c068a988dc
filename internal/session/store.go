// Package session persists the portal session credential between runs so a
// restart does not cost a fresh login.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"kapub/internal/assert"
	"kapub/internal/telemetry"

	"github.com/gofrs/flock"
)

const (
	report_store_load  = "store.load"
	report_store_save  = "store.save"
	report_store_clear = "store.clear"
)

const (
	recordName = "cookies"
	lockName   = "cookies.lock"

	lockRetryDelay = time.Millisecond * 50
)

// Credential is the opaque cookie pair identifying a portal session, it is
// attached verbatim as a Cookie header.
type Credential string

func (c Credential) String() string {
	return string(c)
}

// Valid reports whether the credential could have been produced by a login,
// it must be a single non-empty token that can sit inside a Cookie header.
func (c Credential) Valid() bool {
	if c == "" {
		return false
	}
	for _, r := range string(c) {
		if unicode.IsSpace(r) || unicode.IsControl(r) || r == ';' {
			return false
		}
	}
	return true
}

// PersistenceError is returned when the session record cannot be read or written.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("session store: %s %s: %s", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Store keeps zero or one Credential in a single file under dir.
type Store struct {
	dir  string
	path string

	mutex sync.Mutex
	lock  *flock.Flock
	tel   telemetry.API
}

func NewStore(dir string, tel telemetry.API) *Store {
	assert.NotEmptyStr(dir, "session store directory")
	assert.NotNil(tel, "telemetry")

	return &Store{
		dir:  dir,
		path: filepath.Join(dir, recordName),
		lock: flock.New(filepath.Join(dir, lockName)),
		tel:  telemetry.NewScopedAPI("session", tel),
	}
}

// Path is the location of the session record.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) ensureDir() error {
	return os.MkdirAll(s.dir, 0700)
}

func (s *Store) withLock(ctx context.Context, shared bool, fn func() error) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	err := s.ensureDir()
	if err != nil {
		return err
	}

	var locked bool
	if shared {
		locked, err = s.lock.TryRLockContext(ctx, lockRetryDelay)
	} else {
		locked, err = s.lock.TryLockContext(ctx, lockRetryDelay)
	}
	if err != nil {
		return err
	}
	if !locked {
		return fmt.Errorf("could not acquire %s", s.lock.Path())
	}
	defer s.lock.Unlock()

	return fn()
}

// Load returns the stored credential, the boolean is false when there is no
// usable record. A missing, unreadable or malformed record are all treated as
// "never logged in".
func (s *Store) Load(ctx context.Context) (Credential, bool) {
	var cred Credential
	err := s.withLock(ctx, true, func() error {
		f, err := os.Open(s.path)
		if err != nil {
			return err
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		if !scanner.Scan() {
			return scanner.Err()
		}
		cred = Credential(strings.TrimSpace(scanner.Text()))
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return "", false
	}
	if err != nil {
		s.tel.ReportWarning(report_store_load, &PersistenceError{Op: "load", Path: s.path, Err: err})
		return "", false
	}
	if !cred.Valid() {
		if cred != "" {
			s.tel.ReportWarning(report_store_load, fmt.Errorf("malformed session record"), s.path)
		}
		return "", false
	}
	return cred, true
}

// Save replaces the stored credential. The new record is written to a fresh
// temporary file which is then renamed over the old one, so readers never see
// a partial record.
func (s *Store) Save(ctx context.Context, cred Credential) error {
	if !cred.Valid() {
		return &PersistenceError{Op: "save", Path: s.path, Err: fmt.Errorf("refusing to store malformed credential")}
	}

	err := s.withLock(ctx, false, func() error {
		tmp, err := os.CreateTemp(s.dir, recordName+".*.tmp")
		if err != nil {
			return err
		}
		tmpName := tmp.Name()
		committed := false
		defer func() {
			if !committed {
				tmp.Close()
				os.Remove(tmpName)
			}
		}()

		_, err = tmp.WriteString(cred.String() + "\n")
		if err != nil {
			return err
		}
		err = tmp.Sync()
		if err != nil {
			return err
		}
		err = tmp.Close()
		if err != nil {
			return err
		}
		err = os.Rename(tmpName, s.path)
		if err != nil {
			return err
		}
		committed = true
		return nil
	})
	if err != nil {
		perr := &PersistenceError{Op: "save", Path: s.path, Err: err}
		s.tel.ReportBroken(report_store_save, perr)
		return perr
	}
	return nil
}

// Clear removes the stored credential if there is one.
func (s *Store) Clear(ctx context.Context) error {
	err := s.withLock(ctx, false, func() error {
		err := os.Remove(s.path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	})
	if err != nil {
		perr := &PersistenceError{Op: "clear", Path: s.path, Err: err}
		s.tel.ReportBroken(report_store_clear, perr)
		return perr
	}
	return nil
}
