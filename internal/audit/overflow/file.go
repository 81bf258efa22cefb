// Package overflow holds audit entries the sink could not accept until they
// can be replayed.
package overflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tenantguard/internal/audit"
)

// ErrCorrupt reports a queue file whose tail could not be decoded. The file
// is preserved next to the queue with a .corrupt suffix.
var ErrCorrupt = errors.New("overflow: corrupt queue file")

// File is a durable overflow queue: a stream of deterministic CBOR entries
// appended to a local file and fsynced on every push.
type File struct {
	path string

	mu      sync.Mutex // guards the queue file
	drainMu sync.Mutex // serializes drains
	now     func() time.Time
}

func NewFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create overflow dir: %w", err)
	}
	return &File{path: path, now: time.Now}, nil
}

func (f *File) Path() string { return f.path }

func (f *File) drainingPath() string { return f.path + ".draining" }

func (f *File) Push(_ context.Context, entry audit.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appendLocked([]audit.Entry{entry})
}

func (f *File) appendLocked(entries []audit.Entry) error {
	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open overflow file: %w", err)
	}
	enc := audit.NewEncoder(fh)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			_ = fh.Close()
			return fmt.Errorf("encode overflow entry: %w", err)
		}
	}
	if err := fh.Sync(); err != nil {
		_ = fh.Close()
		return fmt.Errorf("sync overflow file: %w", err)
	}
	return fh.Close()
}

// Drain moves the queue aside and hands every entry to fn. Entries that fn
// rejects are appended back to the queue. A leftover .draining file from an
// interrupted drain is processed first.
func (f *File) Drain(ctx context.Context, fn func(context.Context, audit.Entry) error) (int, error) {
	f.drainMu.Lock()
	defer f.drainMu.Unlock()

	f.mu.Lock()
	if _, err := os.Stat(f.drainingPath()); errors.Is(err, os.ErrNotExist) {
		if err := os.Rename(f.path, f.drainingPath()); err != nil {
			f.mu.Unlock()
			if errors.Is(err, os.ErrNotExist) {
				return 0, nil
			}
			return 0, fmt.Errorf("rotate overflow file: %w", err)
		}
	}
	f.mu.Unlock()

	entries, readErr := readAll(f.drainingPath())

	var (
		delivered int
		failed    []audit.Entry
		firstErr  error
	)
	for _, e := range entries {
		if ctx.Err() != nil {
			failed = append(failed, e)
			continue
		}
		if err := fn(ctx, e); err != nil {
			failed = append(failed, e)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		delivered++
	}
	if firstErr == nil {
		firstErr = ctx.Err()
	}

	if len(failed) > 0 {
		f.mu.Lock()
		err := f.appendLocked(failed)
		f.mu.Unlock()
		if err != nil {
			// The draining file still holds every entry; the next drain retries it.
			return delivered, fmt.Errorf("requeue overflow entries: %w", err)
		}
	}

	if readErr != nil {
		corrupt := fmt.Sprintf("%s.corrupt-%d", f.path, f.now().UnixNano())
		if err := os.Rename(f.drainingPath(), corrupt); err != nil {
			return delivered, fmt.Errorf("preserve corrupt overflow file: %w", err)
		}
		return delivered, fmt.Errorf("%w: %v (kept at %s)", ErrCorrupt, readErr, corrupt)
	}
	if err := os.Remove(f.drainingPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return delivered, fmt.Errorf("remove drained overflow file: %w", err)
	}
	return delivered, firstErr
}

// Pending counts queued entries, including an interrupted drain.
func (f *File) Pending(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, p := range []string{f.path, f.drainingPath()} {
		entries, err := readAll(p)
		if err != nil {
			return total + len(entries), err
		}
		total += len(entries)
	}
	return total, nil
}

// readAll decodes every entry in path. A missing file is empty. On a decode
// error the entries read so far are returned with the error.
func readAll(path string) ([]audit.Entry, error) {
	fh, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open overflow file: %w", err)
	}
	defer fh.Close()

	dec := audit.NewDecoder(fh)
	var entries []audit.Entry
	for {
		var e audit.Entry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return entries, nil
			}
			return entries, err
		}
		entries = append(entries, e)
	}
}
