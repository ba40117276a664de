// Package inbox turns files dropped into a directory into manual
// submissions.
//
// A file is submitted once it has been quiet for the debounce delay. Its
// source_ref is "inbox:<name>:<first 12 hex digits of its SHA-256>", so
// re-dropping identical content is rejected as a duplicate while a changed
// file with the same name is a new submission. Handled files are moved to
// .done/ (submitted or duplicate) or .rejected/ (invalid).
package inbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/roach88/curator/internal/ingest"
	"github.com/roach88/curator/internal/metrics"
	"github.com/roach88/curator/internal/model"
	"github.com/roach88/curator/internal/store"
)

const (
	doneDir     = ".done"
	rejectedDir = ".rejected"

	// DefaultDebounce is how long a file must be quiet before it is read.
	DefaultDebounce = 500 * time.Millisecond
)

// Submitter accepts submissions. *ingest.Service satisfies it.
type Submitter interface {
	Submit(ctx context.Context, sub ingest.Submission) (*model.IngestJob, error)
}

// Inbox watches one directory.
type Inbox struct {
	dir      string
	submit   Submitter
	logger   *slog.Logger
	metrics  *metrics.Metrics
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]time.Time
}

// New returns an Inbox over dir.
func New(dir string, submit Submitter, logger *slog.Logger, m *metrics.Metrics) *Inbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbox{
		dir:      dir,
		submit:   submit,
		logger:   logger,
		metrics:  m,
		debounce: DefaultDebounce,
		pending:  make(map[string]time.Time),
	}
}

// Run submits files already present, then watches for new ones until ctx
// is cancelled.
func (in *Inbox) Run(ctx context.Context) error {
	for _, sub := range []string{in.dir, filepath.Join(in.dir, doneDir), filepath.Join(in.dir, rejectedDir)} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return fmt.Errorf("inbox: %w", err)
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("inbox: %w", err)
	}
	defer w.Close()
	if err := w.Add(in.dir); err != nil {
		return fmt.Errorf("inbox: watch %s: %w", in.dir, err)
	}
	in.logger.Info("inbox watching", "dir", in.dir)

	// Files dropped while we were down.
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return fmt.Errorf("inbox: %w", err)
	}
	for _, e := range entries {
		if e.Type().IsRegular() && !hidden(e.Name()) {
			in.handle(ctx, filepath.Join(in.dir, e.Name()))
		}
	}

	ticker := time.NewTicker(in.debounce / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				in.touch(ev.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			in.logger.Error("inbox watcher error", "error", err)
		case <-ticker.C:
			for _, path := range in.quiet(time.Now()) {
				in.handle(ctx, path)
			}
		}
	}
}

func (in *Inbox) touch(path string) {
	if hidden(filepath.Base(path)) {
		return
	}
	in.mu.Lock()
	in.pending[path] = time.Now()
	in.mu.Unlock()
}

// quiet removes and returns the pending paths untouched for the debounce
// delay.
func (in *Inbox) quiet(now time.Time) []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	var ready []string
	for path, last := range in.pending {
		if now.Sub(last) >= in.debounce {
			ready = append(ready, path)
			delete(in.pending, path)
		}
	}
	return ready
}

// handle submits one file and moves it out of the inbox.
func (in *Inbox) handle(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	content, err := os.ReadFile(path)
	if err != nil {
		in.logger.Warn("inbox read failed", "path", path, "error", err)
		return
	}

	name := filepath.Base(path)
	job, err := in.submit.Submit(ctx, ingest.Submission{
		Source:    model.SourceManual,
		SourceRef: SourceRef(name, content),
		Filename:  name,
		Content:   content,
	})

	var dup *store.DuplicateJobError
	switch {
	case err == nil:
		in.metrics.InboxSubmitted()
		in.logger.Info("inbox file submitted", "file", name, "job_id", job.ID)
		in.move(path, doneDir)
	case errors.As(err, &dup):
		in.logger.Info("inbox file already submitted", "file", name, "job_id", dup.ExistingJobID)
		in.move(path, doneDir)
	case ingest.IsValidationError(err):
		in.logger.Warn("inbox file rejected", "file", name, "error", err)
		in.move(path, rejectedDir)
	default:
		// Left in place; the next write or restart retries it.
		in.logger.Error("inbox submit failed", "file", name, "error", err)
	}
}

func (in *Inbox) move(path, sub string) {
	dst := filepath.Join(in.dir, sub, filepath.Base(path))
	if _, err := os.Stat(dst); err == nil {
		ext := filepath.Ext(dst)
		dst = fmt.Sprintf("%s-%d%s", strings.TrimSuffix(dst, ext), time.Now().UnixNano(), ext)
	}
	if err := os.Rename(path, dst); err != nil {
		in.logger.Warn("inbox move failed", "path", path, "error", err)
	}
}

// SourceRef is the dedupe key of an inbox file.
func SourceRef(name string, content []byte) string {
	sum := sha256.Sum256(content)
	return "inbox:" + name + ":" + hex.EncodeToString(sum[:])[:12]
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
