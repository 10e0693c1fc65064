package installpipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileLogSink mirrors install-pipeline output to
// <LogRoot>/<internal_id>/install.log (console output is not mirrored),
// independent of the in-memory
// EventBus ring (SPEC_FULL.md §5 "container log-file mirroring"),
// grounded on the teacher's one-log-file-per-deployment convention
// (build2/pipeline_logger.go).
type FileLogSink struct {
	mu      sync.Mutex
	root    string
	handles map[string]*os.File
}

// NewFileLogSink constructs a FileLogSink rooted at root (config.LogRoot).
func NewFileLogSink(root string) *FileLogSink {
	return &FileLogSink{root: root, handles: make(map[string]*os.File)}
}

// AppendInstallLog appends line to internalID's install.log, opening the
// file on first use and keeping the handle open for the sink's lifetime.
func (s *FileLogSink) AppendInstallLog(internalID, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle, ok := s.handles[internalID]
	if !ok {
		dir := filepath.Join(s.root, internalID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create log directory %q: %w", dir, err)
		}
		f, err := os.OpenFile(filepath.Join(dir, "install.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open install.log for %q: %w", internalID, err)
		}
		s.handles[internalID] = f
		handle = f
	}

	_, err := handle.WriteString(line)
	return err
}

// Close releases every open file handle.
func (s *FileLogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.handles {
		f.Close()
	}
	return nil
}
