package dockerdriver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Fake is an in-memory Driver for tests (and for developing the engine on
// a machine with no Docker daemon), per spec.md §9's "dynamic dispatch on
// Docker backend" design note. It tracks just enough state — running or
// not — for InstallPipeline and RuntimeSupervisor tests to assert against.
type Fake struct {
	mu       sync.Mutex
	running  map[string]bool
	files    map[string][]byte
	logHubs  map[string]chan string
	statHubs map[string]chan StatsSample
	stdin    map[string][][]byte

	// CreateErr, when set, is returned by every Create call.
	CreateErr error
	// ExecExitCode is returned by ExecScript for every container.
	ExecExitCode int
}

// NewFake constructs an empty Fake.
func NewFake() *Fake {
	return &Fake{
		running:  make(map[string]bool),
		files:    make(map[string][]byte),
		logHubs:  make(map[string]chan string),
		statHubs: make(map[string]chan StatsSample),
		stdin:    make(map[string][][]byte),
	}
}

func (f *Fake) SendInput(ctx context.Context, dockerID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stdin[dockerID] = append(f.stdin[dockerID], append([]byte(nil), data...))
	return nil
}

// StdinHistory returns every SendInput call recorded for dockerID, for
// test assertions.
func (f *Fake) StdinHistory(dockerID string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stdin[dockerID]
}

func (f *Fake) Create(ctx context.Context, spec CreateSpec) (string, error) {
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.NewString()
	f.running[id] = false
	return id, nil
}

func (f *Fake) Remove(ctx context.Context, dockerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, dockerID)
	return nil
}

func (f *Fake) Start(ctx context.Context, dockerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[dockerID]; !ok {
		return fmt.Errorf("fake driver: unknown container %q", dockerID)
	}
	f.running[dockerID] = true
	return nil
}

func (f *Fake) Kill(ctx context.Context, dockerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[dockerID] = false
	return nil
}

func (f *Fake) Restart(ctx context.Context, dockerID string) error {
	if err := f.Kill(ctx, dockerID); err != nil {
		return err
	}
	return f.Start(ctx, dockerID)
}

func (f *Fake) WriteFile(ctx context.Context, dockerID, path string, mode int64, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[dockerID+":"+path] = content
	return nil
}

func (f *Fake) ExecScript(ctx context.Context, dockerID, scriptPath string, timeout time.Duration) (int, []byte, error) {
	f.mu.Lock()
	output := f.files[dockerID+":"+scriptPath]
	exitCode := f.ExecExitCode
	f.mu.Unlock()
	return exitCode, output, nil
}

func (f *Fake) AttachLogs(ctx context.Context, dockerID string) (<-chan string, error) {
	f.mu.Lock()
	ch, ok := f.logHubs[dockerID]
	if !ok {
		ch = make(chan string, 64)
		f.logHubs[dockerID] = ch
	}
	f.mu.Unlock()

	out := make(chan string)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case chunk := <-ch:
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *Fake) AttachStats(ctx context.Context, dockerID string) (<-chan StatsSample, error) {
	f.mu.Lock()
	ch, ok := f.statHubs[dockerID]
	if !ok {
		ch = make(chan StatsSample, 16)
		f.statHubs[dockerID] = ch
	}
	f.mu.Unlock()

	out := make(chan StatsSample)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case sample := <-ch:
				select {
				case out <- sample:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *Fake) IsRunning(ctx context.Context, dockerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[dockerID], nil
}

// PushLog lets a test simulate a console chunk arriving from the
// container, delivered to whoever called AttachLogs for dockerID.
func (f *Fake) PushLog(dockerID, chunk string) {
	f.mu.Lock()
	ch, ok := f.logHubs[dockerID]
	f.mu.Unlock()
	if ok {
		ch <- chunk
	}
}

// PushStats lets a test simulate a stats sample arriving for dockerID.
func (f *Fake) PushStats(dockerID string, sample StatsSample) {
	f.mu.Lock()
	ch, ok := f.statHubs[dockerID]
	f.mu.Unlock()
	if ok {
		ch <- sample
	}
}
