// Package sandboxtest provides an in-memory sandbox.Runtime for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tascord/embedder/internal/sandbox"
)

var _ sandbox.Runtime = (*Runtime)(nil)

// Runtime keeps containers in memory. While Conflicts > 0 each Run fails
// with a port conflict and marks its host port bound, as if another
// process had taken it.
type Runtime struct {
	mu sync.Mutex

	HasImage   bool
	BuildDelay time.Duration
	BuildErr   error
	RunErr     error
	RemoveErr  error
	Conflicts  int
	Managed    []sandbox.ManagedContainer

	builds     int
	runs       []sandbox.RunSpec
	stops      []time.Duration
	bound      map[int]bool
	containers map[string]sandbox.RunSpec
	removed    []string
}

func NewRuntime() *Runtime {
	return &Runtime{
		bound:      make(map[int]bool),
		containers: make(map[string]sandbox.RunSpec),
	}
}

func (f *Runtime) Name() string { return "fake" }

func (f *Runtime) ImageExists(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.HasImage, nil
}

func (f *Runtime) BuildImage(_ context.Context, _ string, recipe io.Reader) error {
	if _, err := io.Copy(io.Discard, recipe); err != nil {
		return err
	}
	f.mu.Lock()
	delay := f.BuildDelay
	f.mu.Unlock()
	time.Sleep(delay)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds++
	if f.BuildErr != nil {
		return f.BuildErr
	}
	f.HasImage = true
	return nil
}

func (f *Runtime) Run(_ context.Context, spec sandbox.RunSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, spec)
	if f.RunErr != nil {
		return "", f.RunErr
	}
	f.containers[spec.Name] = spec
	if f.Conflicts > 0 {
		f.Conflicts--
		f.bound[spec.HostPort] = true
		return "", fmt.Errorf("%w: port is already allocated", sandbox.ErrPortConflict)
	}
	return "id-" + spec.Name, nil
}

func (f *Runtime) Stop(_ context.Context, name string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, grace)
	if _, ok := f.containers[name]; !ok {
		return sandbox.ErrContainerNotFound
	}
	return nil
}

func (f *Runtime) Remove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	if _, ok := f.containers[name]; !ok {
		return sandbox.ErrContainerNotFound
	}
	delete(f.containers, name)
	f.removed = append(f.removed, name)
	return nil
}

func (f *Runtime) IsRunning(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.containers[name]
	return ok, nil
}

func (f *Runtime) ListManaged(context.Context) ([]sandbox.ManagedContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sandbox.ManagedContainer(nil), f.Managed...), nil
}

// AddContainer registers a container that was not started through Run.
func (f *Runtime) AddContainer(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[name] = sandbox.RunSpec{Name: name}
}

func (f *Runtime) SetBuildErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BuildErr = err
}

func (f *Runtime) SetRunErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RunErr = err
}

// DropImage forgets the image, as if it was removed out of band.
func (f *Runtime) DropImage() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.HasImage = false
}

func (f *Runtime) SetRemoveErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RemoveErr = err
}

func (f *Runtime) Builds() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds
}

// Stops returns the grace period of every Stop call in order.
func (f *Runtime) Stops() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.stops...)
}

func (f *Runtime) Runs() []sandbox.RunSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sandbox.RunSpec(nil), f.runs...)
}

// IsBound reports whether a simulated conflict has claimed port.
func (f *Runtime) IsBound(port int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bound[port]
}

// Live is the number of containers not yet removed.
func (f *Runtime) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

func (f *Runtime) Removed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}
