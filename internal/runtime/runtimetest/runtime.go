// Package runtimetest provides an in-memory runtime.Runtime for tests.
package runtimetest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/zpdzap/beesto/internal/runtime"
)

// Handler scripts a spawned command. It streams output through out and
// returns the exit code. Long-running handlers should return when ctx ends.
type Handler func(ctx context.Context, out runtime.LineFunc) int

// Runtime keeps the working tree in memory and runs scripted commands.
type Runtime struct {
	mu        sync.Mutex
	files     map[string][]byte
	booted    bool
	boots     int
	bootErr   error
	writeErrs map[string]error
	handlers  map[string]Handler
	commands  []string
	ready     chan runtime.ServerInfo
	closed    bool
}

var _ runtime.Runtime = (*Runtime)(nil)

// New returns a runtime seeded with files.
func New(files map[string]string) *Runtime {
	r := &Runtime{
		files:     make(map[string][]byte),
		writeErrs: make(map[string]error),
		handlers:  make(map[string]Handler),
		ready:     make(chan runtime.ServerInfo, 1),
	}
	for p, c := range files {
		r.files[clean(p)] = []byte(c)
	}
	return r
}

// FailBoot makes subsequent Boot calls return err (nil clears it).
func (r *Runtime) FailBoot(err error) {
	r.mu.Lock()
	r.bootErr = err
	r.mu.Unlock()
}

// FailWrite makes writes and removes of p return err.
func (r *Runtime) FailWrite(p string, err error) {
	r.mu.Lock()
	r.writeErrs[clean(p)] = err
	r.mu.Unlock()
}

// Handle scripts command. Unscripted commands exit 0 without output.
func (r *Runtime) Handle(command string, h Handler) {
	r.mu.Lock()
	r.handlers[command] = h
	r.mu.Unlock()
}

// Exit scripts command to print lines on stdout and exit with code.
func (r *Runtime) Exit(command string, code int, lines ...string) {
	r.Handle(command, func(_ context.Context, out runtime.LineFunc) int {
		for _, l := range lines {
			out(runtime.Stdout, l)
		}
		return code
	})
}

// FireReady emits the server-ready signal for the current boot.
func (r *Runtime) FireReady(port int) {
	r.mu.Lock()
	ch := r.ready
	r.mu.Unlock()
	select {
	case ch <- runtime.ServerInfo{Port: port, URL: fmt.Sprintf("http://localhost:%d", port)}:
	default:
	}
}

// Files returns a copy of the tree as strings.
func (r *Runtime) Files() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.files))
	for p, b := range r.files {
		out[p] = string(b)
	}
	return out
}

// Commands returns every spawned command in spawn order.
func (r *Runtime) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

// Boots returns how many successful boots happened.
func (r *Runtime) Boots() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.boots
}

// Closed reports whether Close was called.
func (r *Runtime) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Runtime) Boot(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bootErr != nil {
		r.booted = false
		return r.bootErr
	}
	r.booted = true
	r.boots++
	r.ready = make(chan runtime.ServerInfo, 1)
	return nil
}

func (r *Runtime) Mount(ctx context.Context, files map[string][]byte) error {
	for p, b := range files {
		if err := r.WriteFile(ctx, p, b); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) Spawn(ctx context.Context, command string, onLine runtime.LineFunc) (runtime.Process, error) {
	r.mu.Lock()
	if !r.booted {
		r.mu.Unlock()
		return nil, runtime.ErrNotBooted
	}
	r.commands = append(r.commands, command)
	h := r.handlers[command]
	r.mu.Unlock()

	if onLine == nil {
		onLine = func(runtime.Stream, string) {}
	}
	pctx, cancel := context.WithCancel(ctx)
	p := &process{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(p.done)
		if h != nil {
			p.code = h(pctx, onLine)
		}
	}()
	return p, nil
}

func (r *Runtime) ReadFile(_ context.Context, p string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.booted {
		return nil, runtime.ErrNotBooted
	}
	b, ok := r.files[clean(p)]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return append([]byte(nil), b...), nil
}

func (r *Runtime) WriteFile(_ context.Context, p string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.booted {
		return runtime.ErrNotBooted
	}
	if err := r.writeErrs[clean(p)]; err != nil {
		return err
	}
	r.files[clean(p)] = append([]byte(nil), data...)
	return nil
}

func (r *Runtime) Remove(_ context.Context, p string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.booted {
		return runtime.ErrNotBooted
	}
	if err := r.writeErrs[clean(p)]; err != nil {
		return err
	}
	if _, ok := r.files[clean(p)]; !ok {
		return fs.ErrNotExist
	}
	delete(r.files, clean(p))
	return nil
}

func (r *Runtime) ReadDir(_ context.Context, dir string) ([]runtime.DirEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.booted {
		return nil, runtime.ErrNotBooted
	}

	prefix := clean(dir)
	if prefix != "" {
		prefix += "/"
	}

	seen := make(map[string]bool)
	var out []runtime.DirEntry
	for p := range r.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		name, _, isDir := strings.Cut(rest, "/")
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, runtime.DirEntry{Name: name, IsDir: isDir})
	}
	if len(out) == 0 && prefix != "" {
		return nil, fs.ErrNotExist
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Runtime) ServerReady() <-chan runtime.ServerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

func (r *Runtime) Close(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.booted = false
	r.closed = true
	return nil
}

func clean(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

type process struct {
	done   chan struct{}
	cancel context.CancelFunc
	code   int
}

func (p *process) Wait() (int, error) {
	<-p.done
	p.cancel()
	return p.code, nil
}

func (p *process) Kill() error {
	p.cancel()
	return nil
}

// ErrInjected is a convenience error for failure injection.
var ErrInjected = errors.New("injected failure")
