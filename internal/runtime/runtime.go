// Package runtime defines the sandbox runtime capability the session manager
// drives: boot, file-tree access, process spawning and a server-ready signal.
package runtime

import (
	"context"
	"errors"
)

// Stream identifies which process pipe produced an output line.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// ErrNotBooted is returned by operations that need a booted runtime.
var ErrNotBooted = errors.New("runtime not booted")

// ErrPathEscapes is returned when a path resolves outside the working tree,
// for example through a symlink.
var ErrPathEscapes = errors.New("path escapes the sandbox root")

// LineFunc receives process output one line at a time, in arrival order per pipe.
type LineFunc func(stream Stream, line string)

// DirEntry is one entry returned by ReadDir.
type DirEntry struct {
	Name  string
	IsDir bool
}

// ServerInfo is carried by the server-ready signal.
type ServerInfo struct {
	Port int
	URL  string
}

// Process is a handle on a spawned command.
type Process interface {
	// Wait blocks until the process exits and all output has been delivered.
	Wait() (exitCode int, err error)
	Kill() error
}

// Runtime is the opaque sandbox capability. Paths are slash-separated and
// relative to the sandbox working tree root.
type Runtime interface {
	Boot(ctx context.Context) error
	Mount(ctx context.Context, files map[string][]byte) error
	Spawn(ctx context.Context, command string, onLine LineFunc) (Process, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	Remove(ctx context.Context, path string) error
	ReadDir(ctx context.Context, dir string) ([]DirEntry, error)
	// ServerReady delivers one ServerInfo per boot once a dev server binds a port.
	ServerReady() <-chan ServerInfo
	Close(ctx context.Context) error
}
