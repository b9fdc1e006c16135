package runtime

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zpdzap/beesto/internal/config"
	"github.com/zpdzap/beesto/internal/worktree"
)

const (
	workspaceDir  = "/workspace"
	probeInterval = 500 * time.Millisecond
	maxLineBytes  = 1 << 20
)

// Docker runs the sandbox as a long-lived container with the session's
// working tree bind-mounted at /workspace.
type Docker struct {
	projectDir string
	name       string
	cfg        *config.Config
	logger     *slog.Logger

	mu          sync.Mutex
	booted      bool
	hostRoot    string
	usesWT      bool
	ready       chan ServerInfo
	stopWatch   context.CancelFunc
	probeClient *http.Client
}

var _ Runtime = (*Docker)(nil)

// NewDocker creates a Docker runtime for one sandbox session. name must be
// unique per session; it names the container and the worktree.
func NewDocker(projectDir, name string, cfg *config.Config, logger *slog.Logger) *Docker {
	return &Docker{
		projectDir:  projectDir,
		name:        name,
		cfg:         cfg,
		logger:      logger,
		ready:       make(chan ServerInfo, 1),
		probeClient: &http.Client{Timeout: 2 * time.Second},
	}
}

// ContainerName returns the docker container name of this session.
func (d *Docker) ContainerName() string {
	return fmt.Sprintf("bst-%s", d.name)
}

// Boot prepares the working tree, builds the image and starts the container.
// Booting again replaces any container left by a previous boot.
func (d *Docker) Boot(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.teardownLocked()

	root := d.projectDir
	usesWT := false
	if d.cfg.Sandbox.UseWorktree() && worktree.IsRepo(ctx, d.projectDir) {
		wtPath, _, err := worktree.Create(ctx, d.projectDir, d.name)
		if err != nil {
			return fmt.Errorf("creating worktree: %w", err)
		}
		root, usesWT = wtPath, true
	}

	if err := d.buildImage(ctx); err != nil {
		return fmt.Errorf("building image: %w", err)
	}

	args := []string{
		"run", "-d",
		"--name", d.ContainerName(),
		"-v", fmt.Sprintf("%s:%s", root, workspaceDir),
		"-w", workspaceDir,
	}
	for _, port := range d.cfg.Defaults.Ports {
		args = append(args, "-p", fmt.Sprintf("0:%d", port))
	}
	for k, v := range d.cfg.Defaults.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	for _, mount := range d.cfg.Defaults.Mounts {
		args = append(args, "-v", mount)
	}
	args = append(args, d.imageName(), "sleep", "infinity")

	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker run failed: %s: %w", strings.TrimSpace(string(out)), err)
	}

	d.hostRoot = root
	d.usesWT = usesWT
	d.booted = true
	d.ready = make(chan ServerInfo, 1)

	watchCtx, cancel := context.WithCancel(context.Background())
	d.stopWatch = cancel
	go d.watchPorts(watchCtx, d.ready)

	d.logger.Info("container started", "container", d.ContainerName(), "root", root)
	return nil
}

// Mount writes an initial file tree into the sandbox.
func (d *Docker) Mount(ctx context.Context, files map[string][]byte) error {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if err := d.WriteFile(ctx, p, files[p]); err != nil {
			return fmt.Errorf("mounting %s: %w", p, err)
		}
	}
	return nil
}

// Spawn runs command through `docker exec ... sh -c`. Output lines are
// delivered to onLine as they arrive.
func (d *Docker) Spawn(ctx context.Context, command string, onLine LineFunc) (Process, error) {
	d.mu.Lock()
	booted := d.booted
	d.mu.Unlock()
	if !booted {
		return nil, ErrNotBooted
	}

	cmd := exec.CommandContext(ctx, "docker", "exec", "-w", workspaceDir, d.ContainerName(), "sh", "-c", command)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("docker exec: %w", err)
	}

	var g errgroup.Group
	g.Go(func() error { return scanLines(stdout, Stdout, onLine) })
	g.Go(func() error { return scanLines(stderr, Stderr, onLine) })

	return &dockerProcess{cmd: cmd, readers: &g}, nil
}

func (d *Docker) ReadFile(_ context.Context, p string) ([]byte, error) {
	root, err := d.openRoot()
	if err != nil {
		return nil, err
	}
	defer root.Close()

	f, err := root.Open(rel(p))
	if err != nil {
		return nil, escapeErr(err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (d *Docker) WriteFile(_ context.Context, p string, data []byte) error {
	root, err := d.openRoot()
	if err != nil {
		return err
	}
	defer root.Close()

	name := rel(p)
	if err := mkdirParents(root, name); err != nil {
		return fmt.Errorf("creating parent dir: %w", err)
	}
	f, err := root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return escapeErr(err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (d *Docker) Remove(_ context.Context, p string) error {
	root, err := d.openRoot()
	if err != nil {
		return err
	}
	defer root.Close()
	return escapeErr(root.Remove(rel(p)))
}

func (d *Docker) ReadDir(_ context.Context, dir string) ([]DirEntry, error) {
	root, err := d.openRoot()
	if err != nil {
		return nil, err
	}
	defer root.Close()

	f, err := root.Open(rel(dir))
	if err != nil {
		return nil, escapeErr(err)
	}
	defer f.Close()
	entries, err := f.ReadDir(-1)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		// Symlinks and devices are not part of the exported tree.
		if !e.IsDir() && !e.Type().IsRegular() {
			continue
		}
		out = append(out, DirEntry{Name: e.Name(), IsDir: e.IsDir()})
	}
	return out, nil
}

func (d *Docker) ServerReady() <-chan ServerInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready
}

// Close removes the container and the session worktree.
func (d *Docker) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.teardownLocked()
	if d.usesWT {
		worktree.Remove(ctx, d.projectDir, d.name)
		d.usesWT = false
	}
	return nil
}

func (d *Docker) teardownLocked() {
	if d.stopWatch != nil {
		d.stopWatch()
		d.stopWatch = nil
	}
	// Slow, best-effort: a missing container is fine.
	exec.Command("docker", "rm", "-f", d.ContainerName()).Run()
	d.booted = false
}

// openRoot opens the host side of the working tree. The container can plant
// symlinks there, so every file operation resolves through an os.Root.
func (d *Docker) openRoot() (*os.Root, error) {
	d.mu.Lock()
	dir, booted := d.hostRoot, d.booted
	d.mu.Unlock()
	if !booted {
		return nil, ErrNotBooted
	}
	return os.OpenRoot(dir)
}

// rel maps a sandbox path to a root-relative host path.
func rel(p string) string {
	clean := path.Clean("/" + filepath.ToSlash(p))
	if clean == "/" {
		return "."
	}
	return filepath.FromSlash(clean[1:])
}

// mkdirParents creates the parent directories of name one component at a
// time; os.Root has no MkdirAll.
func mkdirParents(root *os.Root, name string) error {
	parts := strings.Split(filepath.ToSlash(name), "/")
	for i := 1; i < len(parts); i++ {
		dir := filepath.FromSlash(strings.Join(parts[:i], "/"))
		if err := root.Mkdir(dir, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
			return escapeErr(err)
		}
	}
	return nil
}

// escapeErr maps the os.Root escape error to ErrPathEscapes.
func escapeErr(err error) error {
	var pe *os.PathError
	if errors.As(err, &pe) && pe.Err != nil && pe.Err.Error() == "path escapes from parent" {
		return fmt.Errorf("%w: %s", ErrPathEscapes, pe.Path)
	}
	return err
}

func (d *Docker) imageName() string {
	return fmt.Sprintf("bst-%s", d.cfg.Project)
}

func (d *Docker) buildImage(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "docker", "build", "-q", "-t", d.imageName(), "-f", d.cfg.Image.Dockerfile, ".")
	cmd.Dir = d.projectDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker build failed: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// watchPorts fires ready once any published port answers HTTP. docker-proxy
// accepts TCP connections even when nothing listens in the container, so a
// plain dial is not a bound-port signal.
func (d *Docker) watchPorts(ctx context.Context, ready chan<- ServerInfo) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ports := queryPorts(d.ContainerName())
		for _, port := range d.cfg.Defaults.Ports {
			host, ok := ports[strconv.Itoa(port)]
			if !ok {
				continue
			}
			if d.probe(ctx, host) {
				info := ServerInfo{Port: port, URL: "http://localhost:" + host}
				d.logger.Info("server ready", "port", port, "url", info.URL)
				select {
				case ready <- info:
				default:
				}
				return
			}
		}
	}
}

func (d *Docker) probe(ctx context.Context, hostPort string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://127.0.0.1:"+hostPort+"/", nil)
	if err != nil {
		return false
	}
	resp, err := d.probeClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// queryPorts maps container ports to published host ports.
func queryPorts(containerName string) map[string]string {
	ports := make(map[string]string)
	out, err := exec.Command("docker", "port", containerName).CombinedOutput()
	if err != nil {
		return ports
	}
	return parsePorts(string(out))
}

// parsePorts parses `docker port` lines like "3000/tcp -> 0.0.0.0:49321".
func parsePorts(out string) map[string]string {
	ports := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " -> ", 2)
		if len(parts) != 2 {
			continue
		}
		containerPort := strings.SplitN(parts[0], "/", 2)[0]
		idx := strings.LastIndex(parts[1], ":")
		if idx < 0 {
			continue
		}
		if _, seen := ports[containerPort]; !seen {
			ports[containerPort] = parts[1][idx+1:]
		}
	}
	return ports
}

func scanLines(r io.Reader, stream Stream, onLine LineFunc) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		if onLine != nil {
			onLine(stream, sc.Text())
		}
	}
	return sc.Err()
}

type dockerProcess struct {
	cmd     *exec.Cmd
	readers *errgroup.Group
}

func (p *dockerProcess) Wait() (int, error) {
	readErr := p.readers.Wait()
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	if readErr != nil {
		return 0, fmt.Errorf("reading output: %w", readErr)
	}
	return 0, nil
}

func (p *dockerProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
