package sandbox

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zpdzap/beesto/internal/runtime"
	"github.com/zpdzap/beesto/internal/runtime/runtimetest"
)

const (
	installCmd = "npm install"
	devCmd     = "npm run dev"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) statuses() []Status {
	var out []Status
	for _, e := range r.all() {
		if e.Kind == EventStatus {
			out = append(out, e.Status)
		}
	}
	return out
}

func serveOnReady(rt *runtimetest.Runtime, port int) runtimetest.Handler {
	return func(ctx context.Context, out runtime.LineFunc) int {
		out(runtime.Stdout, fmt.Sprintf("listening on %d", port))
		rt.FireReady(port)
		<-ctx.Done()
		return 0
	}
}

func newTestManager(t *testing.T, rt *runtimetest.Runtime, opts Options) (*Manager, *recorder) {
	t.Helper()
	if opts.InstallCommand == "" {
		opts.InstallCommand = installCmd
	}
	if opts.DevCommand == "" {
		opts.DevCommand = devCmd
	}
	if opts.ReadyTimeout == 0 {
		opts.ReadyTimeout = 2 * time.Second
	}
	m := New(rt, opts)
	rec := &recorder{}
	cancel := m.Subscribe(rec.record)
	t.Cleanup(func() {
		cancel()
		m.Close(context.Background())
	})
	return m, rec
}

func TestLaunchReachesReady(t *testing.T) {
	rt := runtimetest.New(map[string]string{"package.json": "{}"})
	rt.Handle(devCmd, serveOnReady(rt, 3000))
	m, rec := newTestManager(t, rt, Options{})

	require.NoError(t, m.Launch(context.Background()))

	assert.Equal(t, StatusReady, m.Status())
	assert.Equal(t, "http://localhost:3000", m.PreviewURL())
	assert.NoError(t, m.LastError())
	assert.Equal(t, []string{installCmd, devCmd}, rt.Commands())

	require.Eventually(t, func() bool {
		s := rec.statuses()
		return len(s) > 0 && s[len(s)-1] == StatusReady
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []Status{StatusBooting, StatusInstalling, StatusStarting, StatusReady}, rec.statuses())

	var texts []string
	for _, l := range m.OutputLog() {
		texts = append(texts, l.Text)
	}
	assert.Equal(t, []string{"$ npm install", "$ npm run dev", "listening on 3000"}, texts)
}

func TestPreviewURLOnlyWhileReady(t *testing.T) {
	rt := runtimetest.New(nil)
	rt.Handle(devCmd, serveOnReady(rt, 5173))
	m, rec := newTestManager(t, rt, Options{})

	_, err := m.Boot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, m.PreviewURL())
	require.NoError(t, m.InstallDependencies(context.Background()))
	assert.Empty(t, m.PreviewURL())
	require.NoError(t, m.StartServer(context.Background()))
	assert.Equal(t, "http://localhost:5173", m.PreviewURL())

	require.NoError(t, m.Close(context.Background()))
	assert.Empty(t, m.PreviewURL())
	assert.Equal(t, StatusIdle, m.Status())
	assert.True(t, rt.Closed())

	// A preview URL is only ever observed together with Ready.
	var events []Event
	require.Eventually(t, func() bool {
		events = rec.all()
		return len(events) > 0 && events[len(events)-1].Status == StatusIdle
	}, time.Second, 10*time.Millisecond)
	sawPreview := false
	for i, e := range events {
		if e.PreviewURL != "" {
			assert.Equal(t, StatusReady, e.Status, "event %d (%s)", i, e.Kind)
		}
		if e.Kind == EventPreview {
			sawPreview = true
			require.Positive(t, i)
			prev := events[i-1]
			assert.Equal(t, EventStatus, prev.Kind)
			assert.Equal(t, StatusReady, prev.Status)
			assert.Equal(t, "http://localhost:5173", prev.PreviewURL)
		}
	}
	assert.True(t, sawPreview)
}

func TestBootFailure(t *testing.T) {
	rt := runtimetest.New(nil)
	rt.FailBoot(runtimetest.ErrInjected)
	m, _ := newTestManager(t, rt, Options{})

	status, err := m.Boot(context.Background())
	require.ErrorIs(t, err, ErrBoot)
	assert.ErrorIs(t, err, runtimetest.ErrInjected)
	assert.Equal(t, StatusError, status)
	assert.Equal(t, StatusError, m.Status())
	assert.ErrorIs(t, m.LastError(), ErrBoot)
}

func TestInstallFailure(t *testing.T) {
	rt := runtimetest.New(nil)
	rt.Exit(installCmd, 1, "npm ERR! missing script")
	m, _ := newTestManager(t, rt, Options{})

	err := m.Launch(context.Background())
	require.ErrorIs(t, err, ErrInstall)
	assert.Equal(t, StatusError, m.Status())
	assert.Empty(t, m.PreviewURL())
	assert.Equal(t, []string{installCmd}, rt.Commands())
}

func TestServerExitsBeforeReady(t *testing.T) {
	rt := runtimetest.New(nil)
	rt.Exit(devCmd, 1, "Error: Cannot find module 'vite'")
	m, _ := newTestManager(t, rt, Options{})

	err := m.Launch(context.Background())
	require.ErrorIs(t, err, ErrServerStart)
	assert.Equal(t, StatusError, m.Status())
	assert.Empty(t, m.PreviewURL())
}

func TestServerReadyTimeout(t *testing.T) {
	rt := runtimetest.New(nil)
	rt.Handle(devCmd, func(ctx context.Context, _ runtime.LineFunc) int {
		<-ctx.Done()
		return 137
	})
	m, _ := newTestManager(t, rt, Options{ReadyTimeout: 50 * time.Millisecond})

	err := m.Launch(context.Background())
	require.ErrorIs(t, err, ErrServerStart)
	assert.Equal(t, StatusError, m.Status())
}

func TestMissingDevCommand(t *testing.T) {
	rt := runtimetest.New(nil)
	m := New(rt, Options{})
	defer m.Close(context.Background())

	err := m.Launch(context.Background())
	require.ErrorIs(t, err, ErrServerStart)
	assert.Equal(t, StatusError, m.Status())
}

func TestOnlyBootClearsLastError(t *testing.T) {
	rt := runtimetest.New(nil)
	rt.FailBoot(runtimetest.ErrInjected)
	m, _ := newTestManager(t, rt, Options{})

	_, err := m.Boot(context.Background())
	require.Error(t, err)

	// Out-of-order operations fail without touching the recorded error.
	require.ErrorIs(t, m.InstallDependencies(context.Background()), ErrInvalidTransition)
	require.ErrorIs(t, m.StartServer(context.Background()), ErrInvalidTransition)
	assert.ErrorIs(t, m.LastError(), ErrBoot)

	rt.FailBoot(nil)
	status, err := m.Boot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusBooting, status)
	assert.NoError(t, m.LastError())
}

func TestBootIsNoopWhileActive(t *testing.T) {
	rt := runtimetest.New(nil)
	rt.Handle(devCmd, serveOnReady(rt, 3000))
	m, _ := newTestManager(t, rt, Options{})

	require.NoError(t, m.Launch(context.Background()))
	status, err := m.Boot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusReady, status)
	assert.Equal(t, 1, rt.Boots())

	require.NoError(t, m.Launch(context.Background()))
	assert.Equal(t, 1, rt.Boots())
}

func TestTransitionsOutOfOrder(t *testing.T) {
	rt := runtimetest.New(nil)
	m, _ := newTestManager(t, rt, Options{})

	assert.ErrorIs(t, m.InstallDependencies(context.Background()), ErrInvalidTransition)
	assert.ErrorIs(t, m.StartServer(context.Background()), ErrInvalidTransition)
	assert.Equal(t, StatusIdle, m.Status())
}

func TestEmptyInstallCommandSkipsToStarting(t *testing.T) {
	rt := runtimetest.New(nil)
	m := New(rt, Options{DevCommand: devCmd})
	defer m.Close(context.Background())

	_, err := m.Boot(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.InstallDependencies(context.Background()))
	assert.Equal(t, StatusStarting, m.Status())
	assert.Empty(t, rt.Commands())
}

func TestOutputLogBounded(t *testing.T) {
	rt := runtimetest.New(nil)
	var lines []string
	for i := range 10 {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	rt.Exit("seq 10", 0, lines...)
	m, _ := newTestManager(t, rt, Options{OutputLimit: 5})

	_, err := m.Boot(context.Background())
	require.NoError(t, err)
	res, err := m.RunCommand(context.Background(), "seq 10")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	log := m.OutputLog()
	require.Len(t, log, 5)
	for i, l := range log {
		assert.Equal(t, fmt.Sprintf("line %d", i+5), l.Text)
	}
}

func TestRunCommand(t *testing.T) {
	rt := runtimetest.New(nil)
	rt.Handle("npm test", func(_ context.Context, out runtime.LineFunc) int {
		out(runtime.Stdout, "1 passing")
		out(runtime.Stderr, "1 failing")
		return 1
	})
	m, _ := newTestManager(t, rt, Options{})

	_, err := m.RunCommand(context.Background(), "npm test")
	require.ErrorIs(t, err, ErrNotBooted)

	_, err = m.Boot(context.Background())
	require.NoError(t, err)
	res, err := m.RunCommand(context.Background(), "npm test")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, "1 passing", res.Stdout)
	assert.Equal(t, "1 failing", res.Stderr)
	assert.Equal(t, "1 passing\n1 failing", res.Output())
}

func TestEventSequenceIncreases(t *testing.T) {
	rt := runtimetest.New(nil)
	rt.Handle(devCmd, serveOnReady(rt, 3000))
	m, rec := newTestManager(t, rt, Options{})

	require.NoError(t, m.Launch(context.Background()))
	require.Eventually(t, func() bool {
		s := rec.statuses()
		return len(s) > 0 && s[len(s)-1] == StatusReady
	}, time.Second, 10*time.Millisecond)

	events := rec.all()
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
	}
}

func TestInitialFilesMounted(t *testing.T) {
	rt := runtimetest.New(nil)
	m, _ := newTestManager(t, rt, Options{
		InitialFiles: map[string][]byte{"src/main.js": []byte("console.log(1)")},
	})

	_, err := m.Boot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", rt.Files()["src/main.js"])
}

func TestStatePersisted(t *testing.T) {
	dir := t.TempDir()
	rt := runtimetest.New(nil)
	rt.Handle(devCmd, serveOnReady(rt, 3000))
	m, _ := newTestManager(t, rt, Options{StateDir: dir})

	require.NoError(t, m.Launch(context.Background()))
	r, err := LoadRecord(dir)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, m.ID(), r.ID)
	assert.Equal(t, StatusReady, r.Status)
	assert.Equal(t, "http://localhost:3000", r.PreviewURL)
}

func TestSessionID(t *testing.T) {
	named := New(runtimetest.New(nil), Options{ID: "a1b2c3"})
	defer named.Close(context.Background())
	assert.Equal(t, "a1b2c3", named.ID())

	random := New(runtimetest.New(nil), Options{})
	defer random.Close(context.Background())
	assert.NotEmpty(t, random.ID())
	assert.NotEqual(t, random.ID(), named.ID())
}
