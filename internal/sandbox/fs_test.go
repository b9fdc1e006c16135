package sandbox

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zpdzap/beesto/internal/runtime"
	"github.com/zpdzap/beesto/internal/runtime/runtimetest"
)

func TestCleanPath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"README.md", "README.md", false},
		{"src/./app.js", "src/app.js", false},
		{"src/../lib/x.go", "lib/x.go", false},
		{"", "", true},
		{"  ", "", true},
		{"/etc/passwd", "", true},
		{"../outside", "", true},
		{"src/../../outside", "", true},
		{".", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := CleanPath(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPath)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func bootedManager(t *testing.T, files map[string]string) (*Manager, *runtimetest.Runtime) {
	t.Helper()
	rt := runtimetest.New(files)
	m, _ := newTestManager(t, rt, Options{})
	_, err := m.Boot(context.Background())
	require.NoError(t, err)
	return m, rt
}

func TestReadAllFilesSkipsIgnoredDirs(t *testing.T) {
	m, _ := bootedManager(t, map[string]string{
		"package.json":                  `{"name":"app"}`,
		"src/App.jsx":                   "export default () => null",
		"node_modules/react/index.js":   "module.exports = {}",
		".git/HEAD":                     "ref: refs/heads/main",
		"packages/ui/node_modules/x.js": "ignored",
		"packages/ui/index.js":          "kept",
	})

	files, err := m.ReadAllFiles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"package.json":         `{"name":"app"}`,
		"src/App.jsx":          "export default () => null",
		"packages/ui/index.js": "kept",
	}, files)
}

func TestFileOpsRequireBoot(t *testing.T) {
	m, _ := newTestManager(t, runtimetest.New(nil), Options{})

	_, err := m.ReadAllFiles(context.Background())
	assert.ErrorIs(t, err, ErrNotBooted)
	assert.ErrorIs(t, m.WriteFile(context.Background(), "a.txt", "x"), ErrNotBooted)
	assert.ErrorIs(t, m.DeleteFile(context.Background(), "a.txt"), ErrNotBooted)
}

func TestWriteAndDeleteFile(t *testing.T) {
	m, rt := bootedManager(t, map[string]string{"README.md": "old"})
	ctx := context.Background()

	require.NoError(t, m.WriteFile(ctx, "README.md", "new"))
	require.NoError(t, m.WriteFile(ctx, "docs/guide.md", "guide"))
	got, err := m.ReadFile(ctx, "docs/guide.md")
	require.NoError(t, err)
	assert.Equal(t, "guide", got)

	require.NoError(t, m.DeleteFile(ctx, "README.md"))
	assert.Equal(t, map[string]string{"docs/guide.md": "guide"}, rt.Files())

	assert.Error(t, m.DeleteFile(ctx, "README.md"))
	assert.ErrorIs(t, m.WriteFile(ctx, "../escape", "x"), ErrInvalidPath)
	assert.ErrorIs(t, m.DeleteFile(ctx, "/abs"), ErrInvalidPath)
}

func TestSymlinkEscapeIsInvalidPath(t *testing.T) {
	m, rt := bootedManager(t, nil)
	ctx := context.Background()
	rt.FailWrite("link/pwned.txt", fmt.Errorf("%w: link/pwned.txt", runtime.ErrPathEscapes))

	err := m.WriteFile(ctx, "link/pwned.txt", "x")
	assert.ErrorIs(t, err, ErrInvalidPath)
	assert.ErrorIs(t, err, runtime.ErrPathEscapes)
	assert.ErrorIs(t, m.DeleteFile(ctx, "link/pwned.txt"), ErrInvalidPath)
}

func TestConcurrentWritesAllLand(t *testing.T) {
	m, _ := bootedManager(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.WriteFile(ctx, fmt.Sprintf("f/%02d.txt", i), fmt.Sprint(i)))
		}()
	}
	wg.Wait()

	files, err := m.ReadAllFiles(ctx)
	require.NoError(t, err)
	assert.Len(t, files, 20)
	assert.Equal(t, "7", files["f/07.txt"])
}
