package templates

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewSandboxValidatesRoot(t *testing.T) {
	sb, err := NewSandbox("")
	require.Error(t, err)
	require.Nil(t, sb)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	_, err = NewSandbox(file)
	require.Error(t, err)

	dir := t.TempDir()
	sb, err = NewSandbox(dir)
	require.NoError(t, err)
	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	require.Equal(t, want, sb.Root())
}

func TestSandboxResolve(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "captions")
	require.NoError(t, os.MkdirAll(nested, 0o750))
	target := filepath.Join(nested, "weekday.tmpl")
	require.NoError(t, os.WriteFile(target, []byte("hi"), 0o600))

	sb, err := NewSandbox(nested)
	require.NoError(t, err)
	target, err = filepath.EvalSymlinks(target)
	require.NoError(t, err)

	resolved, err := sb.Resolve("weekday.tmpl")
	require.NoError(t, err)
	require.Equal(t, target, resolved)

	resolved, err = sb.Resolve("./sub/../weekday.tmpl")
	require.NoError(t, err)
	require.Equal(t, target, resolved)

	_, err = sb.Resolve("../outside")
	require.Error(t, err)
	require.Contains(t, err.Error(), "escapes")

	_, err = sb.Resolve("missing.tmpl")
	require.ErrorIs(t, err, os.ErrNotExist)

	var nilSandbox *Sandbox
	_, err = nilSandbox.Resolve("anything")
	require.Error(t, err)
}

func TestSandboxResolveSymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require admin on Windows CI")
	}
	root := t.TempDir()
	outsideFile := filepath.Join(t.TempDir(), "data.txt")
	require.NoError(t, os.WriteFile(outsideFile, []byte("secret"), 0o600))
	require.NoError(t, os.Symlink(outsideFile, filepath.Join(root, "link.tmpl")))

	sb, err := NewSandbox(root)
	require.NoError(t, err)
	_, err = sb.Resolve("link.tmpl")
	require.Error(t, err)
	require.Contains(t, err.Error(), "escapes")
}

func TestSandboxCaptions(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "promo"), 0o750))
	for _, name := range []string{"promo/weekday.tmpl", "intro.tmpl", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte("x"), 0o600))
	}
	sb, err := NewSandbox(root)
	require.NoError(t, err)

	names, err := sb.Captions()
	require.NoError(t, err)
	require.Equal(t, []string{"intro", "promo/weekday"}, names)
}
