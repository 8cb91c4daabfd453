package plugin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeZip creates an archive with the given entries. Names ending in "/"
// become directory entries.
func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range entries {
		if strings.HasSuffix(name, "/") {
			_, err := zw.Create(name)
			require.NoError(t, err)
			continue
		}
		hdr := &zip.FileHeader{Name: name, Method: zip.Deflate}
		hdr.SetMode(0o755)
		w, err := zw.CreateHeader(hdr)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestBundleWithTwoTopLevelDirsIsRejected(t *testing.T) {
	r, root := newTestRegistry(t, &recorder{}, nil)
	archive := filepath.Join(root, "double.zip")
	writeZip(t, archive, map[string]string{
		"one/plugin.yaml": "name: one\nmain: builtin:echo\ntypes: [one]\n",
		"two/plugin.yaml": "name: two\nmain: builtin:echo\ntypes: [two]\n",
	})
	before, err := os.ReadFile(archive)
	require.NoError(t, err)

	staged, err := r.StageBundles()
	assert.Empty(t, staged)
	var ibe *InvalidBundleError
	require.ErrorAs(t, err, &ibe)
	assert.Equal(t, archive, ibe.Path)

	after, err := os.ReadFile(archive)
	require.NoError(t, err, "rejected archive must stay in place")
	assert.Equal(t, before, after)
	assert.NoDirExists(t, filepath.Join(root, "one"))
	assert.NoDirExists(t, filepath.Join(root, "two"))
	assertNoStagingLeft(t, root)
}

func TestBundleReplacesExistingDirAside(t *testing.T) {
	r, root := newTestRegistry(t, &recorder{}, nil)
	r.now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC) }
	writePlugin(t, root, "greeter", "name: greeter\nversion: 1.0.0\nmain: builtin:echo\ntypes: [hi]\n")

	archive := filepath.Join(root, "greeter-2.zip")
	writeZip(t, archive, map[string]string{
		"greeter/":            "",
		"greeter/plugin.yaml": "name: greeter\nversion: 2.0.0\nmain: builtin:echo\ntypes: [hi]\n",
		"greeter/data/x.txt":  "payload",
	})

	staged, err := r.StageBundles()
	require.NoError(t, err)
	require.Len(t, staged, 1)

	backup := filepath.Join(root, "greeter.bak-20240506-070809")
	assert.Equal(t, backup, staged[0].Backup)
	old, err := os.ReadFile(filepath.Join(backup, "plugin.yaml"))
	require.NoError(t, err, "existing directory must be renamed aside, not deleted")
	assert.Contains(t, string(old), "1.0.0")

	cur, err := os.ReadFile(filepath.Join(root, "greeter", "plugin.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(cur), "2.0.0")
	data, err := os.ReadFile(filepath.Join(root, "greeter", "data", "x.txt"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	assert.NoFileExists(t, archive, "consumed archive is deleted")
	assertNoStagingLeft(t, root)

	gen, err := r.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, gen.Plugins, 1, "backup directory must not load")
	assert.Equal(t, "2.0.0", gen.Plugins[0].Version)
}

func TestBundleBackupNamesDoNotCollide(t *testing.T) {
	r, root := newTestRegistry(t, &recorder{}, nil)
	r.now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC) }
	writePlugin(t, root, "p", "name: p\nmain: builtin:echo\ntypes: [p]\n")

	for i := range 2 {
		writeZip(t, filepath.Join(root, "p.zip"), map[string]string{
			"p/plugin.yaml": "name: p\nmain: builtin:echo\ntypes: [p]\n",
		})
		_, err := r.StageBundles()
		require.NoError(t, err, "round %d", i)
	}
	assert.DirExists(t, filepath.Join(root, "p.bak-20240506-070809"))
	assert.DirExists(t, filepath.Join(root, "p.bak-20240506-070809-1"))
}

func TestBundleRejectsUnsafeEntries(t *testing.T) {
	tests := []struct {
		name    string
		entries map[string]string
	}{
		{"parent traversal", map[string]string{"evil/../../escape.txt": "x"}},
		{"absolute path", map[string]string{"/etc/evil": "x"}},
		{"top-level file", map[string]string{"plugin.yaml": "name: x"}},
		{"dir and file", map[string]string{"p/plugin.yaml": "x", "README": "x"}},
		{"empty archive", map[string]string{}},
		{"reserved name", map[string]string{".hidden/plugin.yaml": "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, root := newTestRegistry(t, &recorder{}, nil)
			archive := filepath.Join(root, "bad.zip")
			writeZip(t, archive, tt.entries)

			_, err := r.StageBundles()
			var ibe *InvalidBundleError
			require.ErrorAs(t, err, &ibe)
			assert.FileExists(t, archive)
			assert.NoFileExists(t, filepath.Join(filepath.Dir(root), "escape.txt"))
		})
	}
}

func TestBadBundleDoesNotBlockOthers(t *testing.T) {
	r, root := newTestRegistry(t, &recorder{}, nil)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a-broken.zip"), []byte("not a zip"), 0o644))
	writeZip(t, filepath.Join(root, "b-good.zip"), map[string]string{
		"good/plugin.yaml": "name: good\nmain: builtin:ping\ntypes: [ping]\n",
	})

	gen, err := r.Load(context.Background())
	require.NoError(t, err)
	assert.Contains(t, gen.Types, "ping")
	assert.FileExists(t, filepath.Join(root, "a-broken.zip"))
	assert.NoFileExists(t, filepath.Join(root, "b-good.zip"))
}

func assertNoStagingLeft(t *testing.T, root string) {
	t.Helper()
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), stagingPrefix), "leftover staging dir %s", e.Name())
	}
}
