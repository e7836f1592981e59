package sourcelist

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritePathAndCompDir(t *testing.T) {
	path := t.TempDir() + "/sources.list"

	w, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, w.WriteCompDir("/usr/src//pkg/"))
	require.NoError(t, w.WritePath("/usr/src/pkg/foo.c"))
	require.NoError(t, w.WritePath("/usr/src/pkg/./bar.h"))
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	entries := strings.Split(strings.TrimRight(string(raw), "\x00"), "\x00")
	require.Len(t, entries, 3)
	assert.Equal(t, "/usr/src/pkg/", entries[0])
	assert.Equal(t, "/usr/src/pkg/foo.c", entries[1])
	assert.Equal(t, "/usr/src/pkg/bar.h", entries[2])
}

func TestOpenAppendsAcrossSessions(t *testing.T) {
	path := t.TempDir() + "/sources.list"

	w1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w1.WritePath("/a/one.c"))
	require.NoError(t, w1.Close())

	w2, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w2.WritePath("/a/two.c"))
	require.NoError(t, w2.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	entries := strings.Split(strings.TrimRight(string(raw), "\x00"), "\x00")
	require.Len(t, entries, 2)
	assert.Equal(t, "/a/one.c", entries[0])
	assert.Equal(t, "/a/two.c", entries[1])
}

func TestCompDirWithoutTrailingSlashInputGetsOne(t *testing.T) {
	path := t.TempDir() + "/sources.list"
	w, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteCompDir("/build/dir"))
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/build/dir/\x00", string(raw))
}
