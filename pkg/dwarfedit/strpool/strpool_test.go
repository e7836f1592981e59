package strpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func section(strs ...string) ([]byte, []uint32) {
	var buf []byte
	offsets := make([]uint32, len(strs))
	for i, s := range strs {
		offsets[i] = uint32(len(buf))
		buf = append(buf, []byte(s)...)
		buf = append(buf, 0)
	}
	return buf, offsets
}

func TestInternExistingDedups(t *testing.T) {
	data, offs := section("foo.c", "bar.c", "foo.c")
	p := New(data, "/tmp/build", "/usr/src/debug/pkg")

	require.NoError(t, p.InternExisting(offs[0]))
	require.NoError(t, p.InternExisting(offs[1]))
	require.NoError(t, p.InternExisting(offs[2]))

	p.Finalize()

	n0, ok0 := p.Lookup(offs[0])
	n2, ok2 := p.Lookup(offs[2])
	require.True(t, ok0)
	require.True(t, ok2)
	assert.Equal(t, n0, n2, "identical strings interned from different offsets must collapse to one entry")
}

func TestInternReplacedRewritesPrefix(t *testing.T) {
	data, offs := section("/tmp/build/foo.c", "/tmp/other/bar.c")
	p := New(data, "/tmp/build", "/usr/src/debug/pkg")

	original0, replaced0, err := p.InternReplaced(offs[0])
	require.NoError(t, err)
	assert.True(t, replaced0)
	assert.Equal(t, "/tmp/build/foo.c", original0)

	original1, replaced1, err := p.InternReplaced(offs[1])
	require.NoError(t, err)
	assert.False(t, replaced1)
	assert.Equal(t, "/tmp/other/bar.c", original1)

	p.Finalize()

	n0, _ := p.Lookup(offs[0])
	n1, _ := p.Lookup(offs[1])

	out := p.Bytes()
	s0 := cString(out, n0)
	s1 := cString(out, n1)
	assert.Equal(t, "/usr/src/debug/pkg/foo.c", s0)
	assert.Equal(t, "/tmp/other/bar.c", s1)
}

func TestNoTwoEntriesShareBytes(t *testing.T) {
	data, offs := section("a", "b", "a", "c", "b")
	p := New(data, "/nonexistent", "/nonexistent2")
	for _, o := range offs {
		require.NoError(t, p.InternExisting(o))
	}
	out := p.Finalize()

	seen := map[string]bool{}
	for _, s := range []string{"a", "b", "c"} {
		count := 0
		for i := 0; i+len(s) <= len(out); i++ {
			if string(out[i:i+len(s)]) == s && (i == 0 || out[i-1] == 0) && out[i+len(s)] == 0 {
				count++
			}
		}
		assert.False(t, seen[s])
		seen[s] = true
		assert.Equal(t, 1, count, "string %q must appear exactly once in the deduplicated pool", s)
	}
}

func TestSentinelForDanglingIndex(t *testing.T) {
	data, offs := section("foo.c")
	p := New(data, "/tmp/build", "/usr/src/debug/pkg")
	require.NoError(t, p.InternExisting(offs[0]))
	p.EnsureSentinel()
	p.Finalize()

	_, used := p.LookupOrSentinel(9999)
	assert.True(t, used)

	n, used := p.LookupOrSentinel(offs[0])
	assert.False(t, used)
	assert.Equal(t, "foo.c", cString(p.Bytes(), n))
}

func cString(buf []byte, off uint32) string {
	end := off
	for end < uint32(len(buf)) && buf[end] != 0 {
		end++
	}
	return string(buf[off:end])
}
