package pathrewrite

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty", "", "."},
		{"already clean", "/usr/src", "/usr/src"},
		{"trailing slash", "/usr/src/", "/usr/src"},
		{"duplicate slashes", "/usr//src///pkg", "/usr/src/pkg"},
		{"dot segments", "/usr/./src/../src/pkg", "/usr/src/pkg"},
		{"leading double slash preserved", "//usr/src", "//usr/src"},
		{"leading triple slash collapses", "///usr/src", "/usr/src"},
		{"relative", "build/../build/pkg", "build/pkg"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, Canonicalize(test.input))
		})
	}
}

func TestSkipPrefix(t *testing.T) {
	tests := []struct {
		name       string
		path, base string
		wantSuffix string
		wantOK     bool
	}{
		{"exact match", "/tmp/build", "/tmp/build", "", true},
		{"proper subpath", "/tmp/build/foo.c", "/tmp/build", "foo.c", true},
		{"nested subpath", "/tmp/build/a/b/foo.c", "/tmp/build", "a/b/foo.c", true},
		{"not under base", "/tmp/other/foo.c", "/tmp/build", "", false},
		{"prefix collision without separator", "/tmp/buildx/foo.c", "/tmp/build", "", false},
		{"empty base", "/tmp/build/foo.c", "", "", false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			suffix, ok := SkipPrefix(test.path, test.base)
			assert.Equal(t, test.wantOK, ok)
			if ok {
				assert.Equal(t, test.wantSuffix, suffix)
			}
		})
	}
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "/abs/name.c", Join("/comp", "/abs", "name.c"))
	assert.Equal(t, "/comp/dir/name.c", Join("/comp", "dir", "name.c"))
	assert.Equal(t, "/comp/name.c", Join("/comp", "", "name.c"))
}
