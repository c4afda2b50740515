package agenttools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafePath_RejectsAbsoluteAndEscapingPaths(t *testing.T) {
	s := New(t.TempDir())

	_, err := s.safePath("/etc/passwd")
	require.Error(t, err)

	_, err = s.safePath("../../outside")
	require.Error(t, err)
}

func TestSafePath_AllowsNestedRelativePaths(t *testing.T) {
	s := New(t.TempDir())
	abs, err := s.safePath("src/main.go")
	require.NoError(t, err)
	assert.Contains(t, abs, "src")
	assert.Contains(t, abs, "main.go")
}
