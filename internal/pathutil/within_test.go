package pathutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithin(t *testing.T) {
	got, err := Within("/data/app", "el1", "100", "base", "com.example.notes_1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data/app", "el1", "100", "base", "com.example.notes_1"), got)
}

func TestWithinRejectsTraversal(t *testing.T) {
	for _, elem := range []string{"..", "../etc", "a/b", "", "."} {
		_, err := Within("/data/app", "el1", elem)
		assert.Error(t, err, "element %q", elem)
	}
}
