package database_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/database"
)

func TestLatestVersion(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"000001_create_canonical.up.sql",
		"000001_create_canonical.down.sql",
		"000003_create_workflow.up.sql",
		"000002_create_staging.up.sql",
		"README.md",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("--"), 0o644))
	}

	version, err := database.LatestVersion(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, version)
}

func TestLatestVersion_Empty(t *testing.T) {
	_, err := database.LatestVersion(t.TempDir())
	assert.Error(t, err)
}
