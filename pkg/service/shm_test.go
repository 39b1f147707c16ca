//go:build unix

package service

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/tilegemm/pkg/rawio"
)

func TestMapShared(t *testing.T) {
	dir := t.TempDir()
	oldShmDir := shmDir
	shmDir = dir
	defer func() { shmDir = oldShmDir }()

	require.NoError(t, rawio.WriteFile(filepath.Join(dir, InputsName), []float32{1, 2, 3, 4}))
	region, err := MapShared("/" + InputsName)
	require.NoError(t, err)
	assert.Equal(t, "/"+InputsName, region.Name())
	floats := region.Floats()
	assert.Equal(t, []float32{1, 2, 3, 4}, floats)

	// Writes go through to the shared object.
	floats[0] = 42
	require.NoError(t, region.Close())
	require.NoError(t, region.Close())
	assert.Nil(t, region.Floats())
	values, err := rawio.LoadFile(filepath.Join(dir, InputsName), rawio.Float32)
	require.NoError(t, err)
	assert.Equal(t, []float32{42, 2, 3, 4}, values)

	// Errors.
	_, err = MapShared("missing")
	require.Error(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty"), nil, 0o600))
	_, err = MapShared("empty")
	require.ErrorContains(t, err, "empty")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "odd"), make([]byte, 6), 0o600))
	_, err = MapShared("odd")
	require.ErrorContains(t, err, "multiple")
}
