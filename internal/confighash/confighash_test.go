package confighash

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleetwatch/internal/types"
)

func TestRuntimeStableForEqualConfigs(t *testing.T) {
	cfg := &types.ClusterConfig{MaxWorkers: 5, IdleTimeoutMinutes: 10}

	h1, err := Runtime(cfg)
	require.NoError(t, err)
	h2, err := Runtime(cfg)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
}

func TestRuntimeChangesWithConfig(t *testing.T) {
	a, err := Runtime(&types.ClusterConfig{WorkerSetupCommands: []string{"pip install a"}})
	require.NoError(t, err)
	b, err := Runtime(&types.ClusterConfig{WorkerSetupCommands: []string{"pip install b"}})
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestFileMountsContents(t *testing.T) {
	mounts := []types.FileMount{{Remote: "/etc/app.conf", Local: "/tmp/app.conf"}}
	reader := func(path string) ([]byte, error) {
		if path == "/tmp/app.conf" {
			return []byte("hello"), nil
		}
		return nil, errors.New("unexpected path")
	}

	h, err := FileMountsContents(reader, mounts)
	require.NoError(t, err)
	assert.NotEmpty(t, h)
}

func TestFileMountsContentsPropagatesReadError(t *testing.T) {
	mounts := []types.FileMount{{Remote: "/etc/app.conf", Local: "/missing"}}
	reader := func(path string) ([]byte, error) {
		return nil, errors.New("not found")
	}

	_, err := FileMountsContents(reader, mounts)
	assert.Error(t, err)
}

func TestLaunchHashesDifferOnAuth(t *testing.T) {
	nodeConfig := map[string]any{"instance_type": "m5.large"}

	h1, err := Launch(nodeConfig, types.AuthConfig{"ssh_user": "ubuntu"})
	require.NoError(t, err)
	h2, err := Launch(nodeConfig, types.AuthConfig{"ssh_user": "ec2-user"})
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}
