package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"peerdisc/config"
	"peerdisc/datamodel/endpoint"
	"peerdisc/enode"
	"peerdisc/nodeid"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunInit(t *testing.T) {
	file := filepath.Join(t.TempDir(), "node.yaml")

	require.NoError(t, RunInit(context.Background(), config.NewEmptyConfig(file), false))

	cfg, err := config.NewConfigFromFile(file)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	id, err := cfg.NodeID()
	require.NoError(t, err)

	// A second init refuses to clobber the key
	assert.Error(t, RunInit(context.Background(), config.NewEmptyConfig(file), false))
	again, err := config.NewConfigFromFile(file)
	require.NoError(t, err)
	againID, err := again.NodeID()
	require.NoError(t, err)
	assert.Equal(t, id, againID)

	// Unless forced
	require.NoError(t, RunInit(context.Background(), config.NewEmptyConfig(file), true))
	forced, err := config.NewConfigFromFile(file)
	require.NoError(t, err)
	forcedID, err := forced.NodeID()
	require.NoError(t, err)
	assert.NotEqual(t, id, forcedID)
}

func TestRunInitUnwritable(t *testing.T) {
	file := filepath.Join(t.TempDir(), "missing", "node.json")
	assert.Error(t, RunInit(context.Background(), config.NewEmptyConfig(file), false))
	_, err := os.Stat(file)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRunInfo(t *testing.T) {
	cfg := config.NewEmptyConfig("")
	require.NoError(t, cfg.GenerateKey())

	boot, _, err := nodeid.Random()
	require.NoError(t, err)
	cfg.Discovery.Bootnodes = []string{enode.Format(boot, endpoint.New("10.0.0.1", 30303, 30303).Ptr())}

	extra, _, err := nodeid.Random()
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, RunInfo(context.Background(), cfg, &out, []string{"enode://" + extra.String()}))

	id, err := cfg.NodeID()
	require.NoError(t, err)
	assert.Contains(t, out.String(), id.String())
	assert.Contains(t, out.String(), "10.0.0.1:30303")
	assert.Contains(t, out.String(), "enode://"+extra.String())
}

func TestRunInfoLeavesBootnodesAlone(t *testing.T) {
	cfg := config.NewEmptyConfig("")
	require.NoError(t, cfg.GenerateKey())

	boot, _, err := nodeid.Random()
	require.NoError(t, err)
	cfg.Discovery.Bootnodes = make([]string, 1, 4)
	cfg.Discovery.Bootnodes[0] = "enode://" + boot.String()

	extra, _, err := nodeid.Random()
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, RunInfo(context.Background(), cfg, &out, []string{"enode://" + extra.String()}))

	assert.Len(t, cfg.Discovery.Bootnodes, 1)
	assert.Empty(t, cfg.Discovery.Bootnodes[:2][1])
}

func TestRunInfoBadDescriptor(t *testing.T) {
	cfg := config.NewEmptyConfig("")
	require.NoError(t, cfg.GenerateKey())

	var out bytes.Buffer
	assert.Error(t, RunInfo(context.Background(), cfg, &out, []string{"http://example.com"}))
}

func TestRunInfoWithoutKey(t *testing.T) {
	var out bytes.Buffer
	assert.ErrorIs(t, RunInfo(context.Background(), config.NewEmptyConfig(""), &out, nil), config.ErrNoKey)
}

func TestRunServeInvalidConfig(t *testing.T) {
	assert.ErrorIs(t, RunServe(context.Background(), config.NewEmptyConfig("")), config.ErrNoKey)
}
