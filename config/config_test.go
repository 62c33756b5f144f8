package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, DefaultConfig().ValidateBasic())
	require.NoError(t, TestConfig().ValidateBasic())
}

func TestDefaultsMatchNetworkPolicy(t *testing.T) {
	cfg := DefaultConfig()
	assert.EqualValues(t, 67, cfg.Consensus.OnlineWeightQuorum)
	assert.Equal(t, TieBreakLowestHash, cfg.Consensus.TieBreak)
	assert.Equal(t, ModeAutomatic, cfg.ConfirmationHeight.Mode)
	assert.Equal(t, 500, cfg.Consensus.OptimisticLimit())
}

func TestValidateBasicRejectsBadValues(t *testing.T) {
	cfg := TestConfig()
	cfg.Consensus.OnlineWeightQuorum = 101
	assert.Error(t, cfg.ValidateBasic())

	cfg = TestConfig()
	cfg.ConfirmationHeight.Mode = "fast"
	assert.Error(t, cfg.ValidateBasic())

	cfg = TestConfig()
	cfg.Consensus.TieBreak = "random"
	assert.Error(t, cfg.ValidateBasic())

	cfg = TestConfig()
	cfg.GenesisAmount = "0"
	assert.Error(t, cfg.ValidateBasic())

	cfg = TestConfig()
	cfg.DBBackend = "rocksdb"
	assert.Error(t, cfg.ValidateBasic())
}

func TestSetRoot(t *testing.T) {
	cfg := DefaultConfig().SetRoot("/tmp/lattice")
	assert.Equal(t, "/tmp/lattice/data", cfg.DBPath())
	assert.Equal(t, "/tmp/lattice/config/node_key.json", cfg.NodeKeyFile())
	assert.Equal(t, "/tmp/lattice/config/genesis_key.json", cfg.GenesisKeyFile())
}
