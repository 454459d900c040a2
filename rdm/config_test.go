package rdm

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteDefaultLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rdm.toml")
	require.NoError(t, WriteDefault(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.Error(t, err)
}

func TestValidateRejectsOversizeMTU(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RDM.MTUSize = MaxMTU + 1
	require.Error(t, cfg.Validate())
	cfg.RDM.MTUSize = 0
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsInvertedCreditBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RDM.TxMinCredits = cfg.RDM.TxMaxCredits + 1
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsOversizeIOVLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RDM.TxIOVLimit = IOVLimit + 1
	require.Error(t, cfg.Validate())
}
