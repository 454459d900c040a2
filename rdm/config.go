package rdm

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config carries every tunable listed in spec §6. It is loaded once by the
// hosting application (mirroring mailproxy.go's generate-then-load TOML
// idiom) and passed by reference into NewEndpoint; the core engine never
// parses configuration itself (Design Note §9: no process-wide mutable
// singletons, config is an endpoint-owned record passed by reference).
type Config struct {
	RDM RDMConfig
}

// RDMConfig is the `[RDM]` TOML section.
type RDMConfig struct {
	// RxWindowSize is the initial RX credits granted to a new peer.
	RxWindowSize uint16 `toml:"rx_window_size"`
	// TxMinCredits / TxMaxCredits bound the credit_request a sender proposes.
	TxMinCredits uint16 `toml:"tx_min_credits"`
	TxMaxCredits uint16 `toml:"tx_max_credits"`
	// RecvWinSize is the per-peer reorder window size (message ids).
	RecvWinSize uint32 `toml:"recvwin_size"`
	// CQSize is a sizing hint for completion queue capacity.
	CQSize int `toml:"cq_size"`
	// MaxTimeout is the RNR backoff cap, in microseconds.
	MaxTimeout uint64 `toml:"max_timeout"`
	// TimeoutInterval is the initial RNR backoff, in microseconds. Zero
	// means "pick a random value in [40,120] per peer" as spec §4.3 requires.
	TimeoutInterval uint64 `toml:"timeout_interval"`
	// EfaCQReadSize / ShmCQReadSize bound completions drained per progress pass.
	EfaCQReadSize int `toml:"efa_cq_read_size"`
	ShmCQReadSize int `toml:"shm_cq_read_size"`
	// EnableSASOrdering turns on the per-peer reorder window.
	EnableSASOrdering bool `toml:"enable_sas_ordering"`
	// EnableSHMTransfer routes co-located peers over the shared-memory transport.
	EnableSHMTransfer bool `toml:"enable_shm_transfer"`
	// MTUSize bounds a single wire packet; must be <= 1<<15 per spec §6.
	MTUSize int `toml:"mtu_size"`
	// MaxMemcpySize is loaded and written but not read by the engine; no
	// copy is bounded by it.
	MaxMemcpySize int `toml:"max_memcpy_size"`
	// TxIOVLimit / RxIOVLimit are checked by Validate to be <= IOVLimit;
	// Send and Recv check segment counts against IOVLimit itself.
	TxIOVLimit int `toml:"tx_iov_limit"`
	RxIOVLimit int `toml:"rx_iov_limit"`
	// EfaMaxEmulatedReadSize / WriteSize / ReadSegmentSize are loaded and
	// written but not read by the engine; RMA sizes are not bounded by them.
	EfaMaxEmulatedReadSize  int `toml:"efa_max_emulated_read_size"`
	EfaMaxEmulatedWriteSize int `toml:"efa_max_emulated_write_size"`
	EfaReadSegmentSize      int `toml:"efa_read_segment_size"`
	// Poison overwrites released pool slots with a sentinel byte (§4.1).
	Poison bool `toml:"poison"`
}

// DefaultConfig returns the table of defaults from spec §6.
func DefaultConfig() *Config {
	return &Config{RDM: RDMConfig{
		RxWindowSize:            128,
		TxMinCredits:            32,
		TxMaxCredits:            64,
		RecvWinSize:             16384,
		CQSize:                  8192,
		MaxTimeout:              1000000,
		TimeoutInterval:         0, // randomized in [40,120]us, see peer.go
		EfaCQReadSize:           64,
		ShmCQReadSize:           64,
		EnableSASOrdering:       true,
		EnableSHMTransfer:       true,
		MTUSize:                 4096,
		MaxMemcpySize:           4096,
		TxIOVLimit:              IOVLimit,
		RxIOVLimit:              IOVLimit,
		EfaMaxEmulatedReadSize:  1 << 20,
		EfaMaxEmulatedWriteSize: 1 << 20,
		EfaReadSegmentSize:      1 << 18,
		Poison:                  false,
	}}
}

// LoadConfig reads a TOML file in the shape mailproxy.go generates, layering
// it over DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("rdm: load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the wire-level bounds from spec §6.
func (c *Config) Validate() error {
	if c.RDM.MTUSize <= 0 || c.RDM.MTUSize > 1<<15 {
		return fmt.Errorf("rdm: mtu_size %d out of bounds (0, 32768]", c.RDM.MTUSize)
	}
	if c.RDM.TxIOVLimit > IOVLimit || c.RDM.RxIOVLimit > IOVLimit {
		return fmt.Errorf("rdm: iov limit exceeds protocol maximum %d", IOVLimit)
	}
	if c.RDM.TxMinCredits > c.RDM.TxMaxCredits {
		return fmt.Errorf("rdm: tx_min_credits > tx_max_credits")
	}
	return nil
}

// WriteDefault writes a generated TOML config file, mirroring
// mailproxy.go's makeConfig/GenerateConfig shape.
func WriteDefault(path string) error {
	const format = `[RDM]
  rx_window_size = %d
  tx_min_credits = %d
  tx_max_credits = %d
  recvwin_size = %d
  cq_size = %d
  max_timeout = %d
  efa_cq_read_size = %d
  shm_cq_read_size = %d
  enable_sas_ordering = %t
  enable_shm_transfer = %t
  mtu_size = %d
  max_memcpy_size = %d
  tx_iov_limit = %d
  rx_iov_limit = %d
  efa_max_emulated_read_size = %d
  efa_max_emulated_write_size = %d
  efa_read_segment_size = %d
`
	d := DefaultConfig().RDM
	data := fmt.Sprintf(format,
		d.RxWindowSize, d.TxMinCredits, d.TxMaxCredits, d.RecvWinSize, d.CQSize,
		d.MaxTimeout, d.EfaCQReadSize, d.ShmCQReadSize, d.EnableSASOrdering,
		d.EnableSHMTransfer, d.MTUSize, d.MaxMemcpySize, d.TxIOVLimit, d.RxIOVLimit,
		d.EfaMaxEmulatedReadSize, d.EfaMaxEmulatedWriteSize, d.EfaReadSegmentSize)
	return os.WriteFile(path, []byte(data), 0o600)
}
