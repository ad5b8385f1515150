package config

import (
	"os"
	"path/filepath"
	"reflect"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

const configFileName = "synapse"

// Backend selects the bulk I/O strategy used for torrent content.
type Backend string

const (
	// BackendDirect performs positioned read/write syscalls.
	BackendDirect Backend = "direct"
	// BackendMapped copies through a memory-mapped file region.
	BackendMapped Backend = "mapped"
)

// Strategy selects the piece picking algorithm.
type Strategy string

const (
	StrategyRarest     Strategy = "rarest"
	StrategySequential Strategy = "sequential"
)

// Config holds the configuration options for the storage engine.
type Config struct {
	Storage *StorageConfig `yaml:"storage,omitempty"`
}

// StorageConfig holds configuration options for on-disk torrent content.
type StorageConfig struct {
	Directory string `yaml:"dir,omitempty"`
	// Backend chooses between mapped and direct bulk I/O.
	Backend Backend `yaml:"backend,omitempty"`
	// Strategy is the default piece selection policy.
	Strategy Strategy `yaml:"strategy,omitempty"`
	// EagerAllocate opens and preallocates every file at torrent start
	// instead of lazily on first write.
	EagerAllocate bool `yaml:"eagerAllocate,omitempty"`
	// AllowUnverifiedRead permits serving blocks of pieces that have not
	// passed their digest check. Off by default.
	AllowUnverifiedRead bool `yaml:"allowUnverifiedRead,omitempty"`
	// OutstandingLimit caps requested-but-unwritten blocks per piece.
	OutstandingLimit int `yaml:"outstandingLimit,omitempty"`
	// EndgameThreshold is the number of remaining missing blocks under
	// which duplicate in-flight requests become permitted.
	EndgameThreshold int `yaml:"endgameThreshold,omitempty"`
	// VerifyWorkers bounds concurrent piece hash checks.
	VerifyWorkers int `yaml:"verifyWorkers,omitempty"`
	// WriteRateLimit throttles disk writes in bytes per second. Zero
	// disables throttling.
	WriteRateLimit int `yaml:"writeRateLimit,omitempty"`
}

func (s *StorageConfig) IsConfig() bool {
	return true
}

// GetConfig reads the configuration file and returns a Config struct.
// If the configuration file does not exist, it returns the default configuration.
func GetConfig() (*Config, error) {
	configFilePath := filepath.Join(xdg.ConfigHome, configFileName)
	defaults := DefaultConfig()

	b, err := os.ReadFile(configFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &defaults, nil
		}

		return nil, err
	}

	if len(b) == 0 {
		return &defaults, nil
	}

	var cfg Config

	err = yaml.Unmarshal(b, &cfg)
	if err != nil {
		return nil, err
	}

	storageCfg := zeroOr(cfg.Storage, defaults.Storage)

	return &Config{
		Storage: &StorageConfig{
			Directory:           zeroOr(storageCfg.Directory, defaults.Storage.Directory),
			Backend:             zeroOr(storageCfg.Backend, defaults.Storage.Backend),
			Strategy:            zeroOr(storageCfg.Strategy, defaults.Storage.Strategy),
			EagerAllocate:       zeroOr(storageCfg.EagerAllocate, defaults.Storage.EagerAllocate),
			AllowUnverifiedRead: zeroOr(storageCfg.AllowUnverifiedRead, defaults.Storage.AllowUnverifiedRead),
			OutstandingLimit:    zeroOr(storageCfg.OutstandingLimit, defaults.Storage.OutstandingLimit),
			EndgameThreshold:    zeroOr(storageCfg.EndgameThreshold, defaults.Storage.EndgameThreshold),
			VerifyWorkers:       zeroOr(storageCfg.VerifyWorkers, defaults.Storage.VerifyWorkers),
			WriteRateLimit:      zeroOr(storageCfg.WriteRateLimit, defaults.Storage.WriteRateLimit),
		},
	}, nil
}

func DefaultConfig() Config {
	return Config{
		Storage: &StorageConfig{
			Directory:           storageDir,
			Backend:             defaultBackend,
			Strategy:            defaultStrategy,
			EagerAllocate:       eagerAllocate,
			AllowUnverifiedRead: allowUnverifiedRead,
			OutstandingLimit:    outstandingLimit,
			EndgameThreshold:    endgameThreshold,
			VerifyWorkers:       verifyWorkers,
			WriteRateLimit:      writeRateLimit,
		},
	}
}

// zeroOr returns def if v is the zero value for its type.
func zeroOr[T any](v, def T) T {
	if reflect.ValueOf(v).IsZero() {
		return def
	}

	return v
}
