// Package conf loads the engine's tunables from an INI file, the format
// this lineage of tools has always used for configuration.
package conf

import (
	"path/filepath"

	"ferrodb/logger"

	"gopkg.in/ini.v1"
)

// CommandLineArgs carries the flags the demo binary accepts.
type CommandLineArgs struct {
	ConfigPath string
}

// Cfg holds every tunable the storage core reads at startup. NewCfg supplies
// defaults; Load overlays only the keys actually present in the file, so a
// missing file or a missing key never aborts startup.
type Cfg struct {
	Raw *ini.File

	// DataFile is the backing file for the disk manager.
	DataFile string

	// PageSize is the fixed page size in bytes shared by the disk manager,
	// buffer pool and B+ tree pages.
	PageSize int

	// BufferPoolFrames is the number of frames the buffer pool manages.
	BufferPoolFrames int

	// ReplacerK is the K in LRU-K.
	ReplacerK int

	// DefaultIsolation is one of "read-uncommitted", "read-committed",
	// "repeatable-read".
	DefaultIsolation string

	// DeadlockDetectionIntervalMS is how often the detector sweeps the
	// wait-for graph.
	DeadlockDetectionIntervalMS int

	// StatsIntervalMS is how often the stats reporter samples counters.
	StatsIntervalMS int

	// StatsListenAddr is loaded from the config file; nothing in this module
	// starts a stats listener on it.
	StatsListenAddr string

	LogError string
	LogInfos string
	LogLevel string
}

// NewCfg returns a Cfg populated with defaults.
func NewCfg() *Cfg {
	return &Cfg{
		Raw:                         ini.Empty(),
		DataFile:                    "data/ferrodb.db",
		PageSize:                    4096,
		BufferPoolFrames:            64,
		ReplacerK:                   2,
		DefaultIsolation:            "repeatable-read",
		DeadlockDetectionIntervalMS: 50,
		StatsIntervalMS:             200,
		LogLevel:                    "info",
	}
}

// Load reads the INI file named by args.ConfigPath, if any, and overlays its
// "storage" and "logs" sections onto the defaults. A missing file is not an
// error: the defaults stand.
func (cfg *Cfg) Load(args *CommandLineArgs) *Cfg {
	if args == nil || args.ConfigPath == "" {
		return cfg
	}

	path, err := filepath.Abs(args.ConfigPath)
	if err != nil {
		logger.Warnf("could not resolve config path %q: %v", args.ConfigPath, err)
		return cfg
	}

	iniFile, err := ini.Load(path)
	if err != nil {
		logger.Warnf("could not load config file %q, using defaults: %v", path, err)
		return cfg
	}
	cfg.Raw = iniFile

	storage := iniFile.Section("storage")
	cfg.DataFile = storage.Key("data_file").MustString(cfg.DataFile)
	cfg.PageSize = storage.Key("page_size").MustInt(cfg.PageSize)
	cfg.BufferPoolFrames = storage.Key("buffer_pool_frames").MustInt(cfg.BufferPoolFrames)
	cfg.ReplacerK = storage.Key("replacer_k").MustInt(cfg.ReplacerK)
	cfg.DefaultIsolation = storage.Key("default_isolation").MustString(cfg.DefaultIsolation)
	cfg.DeadlockDetectionIntervalMS = storage.Key("deadlock_detection_interval_ms").MustInt(cfg.DeadlockDetectionIntervalMS)
	cfg.StatsIntervalMS = storage.Key("stats_interval_ms").MustInt(cfg.StatsIntervalMS)
	cfg.StatsListenAddr = storage.Key("stats_listen_addr").MustString(cfg.StatsListenAddr)

	logs := iniFile.Section("logs")
	cfg.LogError = logs.Key("log_error").MustString(cfg.LogError)
	cfg.LogInfos = logs.Key("log_infos").MustString(cfg.LogInfos)
	cfg.LogLevel = logs.Key("log_level").MustString(cfg.LogLevel)

	return cfg
}
