// Package config holds the engine's compile-time-constant defaults (page
// size, buffer pool size, log buffer size, partition count,
// lock max-attempt, load index page-cache size), optionally overridden
// from a TOML file loaded with github.com/pelletier/go-toml.
package config

import (
	"os"
	"reflect"
	"sync/atomic"

	"github.com/pelletier/go-toml"

	"emberdb/internal/dberr"
)

// Compile-time defaults; a TOML config file can override any of them.
const (
	DefaultPageSize            = 4096
	DefaultBufferPoolFrames    = 256
	DefaultLogBufferSize       = 1 << 20 // 1 MiB per side of the double buffer
	DefaultPartitionCount      = 256
	DefaultLockMaxAttempt      = 50
	DefaultLockRetryInterval   = 50 // microseconds
	DefaultLoadIndexPageCache  = 64
	DefaultFlushIntervalMillis = 30
)

// Cfg is the engine's runtime configuration.
type Cfg struct {
	DataDir string `toml:"data_dir"`

	PageSize            int `toml:"page_size"`
	BufferPoolFrames    int `toml:"buffer_pool_frames"`
	LogBufferSize       int `toml:"log_buffer_size"`
	PartitionCount      int `toml:"partition_count"`
	LockMaxAttempt      int `toml:"lock_max_attempt"`
	LockRetryInterval   int `toml:"lock_retry_interval_us"`
	LoadIndexPageCache  int `toml:"load_index_page_cache"`
	FlushIntervalMillis int `toml:"flush_interval_ms"`

	LogLevel string `toml:"log_level"`
	LogFile  string `toml:"log_file"`

	// Runtime toggles, backed by atomics so
	// concurrent SET statements and manager goroutines see updates safely.
	loggingEnabled int32
	outputFile     int32
}

// NewCfg returns a Cfg populated with the compile-time defaults.
func NewCfg() *Cfg {
	c := &Cfg{
		DataDir:             ".",
		PageSize:            DefaultPageSize,
		BufferPoolFrames:    DefaultBufferPoolFrames,
		LogBufferSize:       DefaultLogBufferSize,
		PartitionCount:      DefaultPartitionCount,
		LockMaxAttempt:      DefaultLockMaxAttempt,
		LockRetryInterval:   DefaultLockRetryInterval,
		LoadIndexPageCache:  DefaultLoadIndexPageCache,
		FlushIntervalMillis: DefaultFlushIntervalMillis,
		LogLevel:            "info",
	}
	c.SetLoggingEnabled(true)
	c.SetOutputFileEnabled(false)
	return c
}

// Load overlays a TOML config file's values onto the defaults. A missing
// path is not an
// error; callers that require the file should stat it first.
func (c *Cfg) Load(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	tree, err := toml.LoadFile(path)
	if err != nil {
		return dberr.Wrap(dberr.FileNotFound, err, "loading config %s", path)
	}
	// Unmarshal fills a zeroed struct, so decode into a scratch Cfg and copy
	// over only the keys the file actually sets.
	var loaded Cfg
	if err := tree.Unmarshal(&loaded); err != nil {
		return dberr.Wrap(dberr.UnixError, err, "parsing config %s", path)
	}
	dst, src := reflect.ValueOf(c).Elem(), reflect.ValueOf(&loaded).Elem()
	for i := 0; i < dst.NumField(); i++ {
		if key := dst.Type().Field(i).Tag.Get("toml"); key != "" && tree.Has(key) {
			dst.Field(i).Set(src.Field(i))
		}
	}
	return nil
}

func (c *Cfg) SetLoggingEnabled(on bool) {
	atomic.StoreInt32(&c.loggingEnabled, boolToInt32(on))
}

func (c *Cfg) LoggingEnabled() bool {
	return atomic.LoadInt32(&c.loggingEnabled) != 0
}

func (c *Cfg) SetOutputFileEnabled(on bool) {
	atomic.StoreInt32(&c.outputFile, boolToInt32(on))
}

func (c *Cfg) OutputFileEnabled() bool {
	return atomic.LoadInt32(&c.outputFile) != 0
}

func boolToInt32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
