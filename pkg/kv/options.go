package kv

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/eigerco/txkv/internal/instruction"
	"github.com/eigerco/txkv/pkg/db"
	"github.com/eigerco/txkv/pkg/db/bbolt"
	"github.com/eigerco/txkv/pkg/db/leveldb"
	"github.com/eigerco/txkv/pkg/db/pebble"
	"github.com/eigerco/txkv/pkg/encoding"
	"github.com/eigerco/txkv/pkg/log"
)

type EngineKind string

const (
	EnginePebble  EngineKind = "pebble"
	EngineLevelDB EngineKind = "leveldb"
	EngineBbolt   EngineKind = "bbolt"
)

const (
	DefaultTxnStartThreshold   = 5
	DefaultBatchStartThreshold = 1000
	DefaultMaxStores           = 64
	DefaultCacheSize           = 4096
)

var ErrInvalidOptions = errors.New("invalid options")

// Duration is a time.Duration that reads "20ms" style strings or integer
// nanoseconds from JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration must be a string or nanoseconds: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Options configure an Environment.
type Options struct {
	// Path of the database. Empty opens an in-memory pebble or leveldb
	// database; bbolt always needs a path.
	Path   string     `json:"path"`
	Engine EngineKind `json:"engine"`

	MaxKeySize int `json:"max_key_size"`
	// CommitDelay keeps a batch open this long after its first write. Zero
	// ends it as soon as the timer goroutine runs; negative values commit
	// every write on its own.
	CommitDelay           Duration `json:"commit_delay"`
	TxnStartThreshold     int      `json:"txn_start_threshold"`
	BatchStartThreshold   int      `json:"batch_start_threshold"`
	BackpressureThreshold int      `json:"backpressure_threshold"`
	// ReadTxnTTL resets the shared read transaction this long after it was
	// started even when no write committed.
	ReadTxnTTL Duration `json:"read_txn_ttl"`

	NoSync          bool `json:"no_sync"`
	MaxStores       int  `json:"max_stores"`
	InitialMmapSize int  `json:"initial_mmap_size"`
	CacheSizeMB     int  `json:"cache_size_mb"`

	LogLevel string `json:"log_level"`
}

func DefaultOptions() Options {
	return Options{
		Engine:                EnginePebble,
		MaxKeySize:            encoding.DefaultMaxKeySize,
		TxnStartThreshold:     DefaultTxnStartThreshold,
		BatchStartThreshold:   DefaultBatchStartThreshold,
		BackpressureThreshold: instruction.DefaultBackpressureThreshold,
		MaxStores:             DefaultMaxStores,
		LogLevel:              "info",
	}
}

// LoadOptions reads a JSON options file. Fields missing from the file keep
// their default.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	raw, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("error reading options file: %w", err)
	}
	if err := json.Unmarshal(raw, &opts); err != nil {
		return opts, fmt.Errorf("error unmarshaling options: %w", err)
	}
	return opts, opts.Validate()
}

func (o Options) Validate() error {
	switch o.Engine {
	case EnginePebble, EngineLevelDB:
	case EngineBbolt:
		if o.Path == "" {
			return fmt.Errorf("%w: bbolt needs a path", ErrInvalidOptions)
		}
	default:
		return fmt.Errorf("%w: unknown engine %q", ErrInvalidOptions, o.Engine)
	}
	if o.MaxKeySize < 0 || o.TxnStartThreshold < 0 || o.BatchStartThreshold < 0 ||
		o.BackpressureThreshold < 0 || o.MaxStores < 0 || o.CacheSizeMB < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidOptions)
	}
	if o.ReadTxnTTL < 0 {
		return fmt.Errorf("%w: negative read transaction ttl", ErrInvalidOptions)
	}
	if o.LogLevel != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(o.LogLevel)); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
		}
	}
	return nil
}

func (o Options) openEngine() (db.Engine, error) {
	cache := o.CacheSizeMB * 1024 * 1024
	switch o.Engine {
	case EngineLevelDB:
		return leveldb.Open(leveldb.Options{Path: o.Path, NoSync: o.NoSync, CacheSize: cache})
	case EngineBbolt:
		return bbolt.Open(bbolt.Options{Path: o.Path, NoSync: o.NoSync, InitialMmapSize: o.InitialMmapSize})
	default:
		return pebble.Open(pebble.Options{Path: o.Path, NoSync: o.NoSync, CacheSize: int64(cache), Logger: log.Engine})
	}
}

// StoreOptions configure one named store.
type StoreOptions struct {
	// Name of the store; empty is the root store.
	Name        string `json:"name"`
	Encoding    string `json:"encoding"`
	KeyEncoding string `json:"key_encoding"`
	UseVersions bool   `json:"use_versions"`
	DupSort     bool   `json:"dup_sort"`
	// Compression compresses values of at least this many bytes. Zero turns
	// compression off.
	Compression int `json:"compression"`
	// Cache keeps recently read and written entries in memory.
	Cache     bool `json:"cache"`
	CacheSize int  `json:"cache_size"`
	// NoCreate fails instead of creating a missing store.
	NoCreate bool `json:"no_create"`
}

func (o StoreOptions) codec(maxKeySize int) (encoding.Codec, error) {
	values, err := encoding.ParseValueEncoding(o.Encoding)
	if err != nil {
		return encoding.Codec{}, err
	}
	keys, err := encoding.ParseKeyEncoding(o.KeyEncoding)
	if err != nil {
		return encoding.Codec{}, err
	}
	if o.Cache && o.DupSort {
		return encoding.Codec{}, fmt.Errorf("%w: dup-sort stores cannot be cached", ErrInvalidOptions)
	}
	c := encoding.Codec{
		Keys:                 keys,
		Values:               values,
		UseVersions:          o.UseVersions,
		DupSort:              o.DupSort,
		CompressionThreshold: o.Compression,
		MaxKeySize:           maxKeySize,
	}
	return c, c.Validate()
}
