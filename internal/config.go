package internal

import (
	"fmt"

	"github.com/spf13/viper"
	"github.com/tuannm99/novasql/internal/storage"
)

type NovaSqlConfig struct {
	Storage struct {
		Mode     string `mapstructure:"mode"`
		File     string `mapstructure:"file"`
		PageSize int    `mapstructure:"page_size"`

		// BufferPoolSize is the per-instance frame capacity for a hash
		// index's ParallelPool (bufferpool.Instance).
		BufferPoolSize int `mapstructure:"buffer_pool_size"`

		// BufferPoolShards is N, the number of bufferpool.Instance shards
		// a hash index's ParallelPool is built from.
		BufferPoolShards int `mapstructure:"buffer_pool_shards"`

		// HashIndexPoolSize, when set, takes precedence over BufferPoolSize
		// as the per-shard capacity returned by HashIndexShardsAndCapacity.
		HashIndexPoolSize int `mapstructure:"hash_index_pool_size"`
	} `mapstructure:"storage"`
	Server struct {
		Port  int  `mapstructure:"port"`
		Debug bool `mapstructure:"debug"`
	} `mapstructure:"server"`
}

// DefaultBufferPoolShards and DefaultBufferPoolSize are used when a config
// file leaves the corresponding storage.* keys unset (zero value).
const (
	DefaultBufferPoolShards = 4
	DefaultBufferPoolSize   = 64
)

// HashIndexShardsAndCapacity resolves the shard count and per-shard frame
// capacity a new or reopened hash index's ParallelPool should use, filling
// in defaults for anything left at zero in the loaded config.
func (c *NovaSqlConfig) HashIndexShardsAndCapacity() (shards, capacity int) {
	shards = c.Storage.BufferPoolShards
	if shards <= 0 {
		shards = DefaultBufferPoolShards
	}
	capacity = c.Storage.HashIndexPoolSize
	if capacity <= 0 {
		capacity = c.Storage.BufferPoolSize
	}
	if capacity <= 0 {
		capacity = DefaultBufferPoolSize
	}
	return shards, capacity
}

type Config struct {
	Mode storage.StorageMode
}

func LoadConfig(path string) (*NovaSqlConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg NovaSqlConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}
