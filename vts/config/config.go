package config

import (
	"fmt"
	"path/filepath"
	"strings"

	internal "github.com/ZanzyTHEbar/virtual-tokenstore/vts"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Cache   CacheConfig   `mapstructure:"cache"`
	Dataset DatasetConfig `mapstructure:"dataset"`
	Loader  LoaderConfig  `mapstructure:"loader"`
}

// CacheConfig stores cache build and storage settings.
type CacheConfig struct {
	Dir              string `mapstructure:"dir"`
	Split            string `mapstructure:"split"`
	RowsPerChunk     int    `mapstructure:"rowsPerChunk"`
	MaxWorkers       int    `mapstructure:"maxWorkers"`
	SealQueueDepth   int    `mapstructure:"sealQueueDepth"`
	SourceRetries    int    `mapstructure:"sourceRetries"`
	ProcessBatchSize int    `mapstructure:"processBatchSize"`
	TokenColumn      string `mapstructure:"tokenColumn"`
}

// SplitDir returns the directory of one split-cache:
// {cache.dir}/{cache.split}.
func (c CacheConfig) SplitDir() string {
	return filepath.Join(c.Dir, c.Split)
}

// DatasetConfig stores sequence windowing settings.
type DatasetConfig struct {
	SeqLen      int   `mapstructure:"seqLen"`
	FlattenDocs bool  `mapstructure:"flattenDocs"`
	EnforceEOS  bool  `mapstructure:"enforceEos"`
	EOSToken    int32 `mapstructure:"eosToken"`
}

// LoaderConfig stores batch loader settings.
type LoaderConfig struct {
	BatchSize int    `mapstructure:"batchSize"`
	DataAxis  string `mapstructure:"dataAxis"`
}

var AppConfig Config

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("..")
		viper.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		viper.AddConfigPath(internal.DefaultConfigPath)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	// Set default values
	viper.SetDefault("cache.dir", internal.DefaultCacheDir)
	viper.SetDefault("cache.split", internal.DefaultSplit)
	viper.SetDefault("cache.rowsPerChunk", internal.DefaultRowsPerChunk)
	viper.SetDefault("cache.maxWorkers", 0) // 0 picks the CPU-derived default
	viper.SetDefault("cache.sealQueueDepth", internal.DefaultSealQueueDepth)
	viper.SetDefault("cache.sourceRetries", internal.DefaultSourceRetries)
	viper.SetDefault("cache.processBatchSize", internal.DefaultProcessBatchSize)
	viper.SetDefault("cache.tokenColumn", internal.DefaultTokenColumn)

	viper.SetDefault("dataset.seqLen", 1024)
	viper.SetDefault("dataset.flattenDocs", true)
	viper.SetDefault("dataset.enforceEos", true)
	viper.SetDefault("dataset.eosToken", internal.DefaultEOSToken)

	viper.SetDefault("loader.batchSize", 32)
	viper.SetDefault("loader.dataAxis", "data")

	viper.AutomaticEnv()                                   // Read in environment variables that match
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // e.g. cache.rowsPerChunk becomes CACHE_ROWSPERCHUNK

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; defaults will be used.
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	err := viper.Unmarshal(&AppConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	return &AppConfig, nil
}
