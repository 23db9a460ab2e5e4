package internal

import (
	"log"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

var (
	// DefaultConfigPath is the default path to the config file
	DefaultAppName    = "vts"
	DefaultConfigPath = filepath.Join(getHomeDir(), ".config", DefaultAppName)
	DefaultCacheDir   = filepath.Join(DefaultConfigPath, ".cache")
	DefaultSplit      = "train"

	// Default build settings
	DefaultRowsPerChunk     = 1024
	DefaultProcessBatchSize = 128
	DefaultSealQueueDepth   = 8
	DefaultSourceRetries    = 3

	// Default dataset settings
	DefaultTokenColumn = "input_ids"
	DefaultEOSToken    = int32(50256) // gpt2 <|endoftext|>
)

// ManifestFileName and ChunksDirName define the on-disk layout of one
// split-cache: {cacheDir}/{split}/manifest and {cacheDir}/{split}/chunks/.
const (
	ManifestFileName = "manifest"
	ChunksDirName    = "chunks"
)

func getHomeDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current working directory if home directory is unavailable
		cwd, cwdErr := os.Getwd()
		if cwdErr != nil {
			// Last resort - use tmp directory
			log.Printf("Unable to get home or working directory, using /tmp: %v", err)
			return "/tmp"
		}
		log.Printf("Unable to get home directory, using current working directory: %v", err)
		return cwd
	}
	return homeDir
}

// GetLogger returns a properly configured zerolog logger instance
func GetLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
