// Package config provides the defaults of the cvlab command from environment variables,
// optionally loaded from a .env file.
package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	DBPath      string // Run history database; empty disables recording.
	OutDir      string
	Seed        int64
	ImageSize   int // Longer side images are resized to.
	JPEGQuality int
}

// Load reads the configuration from the environment. Variables from envFiles (or ".env" if none
// is given) are loaded first without overriding variables that are already set. Missing env
// files are ignored.
func Load(envFiles ...string) *Config {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			log.Printf("Failed to load %q: %v", f, err)
		}
	}

	return &Config{
		DBPath:      getEnv("CVLAB_DB", filepath.Join(".", "cvlab.db")),
		OutDir:      getEnv("CVLAB_OUT_DIR", filepath.Join(".", "out")),
		Seed:        getEnvAsInt64("CVLAB_SEED", 1),
		ImageSize:   getEnvAsInt("CVLAB_IMAGE_SIZE", 512),
		JPEGQuality: getEnvAsInt("CVLAB_JPEG_QUALITY", 92),
	}
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		log.Printf("Ignoring invalid %s=%q", key, value)
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
		log.Printf("Ignoring invalid %s=%q", key, value)
	}
	return defaultValue
}
