package qdrant

import (
	"fmt"
	"strings"
	"time"

	"github.com/engramhq/engram-backend/internal/platform/envutil"
)

type Config struct {
	URL        string
	APIKey     string
	Collection string
	VectorDim  int
	Timeout    time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		URL:        envutil.Str("QDRANT_URL", "http://localhost:6333"),
		APIKey:     envutil.Str("QDRANT_API_KEY", ""),
		Collection: envutil.Str("QDRANT_COLLECTION", "engram_memories"),
		VectorDim:  envutil.Int("QDRANT_VECTOR_DIM", 1024),
		Timeout:    envutil.Seconds("QDRANT_TIMEOUT_SECONDS", 10*time.Second),
	}
}

func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.URL) == "" {
		return fmt.Errorf("qdrant url required")
	}
	if strings.TrimSpace(cfg.Collection) == "" {
		return fmt.Errorf("qdrant collection required")
	}
	if cfg.VectorDim <= 0 {
		return fmt.Errorf("qdrant vector dim must be positive, got %d", cfg.VectorDim)
	}
	return nil
}
