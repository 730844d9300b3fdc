package app

import (
	"github.com/engramhq/engram-backend/internal/platform/envutil"
	"github.com/engramhq/engram-backend/internal/services"
)

type Config struct {
	ServerAddr string
	// CORS origins the router allows.
	AllowOrigins []string
	// MaxPrimaryFailures is the warning threshold of the resilient
	// embedding/rerank wrappers.
	MaxPrimaryFailures int
	// RerankProvider selects the wire shape: "openai" or "qwen".
	RerankProvider string
	Profile        services.ProfileConfig
}

func LoadConfig() Config {
	return Config{
		ServerAddr:         envutil.Str("SERVER_ADDR", ":8080"),
		AllowOrigins:       []string{envutil.Str("CORS_ALLOW_ORIGIN", "http://localhost:3000")},
		MaxPrimaryFailures: envutil.Int("PROVIDER_MAX_PRIMARY_FAILURES", 5),
		RerankProvider:     envutil.Str("RERANK_PROVIDER", "openai"),
		Profile:            services.ProfileConfigFromEnv(),
	}
}
