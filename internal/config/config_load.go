package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		TaskPool: TaskPoolConfig{
			MaxConcurrent: 8,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelayMS: 500,
		},
		Similarity: SimilarityConfig{
			Threshold:  0.92,
			MaxResults: 5,
		},
		Embedding: EmbeddingConfig{
			Dimensions: 1024,
		},
		Controller: ControllerConfig{
			ShutdownGraceMS: 10000,
		},
		LLM: LLMConfig{
			BaseURL:   "https://api.openai.com/v1",
			Model:     "gpt-4o-mini",
			TimeoutMS: 30000,
		},
		Bus: BusConfig{
			Addr:            "localhost:6379",
			DeploymentGroup: "modsentry-controller",
			DeploymentTopic: "deployments.lifecycle",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values and are the only source for secrets.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("MODSENTRY_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("MODSENTRY_DISCORD_TOKEN", &c.Discord.Token)
	envStr("MODSENTRY_LLM_API_KEY", &c.LLM.APIKey)
	envStr("MODSENTRY_LLM_BASE_URL", &c.LLM.BaseURL)
	envStr("MODSENTRY_LLM_MODEL", &c.LLM.Model)
	envStr("MODSENTRY_BUS_ADDR", &c.Bus.Addr)
	envStr("MODSENTRY_LOG_LEVEL", &c.Log.Level)

	if v := os.Getenv("MODSENTRY_TASKPOOL_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.TaskPool.MaxConcurrent = n
		}
	}
	if v := os.Getenv("MODSENTRY_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("MODSENTRY_SIMILARITY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Similarity.Threshold = f
		}
	}
}
