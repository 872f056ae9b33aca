// Package config defines modsentry's runtime configuration tree.
package config

import "sync"

// Config is the root configuration for a modsentry process. It is shared
// between the controller and worker subcommands; fields irrelevant to a
// given role are simply unused by that role.
type Config struct {
	mu sync.RWMutex

	TaskPool   TaskPoolConfig   `json:"task_pool"`
	Retry      RetryConfig      `json:"retry"`
	Similarity SimilarityConfig `json:"similarity"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	Controller ControllerConfig `json:"controller"`
	LLM        LLMConfig        `json:"llm"`
	Bus        BusConfig        `json:"bus"`
	Database   DatabaseConfig   `json:"database"`
	Discord    DiscordConfig    `json:"discord"`
	Log        LogConfig        `json:"log"`
}

// TaskPoolConfig bounds per-worker evaluation concurrency (C1).
type TaskPoolConfig struct {
	MaxConcurrent int `json:"max_concurrent"`
}

// RetryConfig governs the exponential backoff wrapper used around each
// message's pipeline evaluation (C9); MaxAttempts is also the prompt
// validator's attempt budget.
type RetryConfig struct {
	MaxAttempts int `json:"max_attempts"`
	BaseDelayMS int `json:"base_delay_ms"`
}

// SimilarityConfig tunes the message-cache lookup performed before invoking
// the LLM for a fresh evaluation.
type SimilarityConfig struct {
	Threshold  float64 `json:"threshold"`
	MaxResults int     `json:"max_results"`
}

// EmbeddingConfig configures the text embedding encoder (C3).
type EmbeddingConfig struct {
	Dimensions int `json:"dimensions"`
}

// ControllerConfig governs deployment lifecycle management (C8).
type ControllerConfig struct {
	ShutdownGraceMS int `json:"shutdown_grace_ms"`
}

// LLMConfig describes the single moderation LLM endpoint (C2). APIKey is
// never read from the JSON file; it is populated from the environment only.
type LLMConfig struct {
	BaseURL   string `json:"base_url"`
	Model     string `json:"model"`
	APIKey    string `json:"-"`
	TimeoutMS int    `json:"timeout_ms"`
}

// BusConfig describes the durable event bus (C8 input, Redis Streams).
type BusConfig struct {
	Addr            string `json:"addr"`
	DeploymentGroup string `json:"deployment_group"`
	DeploymentTopic string `json:"deployment_topic"`
}

// DatabaseConfig describes the relational store. PostgresDSN is secret and
// is sourced from the environment only, never persisted to the config file.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
}

// DiscordConfig holds the Discord platform effector's bot token. Token is
// secret and sourced from the environment only.
type DiscordConfig struct {
	Token string `json:"-"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level string `json:"level"`
}

// ApplyEnvOverrides re-applies environment variable overrides onto the
// config. Call this after modifying config to restore runtime secrets.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// Snapshot returns a shallow copy of the config under the read lock, safe to
// read concurrently with ReplaceFrom.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := *c
	cp.mu = sync.RWMutex{}
	return cp
}

// ReplaceFrom atomically replaces c's field values with other's, preserving
// c's own mutex. Used for hot-reload.
func (c *Config) ReplaceFrom(other *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	other.mu.RLock()
	defer other.mu.RUnlock()
	c.TaskPool = other.TaskPool
	c.Retry = other.Retry
	c.Similarity = other.Similarity
	c.Embedding = other.Embedding
	c.Controller = other.Controller
	c.LLM = other.LLM
	c.Bus = other.Bus
	c.Database = other.Database
	c.Discord = other.Discord
	c.Log = other.Log
}
