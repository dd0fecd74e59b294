// Copyright 2026 © The Koder Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads koder settings from defaults, an optional YAML file
// and KODER_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KODER_"

type Config struct {
	Log         LogConfig         `koanf:"log"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	LLM         LLMConfig         `koanf:"llm"`
	Agent       AgentConfig       `koanf:"agent"`
	Permissions PermissionsConfig `koanf:"permissions"`
	MCP         MCPConfig         `koanf:"mcp"`
	Agents      []AgentDefinition `koanf:"agents"`
	AgentsDir   []string          `koanf:"agents_dir"`
	History     HistoryConfig     `koanf:"history"`
	Governance  GovernanceConfig  `koanf:"governance"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Exporter           string `koanf:"exporter"` // none, console (stderr), otlp
	OTLPEndpoint       string `koanf:"otlp_endpoint"`
	OTLPInsecure       bool   `koanf:"otlp_insecure"`
	OTLPTimeoutSeconds int    `koanf:"otlp_timeout_seconds"`
}

type LLMConfig struct {
	Provider string `koanf:"provider"` // ollama, mock
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`
	// MaxAttempts bounds model calls retried after transient failures.
	MaxAttempts int `koanf:"max_attempts"`
}

// AgentConfig tunes the orchestrator loop.
type AgentConfig struct {
	MaxIterations   int  `koanf:"max_iterations"`
	ToolConcurrency int  `koanf:"tool_concurrency"`
	SafeMode        bool `koanf:"safe_mode"`
}

type PermissionsConfig struct {
	Store        string   `koanf:"store"` // memory, sqlite
	SQLitePath   string   `koanf:"sqlite_path"`
	ShellTools   []string `koanf:"shell_tools"`
	SafeCommands []string `koanf:"safe_commands"`
}

type MCPConfig struct {
	Servers map[string]MCPServerConfig `koanf:"servers"`
	// HealthCheckSeconds enables the connection health loop when positive.
	HealthCheckSeconds int `koanf:"health_check_seconds"`
	ConnectAttempts    int `koanf:"connect_attempts"`
	// BreakerThreshold consecutive connection failures stop reconnecting to a
	// server for BreakerCooldownSeconds. Zero disables the breaker.
	BreakerThreshold       int `koanf:"breaker_threshold"`
	BreakerCooldownSeconds int `koanf:"breaker_cooldown_seconds"`
}

// MCPServerConfig describes one remote tool server.
type MCPServerConfig struct {
	Transport             string            `koanf:"transport"` // stdio, http (alias sse)
	Command               string            `koanf:"command"`
	Args                  []string          `koanf:"args"`
	Env                   map[string]string `koanf:"env"`
	URL                   string            `koanf:"url"`
	Endpoint              string            `koanf:"endpoint"`
	Headers               map[string]string `koanf:"headers"`
	RequestTimeoutSeconds int               `koanf:"request_timeout_seconds"`
	SkipInitialize        bool              `koanf:"skip_initialize"`
	Disabled              bool              `koanf:"disabled"`
}

// AgentDefinition declares a custom agent inline in the config file.
type AgentDefinition struct {
	Name         string   `koanf:"name"`
	Description  string   `koanf:"description"`
	Tools        []string `koanf:"tools"`
	ModelName    string   `koanf:"model_name"`
	SystemPrompt string   `koanf:"system_prompt"`
	Color        string   `koanf:"color"`
}

type HistoryConfig struct {
	MaxMessages int    `koanf:"max_messages"`
	Store       string `koanf:"store"` // memory, sqlite
	SQLitePath  string `koanf:"sqlite_path"`
}

// GovernanceConfig holds policy rules evaluated on every dispatch.
type GovernanceConfig struct {
	Policies []PolicyRuleConfig `koanf:"policies"`
}

// PolicyRuleConfig is one governance rule. Server restricts it to remote
// capabilities of matching servers; Command to shell calls starting with
// those words.
type PolicyRuleConfig struct {
	ID      string `koanf:"id"`
	Effect  string `koanf:"effect"` // allow, deny, pending
	Type    string `koanf:"type"`   // tool, agent, mcp
	Name    string `koanf:"name"`
	Server  string `koanf:"server"`
	Command string `koanf:"command"`
	Reason  string `koanf:"reason"`
}

// topLevelKeys are config keys whose env names must not be split.
var topLevelKeys = map[string]bool{
	"agents_dir": true,
}

func defaults(k *koanf.Koanf) {
	k.Set("log.level", "info")
	k.Set("log.format", "text")
	k.Set("telemetry.exporter", "none")

	k.Set("llm.provider", "ollama")
	k.Set("llm.model", "qwen2.5-coder:7b-instruct-q5_K_M")
	k.Set("llm.base_url", "http://localhost:11434")
	k.Set("llm.max_attempts", 3)

	k.Set("agent.max_iterations", 20)
	k.Set("agent.tool_concurrency", 8)
	k.Set("agent.safe_mode", true)

	k.Set("permissions.store", "memory")
	k.Set("permissions.sqlite_path", "koder.db")
	k.Set("permissions.shell_tools", []string{"Bash"})

	k.Set("mcp.connect_attempts", 2)
	k.Set("mcp.breaker_threshold", 3)
	k.Set("mcp.breaker_cooldown_seconds", 30)

	k.Set("history.max_messages", 200)
	k.Set("history.store", "memory")
	k.Set("history.sqlite_path", "koder.db")
}

// EnvKey maps an environment variable to a config key. The first underscore
// after the prefix separates the section from the key.
func EnvKey(name string) string {
	key := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	if topLevelKeys[key] {
		return key
	}
	return strings.Replace(key, "_", ".", 1)
}

// Load reads defaults, then the YAML file at path (when set), then the
// environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	defaults(k)

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", EnvKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be positive, got %d", c.Agent.MaxIterations)
	}
	for name, server := range c.MCP.Servers {
		switch strings.ToLower(server.Transport) {
		case "", "stdio":
			if server.Command == "" && !server.Disabled {
				return fmt.Errorf("mcp server %q: command is required for stdio", name)
			}
		case "http", "sse":
			if server.URL == "" && !server.Disabled {
				return fmt.Errorf("mcp server %q: url is required for %s", name, server.Transport)
			}
		default:
			return fmt.Errorf("mcp server %q: unknown transport %q", name, server.Transport)
		}
	}
	return nil
}
