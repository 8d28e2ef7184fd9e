// Package config loads the control plane configuration from an optional YAML
// file merged with environment overrides. Unknown YAML keys are ignored so
// operators can share one file across service versions.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every recognized option for the control plane. Zero values are
// replaced with defaults by Load.
type Config struct {
	// HTTPAddr is the listen address for the tenant-facing API.
	HTTPAddr string `yaml:"http_addr"`

	// Temporal connection settings.
	TemporalHostPort  string `yaml:"temporal_host_port"`
	TemporalNamespace string `yaml:"temporal_namespace"`
	TaskQueue         string `yaml:"task_queue"`

	// GatewayURL is the base URL of the shared agent gateway.
	GatewayURL string `yaml:"gateway_url"`
	// GatewayTimeout bounds a single agent invocation at the HTTP level.
	GatewayTimeout time.Duration `yaml:"gateway_timeout"`

	// MongoURI and MongoDatabase locate the task store.
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`

	// RedisAddr and RedisPassword locate the real-time publisher backend.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`

	// AgentNamespace is the Kubernetes namespace holding agent routes and
	// policies.
	AgentNamespace string `yaml:"agent_namespace"`
	// GatewayName and GatewayNamespace identify the parent gateway routes
	// attach to.
	GatewayName      string `yaml:"gateway_name"`
	GatewayNamespace string `yaml:"gateway_namespace"`

	// AnthropicAPIKey authenticates the delegation decision model.
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	// DecisionModel overrides the default Claude model identifier.
	DecisionModel string `yaml:"decision_model"`
	// OpenAIAPIKey authenticates the memory embedding service.
	OpenAIAPIKey string `yaml:"openai_api_key"`

	// Delegation limits.
	MaxDelegationDepth            int `yaml:"max_delegation_depth"`
	MaxEscalationAttempts         int `yaml:"max_escalation_attempts"`
	MaxCustomerDelegationsPerHour int `yaml:"max_customer_delegations_per_hour"`
	MaxAgentDelegationsPerHour    int `yaml:"max_agent_delegations_per_hour"`

	// BootstrapAgent is the agent type routing falls back to when no better
	// candidate exists.
	BootstrapAgent string `yaml:"bootstrap_agent"`
}

// Defaults returns the configuration used when no file and no environment
// overrides are present.
func Defaults() Config {
	return Config{
		HTTPAddr:                      ":8000",
		TemporalHostPort:              "localhost:7233",
		TemporalNamespace:             "default",
		TaskQueue:                     "ve-task-queue",
		GatewayURL:                    "http://agent-gateway.kgateway-system.svc.cluster.local:8080",
		GatewayTimeout:                60 * time.Second,
		MongoURI:                      "mongodb://localhost:27017",
		MongoDatabase:                 "veplatform",
		RedisAddr:                     "localhost:6379",
		AgentNamespace:                "kagent",
		GatewayName:                   "agent-gateway",
		GatewayNamespace:              "kgateway-system",
		DecisionModel:                 "claude-sonnet-4-5",
		MaxDelegationDepth:            5,
		MaxEscalationAttempts:         3,
		MaxCustomerDelegationsPerHour: 100,
		MaxAgentDelegationsPerHour:    50,
		BootstrapAgent:                "devops-manager",
	}
}

// Load reads the YAML file at path (when non-empty), applies environment
// overrides, and fills remaining zero values with defaults.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.HTTPAddr, "HTTP_ADDR")
	setString(&cfg.TemporalHostPort, "TEMPORAL_HOST_PORT")
	setString(&cfg.TemporalNamespace, "TEMPORAL_NAMESPACE")
	setString(&cfg.TaskQueue, "TASK_QUEUE")
	setString(&cfg.GatewayURL, "AGENT_GATEWAY_URL")
	setDuration(&cfg.GatewayTimeout, "AGENT_GATEWAY_TIMEOUT")
	setString(&cfg.MongoURI, "MONGO_URI")
	setString(&cfg.MongoDatabase, "MONGO_DATABASE")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.AgentNamespace, "AGENT_NAMESPACE")
	setString(&cfg.GatewayName, "GATEWAY_NAME")
	setString(&cfg.GatewayNamespace, "GATEWAY_NAMESPACE")
	setString(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	setString(&cfg.DecisionModel, "DECISION_MODEL")
	setString(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	setInt(&cfg.MaxDelegationDepth, "MAX_DELEGATION_DEPTH")
	setInt(&cfg.MaxEscalationAttempts, "MAX_ESCALATION_ATTEMPTS")
	setInt(&cfg.MaxCustomerDelegationsPerHour, "MAX_CUSTOMER_DELEGATIONS_PER_HOUR")
	setInt(&cfg.MaxAgentDelegationsPerHour, "MAX_AGENT_DELEGATIONS_PER_HOUR")
	setString(&cfg.BootstrapAgent, "BOOTSTRAP_AGENT")
}

func applyDefaults(cfg *Config) {
	def := Defaults()
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = def.HTTPAddr
	}
	if cfg.TemporalHostPort == "" {
		cfg.TemporalHostPort = def.TemporalHostPort
	}
	if cfg.TemporalNamespace == "" {
		cfg.TemporalNamespace = def.TemporalNamespace
	}
	if cfg.TaskQueue == "" {
		cfg.TaskQueue = def.TaskQueue
	}
	if cfg.GatewayURL == "" {
		cfg.GatewayURL = def.GatewayURL
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = def.GatewayTimeout
	}
	if cfg.MongoURI == "" {
		cfg.MongoURI = def.MongoURI
	}
	if cfg.MongoDatabase == "" {
		cfg.MongoDatabase = def.MongoDatabase
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = def.RedisAddr
	}
	if cfg.AgentNamespace == "" {
		cfg.AgentNamespace = def.AgentNamespace
	}
	if cfg.GatewayName == "" {
		cfg.GatewayName = def.GatewayName
	}
	if cfg.GatewayNamespace == "" {
		cfg.GatewayNamespace = def.GatewayNamespace
	}
	if cfg.DecisionModel == "" {
		cfg.DecisionModel = def.DecisionModel
	}
	if cfg.MaxDelegationDepth <= 0 {
		cfg.MaxDelegationDepth = def.MaxDelegationDepth
	}
	if cfg.MaxEscalationAttempts <= 0 {
		cfg.MaxEscalationAttempts = def.MaxEscalationAttempts
	}
	if cfg.MaxCustomerDelegationsPerHour <= 0 {
		cfg.MaxCustomerDelegationsPerHour = def.MaxCustomerDelegationsPerHour
	}
	if cfg.MaxAgentDelegationsPerHour <= 0 {
		cfg.MaxAgentDelegationsPerHour = def.MaxAgentDelegationsPerHour
	}
	if cfg.BootstrapAgent == "" {
		cfg.BootstrapAgent = def.BootstrapAgent
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
