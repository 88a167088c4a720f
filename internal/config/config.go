package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/opensandbox/webterm/internal/secrets"
	"github.com/opensandbox/webterm/internal/storage"
)

// Config holds all configuration for the webterm server.
type Config struct {
	Port int

	// Workspace provisioning
	Storage         string // "s3", "azure" or "none"
	WorkspaceRoot   string // local directory workspaces are written under
	WorkspacePrefix string // object key prefix, e.g. "workspaces/"

	// S3-compatible object storage
	S3Endpoint        string // e.g. "https://<account>.r2.cloudflarestorage.com"
	S3Bucket          string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3ForcePathStyle  bool // true for R2/MinIO

	// Azure Blob storage
	AzureAccountURL  string // e.g. "https://<account>.blob.core.windows.net/"
	AzureContainer   string
	AzureAccountName string
	AzureAccountKey  string // empty = default Azure credential chain

	// Shell
	Shell       string // command line; empty = platform default
	ShellUser   string
	ShellHome   string
	ShellPrompt string

	// Sessions
	QueueSize   int           // per-queue capacity
	IdleTimeout time.Duration // 0 = no idle timeout
	TraceFrames bool          // log keystroke previews

	// NATS event publishing (optional)
	NATSURL string

	// Secret store reference. See secrets.ParseRef.
	// Keys in the secret are env var names; env vars take precedence.
	SecretsRef string
}

// DefaultPrompt is used for PS1 when WEBTERM_SHELL_PROMPT is unset.
const DefaultPrompt = `\[\e[32m\]synthi@synthi-cloud\[\e[0m\]:\[\e[34m\]\w\[\e[0m\]\$ `

// env resolves a key from the process environment first, then from a
// loaded secret.
type env struct {
	secrets map[string]string
}

func (e env) get(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return e.secrets[key]
}

func (e env) orDefault(key, fallback string) string {
	if v := e.get(key); v != "" {
		return v
	}
	return fallback
}

func (e env) orDefaultInt(key string, fallback int) int {
	if v := e.get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func (e env) bool(key string) bool {
	b, _ := strconv.ParseBool(e.get(key))
	return b
}

// Load reads configuration from environment variables with sensible defaults.
// If WEBTERM_SECRETS_REF is set, the referenced secret is fetched first and
// consulted for any variable that is not set in the environment.
func Load() (*Config, error) {
	e := env{}
	ref := os.Getenv("WEBTERM_SECRETS_REF")
	if ref != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		values, err := secrets.Load(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("failed to load secrets from %s: %w", ref, err)
		}
		e.secrets = values
		log.Printf("config: loaded %d keys from secret store", len(values))
	}
	return load(e, ref)
}

func load(e env, ref string) (*Config, error) {
	cfg := &Config{
		Port: 8080,

		Storage:         e.orDefault("WEBTERM_STORAGE", "s3"),
		WorkspaceRoot:   e.orDefault("WEBTERM_WORKSPACE_ROOT", "/synthi"),
		WorkspacePrefix: e.orDefault("WEBTERM_WORKSPACE_PREFIX", "workspaces/"),

		S3Endpoint:        e.get("WEBTERM_S3_ENDPOINT"),
		S3Bucket:          e.get("WEBTERM_S3_BUCKET"),
		S3Region:          e.orDefault("WEBTERM_S3_REGION", "us-east-1"),
		S3AccessKeyID:     e.get("WEBTERM_S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: e.get("WEBTERM_S3_SECRET_ACCESS_KEY"),
		S3ForcePathStyle:  e.bool("WEBTERM_S3_FORCE_PATH_STYLE"),

		AzureAccountURL:  e.get("WEBTERM_AZURE_ACCOUNT_URL"),
		AzureContainer:   e.get("WEBTERM_AZURE_CONTAINER"),
		AzureAccountName: e.get("WEBTERM_AZURE_ACCOUNT_NAME"),
		AzureAccountKey:  e.get("WEBTERM_AZURE_ACCOUNT_KEY"),

		Shell:       e.get("WEBTERM_SHELL"),
		ShellUser:   e.orDefault("WEBTERM_SHELL_USER", "synthi"),
		ShellHome:   e.orDefault("WEBTERM_SHELL_HOME", "/home/synthi"),
		ShellPrompt: e.orDefault("WEBTERM_SHELL_PROMPT", DefaultPrompt),

		QueueSize:   e.orDefaultInt("WEBTERM_QUEUE_SIZE", 256),
		TraceFrames: e.bool("WEBTERM_TRACE_FRAMES"),

		NATSURL: e.get("WEBTERM_NATS_URL"),

		SecretsRef: ref,
	}

	if portStr := e.get("WEBTERM_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid WEBTERM_PORT %q: %w", portStr, err)
		}
		cfg.Port = port
	}

	if v := e.get("WEBTERM_IDLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid WEBTERM_IDLE_TIMEOUT %q: %w", v, err)
		}
		cfg.IdleTimeout = d
	}

	switch cfg.Storage {
	case "s3", "azure", "none":
	default:
		return nil, fmt.Errorf("invalid WEBTERM_STORAGE %q (want s3, azure or none)", cfg.Storage)
	}

	return cfg, nil
}

// S3 returns the S3 backend settings.
func (c *Config) S3() storage.S3Config {
	return storage.S3Config{
		Endpoint:        c.S3Endpoint,
		Bucket:          c.S3Bucket,
		Region:          c.S3Region,
		AccessKeyID:     c.S3AccessKeyID,
		SecretAccessKey: c.S3SecretAccessKey,
		ForcePathStyle:  c.S3ForcePathStyle,
	}
}

// Azure returns the Azure Blob backend settings.
func (c *Config) Azure() storage.AzureConfig {
	return storage.AzureConfig{
		AccountURL:  c.AzureAccountURL,
		Container:   c.AzureContainer,
		AccountName: c.AzureAccountName,
		AccountKey:  c.AzureAccountKey,
	}
}
