// Package chat parses chat command flags and composes transport entrypoints.
package chat

import (
	"context"
	"flag"
	"fmt"

	entrypoint "github.com/gatherhall/gatherhall/internal/platform/cmd"
	server "github.com/gatherhall/gatherhall/internal/services/chat/app"
)

// Config holds chat command configuration.
type Config struct {
	HTTPAddr                string `env:"GATHERHALL_CHAT_HTTP_ADDR"          envDefault:":8086"`
	StoragePath             string `env:"GATHERHALL_CHAT_STORAGE_PATH"       envDefault:"chat.db"`
	DirectoryBaseURL        string `env:"GATHERHALL_DIRECTORY_BASE_URL"      envDefault:"http://localhost:8084"`
	DirectoryResourceSecret string `env:"GATHERHALL_DIRECTORY_RESOURCE_SECRET"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "chat HTTP listen address")
	fs.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "message store sqlite path")
	fs.StringVar(&cfg.DirectoryBaseURL, "directory-base-url", cfg.DirectoryBaseURL, "directory service base URL")
	fs.StringVar(&cfg.DirectoryResourceSecret, "directory-resource-secret", cfg.DirectoryResourceSecret, "directory introspection resource secret")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the chat app and starts realtime transport behavior.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceChat, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:                cfg.HTTPAddr,
			StoragePath:             cfg.StoragePath,
			DirectoryBaseURL:        cfg.DirectoryBaseURL,
			DirectoryResourceSecret: cfg.DirectoryResourceSecret,
		}); err != nil {
			return fmt.Errorf("serve chat: %w", err)
		}
		return nil
	})
}
