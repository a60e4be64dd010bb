// Command mcp-gateway runs the MCP context gateway and manages its workspace
// policies and access keys.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/ggoodman/mcp-context-gateway/internal/config"
	"github.com/ggoodman/mcp-context-gateway/internal/logctx"
	"github.com/ggoodman/mcp-context-gateway/storage"
	"github.com/ggoodman/mcp-context-gateway/storage/memory"
	redisstore "github.com/ggoodman/mcp-context-gateway/storage/redis"
	"github.com/ggoodman/mcp-context-gateway/storage/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries what every subcommand needs once the environment is loaded.
type app struct {
	envFile string
	cfg     *config.Config
	log     *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "mcp-gateway",
		Short:         "Policy-governed MCP gateway exposing workspace context to AI agents",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var files []string
			if a.envFile != "" {
				files = append(files, a.envFile)
			}
			cfg, err := config.Load(files...)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log, err = newLogger(cfg, cmd.ErrOrStderr())
			return err
		},
	}
	root.PersistentFlags().StringVar(&a.envFile, "env-file", "", "dotenv file to load before reading the environment")

	root.AddCommand(
		newServeCmd(a),
		newPolicyCmd(a),
		newKeysCmd(a),
		newSeedCmd(a),
	)
	return root
}

// newLogger builds the process logger: charmbracelet/log text output or
// slog JSON, wrapped so request and session attributes ride along from
// context.
func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}

	var h slog.Handler
	switch cfg.LogFormat {
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		l := charmlog.NewWithOptions(w, charmlog.Options{
			ReportTimestamp: true,
			TimeFormat:      time.RFC3339,
			Prefix:          "mcp-gateway",
		})
		l.SetLevel(charmlog.Level(level))
		h = l
	}
	return slog.New(logctx.Handler{Handler: h}), nil
}

// openStorage connects the configured backend.
func (a *app) openStorage(ctx context.Context) (storage.Storage, error) {
	switch a.cfg.StorageBackend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr, DB: a.cfg.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping %s: %w", a.cfg.RedisAddr, err)
		}
		return redisstore.New(redisstore.Config{Client: client, KeyPrefix: a.cfg.RedisKeyPrefix})
	case config.BackendSQLite:
		st, err := sqlite.New(a.cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", a.cfg.SQLitePath, err)
		}
		return st, nil
	default:
		return memory.New(), nil
	}
}

var errEphemeralStorage = errors.New("management commands need a persistent STORAGE_BACKEND (redis or sqlite)")

// openPersistentStorage is openStorage for commands whose writes must outlive
// the process.
func (a *app) openPersistentStorage(ctx context.Context) (storage.Storage, error) {
	if a.cfg.StorageBackend == config.BackendMemory {
		return nil, errEphemeralStorage
	}
	return a.openStorage(ctx)
}
