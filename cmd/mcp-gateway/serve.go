package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ggoodman/mcp-context-gateway/admin"
	"github.com/ggoodman/mcp-context-gateway/auth"
	"github.com/ggoodman/mcp-context-gateway/internal/config"
	"github.com/ggoodman/mcp-context-gateway/internal/engine"
	"github.com/ggoodman/mcp-context-gateway/internal/wellknown"
	"github.com/ggoodman/mcp-context-gateway/mcp"
	"github.com/ggoodman/mcp-context-gateway/policy"
	"github.com/ggoodman/mcp-context-gateway/resources"
	"github.com/ggoodman/mcp-context-gateway/sessions"
	"github.com/ggoodman/mcp-context-gateway/ssehttp"
	"github.com/ggoodman/mcp-context-gateway/tools"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long: `Run the gateway HTTP server.

Agents open GET {PUBLIC_BASE_PATH}/sse with x-workspace-id and x-mcp-key and
post JSON-RPC messages to the endpoint announced on the stream. When an admin
token verifier is configured the admin API is served under /admin.

SIGINT or SIGTERM closes every session and then stops the server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg, log := a.cfg, a.log

	st, err := a.openStorage(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	policies := policy.NewStore(st, policy.WithLogger(log))
	repo := resources.NewRepository(st)

	if cfg.SeedFile != "" {
		seed, err := config.LoadSeed(cfg.SeedFile)
		if err != nil {
			return err
		}
		res, err := config.ApplySeed(ctx, seed, policies, repo)
		if err != nil {
			return err
		}
		log.InfoContext(ctx, "seed.apply.ok", slog.Int("workspaces", res.Workspaces), slog.Int("resources", res.Resources), slog.Int("keys_issued", len(res.Keys)))
		printIssuedKeys(os.Stdout, res.Keys)
	}

	registry := tools.New(resources.NewAggregator(repo), repo,
		tools.WithLogger(log),
		tools.WithStorageTimeout(cfg.StorageTimeout),
	)
	eng := engine.New(registry,
		engine.WithLogger(log),
		engine.WithServerInfo(mcp.ImplementationInfo{Name: "mcp-context-gateway", Version: version}),
	)
	mgr := sessions.NewManager(eng,
		sessions.WithLogger(log),
		sessions.WithMaxSessions(cfg.MaxSessions),
		sessions.WithMaxSessionsPerWorkspace(cfg.MaxSessionsPerWorkspace),
		sessions.WithQueueSize(cfg.SessionQueueSize),
	)
	gateway := ssehttp.New(auth.NewAuthenticator(policies, auth.WithLogger(log)), mgr,
		ssehttp.WithLogger(log),
		ssehttp.WithBasePath(cfg.BasePath),
		ssehttp.WithKeepaliveInterval(cfg.KeepaliveInterval),
		ssehttp.WithRealm("mcp-gateway"),
	)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/healthz"))
	r.Handle(cfg.BasePath+"/sse", gateway)
	r.Handle(cfg.BasePath+"/message", gateway)

	if cfg.AdminEnabled() {
		verifier, err := newAdminVerifier(ctx, cfg)
		if err != nil {
			return err
		}
		adminOpts := []admin.Option{
			admin.WithLogger(log),
			admin.WithSessionStats(mgr),
			admin.WithRequestTimeout(cfg.StorageTimeout),
		}
		if cfg.PublicURL != "" {
			md := wellknown.AdminResource(strings.TrimRight(cfg.PublicURL, "/")+"/admin", cfg.AdminOIDCIssuer, cfg.AdminJWKSURL)
			adminOpts = append(adminOpts, admin.WithResourceMetadata(md, cfg.PublicURL))
		}
		adminHandler := admin.New(verifier, policies, adminOpts...)
		r.Handle("/admin/*", adminHandler)
		r.Handle(admin.MetadataPath, adminHandler)
	} else {
		log.InfoContext(ctx, "admin.disabled")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.InfoContext(gctx, "http.listen", slog.String("addr", cfg.Addr), slog.String("storage", cfg.StorageBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if cfg.SeedWatch {
		g.Go(func() error {
			return config.WatchSeed(gctx, cfg.SeedFile, log, func(ctx context.Context, s *config.Seed) error {
				res, err := config.ApplySeed(ctx, s, policies, repo)
				printIssuedKeys(os.Stdout, res.Keys)
				return err
			})
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("gateway.shutdown.start", slog.Int("open_sessions", mgr.Len()))

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := mgr.Shutdown(sctx); err != nil {
			log.Warn("sessions.shutdown.timeout", slog.String("err", err.Error()))
		}
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		log.Info("gateway.shutdown.ok")
		return nil
	})

	return g.Wait()
}

func newAdminVerifier(ctx context.Context, cfg *config.Config) (auth.TokenVerifier, error) {
	tc := auth.TokenConfig{Issuer: cfg.AdminOIDCIssuer}
	if cfg.AdminAudience != "" {
		tc.ExpectedAudiences = []string{cfg.AdminAudience}
	}
	switch {
	case cfg.AdminJWTSecret != "":
		return auth.NewHMACVerifier([]byte(cfg.AdminJWTSecret), tc)
	case cfg.AdminJWKSURL != "":
		return auth.NewJWKSVerifier(ctx, cfg.AdminJWKSURL, tc)
	default:
		return auth.NewOIDCVerifier(ctx, cfg.AdminOIDCIssuer, cfg.AdminAudience)
	}
}
