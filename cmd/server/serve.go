package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lsat-prep/assessment/internal/auth"
	"github.com/lsat-prep/assessment/internal/config"
	"github.com/lsat-prep/assessment/internal/database"
	"github.com/lsat-prep/assessment/internal/logger"
	"github.com/lsat-prep/assessment/internal/middleware"
	"github.com/lsat-prep/assessment/internal/ranking"
	"github.com/lsat-prep/assessment/internal/realtime"
	"github.com/lsat-prep/assessment/internal/session"
	"github.com/lsat-prep/assessment/internal/store"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

func openStore(cfg *config.Config, log *logger.Logger) (store.Store, error) {
	if cfg.Database.Memory {
		log.Warn("using in-memory store, data is lost on exit")
		return store.NewMemory(), nil
	}
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := database.Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store.NewPostgres(db), nil
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	st, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	hub := realtime.NewHub(log)
	var (
		pub realtime.Publisher = hub
		bus *realtime.RedisBus
	)
	if cfg.Redis.Addr != "" {
		bus, err = realtime.NewRedisBus(ctx, cfg.Redis.Addr, cfg.Redis.Channel, log)
		if err != nil {
			return err
		}
		defer bus.Close()
		pub = bus
	}

	engine := session.NewEngine(st, cfg.Engine, pub, log)
	tokens := auth.NewJWT(cfg.Auth.JWTSecret, 0)

	r := mux.NewRouter()
	r.Use(middleware.RequestLog(log))
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.Auth(tokens))
	session.NewHandler(engine, log).Register(api)
	ranking.NewHandler(ranking.NewService(st, log), st).Register(api)
	api.HandleFunc("/events", hub.Events).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           c.Handler(r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if bus != nil {
		g.Go(func() error {
			return bus.Forward(gctx, hub.Broadcast)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
