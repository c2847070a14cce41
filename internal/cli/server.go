package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"quiz-sync-service/internal/app"
	"quiz-sync-service/internal/config"
	natsinfra "quiz-sync-service/internal/infra/nats"
	"quiz-sync-service/internal/metrics"
	transport "quiz-sync-service/internal/transport/http"

	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := setupLogging(cfg.Log.Level)
	metrics.Init()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	deps, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer deps.Close()

	opts := app.Options{
		Store:   deps.store,
		Quizzes: deps.quizzes,
		Clock:   clockwork.NewRealClock(),
		Rules:   scoringRules(cfg),
		Engine:  engineConfig(cfg),
		Log:     log,
	}
	var results transport.ResultsReader
	if deps.archiver != nil {
		opts.Archiver = deps.archiver
		results = deps.archiver
	}
	if cfg.NATS.URL != "" {
		conn, err := natsinfra.Connect(cfg.NATS.URL, log)
		if err != nil {
			return err
		}
		defer conn.Close()
		opts.Validator = natsinfra.NewValidator(conn, cfg.NATS.Subject, config.TTLDuration(cfg.NATS.Timeout, 2*time.Second))
		log.Info().Str("url", cfg.NATS.URL).Msg("trusted scoring enabled")
	}

	service := app.NewGameService(opts)
	wsHandler := transport.NewWSHandler(service, transport.WSConfig{
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		CommandsPerSecond: cfg.Server.CommandsPerSecond,
		CommandBurst:      cfg.Server.CommandBurst,
	}, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/ws", wsHandler.ServeWS)
	transport.NewSessionHandler(service, results, log).Register(mux)

	origins := cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedOrigins: origins,
		AllowedHeaders: []string{"*"},
	})

	server := &http.Server{
		Addr:              ":" + finalPort,
		Handler:           c.Handler(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("starting quiz gateway")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		service.Close(shutdownCtx)
		return err
	})
	return g.Wait()
}
