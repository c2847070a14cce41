package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"quiz-sync-service/internal/app"
	"quiz-sync-service/internal/config"
	natsinfra "quiz-sync-service/internal/infra/nats"

	"github.com/spf13/cobra"
)

// NewValidatorCmd runs the trusted scoring responder.
func NewValidatorCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validator",
		Short: "Serve trusted answer scoring over NATS",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidator(cmd.Context(), *configPath)
		},
	}
}

func runValidator(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := setupLogging(cfg.Log.Level)
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("validator needs redis.addr to read session state")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer deps.Close()

	conn, err := natsinfra.Connect(natsURL(cfg), log)
	if err != nil {
		return err
	}
	defer conn.Close()

	responder := natsinfra.NewResponder(app.NewRepository(deps.store), deps.quizzes, scoringRules(cfg), log)
	queue := cfg.NATS.Queue
	if queue == "" {
		queue = "quiz-validators"
	}
	err = responder.Serve(ctx, conn, cfg.NATS.Subject, queue)
	log.Info().Dur("uptime", time.Since(deps.started)).Msg("validator stopped")
	return err
}
