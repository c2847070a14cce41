package cli

import (
	"context"
	"time"

	"quiz-sync-service/internal/app"
	"quiz-sync-service/internal/config"
	"quiz-sync-service/internal/domain"
	"quiz-sync-service/internal/infra/memory"
	"quiz-sync-service/internal/infra/postgres"
	redisinfra "quiz-sync-service/internal/infra/redis"
	"quiz-sync-service/internal/realtime"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/uptrace/bun"
)

// backends are the storage collaborators shared by the gateway and the
// validator. Without Redis everything runs in process memory.
type backends struct {
	store    realtime.Store
	quizzes  app.QuizRepository
	archiver *postgres.ResultArchiver
	started  time.Time

	redis *redis.Client
	pool  *pgxpool.Pool
	db    *bun.DB
}

func openBackends(ctx context.Context, cfg config.Config, log zerolog.Logger) (*backends, error) {
	b := &backends{started: time.Now()}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg, log); err != nil {
			return nil, err
		}
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, err
		}
		b.pool = pool
		b.db = postgres.OpenBun(cfg.Postgres.URL)
		b.archiver = postgres.NewResultArchiver(b.db)
	}

	var loader memory.QuizLoader = memory.NewStaticQuizLoader(sampleQuizzes())
	if b.pool != nil {
		loader = postgres.NewQuizLoader(b.pool)
	}
	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)

	if cfg.Redis.Addr != "" {
		b.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := b.redis.Ping(ctx).Err(); err != nil {
			b.Close()
			return nil, err
		}
		sessionTTL := config.TTLDuration(cfg.Redis.TTL, 6*time.Hour)
		b.store = redisinfra.NewStore(b.redis, sessionTTL, log)
		b.quizzes = redisinfra.NewQuizRepository(b.redis, loader, quizTTL)
	} else {
		log.Warn().Msg("redis not configured, sessions live in process memory")
		b.store = memory.NewStore(clockwork.NewRealClock())
		b.quizzes = memory.NewQuizRepository(loader, quizTTL)
	}
	return b, nil
}

func (b *backends) Close() {
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.db != nil {
		_ = b.db.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}

func natsURL(cfg config.Config) string {
	if cfg.NATS.URL == "" {
		return nats.DefaultURL
	}
	return cfg.NATS.URL
}

func scoringRules(cfg config.Config) app.ScoringRules {
	def := app.DefaultScoringRules()
	return app.ScoringRules{
		BasePoints:    config.IntOr(cfg.Game.BasePoints, def.BasePoints),
		MaxSpeedBonus: config.IntOr(cfg.Game.MaxSpeedBonus, def.MaxSpeedBonus),
		MinSpeedBonus: config.IntOr(cfg.Game.MinSpeedBonus, def.MinSpeedBonus),
		GracePeriod:   config.TTLDuration(cfg.Game.GracePeriod, def.GracePeriod),
	}
}

func engineConfig(cfg config.Config) app.EngineConfig {
	def := app.DefaultEngineConfig()
	return app.EngineConfig{
		TickInterval:      config.TTLDuration(cfg.Game.TickInterval, def.TickInterval),
		ResultsPause:      config.TTLDuration(cfg.Game.ResultsPause, def.ResultsPause),
		AutoAdvance:       cfg.AutoAdvanceEnabled(),
		HostParticipates:  cfg.Game.HostParticipates,
		HeartbeatInterval: config.TTLDuration(cfg.Presence.HeartbeatInterval, def.HeartbeatInterval),
		StaleAfter:        config.TTLDuration(cfg.Presence.StaleAfter, def.StaleAfter),
	}
}

// sampleQuizzes is served when no Postgres is configured.
func sampleQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID:    "quiz-1",
			Title: "Warm-up",
			Questions: []domain.Question{
				{
					ID:     "q1",
					Prompt: "What is 2 + 2?",
					Options: []domain.Option{
						{ID: "o1", Text: "3"},
						{ID: "o2", Text: "4"},
						{ID: "o3", Text: "5"},
					},
					CorrectAnswer: 1,
				},
				{
					ID:     "q2",
					Prompt: "Which planet is closest to the sun?",
					Options: []domain.Option{
						{ID: "o1", Text: "Venus"},
						{ID: "o2", Text: "Earth"},
						{ID: "o3", Text: "Mercury"},
					},
					CorrectAnswer: 2,
				},
				{
					ID:     "q3",
					Prompt: "How many sides does a hexagon have?",
					Options: []domain.Option{
						{ID: "o1", Text: "6"},
						{ID: "o2", Text: "8"},
					},
					CorrectAnswer: 0,
					Points:        1500,
				},
			},
		},
	}
}
