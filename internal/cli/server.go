package cli

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"quiz-attempt-service/internal/app"
	"quiz-attempt-service/internal/config"
	"quiz-attempt-service/internal/domain"
	"quiz-attempt-service/internal/infra/memory"
	pgstore "quiz-attempt-service/internal/infra/postgres"
	redisinfra "quiz-attempt-service/internal/infra/redis"
	transport "quiz-attempt-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the attempt session coordinator",
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

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	redisTTL := config.TTLDuration(cfg.Redis.TTL, 10*time.Minute)
	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
	}

	fixtures := memory.NewStaticQuizLoader(sampleQuizzes())

	var loader memory.QuizLoader = fixtures
	if pool != nil {
		loader = pgstore.NewQuizLoader(pool)
	}
	quizRepo := memory.NewQuizRepository(loader, quizTTL)

	var keys app.AnswerKeyRepository = fixtures
	if pool != nil {
		pgLoader := pgstore.NewQuizLoader(pool)
		if redisClient != nil {
			keys = redisinfra.NewAnswerKeyCache(redisClient, pgLoader, quizTTL)
		} else {
			keys = answerKeyAdapter{pgLoader}
		}
	}

	var store app.AttemptStore
	if pool != nil {
		store = pgstore.NewAttemptStore(pool)
	} else {
		memStore := memory.NewAttemptStore()
		for _, assignment := range sampleAssignments() {
			memStore.SeedAssignment(assignment)
		}
		store = memStore
	}

	var observers app.BroadcastRegistry = memory.NewBroadcastRegistry()
	if redisClient != nil {
		observers = redisinfra.NewBroadcastRegistry(redisClient, redisTTL)
	}

	service := app.NewSessionService(store, quizRepo, keys, nil, app.NewTimerRegistry(), observers)
	wsHandler := transport.NewWSHandler(service, []byte(cfg.Auth.JWTSecret))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("starting attempt service on :%s", finalPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Println("shutting down server...")
	case <-ctx.Done():
		log.Println("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// answerKeyAdapter exposes the Postgres loader under the repository contract
// when no Redis cache sits in front of it.
type answerKeyAdapter struct {
	loader *pgstore.QuizLoader
}

func (a answerKeyAdapter) FetchAnswerKeys(ctx context.Context, questionIDs []string) (map[string][]string, error) {
	return a.loader.LoadAnswerKeys(ctx, questionIDs)
}

// sampleQuizzes provides minimal demo data for memory-only mode.
func sampleQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID:           "quiz-1",
			Title:        "Arithmetic warmup",
			TotalTimeSec: 300,
			Questions: []domain.Question{
				{
					ID:      "q1",
					Text:    "What is 2 + 2?",
					Type:    "single",
					Options: []string{"3", "4", "5"},
					Correct: []string{"4"},
				},
				{
					ID:      "q2",
					Text:    "Which of these are prime?",
					Type:    "multiple",
					Options: []string{"4", "5", "7", "9"},
					Correct: []string{"5", "7"},
				},
			},
		},
	}
}

func sampleAssignments() []domain.Assignment {
	return []domain.Assignment{
		{QuizID: "quiz-1", StudentID: "student-1", Status: domain.AssignmentAssigned, StudentName: "Demo Student"},
	}
}
