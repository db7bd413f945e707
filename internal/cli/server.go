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

	"lime-game-service/internal/config"
	"lime-game-service/internal/game"
	"lime-game-service/internal/grading"
	pgmirror "lime-game-service/internal/infra/postgres"
	"lime-game-service/internal/store"
	memorystore "lime-game-service/internal/store/memory"
	redisstore "lime-game-service/internal/store/redis"
	transport "lime-game-service/internal/transport/http"
)

// NewServeCmd builds the CLI subcommand to start the server.
func NewServeCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the game server",
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

	var gameStore store.Store = memorystore.New()
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		gameStore = redisstore.New(client)
		log.Printf("using redis store at %s", cfg.Redis.Addr)
	} else {
		log.Printf("no redis configured, using in-process store")
	}

	service := game.NewService(gameStore)
	service.SetQuestionSetTTL(config.TTLDuration(cfg.Sets.CacheTTL, 30*time.Second))

	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		service.SetArchiveMirror(pgmirror.NewArchiveMirror(pool))
	}

	grader := grading.New(cfg.Grader.APIKey, cfg.Grader.APIURL, cfg.Grader.Model)
	if !grader.IsAvailable() {
		log.Printf("grader credential missing, submissions will score 0")
	}

	wsHandler := transport.NewWSHandler(service, grader, gameStore, cfg.Teacher.Passphrase)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws/play", wsHandler.ServePlay)
	mux.HandleFunc("/ws/host", wsHandler.ServeHost)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("starting game server on :%s", finalPort)
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
