package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"lime-game-service/internal/domain"
	"lime-game-service/internal/game"
	"lime-game-service/internal/infra/postgres"
	pgmigrations "lime-game-service/internal/infra/postgres/migrations"
	redisstore "lime-game-service/internal/store/redis"
)

func TestGameLifecycleEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	runMigrations(t, ctx, pgURL)

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer redisClient.Close()

	st := redisstore.New(redisClient)
	mirror := postgres.NewArchiveMirror(pool)
	service := game.NewService(st)
	service.SetArchiveMirror(mirror)

	questions := []domain.Question{
		{Prompt: "How do you go to school?", Rubric: "1-5 points per grammatical sentence"},
		{Prompt: "What do you love?", Rubric: "1 point per sentence"},
	}
	if err := service.CreateSessionWithPIN(ctx, "4821", questions, 5); err != nil {
		t.Fatalf("create session: %v", err)
	}

	// a second service instance against the same store sees the session (the
	// whole point of replicating through redis)
	observer := game.NewService(redisstore.New(redisClient))
	snapshots, cancel, err := st.Watch(ctx, "sessions/4821")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer cancel()
	<-snapshots // initial snapshot

	if err := service.Join(ctx, "4821", "Mai"); err != nil {
		t.Fatalf("join mai: %v", err)
	}
	if err := service.Join(ctx, "4821", "Linh"); err != nil {
		t.Fatalf("join linh: %v", err)
	}

	graded := []domain.GradedLine{
		{Text: "I go to school by bike", Score: 5, Feedback: "Well done!"},
		{Text: "I goes to school", Score: 0, Feedback: "Subject-verb agreement."},
	}
	accepted, err := service.RecordAnswers(ctx, "4821", "Mai", 0, graded)
	if err != nil {
		t.Fatalf("record answers: %v", err)
	}
	if len(accepted) != 1 {
		t.Fatalf("expected only the score-5 line stored, got %+v", accepted)
	}

	session, err := observer.Session(ctx, "4821")
	if err != nil {
		t.Fatalf("observer session: %v", err)
	}
	if session.Students["Mai"].TotalScore != 5 {
		t.Fatalf("expected mai total 5, got %d", session.Students["Mai"].TotalScore)
	}
	lb := observer.Leaderboard(session)
	if len(lb.Entries) != 2 || lb.Entries[0].Name != "Mai" {
		t.Fatalf("expected mai leading, got %+v", lb.Entries)
	}

	// the watcher saw at least one change land
	waitForSnapshot(t, snapshots)

	if err := service.Advance(ctx, "4821"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	session, err = observer.Session(ctx, "4821")
	if err != nil {
		t.Fatalf("session after advance: %v", err)
	}
	if session.Current.Index != 1 {
		t.Fatalf("expected index 1, got %d", session.Current.Index)
	}

	key, err := service.Archive(ctx, "4821")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if _, err := observer.Session(ctx, "4821"); err != domain.ErrSessionNotFound {
		t.Fatalf("expected live session gone, got %v", err)
	}

	past, err := observer.PastGame(ctx, key)
	if err != nil {
		t.Fatalf("past game from redis: %v", err)
	}
	if past.PIN != "4821" || past.Students["Mai"].TotalScore != 5 {
		t.Fatalf("unexpected archived game %+v", past)
	}

	mirrored, err := mirror.Load(ctx, key)
	if err != nil {
		t.Fatalf("past game from postgres: %v", err)
	}
	if mirrored.PIN != "4821" || mirrored.Students["Mai"].TotalScore != 5 {
		t.Fatalf("unexpected mirrored game %+v", mirrored)
	}

	// the freed pin is immediately reusable
	if err := service.CreateSessionWithPIN(ctx, "4821", questions, 5); err != nil {
		t.Fatalf("reuse pin: %v", err)
	}
}

func waitForSnapshot(t *testing.T, snapshots <-chan json.RawMessage) {
	t.Helper()
	select {
	case <-snapshots:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a replicated snapshot")
	}
}

func runMigrations(t *testing.T, ctx context.Context, dsn string) {
	t.Helper()
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "lime", "POSTGRES_PASSWORD": "limepass", "POSTGRES_DB": "limedb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://lime:limepass@%s:%s/limedb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
