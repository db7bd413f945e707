package game

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"strings"
	"time"

	"lime-game-service/internal/domain"
	"lime-game-service/internal/store"
)

const (
	sessionsRoot     = "sessions"
	archiveRoot      = "archive"
	questionSetsRoot = "questionSets"

	// 4-digit space with no central allocator: regenerate on collision and
	// give up after a bounded number of draws.
	maxPINAttempts = 25
)

// ArchiveMirror receives a durable copy of every archived game. Mirroring is
// best-effort; a mirror failure never fails the archive itself.
type ArchiveMirror interface {
	Save(ctx context.Context, key string, game domain.PastGame) error
}

// Service drives the session lifecycle against the shared store. All session
// state lives in the store; the service itself is stateless apart from its
// question-set cache, so any number of clients can point at the same tree.
type Service struct {
	store  store.Store
	mirror ArchiveMirror
	sets   *setCache
	now    func() time.Time
}

func NewService(st store.Store) *Service {
	return NewServiceWithClock(st, time.Now)
}

// NewServiceWithClock allows deterministic timestamps in tests.
func NewServiceWithClock(st store.Store, now func() time.Time) *Service {
	s := &Service{store: st, now: now}
	s.sets = newSetCache(st, 30*time.Second)
	return s
}

// SetArchiveMirror attaches an optional durable mirror for archived games.
func (s *Service) SetArchiveMirror(m ArchiveMirror) { s.mirror = m }

// SetQuestionSetTTL adjusts the question-set cache lifetime in place. The
// cached listing survives; the new TTL applies from the next refresh.
func (s *Service) SetQuestionSetTTL(ttl time.Duration) { s.sets.setTTL(ttl) }

func sessionPath(pin string) string { return store.Join(sessionsRoot, pin) }

func studentPath(pin, name string) string {
	return store.Join(sessionsRoot, pin, "students", name)
}

// ValidPIN reports whether pin is a 4-digit numeric string.
func ValidPIN(pin string) bool {
	if len(pin) != 4 {
		return false
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func validateQuestions(questions []domain.Question) error {
	if len(questions) == 0 {
		return domain.ErrInvalidQuestion
	}
	for _, q := range questions {
		if strings.TrimSpace(q.Prompt) == "" || strings.TrimSpace(q.Rubric) == "" {
			return domain.ErrInvalidQuestion
		}
	}
	return nil
}

// CreateSession starts a live session with a freshly drawn PIN, retrying on
// collisions with currently-active sessions.
func (s *Service) CreateSession(ctx context.Context, questions []domain.Question, timeLimitMinutes int) (string, error) {
	if err := validateQuestions(questions); err != nil {
		return "", err
	}
	for attempt := 0; attempt < maxPINAttempts; attempt++ {
		pin := fmt.Sprintf("%04d", 1000+rand.Intn(9000))
		err := s.createWithPIN(ctx, pin, questions, timeLimitMinutes)
		if err == domain.ErrPINTaken {
			continue
		}
		if err != nil {
			return "", err
		}
		return pin, nil
	}
	return "", domain.ErrNoFreePIN
}

// CreateSessionWithPIN starts a session under an explicit PIN; a collision
// is rejected rather than regenerated.
func (s *Service) CreateSessionWithPIN(ctx context.Context, pin string, questions []domain.Question, timeLimitMinutes int) error {
	if !ValidPIN(pin) {
		return domain.ErrInvalidPIN
	}
	if err := validateQuestions(questions); err != nil {
		return err
	}
	return s.createWithPIN(ctx, pin, questions, timeLimitMinutes)
}

func (s *Service) createWithPIN(ctx context.Context, pin string, questions []domain.Question, timeLimitMinutes int) error {
	// claim the pin leaf first so two teachers can never share a PIN
	claimed, err := s.store.CompareAndSet(ctx, store.Join(sessionPath(pin), "pin"), nil, pin)
	if err != nil {
		return err
	}
	if !claimed {
		return domain.ErrPINTaken
	}

	nowMs := s.now().UnixMilli()
	session := domain.GameSession{
		PIN:              pin,
		Questions:        questions,
		Current:          domain.CurrentQuestion{Index: 0, StartedAt: nowMs},
		TimeLimitMinutes: timeLimitMinutes,
		IsActive:         true,
		CreatedAt:        nowMs,
	}
	return s.store.Write(ctx, sessionPath(pin), session)
}

// Session reads the current replicated session record.
func (s *Service) Session(ctx context.Context, pin string) (domain.GameSession, error) {
	var session domain.GameSession
	found, err := s.store.Read(ctx, sessionPath(pin), &session)
	if err != nil {
		return domain.GameSession{}, err
	}
	if !found || session.PIN == "" {
		return domain.GameSession{}, domain.ErrSessionNotFound
	}
	return session, nil
}

// Advance moves the session to the next question. Index and start time are
// swapped as one value, so readers never see a new index with a stale start
// time, and a concurrent advance loses with ErrConflict instead of skipping.
func (s *Service) Advance(ctx context.Context, pin string) error {
	currentPath := store.Join(sessionPath(pin), "current")

	var cur domain.CurrentQuestion
	found, err := s.store.Read(ctx, currentPath, &cur)
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrSessionNotFound
	}

	next := domain.CurrentQuestion{Index: cur.Index + 1, StartedAt: s.now().UnixMilli()}
	if next.StartedAt <= cur.StartedAt {
		next.StartedAt = cur.StartedAt + 1
	}

	swapped, err := s.store.CompareAndSet(ctx, currentPath, cur, next)
	if err != nil {
		return err
	}
	if !swapped {
		return domain.ErrConflict
	}
	return nil
}

// Join upserts a student record. Joining is idempotent by name: a rejoin
// (page reload, reconnect) keeps the existing score and answer log.
func (s *Service) Join(ctx context.Context, pin, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.ErrInvalidName
	}
	if !ValidPIN(pin) {
		return domain.ErrInvalidPIN
	}
	if _, err := s.Session(ctx, pin); err != nil {
		return err
	}

	claimed, err := s.store.CompareAndSet(ctx, store.Join(studentPath(pin, name), "name"), nil, name)
	if err != nil {
		return err
	}
	if !claimed {
		// already joined; nothing to reset
		return nil
	}
	if err := s.store.Write(ctx, store.Join(studentPath(pin, name), "totalScore"), 0); err != nil {
		return err
	}
	return s.store.Write(ctx, store.Join(studentPath(pin, name), "joinedAt"), s.now().UnixMilli())
}

// RecordAnswers appends every accepted (score > 0) graded line to the
// student's answer log, then bumps the running total once by the accepted
// sum. Score-0 lines are never persisted, so a zero first guess can be
// retried later. Returns the answers that were stored.
func (s *Service) RecordAnswers(ctx context.Context, pin, name string, questionIndex int, graded []domain.GradedLine) ([]domain.Answer, error) {
	var existing string
	found, err := s.store.Read(ctx, store.Join(studentPath(pin, name), "name"), &existing)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, domain.ErrStudentNotFound
	}

	answersPath := store.Join(studentPath(pin, name), "answers")
	accepted := make([]domain.Answer, 0, len(graded))
	sum := 0
	for _, line := range graded {
		if line.Score <= 0 {
			continue
		}
		answer := domain.Answer{
			QuestionIndex: questionIndex,
			Text:          line.Text,
			Score:         line.Score,
			Feedback:      line.Feedback,
			Timestamp:     s.now().UnixMilli(),
		}
		if _, err := s.store.Push(ctx, answersPath, answer); err != nil {
			return accepted, err
		}
		accepted = append(accepted, answer)
		sum += line.Score
	}

	if sum > 0 {
		if _, err := s.store.Increment(ctx, store.Join(studentPath(pin, name), "totalScore"), sum); err != nil {
			return accepted, err
		}
	}
	return accepted, nil
}

// Archive freezes the session under archive/{date}_{pin}, mirrors it when a
// mirror is attached, and deletes the live record, freeing the PIN. A
// same-day re-archive of the same PIN overwrites silently.
func (s *Service) Archive(ctx context.Context, pin string) (string, error) {
	session, err := s.Session(ctx, pin)
	if err != nil {
		return "", err
	}

	date := s.now().UTC().Format("2006-01-02")
	key := date + "_" + pin
	past := domain.PastGame{
		Date:             date,
		PIN:              pin,
		TimeLimitMinutes: session.TimeLimitMinutes,
		Questions:        session.Questions,
		Students:         session.Students,
		CreatedAt:        session.CreatedAt,
		EndedAt:          s.now().UnixMilli(),
	}
	if err := s.store.Write(ctx, store.Join(archiveRoot, key), past); err != nil {
		return "", err
	}

	if s.mirror != nil {
		if err := s.mirror.Save(ctx, key, past); err != nil {
			log.Printf("archive mirror failed for %s: %v", key, err)
		}
	}

	if err := s.store.Remove(ctx, sessionPath(pin)); err != nil {
		return "", err
	}
	return key, nil
}

// PastGame reads one archived game by its date_pin key.
func (s *Service) PastGame(ctx context.Context, key string) (domain.PastGame, error) {
	var past domain.PastGame
	found, err := s.store.Read(ctx, store.Join(archiveRoot, key), &past)
	if err != nil {
		return domain.PastGame{}, err
	}
	if !found {
		return domain.PastGame{}, domain.ErrSessionNotFound
	}
	return past, nil
}

// PastGames lists the archive, newest key first.
func (s *Service) PastGames(ctx context.Context) (map[string]domain.PastGame, error) {
	games := map[string]domain.PastGame{}
	if _, err := s.store.Read(ctx, archiveRoot, &games); err != nil {
		return nil, err
	}
	return games, nil
}

// SaveQuestionSet persists a reusable named question set.
func (s *Service) SaveQuestionSet(ctx context.Context, name string, questions []domain.Question, timeLimitMinutes int) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", domain.ErrInvalidName
	}
	if err := validateQuestions(questions); err != nil {
		return "", err
	}
	set := domain.QuestionSet{
		Name:             name,
		Questions:        questions,
		TimeLimitMinutes: timeLimitMinutes,
		CreatedAt:        s.now().UnixMilli(),
	}
	key, err := s.store.Push(ctx, questionSetsRoot, set)
	if err != nil {
		return "", err
	}
	s.sets.invalidate()
	return key, nil
}

// QuestionSets lists saved sets, served through a short TTL cache.
func (s *Service) QuestionSets(ctx context.Context) (map[string]domain.QuestionSet, error) {
	return s.sets.get(ctx)
}

// Leaderboard snapshots the scoreboard stamped with the service clock.
func (s *Service) Leaderboard(session domain.GameSession) domain.Leaderboard {
	return Leaderboard(session, s.now())
}

// Leaderboard orders students by score, then join time, then name.
func Leaderboard(session domain.GameSession, at time.Time) domain.Leaderboard {
	entries := make([]domain.LeaderboardEntry, 0, len(session.Students))
	for _, student := range session.Students {
		entries = append(entries, domain.LeaderboardEntry{
			Name:       student.Name,
			TotalScore: student.TotalScore,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].TotalScore != entries[j].TotalScore {
			return entries[i].TotalScore > entries[j].TotalScore
		}
		si, sj := session.Students[entries[i].Name], session.Students[entries[j].Name]
		if si.JoinedAt != sj.JoinedAt {
			return si.JoinedAt < sj.JoinedAt
		}
		return entries[i].Name < entries[j].Name
	})
	return domain.Leaderboard{PIN: session.PIN, Entries: entries, UpdatedAt: at}
}
