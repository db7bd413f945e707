package play

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"lime-game-service/internal/domain"
	"lime-game-service/internal/grading"
	"lime-game-service/internal/store"
)

// minLineLength filters out noise: lines of 3 characters or fewer are never
// graded nor persisted.
const minLineLength = 4

// tickInterval is how often the countdown is recomputed from the replicated
// start time. Sub-second, so a question pushed mid-tick is picked up fast.
const tickInterval = 500 * time.Millisecond

// Recorder is the slice of the game service the pipeline needs.
type Recorder interface {
	Join(ctx context.Context, pin, name string) error
	RecordAnswers(ctx context.Context, pin, name string, questionIndex int, graded []domain.GradedLine) ([]domain.Answer, error)
}

// Result summarizes one submission.
type Result struct {
	Graded     []domain.GradedLine
	Accepted   []domain.Answer
	Duplicates int
	AutoSubmit bool
}

// Pipeline is the client-side submission path for one student in one
// session. It consumes replicated session snapshots, derives the countdown
// purely from the stored start time and limit, dedupes candidate lines
// against the student's own answer log, and feeds novel lines to the grader.
type Pipeline struct {
	recorder Recorder
	grader   grading.Grader
	store    store.Store
	pin      string
	name     string
	now      func() time.Time

	mu            sync.Mutex
	session       *domain.GameSession
	buffer        string
	inFlight      bool
	lastAutoIndex int

	updates chan *domain.GameSession
	results chan Result
	done    chan struct{}
	stop    sync.Once
	cancel  func()
}

func NewPipeline(rec Recorder, grader grading.Grader, st store.Store, pin, name string) *Pipeline {
	return &Pipeline{
		recorder:      rec,
		grader:        grader,
		store:         st,
		pin:           pin,
		name:          name,
		now:           time.Now,
		lastAutoIndex: -1,
		updates:       make(chan *domain.GameSession, 8),
		results:       make(chan Result, 4),
		done:          make(chan struct{}),
	}
}

// Start joins the session (idempotent, so a reconnect resumes the same
// record) and begins consuming snapshots and driving the countdown.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.recorder.Join(ctx, p.pin, p.name); err != nil {
		return err
	}

	snapshots, cancel, err := p.store.Watch(ctx, store.Join("sessions", p.pin))
	if err != nil {
		return err
	}
	p.cancel = cancel

	go p.consume(ctx, snapshots)
	go p.countdown(ctx)
	return nil
}

// Stop tears the pipeline down and unregisters its watch.
func (p *Pipeline) Stop() {
	p.stop.Do(func() {
		close(p.done)
		if p.cancel != nil {
			p.cancel()
		}
	})
}

// Updates streams session snapshots; nil means the session is gone
// (archived or never existed).
func (p *Pipeline) Updates() <-chan *domain.GameSession { return p.updates }

// Results streams the outcome of auto-submits, which have no caller to
// return to.
func (p *Pipeline) Results() <-chan Result { return p.results }

// SetInput replaces the unsaved input buffer (what the student has typed).
func (p *Pipeline) SetInput(text string) {
	p.mu.Lock()
	p.buffer = text
	p.mu.Unlock()
}

// Session returns the latest replicated snapshot, which may be nil.
func (p *Pipeline) Session() *domain.GameSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// Remaining derives the countdown from the replicated start time and limit.
// It never trusts a locally started timer: a new question resets the stored
// start time and the next computation follows it.
func (p *Pipeline) Remaining() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remainingLocked()
}

func (p *Pipeline) remainingLocked() time.Duration {
	if p.session == nil {
		return 0
	}
	limit := time.Duration(p.session.TimeLimitMinutes) * time.Minute
	elapsed := p.now().Sub(time.UnixMilli(p.session.Current.StartedAt))
	if elapsed >= limit {
		return 0
	}
	return limit - elapsed
}

// Submit runs the manual submission path: noise filter, dedupe against the
// replicated answer log, grade novel lines, record, clear the buffer.
func (p *Pipeline) Submit(ctx context.Context, freeText string) (*Result, error) {
	return p.submit(ctx, freeText, false)
}

func (p *Pipeline) submit(ctx context.Context, freeText string, auto bool) (*Result, error) {
	p.mu.Lock()
	if p.inFlight {
		p.mu.Unlock()
		return nil, domain.ErrSubmitInFlight
	}
	if p.session == nil {
		p.mu.Unlock()
		return nil, domain.ErrSessionNotFound
	}
	if !auto && p.remainingLocked() <= 0 {
		p.mu.Unlock()
		return nil, domain.ErrTimeUp
	}

	// capture the index now; a new question arriving mid-grade still posts
	// against the question the student was answering
	questionIndex := p.session.Current.Index
	var question domain.Question
	if questionIndex < len(p.session.Questions) {
		question = p.session.Questions[questionIndex]
	}

	lines := candidateLines(freeText)
	if len(lines) == 0 {
		p.buffer = ""
		p.mu.Unlock()
		return nil, domain.ErrEmptyAnswer
	}

	seen := submittedSet(p.session, p.name, questionIndex)
	novel := make([]string, 0, len(lines))
	for _, line := range lines {
		if _, dup := seen[strings.ToLower(line)]; !dup {
			novel = append(novel, line)
		}
	}
	duplicates := len(lines) - len(novel)
	if len(novel) == 0 {
		p.buffer = ""
		p.mu.Unlock()
		return nil, domain.ErrAlreadySubmitted
	}

	p.inFlight = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inFlight = false
		p.buffer = ""
		p.mu.Unlock()
	}()

	graded := p.grader.Grade(ctx, question.Prompt, question.Rubric, novel)
	accepted, err := p.recorder.RecordAnswers(ctx, p.pin, p.name, questionIndex, graded)
	if err != nil {
		return nil, err
	}
	return &Result{Graded: graded, Accepted: accepted, Duplicates: duplicates, AutoSubmit: auto}, nil
}

func (p *Pipeline) consume(ctx context.Context, snapshots <-chan json.RawMessage) {
	for {
		select {
		case raw, ok := <-snapshots:
			if !ok {
				return
			}
			var session *domain.GameSession
			if raw != nil {
				session = &domain.GameSession{}
				if err := json.Unmarshal(raw, session); err != nil {
					continue
				}
			}
			p.mu.Lock()
			p.session = session
			p.mu.Unlock()

			select {
			case p.updates <- session:
			default:
				select {
				case <-p.updates:
				default:
				}
				p.updates <- session
			}
		case <-p.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// countdown recomputes remaining time on a short fixed interval and fires
// the auto-submit exactly once per question when it hits zero with unsaved
// input still in the buffer.
func (p *Pipeline) countdown(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.tick(ctx)
		case <-p.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) tick(ctx context.Context) {
	p.mu.Lock()
	if p.session == nil || p.inFlight {
		p.mu.Unlock()
		return
	}
	index := p.session.Current.Index
	buffered := strings.TrimSpace(p.buffer)
	fire := p.remainingLocked() <= 0 && buffered != "" && p.lastAutoIndex != index
	if fire {
		p.lastAutoIndex = index
	}
	p.mu.Unlock()

	if !fire {
		return
	}
	result, err := p.submit(ctx, buffered, true)
	if err != nil || result == nil {
		return
	}
	select {
	case p.results <- *result:
	default:
	}
}

// candidateLines splits free text into trimmed, noise-filtered answer lines.
func candidateLines(freeText string) []string {
	raw := strings.Split(freeText, "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		line = strings.TrimSpace(line)
		// character count, not byte count: "chó" is 3 characters
		if utf8.RuneCountInString(line) >= minLineLength {
			lines = append(lines, line)
		}
	}
	return lines
}

// submittedSet collects the lowercased, trimmed texts this student already
// has on record for the given question.
func submittedSet(session *domain.GameSession, name string, questionIndex int) map[string]struct{} {
	seen := map[string]struct{}{}
	student, ok := session.Students[name]
	if !ok {
		return seen
	}
	for _, answer := range student.Answers {
		if answer.QuestionIndex == questionIndex {
			seen[strings.ToLower(strings.TrimSpace(answer.Text))] = struct{}{}
		}
	}
	return seen
}
