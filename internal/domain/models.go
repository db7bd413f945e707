package domain

import "time"

// Question is one free-text prompt plus the grading instructions handed
// verbatim to the grader. Immutable once added to a set or session.
type Question struct {
	Prompt string `json:"prompt"`
	Rubric string `json:"rubric"`
}

// QuestionSet is a named, reusable bundle of questions.
type QuestionSet struct {
	Name             string     `json:"name"`
	Questions        []Question `json:"questions"`
	TimeLimitMinutes int        `json:"timeLimitMinutes"`
	CreatedAt        int64      `json:"createdAt"`
}

// CurrentQuestion pairs the question index with the moment it went live.
// The two are stored and swapped as one value so no reader can observe a
// new index with a stale start time.
type CurrentQuestion struct {
	Index     int   `json:"index"`
	StartedAt int64 `json:"startedAt"` // unix milliseconds
}

// GameSession is the live session record as replicated through the store.
// It is keyed by a 4-digit PIN; the question list is a snapshot, not a
// reference to a QuestionSet.
type GameSession struct {
	PIN              string                   `json:"pin"`
	Questions        []Question               `json:"questions"`
	Current          CurrentQuestion          `json:"current"`
	TimeLimitMinutes int                      `json:"timeLimitMinutes"`
	IsActive         bool                     `json:"isActive"`
	CreatedAt        int64                    `json:"createdAt"`
	Students         map[string]StudentRecord `json:"students,omitempty"`
}

// StudentRecord tracks one joined student. Answers is append-only; the
// running TotalScore always equals the sum of the answer scores.
type StudentRecord struct {
	Name       string            `json:"name"`
	TotalScore int               `json:"totalScore"`
	JoinedAt   int64             `json:"joinedAt"`
	Answers    map[string]Answer `json:"answers,omitempty"`
}

// Answer is one accepted (score > 0) graded line. Never edited or deleted.
type Answer struct {
	QuestionIndex int    `json:"questionIndex"`
	Text          string `json:"text"`
	Score         int    `json:"score"`
	Feedback      string `json:"feedback"`
	Timestamp     int64  `json:"timestamp"`
}

// GradedLine is the grader's verdict on a single candidate line.
type GradedLine struct {
	Text     string `json:"text"`
	Score    int    `json:"score"`
	Feedback string `json:"feedback"`
}

// PastGame is the frozen copy of a finished session, keyed by date+PIN.
type PastGame struct {
	Date             string                   `json:"date"`
	PIN              string                   `json:"pin"`
	TimeLimitMinutes int                      `json:"timeLimitMinutes"`
	Questions        []Question               `json:"questions"`
	Students         map[string]StudentRecord `json:"students,omitempty"`
	CreatedAt        int64                    `json:"createdAt"`
	EndedAt          int64                    `json:"endedAt"`
}

// LeaderboardEntry is a snapshot-friendly view of a student.
type LeaderboardEntry struct {
	Name       string `json:"name"`
	TotalScore int    `json:"totalScore"`
}

// Leaderboard captures the ordered scoreboard for a session.
type Leaderboard struct {
	PIN       string             `json:"pin"`
	Entries   []LeaderboardEntry `json:"entries"`
	UpdatedAt time.Time          `json:"updatedAt"`
}
