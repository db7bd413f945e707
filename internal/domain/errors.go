package domain

import "errors"

var (
	// ErrSessionNotFound is surfaced to students as "wrong PIN or game ended".
	ErrSessionNotFound = errors.New("session not found")
	// ErrPINTaken is returned when an explicit PIN already denotes a live session.
	ErrPINTaken = errors.New("pin already in use")
	// ErrNoFreePIN is returned when PIN regeneration exhausts its attempts.
	ErrNoFreePIN = errors.New("no free pin available")
	// ErrConflict is returned when a compare-and-set on session state loses a race.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrStudentNotFound is returned when recording answers for an unknown student.
	ErrStudentNotFound = errors.New("student not found in session")
	// ErrAlreadySubmitted means every candidate line was a duplicate. Informational, not fatal.
	ErrAlreadySubmitted = errors.New("all answers already submitted")
	// ErrEmptyAnswer means nothing survived the noise filter.
	ErrEmptyAnswer = errors.New("no answer lines to submit")
	// ErrTimeUp means the per-question countdown already reached zero.
	ErrTimeUp = errors.New("time is up for this question")
	// ErrSubmitInFlight means a submission from this client is still being graded.
	ErrSubmitInFlight = errors.New("submission already in flight")
	// ErrInvalidQuestion means a question is missing its prompt or rubric.
	ErrInvalidQuestion = errors.New("question needs both prompt and rubric")
	// ErrInvalidName means a join was attempted with an empty display name.
	ErrInvalidName = errors.New("display name must not be empty")
	// ErrInvalidPIN means a PIN is not a 4-digit numeric string.
	ErrInvalidPIN = errors.New("pin must be 4 digits")
)
