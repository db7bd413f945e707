package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"lime-game-service/internal/domain"
	"lime-game-service/internal/game"
	"lime-game-service/internal/grading"
	"lime-game-service/internal/play"
	"lime-game-service/internal/store"
)

type WSHandler struct {
	service  *game.Service
	grader   grading.Grader
	store    store.Store
	hostKey  string
	upgrader websocket.Upgrader
}

func NewWSHandler(service *game.Service, grader grading.Grader, st store.Store, hostKey string) *WSHandler {
	return &WSHandler{
		service: service,
		grader:  grader,
		store:   st,
		hostKey: hostKey,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type answerPayload struct {
	Text string `json:"text"`
}

type gradedPayload struct {
	Graded     []domain.GradedLine `json:"graded"`
	Accepted   []domain.Answer     `json:"accepted"`
	Duplicates int                 `json:"duplicates"`
	AutoSubmit bool                `json:"autoSubmit"`
}

type createPayload struct {
	Questions        []domain.Question `json:"questions"`
	TimeLimitMinutes int               `json:"timeLimitMinutes"`
}

type saveSetPayload struct {
	Name             string            `json:"name"`
	Questions        []domain.Question `json:"questions"`
	TimeLimitMinutes int               `json:"timeLimitMinutes"`
}

// ServePlay is the student endpoint: joins the session named by the PIN,
// streams replicated session snapshots, and routes answer submissions
// through the submission pipeline.
func (h *WSHandler) ServePlay(w http.ResponseWriter, r *http.Request) {
	pin := r.URL.Query().Get("pin")
	name := r.URL.Query().Get("name")
	if name == "" || !game.ValidPIN(pin) {
		http.Error(w, "missing or invalid pin/name", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	pipeline := play.NewPipeline(h.service, h.grader, h.store, pin, name)
	if err := pipeline.Start(r.Context()); err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: userMessage(err)}})
		return
	}
	defer pipeline.Stop()

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	pumpDone := make(chan struct{})

	go writer(conn, send, writerDone)

	go func() {
		defer close(pumpDone)
		for {
			select {
			case session, ok := <-pipeline.Updates():
				if !ok {
					return
				}
				select {
				case send <- outboundMessage[any]{Type: "session", Payload: session}:
				case <-closeSignals:
					return
				}
			case result, ok := <-pipeline.Results():
				if !ok {
					return
				}
				select {
				case send <- outboundMessage[any]{Type: "graded", Payload: gradedFrom(result)}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	send <- outboundMessage[any]{Type: "joined", Payload: map[string]string{"pin": pin, "name": name}}

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		switch inbound.Type {
		case "input":
			var payload answerPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err == nil {
				pipeline.SetInput(payload.Text)
			}
		case "answer":
			var payload answerPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "invalid answer payload"}}
				continue
			}
			result, err := pipeline.Submit(r.Context(), payload.Text)
			if err != nil {
				send <- submissionReply(err)
				continue
			}
			send <- outboundMessage[any]{Type: "graded", Payload: gradedFrom(*result)}
		default:
			send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "unsupported message type"}}
		}
	}

	close(closeSignals)
	<-pumpDone
	close(send)
	<-writerDone
}

// ServeHost is the teacher endpoint, gated by the shared passphrase. It
// drives the session lifecycle (create, next, end) and streams the evolving
// session for the leaderboard view.
func (h *WSHandler) ServeHost(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if subtle.ConstantTimeCompare([]byte(key), []byte(h.hostKey)) != 1 {
		http.Error(w, "wrong passphrase", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	send := make(chan outboundMessage[any], 16)
	writerDone := make(chan struct{})
	connDone := make(chan struct{})
	go writer(conn, send, writerDone)

	var (
		pin         string
		watchCancel func()
		watchDone   chan struct{}
	)
	stopWatch := func() {
		if watchCancel != nil {
			watchCancel()
			<-watchDone
			watchCancel = nil
		}
	}
	defer func() {
		stopWatch()
		close(send)
		<-writerDone
	}()

	emit := func(msg outboundMessage[any]) bool {
		select {
		case send <- msg:
			return true
		case <-connDone:
			return false
		}
	}

	startWatch := func(ctx context.Context, p string) {
		stopWatch()
		snapshots, cancel, err := h.store.Watch(ctx, store.Join("sessions", p))
		if err != nil {
			send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: userMessage(err)}}
			return
		}
		watchCancel = cancel
		done := make(chan struct{})
		watchDone = done
		go func() {
			defer close(done)
			for raw := range snapshots {
				if raw == nil {
					if !emit(outboundMessage[any]{Type: "session", Payload: nil}) {
						return
					}
					continue
				}
				var session domain.GameSession
				if err := json.Unmarshal(raw, &session); err != nil {
					continue
				}
				if !emit(outboundMessage[any]{Type: "session", Payload: session}) {
					return
				}
				if !emit(outboundMessage[any]{Type: "leaderboard", Payload: h.service.Leaderboard(session)}) {
					return
				}
			}
		}()
	}

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		switch inbound.Type {
		case "create":
			var payload createPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "invalid create payload"}}
				continue
			}
			newPIN, err := h.service.CreateSession(r.Context(), payload.Questions, payload.TimeLimitMinutes)
			if err != nil {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: userMessage(err)}}
				continue
			}
			pin = newPIN
			startWatch(r.Context(), pin)
			send <- outboundMessage[any]{Type: "created", Payload: map[string]string{"pin": pin}}
		case "attach":
			var payload map[string]string
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil || !game.ValidPIN(payload["pin"]) {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "invalid attach payload"}}
				continue
			}
			pin = payload["pin"]
			startWatch(r.Context(), pin)
		case "next":
			if err := h.service.Advance(r.Context(), pin); err != nil {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: userMessage(err)}}
			}
		case "end":
			key, err := h.service.Archive(r.Context(), pin)
			if err != nil {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: userMessage(err)}}
				continue
			}
			stopWatch()
			send <- outboundMessage[any]{Type: "archived", Payload: map[string]string{"key": key}}
		case "saveSet":
			var payload saveSetPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "invalid saveSet payload"}}
				continue
			}
			setKey, err := h.service.SaveQuestionSet(r.Context(), payload.Name, payload.Questions, payload.TimeLimitMinutes)
			if err != nil {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: userMessage(err)}}
				continue
			}
			send <- outboundMessage[any]{Type: "setSaved", Payload: map[string]string{"key": setKey}}
		case "sets":
			sets, err := h.service.QuestionSets(r.Context())
			if err != nil {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: userMessage(err)}}
				continue
			}
			send <- outboundMessage[any]{Type: "sets", Payload: sets}
		case "history":
			games, err := h.service.PastGames(r.Context())
			if err != nil {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: userMessage(err)}}
				continue
			}
			send <- outboundMessage[any]{Type: "history", Payload: games}
		default:
			send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "unsupported message type"}}
		}
	}
	close(connDone)
}

func writer(conn *websocket.Conn, send <-chan outboundMessage[any], done chan<- struct{}) {
	defer close(done)
	for msg := range send {
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("ws write error: %v", err)
			return
		}
	}
}

func gradedFrom(result play.Result) gradedPayload {
	return gradedPayload{
		Graded:     result.Graded,
		Accepted:   result.Accepted,
		Duplicates: result.Duplicates,
		AutoSubmit: result.AutoSubmit,
	}
}

// submissionReply maps pipeline outcomes onto wire messages: duplicates and
// timeouts are informational, everything else is an error.
func submissionReply(err error) outboundMessage[any] {
	switch {
	case errors.Is(err, domain.ErrAlreadySubmitted),
		errors.Is(err, domain.ErrEmptyAnswer),
		errors.Is(err, domain.ErrTimeUp),
		errors.Is(err, domain.ErrSubmitInFlight):
		return outboundMessage[any]{Type: "info", Payload: errorPayload{Message: userMessage(err)}}
	default:
		return outboundMessage[any]{Type: "error", Payload: errorPayload{Message: userMessage(err)}}
	}
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return "wrong PIN or game ended"
	case errors.Is(err, domain.ErrAlreadySubmitted):
		return "you already submitted these answers, try something new"
	case errors.Is(err, domain.ErrEmptyAnswer):
		return "type an answer first"
	case errors.Is(err, domain.ErrTimeUp):
		return "time is up for this question"
	case errors.Is(err, domain.ErrSubmitInFlight):
		return "hold on, your previous answers are still being graded"
	default:
		return err.Error()
	}
}
