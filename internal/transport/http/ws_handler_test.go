package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"lime-game-service/internal/domain"
	"lime-game-service/internal/game"
	"lime-game-service/internal/store/memory"
)

// fixedGrader scores every line the same, so wire assertions stay simple.
type fixedGrader struct{ score int }

func (g fixedGrader) Grade(_ context.Context, _, _ string, lines []string) []domain.GradedLine {
	graded := make([]domain.GradedLine, len(lines))
	for i, text := range lines {
		graded[i] = domain.GradedLine{Text: text, Score: g.score, Feedback: "Well done!"}
	}
	return graded
}

func newTestServer(t *testing.T) (*httptest.Server, *game.Service) {
	t.Helper()
	st := memory.New()
	service := game.NewService(st)
	wsHandler := NewWSHandler(service, fixedGrader{score: 5}, st, "secret-key")

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/play", wsHandler.ServePlay)
	mux.HandleFunc("/ws/host", wsHandler.ServeHost)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, service
}

func dial(t *testing.T, server *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	u := "ws" + server.URL[len("http"):] + path
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readNext(conn *websocket.Conn, t *testing.T, expect string) (string, map[string]any) {
	t.Helper()
	var msg struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read json: %v", err)
	}
	if expect != "" && msg.Type != expect {
		t.Fatalf("expected type %s, got %s (payload %v)", expect, msg.Type, msg.Payload)
	}
	return msg.Type, msg.Payload
}

// readUntil skips intermediate session frames until the wanted type shows up.
func readUntil(conn *websocket.Conn, t *testing.T, want string) map[string]any {
	t.Helper()
	for i := 0; i < 20; i++ {
		typ, payload := readNext(conn, t, "")
		if typ == want {
			return payload
		}
	}
	t.Fatalf("never saw message type %s", want)
	return nil
}

func sampleQuestions() []domain.Question {
	return []domain.Question{
		{Prompt: "How do you go to school?", Rubric: "1-5 points per grammatical sentence"},
		{Prompt: "What do you love?", Rubric: "1 point per sentence"},
	}
}

func TestPlayAnswerFlow(t *testing.T) {
	server, service := newTestServer(t)
	if err := service.CreateSessionWithPIN(context.Background(), "4821", sampleQuestions(), 5); err != nil {
		t.Fatalf("create session: %v", err)
	}

	conn := dial(t, server, "/ws/play?pin=4821&name=Mai")
	readNext(conn, t, "joined")

	submit := map[string]any{
		"type":    "answer",
		"payload": map[string]any{"text": "I go to school\nI love dogs"},
	}
	if err := conn.WriteJSON(submit); err != nil {
		t.Fatalf("write answer: %v", err)
	}

	payload := readUntil(conn, t, "graded")
	accepted, ok := payload["accepted"].([]any)
	if !ok || len(accepted) != 2 {
		t.Fatalf("expected 2 accepted answers, got %v", payload["accepted"])
	}

	session, err := service.Session(context.Background(), "4821")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if session.Students["Mai"].TotalScore != 10 {
		t.Fatalf("expected total 10, got %d", session.Students["Mai"].TotalScore)
	}
}

func TestPlayResubmitDuplicatesIsInfoNotError(t *testing.T) {
	server, service := newTestServer(t)
	if err := service.CreateSessionWithPIN(context.Background(), "4821", sampleQuestions(), 5); err != nil {
		t.Fatalf("create session: %v", err)
	}

	conn := dial(t, server, "/ws/play?pin=4821&name=Mai")
	readNext(conn, t, "joined")

	submit := map[string]any{
		"type":    "answer",
		"payload": map[string]any{"text": "I go to school"},
	}
	if err := conn.WriteJSON(submit); err != nil {
		t.Fatalf("write answer: %v", err)
	}
	readUntil(conn, t, "graded")

	// the processed snapshot must land before the dedupe can see it
	deadline := time.After(3 * time.Second)
	for {
		session, err := service.Session(context.Background(), "4821")
		if err == nil && len(session.Students["Mai"].Answers) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("answer never landed in the store")
		case <-time.After(20 * time.Millisecond):
		}
	}
	time.Sleep(100 * time.Millisecond)

	if err := conn.WriteJSON(submit); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	payload := readUntil(conn, t, "info")
	if payload["message"] == "" {
		t.Fatalf("expected an informational message")
	}
}

func TestPlayRejectsUnknownPIN(t *testing.T) {
	server, _ := newTestServer(t)

	conn := dial(t, server, "/ws/play?pin=9999&name=Mai")
	_, payload := readNext(conn, t, "error")
	if payload["message"] != "wrong PIN or game ended" {
		t.Fatalf("unexpected error message %v", payload["message"])
	}
}

func TestPlayRejectsMalformedQuery(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/ws/play?pin=12ab&name=Mai")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHostRequiresPassphrase(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/ws/host?key=wrong")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestHostLifecycle(t *testing.T) {
	server, service := newTestServer(t)
	conn := dial(t, server, "/ws/host?key=secret-key")

	create := map[string]any{
		"type": "create",
		"payload": map[string]any{
			"questions":        sampleQuestions(),
			"timeLimitMinutes": 5,
		},
	}
	if err := conn.WriteJSON(create); err != nil {
		t.Fatalf("write create: %v", err)
	}
	payload := readUntil(conn, t, "created")
	pin, _ := payload["pin"].(string)
	if !game.ValidPIN(pin) {
		t.Fatalf("expected a 4-digit pin, got %q", pin)
	}

	// a student joining shows up on the host's leaderboard stream
	if err := service.Join(context.Background(), pin, "Mai"); err != nil {
		t.Fatalf("join: %v", err)
	}
	deadline := time.After(3 * time.Second)
	for {
		typ, payload := readNext(conn, t, "")
		if typ == "leaderboard" {
			if entries, ok := payload["entries"].([]any); ok && len(entries) == 1 {
				break
			}
		}
		select {
		case <-deadline:
			t.Fatalf("never saw Mai on the leaderboard")
		default:
		}
	}

	if err := conn.WriteJSON(map[string]any{"type": "next"}); err != nil {
		t.Fatalf("write next: %v", err)
	}
	advanced := false
	for i := 0; i < 20 && !advanced; i++ {
		typ, payload := readNext(conn, t, "")
		if typ != "session" {
			continue
		}
		if current, ok := payload["current"].(map[string]any); ok {
			if index, ok := current["index"].(float64); ok && index == 1 {
				advanced = true
			}
		}
	}
	if !advanced {
		t.Fatalf("never saw the session advance to question 1")
	}

	if err := conn.WriteJSON(map[string]any{"type": "end"}); err != nil {
		t.Fatalf("write end: %v", err)
	}
	archived := readUntil(conn, t, "archived")
	key, _ := archived["key"].(string)
	if key == "" {
		t.Fatalf("expected an archive key")
	}

	if _, err := service.Session(context.Background(), pin); err != domain.ErrSessionNotFound {
		t.Fatalf("expected live session gone, got %v", err)
	}
	past, err := service.PastGame(context.Background(), key)
	if err != nil {
		t.Fatalf("past game: %v", err)
	}
	if past.PIN != pin || len(past.Students) != 1 {
		t.Fatalf("unexpected archived game %+v", past)
	}
}

func TestHostQuestionSets(t *testing.T) {
	server, _ := newTestServer(t)
	conn := dial(t, server, "/ws/host?key=secret-key")

	save := map[string]any{
		"type": "saveSet",
		"payload": map[string]any{
			"name":             "Grammar warm-up",
			"questions":        sampleQuestions(),
			"timeLimitMinutes": 3,
		},
	}
	if err := conn.WriteJSON(save); err != nil {
		t.Fatalf("write saveSet: %v", err)
	}
	saved := readUntil(conn, t, "setSaved")
	if saved["key"] == "" {
		t.Fatalf("expected a set key")
	}

	if err := conn.WriteJSON(map[string]any{"type": "sets"}); err != nil {
		t.Fatalf("write sets: %v", err)
	}
	sets := readUntil(conn, t, "sets")
	if len(sets) != 1 {
		t.Fatalf("expected 1 saved set, got %v", sets)
	}
}
