package grading

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"lime-game-service/internal/domain"
)

// DefaultAPIURL targets Groq's OpenAI-compatible endpoint.
const DefaultAPIURL = "https://api.groq.com/openai/v1"

// DefaultModel is the grading model used when none is configured.
const DefaultModel = "llama-3.1-70b-versatile"

const (
	unavailableFeedback = "Grading is not set up yet, so this one could not be scored."
	fallbackFeedback    = "Nice try! Keep the answers coming!"
	apologyFeedback     = "The grader hit a snag, but your effort still counts!"
)

const systemPrompt = `You are the grader for a live classroom quiz. Grade each
student answer line strictly according to the teacher's grading instructions
that accompany the question. For English answers, do NOT accept spelling or
grammar mistakes.

IMPORTANT: respond with ONLY the following JSON object, nothing else:

{
  "results": [
    { "line": 1, "score": integer_score, "feedback": "short, encouraging remark starting with praise" },
    { "line": 2, "score": ..., "feedback": "..." }
  ]
}

Rules:
- One entry per answer line, matched by 1-based line number
- Feedback is upbeat and always starts with praise
- Identical answers must receive identical scores`

// Grader scores a batch of candidate answer lines against a question and
// its rubric. Implementations never fail the caller: every degradation maps
// to fallback scores.
type Grader interface {
	Grade(ctx context.Context, question, rubric string, lines []string) []domain.GradedLine
}

// Service calls an OpenAI-compatible chat-completions API with deterministic
// sampling and maps the response back onto the input lines.
type Service struct {
	httpClient *http.Client
	apiKey     string
	apiURL     string
	model      string
}

func New(apiKey, apiURL, model string) *Service {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &Service{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		apiKey:     apiKey,
		apiURL:     apiURL,
		model:      model,
	}
}

// IsAvailable reports whether a grading credential is configured.
func (s *Service) IsAvailable() bool {
	return s.apiKey != ""
}

type chatRequest struct {
	Model          string          `json:"model"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Messages       []chatMessage   `json:"messages"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type gradedResults struct {
	Results []struct {
		Line     int    `json:"line"`
		Score    int    `json:"score"`
		Feedback string `json:"feedback"`
	} `json:"results"`
}

// Grade returns one entry per input line, in input order. Without a
// credential it scores everything 0 without calling out; on any transport
// or parse failure it scores everything 1 with an apology, so a flaky
// grader never blocks a student.
func (s *Service) Grade(ctx context.Context, question, rubric string, lines []string) []domain.GradedLine {
	if !s.IsAvailable() {
		return uniformResult(lines, 0, unavailableFeedback)
	}

	results, err := s.call(ctx, question, rubric, lines)
	if err != nil {
		return uniformResult(lines, 1, apologyFeedback)
	}

	byLine := make(map[int]domain.GradedLine, len(results.Results))
	for _, r := range results.Results {
		feedback := r.Feedback
		if feedback == "" {
			feedback = fallbackFeedback
		}
		score := r.Score
		if score < 0 {
			score = 0
		}
		byLine[r.Line] = domain.GradedLine{Score: score, Feedback: feedback}
	}

	graded := make([]domain.GradedLine, len(lines))
	for i, text := range lines {
		entry, ok := byLine[i+1]
		if !ok {
			entry = domain.GradedLine{Score: 0, Feedback: fallbackFeedback}
		}
		entry.Text = strings.TrimSpace(text)
		graded[i] = entry
	}
	return graded
}

func (s *Service) call(ctx context.Context, question, rubric string, lines []string) (*gradedResults, error) {
	numbered := make([]string, len(lines))
	for i, line := range lines {
		numbered[i] = fmt.Sprintf("%d. %q", i+1, strings.TrimSpace(line))
	}

	userPrompt := fmt.Sprintf(
		"Question: %s\n\nTeacher's grading instructions (follow them exactly):\n%s\n\nAnswer lines (one answer per line):\n%s\n\nReturn only the JSON object.",
		question, rubric, strings.Join(numbered, "\n"),
	)

	reqBody := chatRequest{
		Model:          s.model,
		Temperature:    0,
		MaxTokens:      1000,
		ResponseFormat: &responseFormat{Type: "json_object"},
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("api status %d: %s", resp.StatusCode, string(body))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("parse api response: %w", err)
	}
	if chatResp.Error != nil {
		return nil, fmt.Errorf("api error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("empty response")
	}

	content := cleanJSONContent(chatResp.Choices[0].Message.Content)
	var results gradedResults
	if err := json.Unmarshal([]byte(content), &results); err != nil {
		return nil, fmt.Errorf("grader returned invalid JSON: %w", err)
	}
	return &results, nil
}

func cleanJSONContent(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```json") {
		content = strings.TrimPrefix(content, "```json")
	}
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```")
	}
	if strings.HasSuffix(content, "```") {
		content = strings.TrimSuffix(content, "```")
	}
	return strings.TrimSpace(content)
}

func uniformResult(lines []string, score int, feedback string) []domain.GradedLine {
	graded := make([]domain.GradedLine, len(lines))
	for i, text := range lines {
		graded[i] = domain.GradedLine{Text: strings.TrimSpace(text), Score: score, Feedback: feedback}
	}
	return graded
}
