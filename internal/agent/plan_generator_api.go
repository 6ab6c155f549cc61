package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"missionmesh/internal/domain"
)

const (
	defaultPlanReasoningEffort = "medium"
	defaultPlanAPIRetries      = 2
	defaultPlanAPIBackoff      = 1500 * time.Millisecond
	defaultPlanAPITimeout      = 2 * time.Minute
	defaultPlanMaxOutputBytes  = 1 * 1024 * 1024
	defaultPlanMaxOutputTokens = 8000
	maxPlanErrorBodyReadSize   = 64 * 1024
)

var allowedPlanReasoningEfforts = map[string]struct{}{
	"none":   {},
	"low":    {},
	"medium": {},
	"high":   {},
}

// APIPlanGeneratorConfig configures the model-backed plan generator.
type APIPlanGeneratorConfig struct {
	Endpoint        string
	Model           string
	ReasoningEffort string
	AuthToken       string
	Timeout         time.Duration
	Retries         int
	RetryBackoff    time.Duration
	MaxOutputBytes  int
	MaxOutputTokens int
	Logger          *log.Logger
	Client          *http.Client
}

// APIPlanGenerator asks a responses-style streaming endpoint to turn a goal
// into a step list. It retries transient failures and tolerates
// markdown-fenced JSON output.
type APIPlanGenerator struct {
	endpoint        string
	model           string
	reasoningEffort string
	authToken       string
	retries         int
	retryBackoff    time.Duration
	maxOutputBytes  int
	maxOutputTokens int
	logger          *log.Logger
	client          *http.Client
}

func NewAPIPlanGenerator(cfg APIPlanGeneratorConfig) (*APIPlanGenerator, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("empty API endpoint")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid API endpoint %q: %w", endpoint, err)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("empty model")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultPlanAPITimeout
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = defaultPlanAPIRetries
	}
	retryBackoff := cfg.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = defaultPlanAPIBackoff
	}
	maxOutputBytes := cfg.MaxOutputBytes
	if maxOutputBytes <= 0 {
		maxOutputBytes = defaultPlanMaxOutputBytes
	}
	maxOutputTokens := cfg.MaxOutputTokens
	if maxOutputTokens <= 0 {
		maxOutputTokens = defaultPlanMaxOutputTokens
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	return &APIPlanGenerator{
		endpoint:        endpoint,
		model:           model,
		reasoningEffort: normalizePlanReasoningEffort(cfg.ReasoningEffort),
		authToken:       strings.TrimSpace(cfg.AuthToken),
		retries:         retries,
		retryBackoff:    retryBackoff,
		maxOutputBytes:  maxOutputBytes,
		maxOutputTokens: maxOutputTokens,
		logger:          cfg.Logger,
		client:          client,
	}, nil
}

func (g *APIPlanGenerator) Generate(ctx context.Context, req domain.PlanRequestPayload) (domain.PlanResponsePayload, error) {
	var lastErr error
	for attempt := 1; attempt <= g.retries+1; attempt++ {
		plan, err := g.generateOnce(ctx, req)
		if err == nil {
			return plan, nil
		}
		lastErr = err
		if !isRetryablePlanAPIError(err) || attempt == g.retries+1 {
			break
		}
		wait := time.Duration(attempt) * g.retryBackoff
		g.logger.Printf("plan api retry attempt=%d wait=%s reason=%v", attempt, wait, err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.PlanResponsePayload{}, ctx.Err()
		case <-timer.C:
		}
	}
	if lastErr == nil {
		lastErr = errors.New("unknown plan generation error")
	}
	return domain.PlanResponsePayload{}, lastErr
}

func (g *APIPlanGenerator) generateOnce(ctx context.Context, req domain.PlanRequestPayload) (domain.PlanResponsePayload, error) {
	payload := planAPIRequest{
		Model:        g.model,
		Instructions: planInstructions,
		Stream:       true,
		Reasoning:    &planReasoning{Effort: g.reasoningEffort},
		Input: []planInputMessage{
			{
				Role: "user",
				Content: []planInputContent{
					{Type: "input_text", Text: buildPlanPrompt(req)},
				},
			},
		},
		MaxOutputTokens: g.maxOutputTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.PlanResponsePayload{}, fmt.Errorf("marshal plan request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.PlanResponsePayload{}, fmt.Errorf("create plan API request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.authToken)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return domain.PlanResponsePayload{}, fmt.Errorf("plan api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxPlanErrorBodyReadSize))
		if readErr != nil {
			return domain.PlanResponsePayload{}, fmt.Errorf("plan api status=%d and read body failed: %w", resp.StatusCode, readErr)
		}
		return domain.PlanResponsePayload{}, planAPIHTTPError{
			statusCode: resp.StatusCode,
			body:       strings.TrimSpace(string(errBody)),
		}
	}

	raw, err := readPlanStream(resp.Body, g.maxOutputBytes)
	if err != nil {
		return domain.PlanResponsePayload{}, fmt.Errorf("read plan stream: %w", err)
	}
	plan, err := ParsePlanOutput([]byte(raw))
	if err != nil {
		return domain.PlanResponsePayload{}, fmt.Errorf("parse plan output: %w", err)
	}
	plan.ModelUsed = g.model
	return plan, nil
}

func buildPlanPrompt(req domain.PlanRequestPayload) string {
	var b strings.Builder
	b.WriteString("Break the goal into ordered steps for independent workers.\n")
	b.WriteString("Return only valid JSON matching the required shape.\n")
	b.WriteString("Each step names one target worker; a step input may reference\n")
	b.WriteString("an earlier step's output with ref(stepIndex, dotted.path).\n\n")
	b.WriteString("Goal:\n")
	b.WriteString(req.Goal)
	b.WriteString("\n")
	if len(req.Context) > 0 {
		b.WriteString("\nContext:\n")
		ctxRaw, err := json.Marshal(req.Context)
		if err == nil {
			b.Write(ctxRaw)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// ParsePlanOutput decodes a model plan, stripping markdown fences first.
func ParsePlanOutput(raw []byte) (domain.PlanResponsePayload, error) {
	text := strings.TrimSpace(string(raw))
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var out struct {
		Steps      []domain.PlanStep `json:"steps"`
		Confidence float64           `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return domain.PlanResponsePayload{}, err
	}
	if len(out.Steps) == 0 {
		return domain.PlanResponsePayload{}, fmt.Errorf("plan has no steps")
	}
	for i, step := range out.Steps {
		if strings.TrimSpace(step.TargetWorker) == "" {
			return domain.PlanResponsePayload{}, fmt.Errorf("plan step %d has empty target worker", i)
		}
	}
	confidence := out.Confidence
	if confidence <= 0 || confidence > 1 {
		confidence = 0.5
	}
	return domain.PlanResponsePayload{
		Success:    true,
		Plan:       out.Steps,
		Confidence: confidence,
	}, nil
}

func normalizePlanReasoningEffort(value string) string {
	effort := strings.ToLower(strings.TrimSpace(value))
	if effort == "" {
		return defaultPlanReasoningEffort
	}
	if _, ok := allowedPlanReasoningEfforts[effort]; !ok {
		return defaultPlanReasoningEffort
	}
	return effort
}

func isRetryablePlanAPIError(err error) bool {
	var statusErr planAPIHTTPError
	if errors.As(err, &statusErr) {
		return statusErr.statusCode == http.StatusTooManyRequests || statusErr.statusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

func readPlanStream(body io.Reader, maxBytes int) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxBytes+64*1024)

	var output strings.Builder
	var dataLines []string
	processEvent := func(lines []string) error {
		if len(lines) == 0 {
			return nil
		}
		data := strings.TrimSpace(strings.Join(lines, "\n"))
		if data == "" || data == "[DONE]" {
			return nil
		}
		var event planStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return fmt.Errorf("unmarshal stream event: %w", err)
		}
		if event.Error != nil {
			return fmt.Errorf("plan stream error: %s", event.Error.Message)
		}
		if event.Response != nil && event.Response.Error != nil {
			return fmt.Errorf("plan completion error: %s", event.Response.Error.Message)
		}
		switch event.Type {
		case "response.output_text.delta":
			if output.Len()+len(event.Delta) > maxBytes {
				return fmt.Errorf("plan output exceeds %d bytes", maxBytes)
			}
			output.WriteString(event.Delta)
		case "response.completed":
			if output.Len() == 0 && event.Response != nil {
				text := extractCompletedPlanText(event.Response)
				if output.Len()+len(text) > maxBytes {
					return fmt.Errorf("plan output exceeds %d bytes", maxBytes)
				}
				output.WriteString(text)
			}
		}
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := processEvent(dataLines); err != nil {
				return "", err
			}
			dataLines = dataLines[:0]
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if err := processEvent(dataLines); err != nil {
		return "", err
	}
	text := strings.TrimSpace(output.String())
	if text == "" {
		return "", fmt.Errorf("empty output stream")
	}
	return text, nil
}

func extractCompletedPlanText(resp *planEventResponse) string {
	if resp == nil {
		return ""
	}
	var out strings.Builder
	for _, item := range resp.Output {
		for _, part := range item.Content {
			if part.Type == "output_text" || part.Type == "text" {
				out.WriteString(part.Text)
			}
		}
	}
	return out.String()
}

type planAPIRequest struct {
	Model           string             `json:"model"`
	Instructions    string             `json:"instructions"`
	Stream          bool               `json:"stream"`
	Reasoning       *planReasoning     `json:"reasoning,omitempty"`
	Input           []planInputMessage `json:"input"`
	MaxOutputTokens int                `json:"max_output_tokens,omitempty"`
}

type planReasoning struct {
	Effort string `json:"effort"`
}

type planInputMessage struct {
	Role    string             `json:"role"`
	Content []planInputContent `json:"content"`
}

type planInputContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type planStreamEvent struct {
	Type     string             `json:"type"`
	Delta    string             `json:"delta,omitempty"`
	Response *planEventResponse `json:"response,omitempty"`
	Error    *planAPIError      `json:"error,omitempty"`
}

type planEventResponse struct {
	Error  *planAPIError    `json:"error,omitempty"`
	Output []planOutputItem `json:"output,omitempty"`
}

type planOutputItem struct {
	Type    string            `json:"type"`
	Content []planOutputPiece `json:"content,omitempty"`
}

type planOutputPiece struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type planAPIError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
}

type planAPIHTTPError struct {
	statusCode int
	body       string
}

func (e planAPIHTTPError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("plan api status=%d", e.statusCode)
	}
	return fmt.Sprintf("plan api status=%d body=%s", e.statusCode, e.body)
}

const planInstructions = `You convert a goal into an ordered execution plan.
Return only valid JSON. Do not wrap output in markdown fences.
Required top-level JSON shape:
{
  "steps": [
    {
      "description": "what the step does",
      "target_worker": "worker id",
      "input_template": {"key": "value or ref(0, dotted.path)"},
      "expected_outcome": "optional",
      "fallback": "skip or empty",
      "max_retries": 3
    }
  ],
  "confidence": 0.8
}
A step input may only reference outputs of earlier steps.`
