package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	defaultAnthropicModel = "claude-3-5-haiku-latest"
	defaultMaxTokens      = 2048
	defaultRateLimit      = 2.0
	defaultBurst          = 4
	defaultMaxRetries     = 3
	defaultInitialBackoff = 500 * time.Millisecond

	instrumentationName = "github.com/fyrsmithlabs/dealflow/internal/oracle"
)

const systemPrompt = `You are the structured-output engine of a talent agency deal desk.
Answer with exactly one JSON object of the form {"confidence": <number between 0 and 1>, "data": <object>}.
"data" must match the response shape given by the user. Do not add prose, markdown or extra keys.
Use a low confidence when the input is ambiguous or incomplete.`

// AnthropicConfig configures the Anthropic oracle.
type AnthropicConfig struct {
	APIKey         string
	Model          string
	BaseURL        string
	MaxTokens      int64
	RateLimit      float64
	Burst          int
	MaxRetries     int
	InitialBackoff time.Duration
}

// Anthropic is an Oracle backed by the Anthropic Messages API.
type Anthropic struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	retry     *retrier
}

// NewAnthropic builds the client. Retries are handled here, not by the SDK,
// so they share the rate limiter.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	metricsOnce.Do(initMetrics)

	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     anthropic.Model(cfg.Model),
		maxTokens: cfg.MaxTokens,
		retry: &retrier{
			limiter:        rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
			maxRetries:     cfg.MaxRetries,
			initialBackoff: cfg.InitialBackoff,
			retryable:      isRetryable,
		},
	}, nil
}

var oracleMetrics struct {
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	duration     metric.Float64Histogram
	failures     metric.Int64Counter
}

var metricsOnce sync.Once

func initMetrics() {
	m := otel.Meter(instrumentationName)
	oracleMetrics.inputTokens, _ = m.Int64Counter("dealflow.oracle.input_tokens",
		metric.WithDescription("Model input tokens consumed"),
		metric.WithUnit("{token}"),
	)
	oracleMetrics.outputTokens, _ = m.Int64Counter("dealflow.oracle.output_tokens",
		metric.WithDescription("Model output tokens generated"),
		metric.WithUnit("{token}"),
	)
	oracleMetrics.duration, _ = m.Float64Histogram("dealflow.oracle.request.duration",
		metric.WithDescription("Model request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	oracleMetrics.failures, _ = m.Int64Counter("dealflow.oracle.failures",
		metric.WithDescription("Oracle calls that returned an error"),
	)
}

// Complete implements Oracle.
func (a *Anthropic) Complete(ctx context.Context, req Request) (*Result, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "oracle.complete")
	defer span.End()
	attrs := []attribute.KeyValue{
		attribute.String("dealflow.oracle.model", string(a.model)),
		attribute.String("dealflow.oracle.task", req.Task),
	}
	span.SetAttributes(attrs...)

	prompt, err := buildPrompt(req)
	if err != nil {
		return nil, err
	}
	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	var msg *anthropic.Message
	attempts, err := a.retry.do(ctx, func() error {
		t0 := time.Now()
		m, err := a.client.Messages.New(ctx, params)
		oracleMetrics.duration.Record(ctx, float64(time.Since(t0).Milliseconds()), metric.WithAttributes(attrs...))
		if err != nil {
			return err
		}
		msg = m
		return nil
	})
	if err != nil {
		fail(ctx, span, attrs, err)
		return nil, fmt.Errorf("oracle %s after %d attempts: %w", req.Task, attempts, err)
	}

	oracleMetrics.inputTokens.Add(ctx, msg.Usage.InputTokens, metric.WithAttributes(attrs...))
	oracleMetrics.outputTokens.Add(ctx, msg.Usage.OutputTokens, metric.WithAttributes(attrs...))
	span.SetAttributes(
		attribute.Int64("dealflow.oracle.input_tokens", msg.Usage.InputTokens),
		attribute.Int64("dealflow.oracle.output_tokens", msg.Usage.OutputTokens),
		attribute.Int("dealflow.oracle.attempts", attempts),
	)

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	res, err := parseEnvelope(text.String())
	if err != nil {
		fail(ctx, span, attrs, err)
		return nil, err
	}
	return res, nil
}

func fail(ctx context.Context, span trace.Span, attrs []attribute.KeyValue, err error) {
	oracleMetrics.failures.Add(ctx, 1, metric.WithAttributes(attrs...))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func buildPrompt(req Request) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\n", req.Task)
	b.WriteString("Instructions:\n")
	b.WriteString(req.Instructions)
	b.WriteString("\n\nResponse shape for \"data\":\n")
	b.WriteString(req.ResponseShape)
	if req.Context != nil {
		ctxJSON, err := json.MarshalIndent(req.Context, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode oracle context: %w", err)
		}
		b.WriteString("\n\nContext:\n")
		b.Write(ctxJSON)
	}
	return b.String(), nil
}

// parseEnvelope accepts the model's text, optionally fenced as a code block,
// and returns the result only when both fields are present and valid.
func parseEnvelope(text string) (*Result, error) {
	body := strings.TrimSpace(text)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```json")
		body = strings.TrimPrefix(body, "```")
		body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	}
	var env struct {
		Confidence *float64        `json:"confidence"`
		Data       json.RawMessage `json:"data"`
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if env.Confidence == nil || *env.Confidence < 0 || *env.Confidence > 1 {
		return nil, fmt.Errorf("%w: missing or out-of-range confidence", ErrMalformedResponse)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, fmt.Errorf("%w: missing data", ErrMalformedResponse)
	}
	return &Result{Data: env.Data, Confidence: *env.Confidence}, nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
