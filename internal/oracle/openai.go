package oracle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIConfig configures an oracle for any OpenAI-compatible chat
// completions endpoint, including local inference servers.
type OpenAIConfig struct {
	APIKey         string
	Model          string
	BaseURL        string
	MaxTokens      int64
	RateLimit      float64
	Burst          int
	MaxRetries     int
	InitialBackoff time.Duration
	HTTPClient     *http.Client
}

// OpenAI is an Oracle backed by a langchaingo chat model.
type OpenAI struct {
	llm       llms.Model
	model     string
	maxTokens int
	retry     *retrier
}

// NewOpenAI builds the client. Local servers usually ignore the API key, so
// an empty key is replaced with a placeholder when BaseURL is set.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("openai API key required")
		}
		cfg.APIKey = "placeholder"
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
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

	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, openai.WithHTTPClient(cfg.HTTPClient))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	metricsOnce.Do(initMetrics)

	return &OpenAI{
		llm:       llm,
		model:     cfg.Model,
		maxTokens: int(cfg.MaxTokens),
		retry: &retrier{
			limiter:        rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
			maxRetries:     cfg.MaxRetries,
			initialBackoff: cfg.InitialBackoff,
			retryable:      retryableGeneric,
		},
	}, nil
}

// Complete implements Oracle.
func (o *OpenAI) Complete(ctx context.Context, req Request) (*Result, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "oracle.complete")
	defer span.End()
	attrs := []attribute.KeyValue{
		attribute.String("dealflow.oracle.model", o.model),
		attribute.String("dealflow.oracle.task", req.Task),
	}
	span.SetAttributes(attrs...)

	prompt, err := buildPrompt(req)
	if err != nil {
		return nil, err
	}
	messages := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(schema.ChatMessageTypeHuman, prompt),
	}

	var resp *llms.ContentResponse
	attempts, err := o.retry.do(ctx, func() error {
		t0 := time.Now()
		r, err := o.llm.GenerateContent(ctx, messages, llms.WithMaxTokens(o.maxTokens), llms.WithTemperature(0))
		oracleMetrics.duration.Record(ctx, float64(time.Since(t0).Milliseconds()), metric.WithAttributes(attrs...))
		if err != nil {
			return err
		}
		if len(r.Choices) == 0 {
			return fmt.Errorf("%w: no choices", ErrMalformedResponse)
		}
		resp = r
		return nil
	})
	if err != nil {
		fail(ctx, span, attrs, err)
		return nil, fmt.Errorf("oracle %s after %d attempts: %w", req.Task, attempts, err)
	}

	choice := resp.Choices[0]
	in, out := tokenCount(choice.GenerationInfo, "PromptTokens"), tokenCount(choice.GenerationInfo, "CompletionTokens")
	oracleMetrics.inputTokens.Add(ctx, in, metric.WithAttributes(attrs...))
	oracleMetrics.outputTokens.Add(ctx, out, metric.WithAttributes(attrs...))
	span.SetAttributes(
		attribute.Int64("dealflow.oracle.input_tokens", in),
		attribute.Int64("dealflow.oracle.output_tokens", out),
		attribute.Int("dealflow.oracle.attempts", attempts),
	)

	res, err := parseEnvelope(choice.Content)
	if err != nil {
		fail(ctx, span, attrs, err)
		return nil, err
	}
	return res, nil
}

func tokenCount(info map[string]any, key string) int64 {
	switch v := info[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

// retryableGeneric retries everything but cancellation and malformed
// answers, since langchaingo does not expose status codes as typed errors.
func retryableGeneric(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !errors.Is(err, ErrMalformedResponse)
}
