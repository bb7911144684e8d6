package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tract-dev/trace/internal/tracerr"
)

// DefaultModel is used when ChatOptions.Model is empty.
const DefaultModel = "claude-haiku-4-5"

// AnthropicClient is the production Client: the Anthropic SDK with
// exponential-backoff retry and OTel instrumentation.
type AnthropicClient struct {
	client     anthropic.Client
	maxRetries int
	initial    time.Duration

	tracer trace.Tracer
	meter  metric.Meter

	instOnce     sync.Once
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	duration     metric.Float64Histogram
}

// NewAnthropicClient builds a Client from an explicit API key; the
// ANTHROPIC_API_KEY environment variable takes precedence.
func NewAnthropicClient(apiKey string, tracerProvider trace.TracerProvider, meterProvider metric.MeterProvider) (*AnthropicClient, error) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, errors.New("llmclient: API key required: set ANTHROPIC_API_KEY or pass one explicitly")
	}
	c := &AnthropicClient{
		client:     anthropic.NewClient(option.WithAPIKey(apiKey)),
		maxRetries: 3,
		initial:    time.Second,
	}
	if tracerProvider != nil {
		c.tracer = tracerProvider.Tracer("github.com/tract-dev/trace/llmclient")
	}
	if meterProvider != nil {
		c.meter = meterProvider.Meter("github.com/tract-dev/trace/llmclient")
		c.initMetrics()
	}
	return c, nil
}

func (c *AnthropicClient) initMetrics() {
	c.instOnce.Do(func() {
		if c.meter == nil {
			return
		}
		c.inputTokens, _ = c.meter.Int64Counter("trace.llm.input_tokens",
			metric.WithDescription("LLM input tokens consumed"), metric.WithUnit("{token}"))
		c.outputTokens, _ = c.meter.Int64Counter("trace.llm.output_tokens",
			metric.WithDescription("LLM output tokens generated"), metric.WithUnit("{token}"))
		c.duration, _ = c.meter.Float64Histogram("trace.llm.request.duration",
			metric.WithDescription("LLM request duration in milliseconds"), metric.WithUnit("ms"))
	})
}

func (c *AnthropicClient) Chat(ctx context.Context, messages []Message, opts ChatOptions) (*Response, error) {
	model := opts.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	var sdkMessages []anthropic.MessageParam
	var system string
	for _, m := range messages {
		if m.Role == "system" {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		if m.Role == "assistant" {
			sdkMessages = append(sdkMessages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		} else {
			sdkMessages = append(sdkMessages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  sdkMessages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}

	var span trace.Span
	if c.tracer != nil {
		ctx, span = c.tracer.Start(ctx, "anthropic.messages.new")
		defer span.End()
		span.SetAttributes(attribute.String("trace.llm.model", model))
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initial

	var message *anthropic.Message
	var lastErr error
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		if attempts > c.maxRetries+1 {
			return backoff.Permanent(lastErr)
		}
		t0 := time.Now()
		msg, callErr := c.client.Messages.New(ctx, params)
		ms := float64(time.Since(t0).Milliseconds())
		if callErr == nil {
			message = msg
			if c.inputTokens != nil {
				attr := metric.WithAttributes(attribute.String("trace.llm.model", model))
				c.inputTokens.Add(ctx, msg.Usage.InputTokens, attr)
				c.outputTokens.Add(ctx, msg.Usage.OutputTokens, attr)
				c.duration.Record(ctx, ms, attr)
			}
			return nil
		}
		lastErr = callErr
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !isRetryable(callErr) {
			return backoff.Permanent(callErr)
		}
		return callErr
	}, backoff.WithContext(bo, ctx))

	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, classifyError(err)
	}

	if len(message.Content) == 0 {
		return nil, tracerr.LLMClient(tracerr.LLMResponseFormat, "no content blocks in response", 0, nil)
	}
	block := message.Content[0]
	if block.Type != "text" {
		return nil, tracerr.LLMClient(tracerr.LLMResponseFormat, fmt.Sprintf("unexpected block type %q", block.Type), 0, nil)
	}

	return &Response{
		Text:  block.Text,
		Model: string(message.Model),
		Usage: &Usage{
			Prompt:     int(message.Usage.InputTokens),
			Completion: int(message.Usage.OutputTokens),
			Total:      int(message.Usage.InputTokens + message.Usage.OutputTokens),
		},
	}, nil
}

func (c *AnthropicClient) Close() error { return nil }

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

// classifyError maps an Anthropic SDK error onto the tracerr LLMClient
// sub-kind taxonomy.
func classifyError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return tracerr.LLMClient(tracerr.LLMAuth, apiErr.Error(), 0, err)
		case apiErr.StatusCode == 429:
			return tracerr.LLMClient(tracerr.LLMRateLimit, apiErr.Error(), 0, err)
		case apiErr.StatusCode >= 500:
			return tracerr.LLMClient(tracerr.LLMTransport, apiErr.Error(), 0, err)
		default:
			return tracerr.LLMClient(tracerr.LLMResponseFormat, apiErr.Error(), 0, err)
		}
	}
	return tracerr.LLMClient(tracerr.LLMTransport, err.Error(), 0, err)
}

var _ Client = (*AnthropicClient)(nil)
