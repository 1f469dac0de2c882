package analyzer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/kaptinlin/jsonrepair"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/vitos/crypto_dealer/internal/domain"
)

const (
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 5 * time.Second
)

// Config selects the model endpoint. BaseURL empty means the public OpenAI
// API; any OpenAI-compatible server works.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxRetries  int // retries after the first attempt
}

// OpenAIAnalyzer turns a batch of market contexts into trade decisions via a
// chat completion. One request per batch; the reply is a single JSON object.
type OpenAIAnalyzer struct {
	client openai.Client
	cfg    Config
	logger *zap.Logger

	backoff func(attempt int) time.Duration // For testing
}

func New(cfg Config, logger *zap.Logger) *OpenAIAnalyzer {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// The SDK retries on its own by default; retry policy lives here.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIAnalyzer{
		client:  openai.NewClient(opts...),
		cfg:     cfg,
		logger:  logger,
		backoff: backoffDelay,
	}
}

func (a *OpenAIAnalyzer) AnalyzeBatch(ctx context.Context, req *domain.BatchRequest) (*domain.BatchAnalysis, error) {
	if len(req.Contexts) == 0 {
		return &domain.BatchAnalysis{}, nil
	}
	userPrompt, err := buildUserPrompt(req)
	if err != nil {
		return nil, fmt.Errorf("building analyzer prompt: %w", err)
	}

	params := openai.ChatCompletionNewParams{
		Model: a.cfg.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(buildSystemPrompt(req)),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(a.cfg.Temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: lo.ToPtr(shared.NewResponseFormatJSONObjectParam()),
		},
	}

	completion, err := a.complete(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("analyzer returned no choices")
	}
	return parseBatchReply(completion.Choices[0].Message.Content)
}

func (a *OpenAIAnalyzer) complete(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		completion, err := a.client.Chat.Completions.New(ctx, params)
		if err == nil {
			return completion, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt >= a.cfg.MaxRetries {
			break
		}

		delay := a.backoff(attempt)
		a.logger.Warn("Analyzer request failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("analyzer request failed after %d attempts: %w", a.cfg.MaxRetries+1, lastErr)
}

// backoffDelay doubles from the base with jitter in [delay/2, delay].
func backoffDelay(attempt int) time.Duration {
	delay := retryBaseDelay << attempt
	if delay > retryMaxDelay || delay <= 0 {
		delay = retryMaxDelay
	}
	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(delay-half)+1))
}

type batchReply struct {
	Decisions []domain.Decision `json:"decisions"`
	Summary   string            `json:"summary"`
}

func parseBatchReply(content string) (*domain.BatchAnalysis, error) {
	if strings.TrimSpace(content) == "" {
		return nil, errors.New("analyzer returned empty content")
	}
	repaired, err := jsonrepair.JSONRepair(content)
	if err != nil {
		return nil, fmt.Errorf("repairing analyzer reply: %w", err)
	}
	var reply batchReply
	if err := sonic.UnmarshalString(repaired, &reply); err != nil {
		return nil, fmt.Errorf("parsing analyzer reply: %w", err)
	}

	decisions := make([]domain.Decision, 0, len(reply.Decisions))
	for _, d := range reply.Decisions {
		decisions = append(decisions, sanitizeDecision(d))
	}
	return &domain.BatchAnalysis{
		Decisions: decisions,
		Summary:   strings.TrimSpace(reply.Summary),
	}, nil
}

// sanitizeDecision normalizes one reply entry. Unknown actions map to HOLD,
// which the confidence filter drops downstream.
func sanitizeDecision(d domain.Decision) domain.Decision {
	d.Instrument = strings.TrimSpace(d.Instrument)
	switch action := domain.Action(strings.ToUpper(strings.TrimSpace(string(d.Action)))); action {
	case domain.ActionBuy, domain.ActionSell, domain.ActionClose, domain.ActionHold:
		d.Action = action
	default:
		d.Action = domain.ActionHold
	}
	if d.Confidence < 0 {
		d.Confidence = 0
	}
	if d.Confidence > 1 {
		d.Confidence = 1
	}
	if d.Leverage < 0 {
		d.Leverage = 0
	}
	if d.SizeUSD < 0 {
		d.SizeUSD = 0
	}
	if d.Price < 0 {
		d.Price = 0
	}
	if d.StopLoss < 0 {
		d.StopLoss = 0
	}
	if d.TakeProfit < 0 {
		d.TakeProfit = 0
	}
	return d
}
