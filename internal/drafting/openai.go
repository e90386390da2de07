package drafting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/fyrsmithlabs/autopilot/internal/apperr"
	"github.com/fyrsmithlabs/autopilot/internal/logging"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/autopilot/internal/drafting"

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = "gpt-4o-mini"

	systemPrompt = "Create a minimal, safe change that moves the repo toward the task. " +
		"Output a concise Markdown file (200-400 words) with any small code snippets. " +
		"Write under docs/autopilot/ only."

	retrievalK = 4
)

// OpenAIConfig configures an OpenAI drafter.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string // empty for api.openai.com; set for compatible gateways
	Model   string

	HTTPClient *http.Client
	Retriever  Retriever
	Logger     *logging.Logger
}

// OpenAI drafts plans with a chat completion at temperature 0.
type OpenAI struct {
	client    openai.Client
	model     string
	retriever Retriever
	logger    *logging.Logger
	tracer    trace.Tracer
}

// NewOpenAI creates a drafter. The API key is required.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("drafting: OpenAI API key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(1),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	d := &OpenAI{
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		retriever: cfg.Retriever,
		logger:    cfg.Logger,
		tracer:    otel.Tracer(instrumentationName),
	}
	if d.model == "" {
		d.model = DefaultModel
	}
	if d.logger == nil {
		d.logger = logging.Nop()
	}
	return d, nil
}

// Draft implements Drafter. An empty completion yields EmptyDraft.
func (d *OpenAI) Draft(ctx context.Context, task string) (string, error) {
	ctx, span := d.tracer.Start(ctx, "drafting.draft")
	defer span.End()
	span.SetAttributes(attribute.String("drafting.model", d.model))

	task = strings.TrimSpace(task)
	if task == "" {
		return "", apperr.Validation("draft", "task is required")
	}

	user := "Task: " + task + "\n\n"
	if passages := d.ground(ctx, task); len(passages) > 0 {
		span.SetAttributes(attribute.Int("drafting.passages", len(passages)))
		user += "Relevant passages:\n" + formatPassages(passages) + "\n\n"
	}
	user += "Write the Markdown now."

	resp, err := d.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(d.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500) {
			return "", apperr.Wrap(apperr.KindRemoteTransient, "draft", err)
		}
		return "", apperr.Wrap(apperr.KindRemoteError, "draft", fmt.Errorf("chat completion: %w", err))
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		d.logger.Warn(ctx, "drafter returned no content", zap.String("model", d.model))
		return EmptyDraft, nil
	}
	return resp.Choices[0].Message.Content, nil
}

// ground fetches passages. Retrieval is optional so failures only log.
func (d *OpenAI) ground(ctx context.Context, task string) []Passage {
	if d.retriever == nil {
		return nil
	}
	passages, err := d.retriever.Search(ctx, task, retrievalK)
	if err != nil {
		d.logger.Warn(ctx, "retrieval failed, drafting without passages", zap.Error(err))
		return nil
	}
	return passages
}
