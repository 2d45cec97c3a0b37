package bot

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/soyeahso/teamsforge/internal/config"
	"github.com/soyeahso/teamsforge/internal/domain"
	"github.com/soyeahso/teamsforge/internal/history"
	"github.com/soyeahso/teamsforge/internal/llm"
	"github.com/soyeahso/teamsforge/internal/logging"
	"github.com/soyeahso/teamsforge/internal/metrics"
)

var errNotConfigured = errors.New("bot: completion client not configured")

// Mode selects how plain text messages are answered.
type Mode string

const (
	ModeStatic     Mode = "static"
	ModeEcho       Mode = "echo"
	ModeCompletion Mode = "completion"
)

// Options configure a Handler.
type Options struct {
	Mode              Mode
	Welcome           bool
	SystemPrompt      string
	Model             string
	MaxTokens         int
	Temperature       *float64
	CompletionTimeout time.Duration
}

// OptionsFromConfig derives handler options from bot and completion settings.
func OptionsFromConfig(bot config.BotConfig, completion config.CompletionConfig) Options {
	return Options{
		Mode:              Mode(bot.Mode),
		Welcome:           config.BoolValue(bot.Welcome, true),
		SystemPrompt:      completion.SystemPrompt,
		Model:             completion.Model,
		MaxTokens:         completion.MaxTokens,
		Temperature:       completion.Temperature,
		CompletionTimeout: time.Duration(completion.TimeoutSeconds) * time.Second,
	}
}

// Handler produces at most one reply per activity.
type Handler struct {
	opts    Options
	history history.Store
	llm     llm.Client
	metrics *metrics.Metrics
	log     *logging.Logger
	newID   func() string
}

// NewHandler creates a Handler. store and client are only used in completion
// mode and may be nil otherwise.
func NewHandler(opts Options, store history.Store, client llm.Client, m *metrics.Metrics, log *logging.Logger) *Handler {
	if opts.Mode == "" {
		opts.Mode = ModeStatic
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = config.DefaultSystemPrompt
	}
	return &Handler{
		opts:    opts,
		history: store,
		llm:     client,
		metrics: m,
		log:     log.Sub("bot"),
		newID:   uuid.NewString,
	}
}

// Mode returns the configured text mode.
func (h *Handler) Mode() Mode { return h.opts.Mode }

// Handle classifies the activity and builds the reply, or nil for no reply.
// Completion failures become the fallback text; the only error is a
// cancelled context.
func (h *Handler) Handle(ctx context.Context, a *domain.Activity) (*domain.Activity, error) {
	turn := Classify(a)
	h.metrics.RecordTurn(string(turn.Kind))
	h.log.Debug().Str("kind", string(turn.Kind)).Msg("turn classified")

	var reply *domain.Activity
	switch turn.Kind {
	case KindIgnore:
		return nil, nil

	case KindConversationUpdate:
		if !h.opts.Welcome || len(turn.Joined) == 0 {
			return nil, nil
		}
		reply = a.Reply(WelcomeText)

	case KindMissingContentType:
		reply = a.Reply(MissingContentText)

	case KindHTMLQuirk:
		reply = a.Reply(StaticGreeting)

	case KindFileLink:
		reply = a.Reply(fileLinkText(turn.Attachment.Name, turn.DownloadURL))

	case KindFileLinkMissing:
		reply = a.Reply(FileUnavailableText)

	case KindAttachmentEcho:
		reply = a.Reply("")
		reply.TextFormat = ""
		reply.Attachments = []domain.Attachment{{
			ContentType: turn.Attachment.ContentType,
			ContentURL:  turn.Attachment.ContentURL,
			Name:        turn.Attachment.Name,
		}}

	case KindUnsupported:
		reply = a.Reply(unsupportedText(turn.Attachment.ContentType))

	case KindText:
		text, ok, err := h.answer(ctx, a, turn.Text)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		reply = a.Reply(text)
	}

	reply.ID = h.newID()
	return reply, nil
}

func (h *Handler) answer(ctx context.Context, a *domain.Activity, text string) (string, bool, error) {
	switch h.opts.Mode {
	case ModeEcho:
		return echoText(text), true, nil
	case ModeCompletion:
		if text == "" {
			return "", false, nil
		}
		reply, err := h.complete(ctx, conversationID(a), text)
		if err != nil && ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		return reply, true, nil
	default:
		return StaticGreeting, true, nil
	}
}

// complete runs one completion turn. It always returns a reply text; err is
// set when the fallback text was used.
func (h *Handler) complete(ctx context.Context, convID, text string) (string, error) {
	if h.llm == nil || h.history == nil {
		h.log.Error().Msg("completion mode without a completion client or history store")
		return FallbackText, errNotConfigured
	}

	if err := h.history.Append(ctx, convID, history.Entry{Role: history.RoleUser, Content: text}); err != nil {
		h.log.Warn().Str("conversation", convID).Err(err).Msg("history append failed")
		return FallbackText, err
	}
	recent, err := h.history.Recent(ctx, convID)
	if err != nil {
		h.log.Warn().Str("conversation", convID).Err(err).Msg("history load failed")
		return FallbackText, err
	}

	msgs := make([]llm.Message, 0, len(recent))
	for _, e := range recent {
		msgs = append(msgs, llm.Message{Role: e.Role, Content: e.Content})
	}

	cctx := ctx
	if h.opts.CompletionTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, h.opts.CompletionTimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := h.llm.Complete(cctx, llm.CompletionRequest{
		Model:       h.opts.Model,
		System:      h.opts.SystemPrompt,
		Messages:    msgs,
		MaxTokens:   h.opts.MaxTokens,
		Temperature: h.opts.Temperature,
	})
	h.metrics.RecordCompletion(h.llm.Name(), err == nil, time.Since(start))
	if err != nil {
		h.log.Warn().Str("conversation", convID).Err(err).Msg("completion failed, using fallback")
		return FallbackText, err
	}

	content := resp.Content
	if content == "" {
		content = EmptyCompletionText
	}
	if err := h.history.Append(ctx, convID, history.Entry{Role: history.RoleAssistant, Content: content}); err != nil {
		h.log.Warn().Str("conversation", convID).Err(err).Msg("history append failed")
	}
	return content, nil
}

func conversationID(a *domain.Activity) string {
	if a.Conversation.ID == "" {
		return DefaultConversation
	}
	return a.Conversation.ID
}
