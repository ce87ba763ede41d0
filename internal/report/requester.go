package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MJE43/arena-rewards/internal/gameplay"
	"github.com/MJE43/arena-rewards/internal/llm"
)

// ChatClient is the chat collaborator.
type ChatClient interface {
	Complete(ctx context.Context, msgs []llm.Message) (string, error)
}

// OutcomeKind classifies an augmented request.
type OutcomeKind int

const (
	// OutcomeOK carries usable text.
	OutcomeOK OutcomeKind = iota
	// OutcomeNeedsFallback means the reply contained the literal "None".
	OutcomeNeedsFallback
	// OutcomeFatal means the collaborator failed.
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeNeedsFallback:
		return "needs_fallback"
	case OutcomeFatal:
		return "fatal"
	}
	return "unknown"
}

// Outcome is the result of an augmented request.
type Outcome struct {
	Kind OutcomeKind
	Text string
	Err  error
}

// Requester asks the chat collaborator for a report.
type Requester struct {
	chat        ChatClient
	log         *zap.Logger
	callTimeout time.Duration
}

// Option configures a Requester.
type Option func(*Requester)

// WithCallTimeout bounds the augmented and the plain request separately, so
// a slow augmented call still leaves the plain request its full budget.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Requester) { r.callTimeout = d }
}

// NewRequester creates a Requester.
func NewRequester(chat ChatClient, log *zap.Logger, opts ...Option) *Requester {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Requester{chat: chat, log: log.Named("requester")}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Request returns report text for the session. The augmented request runs
// first; when it needs a fallback or fails, the plain request runs exactly
// once and its text is returned whatever it is.
func (r *Requester) Request(ctx context.Context, intent string, history []gameplay.Snapshot) string {
	actx, cancel := r.callContext(ctx)
	out := r.Augmented(actx, intent, history)
	cancel()
	switch out.Kind {
	case OutcomeOK:
		return out.Text
	case OutcomeNeedsFallback:
		r.log.Info("reply contained None, using plain request", zap.Int("snapshots", len(history)))
	case OutcomeFatal:
		r.log.Warn("augmented request failed, using plain request", zap.Error(out.Err))
	}
	pctx, cancel := r.callContext(ctx)
	defer cancel()
	return r.Plain(pctx, intent, gameplay.SummarizeSession(history))
}

func (r *Requester) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.callTimeout)
}

// Augmented sends the instruction with the full history attached.
func (r *Requester) Augmented(ctx context.Context, intent string, history []gameplay.Snapshot) Outcome {
	msgs, err := AugmentedMessages(intent, history)
	if err != nil {
		return Outcome{Kind: OutcomeFatal, Err: err}
	}
	text, err := r.chat.Complete(ctx, msgs)
	if err != nil {
		return Outcome{Kind: OutcomeFatal, Err: err}
	}
	if strings.Contains(text, "None") {
		return Outcome{Kind: OutcomeNeedsFallback, Text: text}
	}
	return Outcome{Kind: OutcomeOK, Text: text}
}

// Plain sends the instruction with the session summary only. It never
// fails: collaborator errors come back as a textual placeholder.
func (r *Requester) Plain(ctx context.Context, intent string, summary gameplay.SessionSummary) string {
	msgs, err := PlainMessages(intent, summary)
	if err != nil {
		return errorText(err)
	}
	text, err := r.chat.Complete(ctx, msgs)
	if err != nil {
		r.log.Warn("plain request failed", zap.Error(err))
		return errorText(err)
	}
	return text
}

func errorText(err error) string {
	return fmt.Sprintf("Error generating response: %v", err)
}
