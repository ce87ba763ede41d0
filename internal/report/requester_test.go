package report

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MJE43/arena-rewards/internal/gameplay"
	"github.com/MJE43/arena-rewards/internal/llm"
)

type reply struct {
	text string
	err  error
}

// scriptedChat returns its replies in order and records every request.
type scriptedChat struct {
	mu      sync.Mutex
	replies []reply
	calls   [][]llm.Message
}

func (s *scriptedChat) Complete(_ context.Context, msgs []llm.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, msgs)
	if len(s.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r.text, r.err
}

func history() []gameplay.Snapshot {
	return []gameplay.Snapshot{
		{CurrentGameState: "Playing", Birds: make([]gameplay.EntityState, 3)},
		{CurrentGameState: "Won", Birds: make([]gameplay.EntityState, 2), Pigs: []gameplay.EntityState{{State: gameplay.PigDestroyed}}},
	}
}

func TestRequestOK(t *testing.T) {
	chat := &scriptedChat{replies: []reply{{text: validReport}}}

	got := NewRequester(chat, nil).Request(context.Background(), "", history())

	assert.Equal(t, validReport, got)
	require.Len(t, chat.calls, 1)
	user := chat.calls[0][1].Content
	assert.Contains(t, user, "snapshot-1")
	assert.Contains(t, user, "snapshot-2")
	assert.Contains(t, user, DefaultIntent)
	assert.Equal(t, llm.RoleSystem, chat.calls[0][0].Role)
}

func TestRequestFallsBackOnceOnNone(t *testing.T) {
	chat := &scriptedChat{replies: []reply{
		{text: `{"gamerMatch":"None"}`},
		{text: validReport},
	}}

	got := NewRequester(chat, nil).Request(context.Background(), "rate me", history())

	assert.Equal(t, validReport, got)
	require.Len(t, chat.calls, 2)
	plain := chat.calls[1][1].Content
	assert.NotContains(t, plain, "snapshot-1")
	assert.Contains(t, plain, `"snapshots":2`)
	assert.Contains(t, plain, "rate me")
}

func TestRequestFallbackIsNotRepeated(t *testing.T) {
	chat := &scriptedChat{replies: []reply{
		{text: "None"},
		{text: "still None"},
		{text: validReport},
	}}

	got := NewRequester(chat, nil).Request(context.Background(), "", history())

	assert.Equal(t, "still None", got)
	assert.Len(t, chat.calls, 2)
}

func TestRequestFallsBackOnFailure(t *testing.T) {
	chat := &scriptedChat{replies: []reply{
		{err: llm.ErrUnavailable},
		{text: validReport},
	}}

	got := NewRequester(chat, nil).Request(context.Background(), "", history())

	assert.Equal(t, validReport, got)
	assert.Len(t, chat.calls, 2)
}

func TestPlainNeverFails(t *testing.T) {
	chat := &scriptedChat{replies: []reply{
		{err: errors.New("boom")},
		{err: errors.New("connection refused")},
	}}

	got := NewRequester(chat, nil).Request(context.Background(), "", history())

	assert.True(t, strings.HasPrefix(got, "Error generating response: "))
	assert.Contains(t, got, "connection refused")
	_, err := Parse(got)
	var malformed *MalformedReportError
	assert.ErrorAs(t, err, &malformed)
}

func TestAugmentedOutcomeKinds(t *testing.T) {
	cases := []struct {
		name string
		r    reply
		want OutcomeKind
	}{
		{"ok", reply{text: validReport}, OutcomeOK},
		{"none", reply{text: `{"x":"None"}`}, OutcomeNeedsFallback},
		{"fatal", reply{err: errors.New("down")}, OutcomeFatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			chat := &scriptedChat{replies: []reply{tc.r}}
			out := NewRequester(chat, nil).Augmented(context.Background(), "", history())
			assert.Equal(t, tc.want, out.Kind, out.Kind.String())
		})
	}
}

func TestDocumentsPreserveOrder(t *testing.T) {
	docs := Documents(history())

	require.Len(t, docs, 2)
	assert.Equal(t, "snapshot-1", docs[0].ID)
	assert.Equal(t, "Won", docs[1].Data.CurrentGameState)
}

// stallingChat blocks its first request until the context ends, then answers.
type stallingChat struct {
	mu    sync.Mutex
	calls int
	ctxs  []error
}

func (s *stallingChat) Complete(ctx context.Context, _ []llm.Message) (string, error) {
	s.mu.Lock()
	s.calls++
	first := s.calls == 1
	s.mu.Unlock()
	if first {
		<-ctx.Done()
		return "", ctx.Err()
	}
	s.mu.Lock()
	s.ctxs = append(s.ctxs, ctx.Err())
	s.mu.Unlock()
	return validReport, nil
}

func TestRequestPlainGetsItsOwnDeadline(t *testing.T) {
	chat := &stallingChat{}
	r := NewRequester(chat, nil, WithCallTimeout(50*time.Millisecond))

	got := r.Request(context.Background(), "", history())

	assert.Equal(t, validReport, got)
	assert.Equal(t, 2, chat.calls)
	require.Len(t, chat.ctxs, 1)
	assert.NoError(t, chat.ctxs[0], "plain request started with a dead context")
}
