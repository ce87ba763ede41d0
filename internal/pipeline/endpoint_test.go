package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/MJE43/arena-rewards/internal/gameplay"
	"github.com/MJE43/arena-rewards/internal/imagegen"
	"github.com/MJE43/arena-rewards/internal/ledger"
	"github.com/MJE43/arena-rewards/internal/report"
	"github.com/MJE43/arena-rewards/internal/reportcache"
	"github.com/MJE43/arena-rewards/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const wallet = "0x00000000000000000000000000000000000000aa"

func reportJSON(reward int) string {
	return fmt.Sprintf(`{"funPun":"p","gamerMatch":"Kabir","overallPerformance":"solid","PersonalizedFeeds":[{"rewardEarned":%d,"userReputation":"Gold"}]}`, reward)
}

type fakeRequester struct {
	mu        sync.Mutex
	text      string
	calls     int
	histories [][]gameplay.Snapshot
	block     chan struct{}
}

func (f *fakeRequester) Request(_ context.Context, _ string, history []gameplay.Snapshot) string {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.histories = append(f.histories, history)
	return f.text
}

type fakeArtist struct {
	err error
}

func (f *fakeArtist) Artwork(context.Context, string, string) (imagegen.Artwork, error) {
	if f.err != nil {
		return imagegen.Artwork{}, f.err
	}
	return imagegen.Artwork{ImageURI: "ipfs://perf", DopplegangerURI: "ipfs://match"}, nil
}

type fakeLedger struct {
	mu       sync.Mutex
	requests []ledger.MintRequest
	err      error
}

func (f *fakeLedger) Submit(_ context.Context, req ledger.MintRequest) (ledger.MintResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return ledger.MintResult{}, f.err
	}
	f.requests = append(f.requests, req)
	return ledger.MintResult{
		TxHash:          fmt.Sprintf("0x%064x", len(f.requests)),
		GasLimit:        130_002,
		ImageURI:        req.ImageURI,
		DopplegangerURI: req.DopplegangerURI,
	}, nil
}

func (f *fakeLedger) Standing(_ context.Context, player string) (ledger.Standing, error) {
	return ledger.Standing{Player: player, Reputation: "5", Rewards: "12"}, nil
}

func (f *fakeLedger) submitted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type harness struct {
	endpoint  *Endpoint
	requester *fakeRequester
	artist    *fakeArtist
	ledger    *fakeLedger
	store     *store.Store
	cache     *reportcache.Cache
}

func newHarness(t *testing.T, replyText string) *harness {
	t.Helper()
	db, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	cache, err := reportcache.New(16, db)
	require.NoError(t, err)

	h := &harness{
		requester: &fakeRequester{text: replyText},
		artist:    &fakeArtist{},
		ledger:    &fakeLedger{},
		store:     db,
		cache:     cache,
	}
	h.endpoint = NewEndpoint(DefaultConfig(), Deps{
		Requester: h.requester,
		Artist:    h.artist,
		Ledger:    h.ledger,
		Store:     db,
		Cache:     cache,
	})
	return h
}

func playing() gameplay.Snapshot {
	return gameplay.Snapshot{CurrentGameState: "Playing", Birds: make([]gameplay.EntityState, 3)}
}

func won() gameplay.Snapshot {
	return gameplay.Snapshot{
		CurrentGameState: "Won",
		Birds:            make([]gameplay.EntityState, 1),
		Pigs:             []gameplay.EntityState{{State: gameplay.PigDestroyed}, {State: gameplay.PigDestroyed}},
	}
}

func TestNonTerminalSnapshotsOnlyAccumulate(t *testing.T) {
	h := newHarness(t, reportJSON(5))
	ctx := context.Background()

	var last Outcome
	for i := 1; i <= 3; i++ {
		out, err := h.endpoint.Ingest(ctx, wallet, playing())
		require.NoError(t, err)
		assert.Equal(t, i, out.Snapshots)
		assert.Equal(t, StateOpen, out.State)
		assert.False(t, out.Closed)
		last = out
	}

	assert.Equal(t, 3, h.endpoint.Pending(wallet))
	assert.Equal(t, 1, h.endpoint.OpenSessions())
	assert.Zero(t, h.requester.calls)
	assert.Zero(t, h.ledger.submitted())
	assert.NotEmpty(t, last.SessionID)
}

func TestTerminalSnapshotClosesSession(t *testing.T) {
	h := newHarness(t, reportJSON(7))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.endpoint.Ingest(ctx, wallet, playing())
		require.NoError(t, err)
	}
	out, err := h.endpoint.Ingest(ctx, wallet, won())
	require.NoError(t, err)

	assert.True(t, out.Closed)
	assert.Equal(t, 4, out.Snapshots)
	require.NotNil(t, out.Report)
	assert.Equal(t, 7, out.Report.RewardEarned)
	assert.Equal(t, "ipfs://perf", out.ImageURI)
	assert.NotEmpty(t, out.TxHash)
	assert.Equal(t, 100.0, out.Summary.HitPercentage)

	require.Equal(t, 1, h.requester.calls)
	assert.Len(t, h.requester.histories[0], 4)
	require.Len(t, h.ledger.requests, 1)
	assert.Equal(t, 7, h.ledger.requests[0].Reward)
	assert.Equal(t, "ipfs://match", h.ledger.requests[0].DopplegangerURI)
	assert.Equal(t, 0, h.endpoint.Pending(wallet))
	assert.Equal(t, StateOpen, h.endpoint.State(wallet))
}

func TestLastReportRoundTrip(t *testing.T) {
	h := newHarness(t, "```json\n"+reportJSON(4)+"\n```")
	ctx := context.Background()

	_, ok, err := h.endpoint.LastReport(ctx, wallet)
	require.NoError(t, err)
	assert.False(t, ok)

	out, err := h.endpoint.Ingest(ctx, wallet, won())
	require.NoError(t, err)

	got, ok, err := h.endpoint.LastReport(ctx, wallet)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, reportJSON(4), string(got.Report.Raw))
	assert.Equal(t, out.TxHash, got.TxHash)

	stored, ok, err := h.store.LastReport(ctx, wallet)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, got.SessionID, stored.SessionID)

	mints, err := h.endpoint.Mints(ctx, wallet, 10, 0)
	require.NoError(t, err)
	require.Len(t, mints, 1)
	assert.Equal(t, out.TxHash, mints[0].TxHash)
}

func TestWalletKeysAreCaseInsensitive(t *testing.T) {
	h := newHarness(t, reportJSON(2))
	ctx := context.Background()
	upper := "0x00000000000000000000000000000000000000AA"

	_, err := h.endpoint.Ingest(ctx, upper, playing())
	require.NoError(t, err)
	assert.Equal(t, 1, h.endpoint.Pending(wallet))

	_, err = h.endpoint.Ingest(ctx, wallet, won())
	require.NoError(t, err)
	_, ok, err := h.endpoint.LastReport(ctx, upper)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRewardOutOfRangeSkipsMint(t *testing.T) {
	h := newHarness(t, reportJSON(11))
	ctx := context.Background()

	_, err := h.endpoint.Ingest(ctx, wallet, playing())
	require.NoError(t, err)
	_, err = h.endpoint.Ingest(ctx, wallet, won())

	var oor *RewardOutOfRangeError
	require.ErrorAs(t, err, &oor)
	assert.Equal(t, 11, oor.Reward)
	assert.Zero(t, h.ledger.submitted())
	assert.Equal(t, 0, h.endpoint.Pending(wallet))

	_, ok, err := h.endpoint.LastReport(ctx, wallet)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHugeRewardIsOutOfRange(t *testing.T) {
	for _, reward := range []string{"3000000000", "3000000000.0", "1e10", `"1e10"`} {
		t.Run(reward, func(t *testing.T) {
			h := newHarness(t, `{"gamerMatch":"Kabir","PersonalizedFeeds":[{"rewardEarned":`+reward+`,"userReputation":"Gold"}]}`)

			_, err := h.endpoint.Ingest(context.Background(), wallet, won())

			var oor *RewardOutOfRangeError
			require.ErrorAs(t, err, &oor)
			assert.Zero(t, h.ledger.submitted())
		})
	}
}

func TestMalformedReplyFailsClose(t *testing.T) {
	h := newHarness(t, "Error generating response: connection refused")
	ctx := context.Background()

	_, err := h.endpoint.Ingest(ctx, wallet, won())

	var malformed *report.MalformedReportError
	require.ErrorAs(t, err, &malformed)
	assert.Zero(t, h.ledger.submitted())
	assert.Equal(t, 0, h.endpoint.Pending(wallet))
}

func TestMissingFieldFailsClose(t *testing.T) {
	h := newHarness(t, `{"PersonalizedFeeds":[{"userReputation":"Gold"}]}`)

	_, err := h.endpoint.Ingest(context.Background(), wallet, won())

	var missing *report.MissingFieldError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "rewardEarned", missing.Field)
}

func TestLedgerRejectionFailsCloseWithoutCaching(t *testing.T) {
	h := newHarness(t, reportJSON(3))
	h.ledger.err = &ledger.RejectedError{Op: "estimate gas", Err: errors.New("execution reverted")}
	ctx := context.Background()

	_, err := h.endpoint.Ingest(ctx, wallet, won())

	var rejected *ledger.RejectedError
	require.ErrorAs(t, err, &rejected)
	_, ok, err := h.endpoint.LastReport(ctx, wallet)
	require.NoError(t, err)
	assert.False(t, ok)

	h.ledger.err = nil
	out, err := h.endpoint.Ingest(ctx, wallet, playing())
	require.NoError(t, err)
	assert.Equal(t, 1, out.Snapshots)
}

func TestArtworkFailureFailsClose(t *testing.T) {
	h := newHarness(t, reportJSON(3))
	h.artist.err = fmt.Errorf("%w: timeout", imagegen.ErrUnavailable)

	_, err := h.endpoint.Ingest(context.Background(), wallet, won())

	assert.ErrorIs(t, err, imagegen.ErrUnavailable)
	assert.Zero(t, h.ledger.submitted())
}

func TestInvalidWallet(t *testing.T) {
	h := newHarness(t, reportJSON(3))

	_, err := h.endpoint.Ingest(context.Background(), "player-one", playing())
	assert.ErrorIs(t, err, ErrInvalidWallet)
	_, _, err = h.endpoint.LastReport(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidWallet)
}

func TestStanding(t *testing.T) {
	h := newHarness(t, reportJSON(3))

	s, err := h.endpoint.Standing(context.Background(), wallet)
	require.NoError(t, err)
	assert.Equal(t, "5", s.Reputation)
}

func TestClosesAreSerialisedPerPlayer(t *testing.T) {
	h := newHarness(t, reportJSON(1))
	h.requester.block = make(chan struct{})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := h.endpoint.Ingest(ctx, wallet, won())
		done <- err
	}()

	require.Eventually(t, func() bool {
		return h.endpoint.State(wallet) == StateClosing
	}, time.Second, time.Millisecond)

	queued := make(chan Outcome, 1)
	go func() {
		out, _ := h.endpoint.Ingest(ctx, wallet, playing())
		queued <- out
	}()

	select {
	case <-queued:
		t.Fatal("snapshot was recorded while the session was closing")
	case <-time.After(20 * time.Millisecond):
	}

	close(h.requester.block)
	require.NoError(t, <-done)
	out := <-queued
	assert.Equal(t, 1, out.Snapshots)
	assert.Equal(t, StateOpen, h.endpoint.State(wallet))
}

func TestDifferentPlayersCloseConcurrently(t *testing.T) {
	h := newHarness(t, reportJSON(1))
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		player := fmt.Sprintf("0x%040x", i+1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.endpoint.Ingest(ctx, player, playing()); err != nil {
				errs <- err
				return
			}
			if _, err := h.endpoint.Ingest(ctx, player, won()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("ingest: %v", err)
	}

	assert.Equal(t, 8, h.ledger.submitted())
	assert.Equal(t, 8, h.requester.calls)
}
