// Package pipeline runs the per-player session state machine: snapshots are
// accumulated while a session is open, and a terminal snapshot closes it by
// generating a report, minting its reward and storing the result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MJE43/arena-rewards/internal/gameplay"
	"github.com/MJE43/arena-rewards/internal/imagegen"
	"github.com/MJE43/arena-rewards/internal/ledger"
	"github.com/MJE43/arena-rewards/internal/report"
	"github.com/MJE43/arena-rewards/internal/session"
	"github.com/MJE43/arena-rewards/internal/store"
)

// State is a player's session state.
type State string

const (
	StateOpen    State = "OPEN"
	StateClosing State = "CLOSING"
)

// ErrInvalidWallet is returned for a player identity that is not a hex
// address.
var ErrInvalidWallet = errors.New("pipeline: invalid wallet address")

// RewardOutOfRangeError means the report's reward falls outside the
// configured bounds. No mint is attempted.
type RewardOutOfRangeError struct {
	Reward int
	Min    int
	Max    int
}

func (e *RewardOutOfRangeError) Error() string {
	return fmt.Sprintf("pipeline: reward %d outside [%d, %d]", e.Reward, e.Min, e.Max)
}

// Requester produces report text for a session.
type Requester interface {
	Request(ctx context.Context, intent string, history []gameplay.Snapshot) string
}

// Artist produces the artwork minted with a reward.
type Artist interface {
	Artwork(ctx context.Context, performance, doppleganger string) (imagegen.Artwork, error)
}

// Ledger mints rewards and reads standings.
type Ledger interface {
	Submit(ctx context.Context, req ledger.MintRequest) (ledger.MintResult, error)
	Standing(ctx context.Context, player string) (ledger.Standing, error)
}

// Store persists closed sessions.
type Store interface {
	SaveClose(ctx context.Context, r store.StoredReport, m store.Mint) error
	ListMints(ctx context.Context, wallet string, limit, offset int) ([]store.Mint, error)
}

// ReportCache fronts the store for last-report lookups.
type ReportCache interface {
	Put(r store.StoredReport)
	Get(ctx context.Context, wallet string) (store.StoredReport, bool, error)
}

// Config holds endpoint settings.
type Config struct {
	// RewardMin and RewardMax bound the reward accepted for minting.
	RewardMin int
	RewardMax int

	// Intent is the question asked about every session.
	Intent string

	// Per-stage timeouts. Zero leaves the caller's deadline in charge. The
	// report stage is bounded by the Requester itself.
	ImageTimeout  time.Duration
	LedgerTimeout time.Duration
}

// DefaultConfig returns the standard reward bounds and timeouts.
func DefaultConfig() Config {
	return Config{
		RewardMin:     0,
		RewardMax:     10,
		Intent:        report.DefaultIntent,
		ImageTimeout:  3 * time.Minute,
		LedgerTimeout: time.Minute,
	}
}

// Outcome is the reply to one ingested snapshot.
type Outcome struct {
	Message         string                   `json:"message"`
	SessionID       uuid.UUID                `json:"sessionId"`
	Snapshots       int                      `json:"snapshots"`
	State           State                    `json:"state"`
	Closed          bool                     `json:"closed"`
	Summary         *gameplay.SessionSummary `json:"summary,omitempty"`
	Report          *report.Report           `json:"report,omitempty"`
	TxHash          string                   `json:"transactionHash,omitempty"`
	ImageURI        string                   `json:"imageUri,omitempty"`
	DopplegangerURI string                   `json:"dopplegangerUri,omitempty"`
}

// Endpoint is the session state machine.
type Endpoint struct {
	cfg       Config
	sessions  *session.Accumulator
	locks     *session.KeyedMutex
	requester Requester
	artist    Artist
	ledger    Ledger
	store     Store
	cache     ReportCache
	log       *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	closing map[string]bool
}

// Deps are the collaborators an Endpoint drives.
type Deps struct {
	Requester Requester
	Artist    Artist
	Ledger    Ledger
	Store     Store
	Cache     ReportCache
	Logger    *zap.Logger
}

// NewEndpoint creates an Endpoint.
func NewEndpoint(cfg Config, deps Deps) *Endpoint {
	if cfg.Intent == "" {
		cfg.Intent = report.DefaultIntent
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Endpoint{
		cfg:       cfg,
		sessions:  session.NewAccumulator(),
		locks:     session.NewKeyedMutex(),
		requester: deps.Requester,
		artist:    deps.Artist,
		ledger:    deps.Ledger,
		store:     deps.Store,
		cache:     deps.Cache,
		log:       log.Named("pipeline"),
		now:       time.Now,
		closing:   make(map[string]bool),
	}
}

// NormalizeWallet validates a wallet address and returns its canonical key.
func NormalizeWallet(wallet string) (string, error) {
	wallet = strings.TrimSpace(wallet)
	if !common.IsHexAddress(wallet) {
		return "", fmt.Errorf("%w: %q", ErrInvalidWallet, wallet)
	}
	return strings.ToLower(common.HexToAddress(wallet).Hex()), nil
}

// State returns the player's current session state.
func (e *Endpoint) State(player string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing[player] {
		return StateClosing
	}
	return StateOpen
}

// Pending returns the number of snapshots in the player's open session.
func (e *Endpoint) Pending(player string) int {
	return e.sessions.Len(player)
}

// OpenSessions returns the number of players with snapshots pending.
func (e *Endpoint) OpenSessions() int {
	return e.sessions.Open()
}

// Ingest records one snapshot. A terminal snapshot closes the session; the
// session is reset whether or not the close succeeds.
func (e *Endpoint) Ingest(ctx context.Context, player string, snap gameplay.Snapshot) (Outcome, error) {
	player, err := NormalizeWallet(player)
	if err != nil {
		return Outcome{}, err
	}

	unlock := e.locks.Lock(player)
	defer unlock()

	id, count := e.sessions.Record(player, snap)
	if !snap.IsTerminal() {
		return Outcome{
			Message:   "Data received successfully",
			SessionID: id,
			Snapshots: count,
			State:     StateOpen,
		}, nil
	}

	e.setClosing(player, true)
	defer e.setClosing(player, false)

	sess := e.sessions.Drain(player)
	return e.close(ctx, sess)
}

func (e *Endpoint) setClosing(player string, v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v {
		e.closing[player] = true
	} else {
		delete(e.closing, player)
	}
}

func (e *Endpoint) close(ctx context.Context, sess session.Session) (Outcome, error) {
	log := e.log.With(
		zap.String("player", sess.Player),
		zap.String("session_id", sess.ID.String()),
		zap.Int("snapshots", len(sess.Snapshots)))
	start := e.now()
	summary := gameplay.SummarizeSession(sess.Snapshots)

	text := e.requester.Request(ctx, e.cfg.Intent, sess.Snapshots)

	rep, err := report.Parse(text)
	if err != nil {
		log.Warn("session close failed", zap.String("stage", "parse"), zap.Error(err))
		return Outcome{}, fmt.Errorf("pipeline: parse report: %w", err)
	}
	if rep.RewardEarned < e.cfg.RewardMin || rep.RewardEarned > e.cfg.RewardMax {
		err := &RewardOutOfRangeError{Reward: rep.RewardEarned, Min: e.cfg.RewardMin, Max: e.cfg.RewardMax}
		log.Warn("session close failed", zap.String("stage", "bounds"), zap.Error(err))
		return Outcome{}, err
	}

	ictx, cancel := withTimeout(ctx, e.cfg.ImageTimeout)
	art, err := e.artist.Artwork(ictx, rep.OverallPerformance, rep.GamerMatch)
	cancel()
	if err != nil {
		log.Warn("session close failed", zap.String("stage", "artwork"), zap.Error(err))
		return Outcome{}, fmt.Errorf("pipeline: artwork: %w", err)
	}

	lctx, cancel := withTimeout(ctx, e.cfg.LedgerTimeout)
	minted, err := e.ledger.Submit(lctx, ledger.MintRequest{
		Player:          sess.Player,
		Reward:          rep.RewardEarned,
		ImageURI:        art.ImageURI,
		DopplegangerURI: art.DopplegangerURI,
	})
	cancel()
	if err != nil {
		log.Warn("session close failed", zap.String("stage", "mint"), zap.Error(err))
		return Outcome{}, fmt.Errorf("pipeline: mint: %w", err)
	}

	now := e.now().UTC()
	stored := store.StoredReport{
		Wallet:          sess.Player,
		SessionID:       sess.ID,
		Report:          rep,
		Reward:          rep.RewardEarned,
		TxHash:          minted.TxHash,
		ImageURI:        art.ImageURI,
		DopplegangerURI: art.DopplegangerURI,
		CreatedAt:       now,
	}
	mint := store.Mint{
		ID:              uuid.New(),
		Wallet:          sess.Player,
		SessionID:       sess.ID,
		TxHash:          minted.TxHash,
		Reward:          rep.RewardEarned,
		GasLimit:        minted.GasLimit,
		ImageURI:        art.ImageURI,
		DopplegangerURI: art.DopplegangerURI,
		CreatedAt:       now,
	}
	if err := e.store.SaveClose(ctx, stored, mint); err != nil {
		log.Error("mint sent but not stored", zap.String("tx_hash", minted.TxHash), zap.Error(err))
		return Outcome{}, fmt.Errorf("pipeline: store report (tx %s): %w", minted.TxHash, err)
	}
	e.cache.Put(stored)

	log.Info("session closed",
		zap.Int("reward", rep.RewardEarned),
		zap.String("tx_hash", minted.TxHash),
		zap.Duration("duration", e.now().Sub(start)))

	return Outcome{
		Message:         "Session closed",
		SessionID:       sess.ID,
		Snapshots:       len(sess.Snapshots),
		State:           StateOpen,
		Closed:          true,
		Summary:         &summary,
		Report:          &rep,
		TxHash:          minted.TxHash,
		ImageURI:        art.ImageURI,
		DopplegangerURI: art.DopplegangerURI,
	}, nil
}

// LastReport returns the wallet's most recent report. ok is false when the
// wallet has none.
func (e *Endpoint) LastReport(ctx context.Context, player string) (store.StoredReport, bool, error) {
	player, err := NormalizeWallet(player)
	if err != nil {
		return store.StoredReport{}, false, err
	}
	return e.cache.Get(ctx, player)
}

// Standing reads the player's on-chain standing.
func (e *Endpoint) Standing(ctx context.Context, player string) (ledger.Standing, error) {
	player, err := NormalizeWallet(player)
	if err != nil {
		return ledger.Standing{}, err
	}
	ctx, cancel := withTimeout(ctx, e.cfg.LedgerTimeout)
	defer cancel()
	return e.ledger.Standing(ctx, player)
}

// Mints lists the player's mint history, newest first.
func (e *Endpoint) Mints(ctx context.Context, player string, limit, offset int) ([]store.Mint, error) {
	player, err := NormalizeWallet(player)
	if err != nil {
		return nil, err
	}
	return e.store.ListMints(ctx, player, limit, offset)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
