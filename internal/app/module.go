// Package app assembles arenad: it owns the database, the ledger connection
// and the HTTP server, and wires the session pipeline between them.
package app

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/MJE43/arena-rewards/internal/api"
	"github.com/MJE43/arena-rewards/internal/config"
	"github.com/MJE43/arena-rewards/internal/imagegen"
	"github.com/MJE43/arena-rewards/internal/ledger"
	"github.com/MJE43/arena-rewards/internal/llm"
	"github.com/MJE43/arena-rewards/internal/pipeline"
	"github.com/MJE43/arena-rewards/internal/report"
	"github.com/MJE43/arena-rewards/internal/reportcache"
	"github.com/MJE43/arena-rewards/internal/store"
	"github.com/MJE43/arena-rewards/internal/telemetry"
)

// KeyringService names the OS keyring entry that holds the minting key.
const KeyringService = "arenad"

// Module owns the long-lived resources of a running service.
type Module struct {
	cfg    config.Config
	log    *zap.Logger
	store  *store.Store
	eth    *ethclient.Client
	server *http.Server

	Endpoint *pipeline.Endpoint
}

// NewModule opens the database, dials the ledger and builds the pipeline. It
// does not start listening; call Serve.
func NewModule(ctx context.Context, cfg config.Config, log *zap.Logger) (*Module, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Module{cfg: cfg, log: log}

	db, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	m.store = db

	cache, err := reportcache.New(cfg.Store.CacheSize, db)
	if err != nil {
		return nil, m.fail(err)
	}

	key, err := SigningKey(cfg.Ledger)
	if err != nil {
		return nil, m.fail(err)
	}
	margin, err := decimal.NewFromString(cfg.Ledger.GasMargin)
	if err != nil {
		return nil, m.fail(fmt.Errorf("app: gas margin %q: %w", cfg.Ledger.GasMargin, err))
	}
	eth, err := ledger.Dial(ctx, cfg.Ledger.RPCURL, telemetry.Client())
	if err != nil {
		return nil, m.fail(err)
	}
	m.eth = eth
	minter := ledger.NewMinter(ledger.Config{
		Contract:         common.HexToAddress(cfg.Ledger.Contract),
		GasMargin:        margin,
		ReputationGetter: cfg.Ledger.ReputationGetter,
		RewardsGetter:    cfg.Ledger.RewardsGetter,
	}, eth, key, log)

	chat := llm.NewClient(llm.Config{
		BaseURL:      cfg.LLM.BaseURL,
		APIKey:       cfg.LLM.APIKey,
		Model:        cfg.LLM.Model,
		Timeout:      cfg.LLM.Timeout,
		MaxRetries:   cfg.LLM.MaxRetries,
		JSONResponse: cfg.LLM.JSONMode,
		HTTPClient:   telemetry.Client(),
	}, log)

	artist := imagegen.New(imagegen.Config{
		APIKey:         cfg.Image.APIKey,
		BaseURL:        cfg.Image.BaseURL,
		Model:          cfg.Image.Model,
		Timeout:        cfg.Image.Timeout,
		PlaceholderURL: cfg.Image.PlaceholderURL,
		HTTPClient:     telemetry.Client(),
	}, log)
	if !artist.Enabled() {
		log.Warn("image generation disabled, minting placeholder artwork")
	}

	m.Endpoint = pipeline.NewEndpoint(pipeline.Config{
		RewardMin:     cfg.Rewards.Min,
		RewardMax:     cfg.Rewards.Max,
		Intent:        cfg.Rewards.Intent,
		ImageTimeout:  cfg.Rewards.ImageTimeout,
		LedgerTimeout: cfg.Ledger.Timeout,
	}, pipeline.Deps{
		Requester: report.NewRequester(chat, log, report.WithCallTimeout(cfg.Rewards.ReportTimeout)),
		Artist:    artist,
		Ledger:    minter,
		Store:     db,
		Cache:     cache,
		Logger:    log,
	})

	srv := api.NewServer(m.Endpoint, db, api.Options{
		IngestToken:    cfg.Server.IngestToken,
		CORSOrigins:    cfg.Server.CORSOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
	}, log)
	m.server = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      telemetry.Handler(srv.Routes(), "arenad"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	log.Info("module ready",
		zap.String("signer", minter.From().Hex()),
		zap.String("contract", cfg.Ledger.Contract),
		zap.String("model", chat.Model()))
	return m, nil
}

// SigningKey returns the configured key, or the one stored in the keyring.
func SigningKey(cfg config.LedgerConfig) (*ecdsa.PrivateKey, error) {
	if strings.TrimSpace(cfg.PrivateKey) != "" {
		return ledger.ParsePrivateKey(cfg.PrivateKey)
	}
	key, err := ledger.NewKeyStore(KeyringService, cfg.KeyFile).PrivateKey(cfg.KeyAccount)
	if err != nil {
		return nil, fmt.Errorf("app: load signing key %q: %w", cfg.KeyAccount, err)
	}
	return key, nil
}

// Serve listens on the configured address and blocks until the server stops.
// It returns nil after a graceful Shutdown.
func (m *Module) Serve() error {
	ln, err := net.Listen("tcp", m.server.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", m.server.Addr, err)
	}
	m.log.Info("listening", zap.String("addr", ln.Addr().String()))
	if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("app: serve: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server, then releases the ledger connection and the
// database.
func (m *Module) Shutdown(ctx context.Context) error {
	var err error
	if m.server != nil {
		err = multierr.Append(err, m.server.Shutdown(ctx))
	}
	if m.Endpoint != nil {
		if n := m.Endpoint.OpenSessions(); n > 0 {
			m.log.Warn("discarding open sessions", zap.Int("players", n))
		}
	}
	return multierr.Append(err, m.release())
}

func (m *Module) release() error {
	if m.eth != nil {
		m.eth.Close()
	}
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}

func (m *Module) fail(err error) error {
	return multierr.Append(err, m.release())
}
