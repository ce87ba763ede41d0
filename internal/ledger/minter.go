// Package ledger records rewards on-chain by calling the reward contract's
// safeMint function, and reads a player's standing back.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultGasMargin is applied to every gas estimate.
var DefaultGasMargin = decimal.RequireFromString("1.3")

// Backend is the subset of an EVM JSON-RPC client the minter needs.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Config holds minter settings.
type Config struct {
	// Contract is the reward contract address.
	Contract common.Address

	// GasMargin multiplies the gas estimate. Defaults to DefaultGasMargin.
	GasMargin decimal.Decimal

	// Getter names read by Standing. Default to DefaultReputationGetter and
	// DefaultRewardsGetter.
	ReputationGetter string
	RewardsGetter    string
}

// MintRequest is one reward to record.
type MintRequest struct {
	Player          string
	Reward          int
	ImageURI        string
	DopplegangerURI string
}

// MintResult describes a submitted mint.
type MintResult struct {
	TxHash          string `json:"transactionHash"`
	GasLimit        uint64 `json:"gasLimit"`
	Nonce           uint64 `json:"nonce"`
	ImageURI        string `json:"imageUri"`
	DopplegangerURI string `json:"dopplegangerUri"`
}

// Standing is a player's on-chain reputation and reward total.
type Standing struct {
	Player     string `json:"player"`
	Reputation string `json:"reputationScore"`
	Rewards    string `json:"rewardsEarned"`
}

// Minter submits safeMint transactions.
type Minter struct {
	config     Config
	backend    Backend
	reputation abi.Method
	rewards    abi.Method
	key     *ecdsa.PrivateKey
	from    common.Address
	log     *zap.Logger

	// mu keeps nonce lookup and send atomic for the single signing key.
	mu sync.Mutex
}

// NewMinter creates a Minter. key may be nil for a read-only minter.
func NewMinter(cfg Config, backend Backend, key *ecdsa.PrivateKey, log *zap.Logger) *Minter {
	if cfg.GasMargin.IsZero() {
		cfg.GasMargin = DefaultGasMargin
	}
	if cfg.ReputationGetter == "" {
		cfg.ReputationGetter = DefaultReputationGetter
	}
	if cfg.RewardsGetter == "" {
		cfg.RewardsGetter = DefaultRewardsGetter
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Minter{
		config:     cfg,
		backend:    backend,
		reputation: viewMethod(cfg.ReputationGetter),
		rewards:    viewMethod(cfg.RewardsGetter),
		key:        key,
		log:        log.Named("ledger"),
	}
	if key != nil {
		m.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return m
}

// Dial connects to an EVM JSON-RPC endpoint. httpClient may be nil.
func Dial(ctx context.Context, rpcURL string, httpClient *http.Client) (*ethclient.Client, error) {
	var opts []rpc.ClientOption
	if httpClient != nil {
		opts = append(opts, rpc.WithHTTPClient(httpClient))
	}
	c, err := rpc.DialOptions(ctx, rpcURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrUnavailable, rpcURL, err)
	}
	return ethclient.NewClient(c), nil
}

// From returns the signer address, or the zero address when read-only.
func (m *Minter) From() common.Address {
	return m.from
}

// GasLimit applies the margin to an estimate, rounding up.
func GasLimit(estimate uint64, margin decimal.Decimal) uint64 {
	return uint64(decimal.NewFromBigInt(new(big.Int).SetUint64(estimate), 0).Mul(margin).Ceil().IntPart())
}

// Submit packs, signs and sends a safeMint call and returns its hash. It does
// not wait for inclusion and does not retry.
func (m *Minter) Submit(ctx context.Context, req MintRequest) (MintResult, error) {
	if m.key == nil {
		return MintResult{}, ErrNoSigner
	}
	if !common.IsHexAddress(req.Player) {
		return MintResult{}, fmt.Errorf("%w: %q", ErrInvalidAddress, req.Player)
	}
	if req.Reward < 0 {
		return MintResult{}, &RejectedError{Op: "pack", Err: fmt.Errorf("negative reward %d", req.Reward)}
	}

	data, err := parsedABI.Pack(methodSafeMint,
		big.NewInt(int64(req.Reward)),
		req.ImageURI,
		req.DopplegangerURI,
		common.HexToAddress(req.Player))
	if err != nil {
		return MintResult{}, &RejectedError{Op: "pack", Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	contract := m.config.Contract
	estimate, err := m.backend.EstimateGas(ctx, ethereum.CallMsg{From: m.from, To: &contract, Data: data})
	if err != nil {
		return MintResult{}, nodeError("estimate gas", err)
	}
	gasLimit := GasLimit(estimate, m.config.GasMargin)

	chainID, err := m.backend.ChainID(ctx)
	if err != nil {
		return MintResult{}, fmt.Errorf("%w: chain id: %w", ErrUnavailable, err)
	}
	nonce, err := m.backend.PendingNonceAt(ctx, m.from)
	if err != nil {
		return MintResult{}, fmt.Errorf("%w: pending nonce: %w", ErrUnavailable, err)
	}
	gasPrice, err := m.backend.SuggestGasPrice(ctx)
	if err != nil {
		return MintResult{}, fmt.Errorf("%w: gas price: %w", ErrUnavailable, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &contract,
		Value:    new(big.Int),
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), m.key)
	if err != nil {
		return MintResult{}, &RejectedError{Op: "sign", Err: err}
	}
	if err := m.backend.SendTransaction(ctx, signed); err != nil {
		return MintResult{}, nodeError("send", err)
	}

	m.log.Info("mint submitted",
		zap.String("player", req.Player),
		zap.Int("reward", req.Reward),
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas_estimate", estimate),
		zap.Uint64("gas_limit", gasLimit))

	return MintResult{
		TxHash:          signed.Hash().Hex(),
		GasLimit:        gasLimit,
		Nonce:           nonce,
		ImageURI:        req.ImageURI,
		DopplegangerURI: req.DopplegangerURI,
	}, nil
}

// Standing reads the player's reputation score and reward total.
func (m *Minter) Standing(ctx context.Context, player string) (Standing, error) {
	if !common.IsHexAddress(player) {
		return Standing{}, fmt.Errorf("%w: %q", ErrInvalidAddress, player)
	}
	addr := common.HexToAddress(player)

	rep, err := m.callUint(ctx, m.reputation, addr)
	if err != nil {
		return Standing{}, err
	}
	rewards, err := m.callUint(ctx, m.rewards, addr)
	if err != nil {
		return Standing{}, err
	}
	return Standing{
		Player:     addr.Hex(),
		Reputation: decimal.NewFromBigInt(rep, 0).String(),
		Rewards:    decimal.NewFromBigInt(rewards, 0).String(),
	}, nil
}

func (m *Minter) callUint(ctx context.Context, method abi.Method, addr common.Address) (*big.Int, error) {
	args, err := method.Inputs.Pack(addr)
	if err != nil {
		return nil, fmt.Errorf("ledger: pack %s: %w", method.Name, err)
	}
	data := append(append([]byte{}, method.ID...), args...)
	contract := m.config.Contract
	out, err := m.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, nodeError(method.Name, err)
	}
	values, err := method.Outputs.Unpack(out)
	if err != nil {
		return nil, fmt.Errorf("ledger: unpack %s: %w", method.Name, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("ledger: unpack %s: expected 1 value, got %d", method.Name, len(values))
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("ledger: unpack %s: unexpected %T", method.Name, values[0])
	}
	return v, nil
}

// nodeError separates node-side refusals (JSON-RPC errors) from transport
// failures.
func nodeError(op string, err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return &RejectedError{Op: op, Err: err}
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
