package ledger

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

const player = "0x1111111111111111111111111111111111111111"

var contractAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")

type revertError struct{ msg string }

func (e revertError) Error() string  { return e.msg }
func (e revertError) ErrorCode() int { return 3 }

type fakeBackend struct {
	mu          sync.Mutex
	chainID     int64
	nonce       uint64
	gasPrice    int64
	estimate    uint64
	estimateErr error
	sendErr     error
	nonceErr    error
	calls       map[string]*big.Int

	estimated []ethereum.CallMsg
	sent      []*types.Transaction
	selectors [][]byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{chainID: 421614, nonce: 7, gasPrice: 100_000_000, estimate: 100_001, calls: map[string]*big.Int{}}
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(f.chainID), nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, f.nonceErr
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(f.gasPrice), nil
}

func (f *fakeBackend) EstimateGas(_ context.Context, call ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.estimated = append(f.estimated, call)
	return f.estimate, f.estimateErr
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	f.selectors = append(f.selectors, call.Data[:4])
	f.mu.Unlock()
	for name, v := range f.calls {
		m := viewMethod(name)
		if bytes.Equal(call.Data[:4], m.ID) {
			return m.Outputs.Pack(v)
		}
	}
	return nil, revertError{msg: "execution reverted"}
}

func newTestMinter(t *testing.T, backend Backend) *Minter {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return NewMinter(Config{Contract: contractAddr}, backend, key, nil)
}

func TestGasLimitAppliesMargin(t *testing.T) {
	cases := []struct {
		estimate uint64
		want     uint64
	}{
		{0, 0},
		{21000, 27300},
		{100_001, 130_002},
		{3, 4},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, GasLimit(tc.estimate, DefaultGasMargin), "estimate %d", tc.estimate)
	}
	assert.Equal(t, uint64(150), GasLimit(100, decimal.RequireFromString("1.5")))
}

func TestSubmit(t *testing.T) {
	backend := newFakeBackend()
	m := newTestMinter(t, backend)

	res, err := m.Submit(context.Background(), MintRequest{
		Player:          player,
		Reward:          7,
		ImageURI:        "ipfs://image",
		DopplegangerURI: "ipfs://match",
	})
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	assert.Equal(t, tx.Hash().Hex(), res.TxHash)
	assert.Equal(t, uint64(130_002), tx.Gas())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, big.NewInt(100_000_000), tx.GasPrice())
	assert.Equal(t, contractAddr, *tx.To())
	assert.Equal(t, "ipfs://image", res.ImageURI)

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(421614)), tx)
	require.NoError(t, err)
	assert.Equal(t, m.From(), sender)

	method := parsedABI.Methods[methodSafeMint]
	require.True(t, bytes.Equal(method.ID, tx.Data()[:4]))
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(7), args[0])
	assert.Equal(t, "ipfs://image", args[1])
	assert.Equal(t, "ipfs://match", args[2])
	assert.Equal(t, common.HexToAddress(player), args[3])

	require.Len(t, backend.estimated, 1)
	assert.Equal(t, m.From(), backend.estimated[0].From)
}

func TestSubmitEstimateRevertIsRejected(t *testing.T) {
	backend := newFakeBackend()
	backend.estimateErr = revertError{msg: "execution reverted"}
	m := newTestMinter(t, backend)

	_, err := m.Submit(context.Background(), MintRequest{Player: player, Reward: 1})

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "estimate gas", rejected.Op)
	assert.Empty(t, backend.sent)
}

func TestSubmitSendRefusedIsRejected(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErr = revertError{msg: "insufficient funds for gas * price + value"}
	m := newTestMinter(t, backend)

	_, err := m.Submit(context.Background(), MintRequest{Player: player, Reward: 1})

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "send", rejected.Op)
}

func TestSubmitTransportFailureIsUnavailable(t *testing.T) {
	backend := newFakeBackend()
	backend.nonceErr = errors.New("dial tcp: connection refused")
	m := newTestMinter(t, backend)

	_, err := m.Submit(context.Background(), MintRequest{Player: player, Reward: 1})

	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Empty(t, backend.sent)
}

func TestSubmitValidation(t *testing.T) {
	backend := newFakeBackend()

	_, err := NewMinter(Config{Contract: contractAddr}, backend, nil, nil).Submit(context.Background(), MintRequest{Player: player})
	assert.ErrorIs(t, err, ErrNoSigner)

	m := newTestMinter(t, backend)
	_, err = m.Submit(context.Background(), MintRequest{Player: "not-an-address"})
	assert.ErrorIs(t, err, ErrInvalidAddress)
	assert.Empty(t, backend.estimated)
}

func TestStanding(t *testing.T) {
	backend := newFakeBackend()
	backend.calls["reputation_score"] = big.NewInt(42)
	backend.calls["rewards_earned"] = new(big.Int).Exp(big.NewInt(10), big.NewInt(20), nil)
	m := NewMinter(Config{Contract: contractAddr}, backend, nil, nil)

	s, err := m.Standing(context.Background(), player)
	require.NoError(t, err)

	assert.Equal(t, "42", s.Reputation)
	assert.Equal(t, "100000000000000000000", s.Rewards)
	assert.Equal(t, common.HexToAddress(player).Hex(), s.Player)

	require.Len(t, backend.selectors, 2)
	assert.Equal(t, crypto.Keccak256([]byte("reputation_score(address)"))[:4], backend.selectors[0])
	assert.Equal(t, crypto.Keccak256([]byte("rewards_earned(address)"))[:4], backend.selectors[1])
}

func TestStandingCustomGetters(t *testing.T) {
	backend := newFakeBackend()
	backend.calls["reputationScore"] = big.NewInt(3)
	backend.calls["rewardsEarned"] = big.NewInt(12)
	m := NewMinter(Config{
		Contract:         contractAddr,
		ReputationGetter: "reputationScore",
		RewardsGetter:    "rewardsEarned",
	}, backend, nil, nil)

	s, err := m.Standing(context.Background(), player)
	require.NoError(t, err)
	assert.Equal(t, "3", s.Reputation)
	assert.Equal(t, "12", s.Rewards)
	assert.Equal(t, crypto.Keccak256([]byte("reputationScore(address)"))[:4], backend.selectors[0])
}

func TestStandingUnknownGetterIsRejected(t *testing.T) {
	backend := newFakeBackend()
	m := NewMinter(Config{Contract: contractAddr}, backend, nil, nil)

	_, err := m.Standing(context.Background(), player)

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, DefaultReputationGetter, rejected.Op)
}

func TestKeyStoreImport(t *testing.T) {
	keyring.MockInit()
	ks := NewKeyStore("arenad-test", filepath.Join(t.TempDir(), "keys.json"))

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hexKey := "0x" + common.Bytes2Hex(crypto.FromECDSA(key))

	addr, err := ks.Import("minter", hexKey)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), addr)

	loaded, err := ks.PrivateKey("minter")
	require.NoError(t, err)
	assert.Equal(t, crypto.FromECDSA(key), crypto.FromECDSA(loaded))

	require.NoError(t, ks.Delete("minter"))
	_, err = ks.PrivateKey("minter")
	assert.ErrorIs(t, err, keyring.ErrNotFound)
}

func TestKeyStoreRejectsBadKey(t *testing.T) {
	keyring.MockInit()
	ks := NewKeyStore("arenad-test", "")

	_, err := ks.Import("minter", "zz")
	assert.Error(t, err)
	_, err = ks.Import(" ", "0x"+common.Bytes2Hex(make([]byte, 31))+"01")
	assert.Error(t, err)
}
