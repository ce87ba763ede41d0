package ledger

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/zalando/go-keyring"
)

const keySigner = "signer"

// KeyStore keeps the minting key in the OS keychain, with an optional JSON
// file fallback for hosts that have no keyring service.
type KeyStore struct {
	service      string
	fallbackPath string
	mu           sync.Mutex
}

// NewKeyStore creates a keyring-backed key store.
func NewKeyStore(serviceName, fallbackPath string) *KeyStore {
	if strings.TrimSpace(serviceName) == "" {
		serviceName = "arenad"
	}
	return &KeyStore{service: serviceName, fallbackPath: fallbackPath}
}

// ParsePrivateKey decodes a hex secp256k1 key with or without 0x.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse private key: %w", err)
	}
	return key, nil
}

// Import validates hexKey and stores it for account. It returns the signer
// address.
func (k *KeyStore) Import(account, hexKey string) (string, error) {
	key, err := ParsePrivateKey(hexKey)
	if err != nil {
		return "", err
	}
	normalized := fmt.Sprintf("%x", crypto.FromECDSA(key))
	if err := k.set(account, normalized); err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

// PrivateKey loads the key stored for account.
func (k *KeyStore) PrivateKey(account string) (*ecdsa.PrivateKey, error) {
	hexKey, err := k.get(account)
	if err != nil {
		return nil, err
	}
	return ParsePrivateKey(hexKey)
}

// Delete removes the stored key for account.
func (k *KeyStore) Delete(account string) error {
	err := keyring.Delete(k.service, k.entry(account))
	ferr := k.deleteFallback(account)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) && !isKeyringUnavailable(err) {
		return fmt.Errorf("ledger: keyring delete: %w", err)
	}
	return ferr
}

func (k *KeyStore) entry(account string) string {
	return fmt.Sprintf("%s/%s", account, keySigner)
}

func (k *KeyStore) set(account, value string) error {
	account = strings.TrimSpace(account)
	if account == "" {
		return fmt.Errorf("ledger: keyring account is required")
	}

	err := keyring.Set(k.service, k.entry(account), value)
	if err == nil {
		return nil
	}
	if !isKeyringUnavailable(err) {
		return fmt.Errorf("ledger: keyring set: %w", err)
	}
	return k.setFallback(account, value)
}

func (k *KeyStore) get(account string) (string, error) {
	account = strings.TrimSpace(account)
	if account == "" {
		return "", fmt.Errorf("ledger: keyring account is required")
	}

	val, err := keyring.Get(k.service, k.entry(account))
	if err == nil {
		return val, nil
	}
	if !isKeyringUnavailable(err) && !errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("ledger: keyring get: %w", err)
	}

	fallback, ferr := k.getFallback(account)
	if ferr == nil {
		return fallback, nil
	}
	if errors.Is(err, keyring.ErrNotFound) {
		return "", keyring.ErrNotFound
	}
	return "", ferr
}

func isKeyringUnavailable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "secret service") ||
		strings.Contains(msg, "dbus") ||
		strings.Contains(msg, "no keychain") ||
		strings.Contains(msg, "keyring backend not available")
}

// fallbackKeys maps account to hex key.
type fallbackKeys map[string]string

func (k *KeyStore) setFallback(account, value string) error {
	if strings.TrimSpace(k.fallbackPath) == "" {
		return fmt.Errorf("ledger: keyring unavailable and no fallback path configured")
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	data, err := k.readFallbackUnlocked()
	if err != nil {
		return err
	}
	data[account] = value
	return k.writeFallbackUnlocked(data)
}

func (k *KeyStore) getFallback(account string) (string, error) {
	if strings.TrimSpace(k.fallbackPath) == "" {
		return "", fmt.Errorf("ledger: fallback path not configured")
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	data, err := k.readFallbackUnlocked()
	if err != nil {
		return "", err
	}
	val, ok := data[account]
	if !ok {
		return "", keyring.ErrNotFound
	}
	return val, nil
}

func (k *KeyStore) deleteFallback(account string) error {
	if strings.TrimSpace(k.fallbackPath) == "" {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	data, err := k.readFallbackUnlocked()
	if err != nil {
		return err
	}
	if _, ok := data[account]; !ok {
		return nil
	}
	delete(data, account)
	return k.writeFallbackUnlocked(data)
}

func (k *KeyStore) readFallbackUnlocked() (fallbackKeys, error) {
	out := fallbackKeys{}
	raw, err := os.ReadFile(k.fallbackPath)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("ledger: read fallback keys: %w", err)
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("ledger: decode fallback keys: %w", err)
	}
	return out, nil
}

func (k *KeyStore) writeFallbackUnlocked(data fallbackKeys) error {
	if err := os.MkdirAll(filepath.Dir(k.fallbackPath), 0o700); err != nil {
		return fmt.Errorf("ledger: mkdir fallback dir: %w", err)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("ledger: encode fallback keys: %w", err)
	}
	if err := os.WriteFile(k.fallbackPath, raw, 0o600); err != nil {
		return fmt.Errorf("ledger: write fallback keys: %w", err)
	}
	return nil
}
