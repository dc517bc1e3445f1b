package taskarmy

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Wallet is a credential identity owned by the process for the duration of a run.
// The private key is never persisted and never printed.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewWallet parses a hex private key, with or without the 0x prefix.
func NewWallet(privateKeyHex string) (*Wallet, error) {
	hexKey := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewWalletFromKey(key), nil
}

// NewWalletFromKey wraps an existing key
func NewWalletFromKey(key *ecdsa.PrivateKey) *Wallet {
	return &Wallet{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

// NewWallets parses every key and fails on the first invalid one
func NewWallets(privateKeys []string) ([]*Wallet, error) {
	wallets := make([]*Wallet, 0, len(privateKeys))
	for i, k := range privateKeys {
		w, err := NewWallet(k)
		if err != nil {
			return nil, fmt.Errorf("wallet #%d: %w", i, err)
		}
		wallets = append(wallets, w)
	}
	return wallets, nil
}

func (w *Wallet) Address() common.Address {
	return w.address
}

// String prints only the address
func (w *Wallet) String() string {
	return w.address.Hex()
}

// SignTx signs tx for the given chain with the latest signer
func (w *Wallet) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signer := types.LatestSignerForChainID(chainID)
	return types.SignTx(tx, signer, w.key)
}

// SignMessage produces an EIP-191 personal_sign signature with V in {27, 28}.
func (w *Wallet) SignMessage(message string) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), w.key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}
