package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer holds the ledger transaction signing key and the chain ID it signs
// for. All lending-contract writes (liquidate, settle, mark-missed) go
// through it.
type Signer struct {
	key     *ecdsa.PrivateKey
	chainID *big.Int
	address common.Address
}

// NewSigner resolves the private key from cfg and prepares an EIP-155 signer
// for the given chain.
func NewSigner(cfg KeyConfig, chainID int64) (*Signer, error) {
	if chainID <= 0 {
		return nil, fmt.Errorf("crypto: invalid chain id %d", chainID)
	}
	keyHex, err := LoadKey(cfg)
	if err != nil {
		return nil, err
	}
	key, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto: parsing private key: %w", err)
	}
	return &Signer{
		key:     key,
		chainID: big.NewInt(chainID),
		address: ethcrypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the account the signer submits transactions from.
func (s *Signer) Address() common.Address {
	return s.address
}

// ChainID returns the chain the signer is bound to.
func (s *Signer) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

// SignTx signs a transaction with the EIP-155 replay-protected scheme.
func (s *Signer) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.NewEIP155Signer(s.chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("crypto: signing transaction: %w", err)
	}
	return signed, nil
}
