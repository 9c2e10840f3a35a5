package settlement

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// nativeTransferGas is the fixed gas cost of a plain value transfer.
const nativeTransferGas = uint64(21000)

// EVMClient abstracts the go-ethereum client for testing.
type EVMClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	Close()
}

// EVMPayer settles by sending a native value transfer from the connector's
// settlement address.
type EVMPayer struct {
	client     EVMClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
}

// NewEVMPayer dials the RPC endpoint and derives the sender address from
// the private key.
func NewEVMPayer(rpcURL, privateKeyHex string, chainID int64) (*EVMPayer, error) {
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("settlement: invalid private key: %w", err)
	}
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("settlement: dial %s: %w", rpcURL, err)
	}
	return &EVMPayer{
		client:     client,
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		chainID:    big.NewInt(chainID),
	}, nil
}

// NewEVMPayerWithClient builds a payer over an existing client. Used by
// tests.
func NewEVMPayerWithClient(client EVMClient, key *ecdsa.PrivateKey, chainID int64) *EVMPayer {
	return &EVMPayer{
		client:     client,
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		chainID:    big.NewInt(chainID),
	}
}

// Address returns the sender address.
func (p *EVMPayer) Address() string {
	return p.address.Hex()
}

// Pay sends amount wei to the given address and returns the transaction
// hash. It does not wait for confirmation; the ledger transfer is the
// source of truth and the chain catches up.
func (p *EVMPayer) Pay(ctx context.Context, address string, amount *big.Int) (string, error) {
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("settlement: invalid EVM address %q", address)
	}
	to := common.HexToAddress(address)

	nonce, err := p.client.PendingNonceAt(ctx, p.address)
	if err != nil {
		return "", fmt.Errorf("settlement: nonce: %w", err)
	}
	gasPrice, err := p.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("settlement: gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, to, amount, nativeTransferGas, gasPrice, nil)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(p.chainID), p.privateKey)
	if err != nil {
		return "", fmt.Errorf("settlement: sign: %w", err)
	}
	if err := p.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("settlement: send: %w", err)
	}
	return signedTx.Hash().Hex(), nil
}

// Close releases the underlying RPC client.
func (p *EVMPayer) Close() {
	p.client.Close()
}
