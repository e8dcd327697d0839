// Package chain provides RPC-backed access to the networks the service
// verifies contracts on.
package chain

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/chainproof/verifier/internal/config"
	"github.com/chainproof/verifier/internal/verification"
)

// ErrUnsupportedChain is returned when no RPC endpoint is configured for the
// requested chain id.
var ErrUnsupportedChain = fmt.Errorf("unsupported chain")

// RPCChain reads deployment evidence over JSON-RPC.
type RPCChain struct {
	chainID int64
	name    string
	client  *ethclient.Client
}

// NewRPCChain dials the endpoint. The connection is lazy; the first call
// surfaces dial errors.
func NewRPCChain(chainID int64, name, rpcURL string) (*RPCChain, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain %d: dial %s: %w", chainID, rpcURL, err)
	}
	return &RPCChain{chainID: chainID, name: name, client: client}, nil
}

// ChainID implements verification.Chain.
func (c *RPCChain) ChainID() int64 {
	return c.chainID
}

// Name returns the configured display name.
func (c *RPCChain) Name() string {
	return c.name
}

// GetBytecode returns the runtime bytecode at address at the latest block.
func (c *RPCChain) GetBytecode(ctx context.Context, address common.Address) ([]byte, error) {
	code, err := c.client.CodeAt(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("chain %d: get code at %s: %w", c.chainID, address.Hex(), err)
	}
	return code, nil
}

// GetTx returns the block number and sender of a transaction.
func (c *RPCChain) GetTx(ctx context.Context, hash common.Hash) (*verification.TxInfo, error) {
	tx, pending, err := c.client.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("chain %d: get tx %s: %w", c.chainID, hash.Hex(), err)
	}
	if pending {
		return nil, fmt.Errorf("chain %d: tx %s is still pending", c.chainID, hash.Hex())
	}

	receipt, err := c.client.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("chain %d: get receipt %s: %w", c.chainID, hash.Hex(), err)
	}

	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return nil, fmt.Errorf("chain %d: recover sender of %s: %w", c.chainID, hash.Hex(), err)
	}

	return &verification.TxInfo{
		BlockNumber: receipt.BlockNumber.Int64(),
		From:        from,
	}, nil
}

// GetContractCreationBytecodeAndReceipt returns the creation bytecode of a
// directly deployed contract along with its transaction index. Factory
// deployments have no creation payload in the transaction and are reported as
// an error so callers fall back to runtime-only matching.
func (c *RPCChain) GetContractCreationBytecodeAndReceipt(ctx context.Context, address common.Address, txHash common.Hash) (*verification.CreationInfo, error) {
	tx, pending, err := c.client.TransactionByHash(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("chain %d: get creation tx %s: %w", c.chainID, txHash.Hex(), err)
	}
	if pending {
		return nil, fmt.Errorf("chain %d: creation tx %s is still pending", c.chainID, txHash.Hex())
	}

	receipt, err := c.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("chain %d: get creation receipt %s: %w", c.chainID, txHash.Hex(), err)
	}
	if receipt.ContractAddress != address {
		return nil, fmt.Errorf("chain %d: tx %s created %s, not %s",
			c.chainID, txHash.Hex(), receipt.ContractAddress.Hex(), address.Hex())
	}
	if tx.To() != nil {
		return nil, fmt.Errorf("chain %d: tx %s is not a direct contract creation", c.chainID, txHash.Hex())
	}

	return &verification.CreationInfo{
		CreationBytecode: tx.Data(),
		TransactionIndex: int64(receipt.TransactionIndex),
	}, nil
}

var _ verification.Chain = (*RPCChain)(nil)

// Registry holds the configured chains keyed by chain id.
type Registry struct {
	chains map[int64]*RPCChain
}

// NewRegistry dials every configured chain. A chain that fails to dial fails
// startup; an operator running with a bad endpoint would otherwise discover it
// only on the first job.
func NewRegistry(cfgs map[string]config.ChainConfig) (*Registry, error) {
	r := &Registry{chains: make(map[int64]*RPCChain, len(cfgs))}
	for rawID, cfg := range cfgs {
		id, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chain id %q in config", rawID)
		}
		c, err := NewRPCChain(id, cfg.Name, cfg.RPCURL)
		if err != nil {
			return nil, err
		}
		r.chains[id] = c
	}
	return r, nil
}

// Get returns the chain for id, or ErrUnsupportedChain.
func (r *Registry) Get(chainID int64) (*RPCChain, error) {
	c, ok := r.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedChain, chainID)
	}
	return c, nil
}

// Chain returns the chain for id behind the verification interface.
func (r *Registry) Chain(chainID int64) (verification.Chain, error) {
	return r.Get(chainID)
}

// Supported reports whether a chain id is configured.
func (r *Registry) Supported(chainID int64) bool {
	_, ok := r.chains[chainID]
	return ok
}

// IDs returns the configured chain ids.
func (r *Registry) IDs() []int64 {
	ids := make([]int64, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	return ids
}
