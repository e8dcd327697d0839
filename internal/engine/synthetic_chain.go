package engine

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainproof/verifier/internal/verification"
)

// syntheticChain implements verification.Chain over evidence gathered ahead
// of time, either from a live RPC fetch or from the canonical store. It lets
// the similarity and replace paths run the exact same verifier as fresh
// verifications.
type syntheticChain struct {
	chainID      int64
	runtimeCode  []byte
	creationInfo *verification.CreationInfo
	txInfo       *verification.TxInfo
	creatorTx    *common.Hash
}

// newSyntheticChain builds the adapter from prefetched runtime bytecode.
// Creation evidence is optional.
func newSyntheticChain(chainID int64, runtimeCode []byte) *syntheticChain {
	return &syntheticChain{chainID: chainID, runtimeCode: runtimeCode}
}

// withCreation attaches creation evidence discovered from RPC or storage.
func (c *syntheticChain) withCreation(creatorTx common.Hash, info *verification.CreationInfo, tx *verification.TxInfo) *syntheticChain {
	c.creatorTx = &creatorTx
	c.creationInfo = info
	c.txInfo = tx
	return c
}

func (c *syntheticChain) ChainID() int64 {
	return c.chainID
}

func (c *syntheticChain) GetBytecode(ctx context.Context, address common.Address) ([]byte, error) {
	return c.runtimeCode, nil
}

func (c *syntheticChain) GetTx(ctx context.Context, hash common.Hash) (*verification.TxInfo, error) {
	if c.txInfo == nil || c.creatorTx == nil || hash != *c.creatorTx {
		return nil, fmt.Errorf("no stored evidence for tx %s", hash.Hex())
	}
	return c.txInfo, nil
}

func (c *syntheticChain) GetContractCreationBytecodeAndReceipt(ctx context.Context, address common.Address, txHash common.Hash) (*verification.CreationInfo, error) {
	if c.creationInfo == nil || c.creatorTx == nil || txHash != *c.creatorTx {
		return nil, fmt.Errorf("no stored creation evidence for tx %s", txHash.Hex())
	}
	return c.creationInfo, nil
}

var _ verification.Chain = (*syntheticChain)(nil)
