package models

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Contract is an on-chain artifact independent of where it was deployed,
// keyed by the pair of its code digests. CreationCodeSHA is nil when the
// creation bytecode is unknown.
type Contract struct {
	ID              uuid.UUID `json:"id" db:"id"`
	CreationCodeSHA []byte    `json:"creationCodeSha,omitempty" db:"creation_code_hash"`
	RuntimeCodeSHA  []byte    `json:"runtimeCodeSha" db:"runtime_code_hash"`
	CreatedAt       time.Time `json:"createdAt" db:"created_at"`
}

// ContractDeployment binds a Contract to a (chain, address) with its creation
// evidence. Unique key: (chain_id, address, transaction_hash).
type ContractDeployment struct {
	ID              uuid.UUID `json:"id" db:"id"`
	ChainID         int64     `json:"chainId" db:"chain_id"`
	Address         []byte    `json:"address" db:"address"`
	TransactionHash []byte    `json:"transactionHash,omitempty" db:"transaction_hash"`
	ContractID      uuid.UUID `json:"contractId" db:"contract_id"`
	BlockNumber     *int64    `json:"blockNumber,omitempty" db:"block_number"`
	TransactionIndex *int64   `json:"transactionIndex,omitempty" db:"transaction_index"`
	Deployer        []byte    `json:"deployer,omitempty" db:"deployer"`
	CreatedAt       time.Time `json:"createdAt" db:"created_at"`
}

// ChecksumAddress returns the EIP-55 representation of the deployment address.
func (d *ContractDeployment) ChecksumAddress() string {
	return common.BytesToAddress(d.Address).Hex()
}
