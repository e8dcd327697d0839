// Package sink defines the write targets a verification result fans out to
// and the policy engine that orchestrates them.
package sink

import (
	"context"

	"github.com/google/uuid"

	"github.com/chainproof/verifier/internal/repository"
	"github.com/chainproof/verifier/internal/verification"
)

// Identifier names a sink in the storage configuration.
type Identifier string

const (
	SourcifyDatabase Identifier = "SourcifyDatabase"
	AllianceDatabase Identifier = "AllianceDatabase"
	RepositoryV1     Identifier = "RepositoryV1"
	RepositoryV2     Identifier = "RepositoryV2"
	S3Repository     Identifier = "S3Repository"
	EtherscanVerify  Identifier = "EtherscanVerify"
	BlockscoutVerify Identifier = "BlockscoutVerify"
	RoutescanVerify  Identifier = "RoutescanVerify"
)

// JobContext carries per-job state through the fan-out. The canonical store
// sink fills Stored; explorer sinks append receipts to External.
type JobContext struct {
	JobID    uuid.UUID
	TraceID  string
	Stored   *repository.Stored
	External map[string]string
}

// NewJobContext creates a job context for one fan-out pass.
func NewJobContext(jobID uuid.UUID, traceID string) *JobContext {
	return &JobContext{
		JobID:    jobID,
		TraceID:  traceID,
		External: make(map[string]string),
	}
}

// WriteSink receives canonical verification results. Each sink defines its
// own idempotency and validation.
type WriteSink interface {
	Identifier() Identifier
	// Init prepares the sink (directory resolution, bucket checks). Called
	// once at startup.
	Init(ctx context.Context) error
	// StoreVerification persists one result. jobCtx may be nil for paths
	// that run outside a job (replace engine).
	StoreVerification(ctx context.Context, result *verification.Result, jobCtx *JobContext) error
}

// ReadSink serves all read operations. Exactly one read sink is active per
// service.
type ReadSink interface {
	Identifier() Identifier
	GetByChainAndAddress(ctx context.Context, chainID int64, address []byte, onlyPerfect bool) (*repository.MatchView, error)
	GetFiles(ctx context.Context, chainID int64, address []byte) (map[string]string, error)
}
