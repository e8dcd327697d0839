package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chainproof/verifier/internal/repository"
	"github.com/chainproof/verifier/internal/signature"
	"github.com/chainproof/verifier/internal/verification"
)

// DatabaseSink writes to the canonical store. Signature indexing runs inside
// the same transaction as the verification rows.
type DatabaseSink struct {
	id    Identifier
	repo  repository.VerificationRepository
	match repository.MatchRepository
	opts  repository.StoreOptions
}

// NewDatabaseSink creates the canonical store sink.
func NewDatabaseSink(pool *pgxpool.Pool) *DatabaseSink {
	return &DatabaseSink{
		id:    SourcifyDatabase,
		repo:  repository.NewVerificationRepository(pool),
		match: repository.NewMatchRepository(pool),
	}
}

// NewAllianceSink creates the allied database sink. Same schema, but
// verifications without a creation match are rejected.
func NewAllianceSink(pool *pgxpool.Pool) *DatabaseSink {
	return &DatabaseSink{
		id:   AllianceDatabase,
		repo: repository.NewVerificationRepository(pool),
		opts: repository.StoreOptions{RequireCreationMatch: true},
	}
}

// Identifier implements WriteSink.
func (s *DatabaseSink) Identifier() Identifier {
	return s.id
}

// Init implements WriteSink. Schema setup happens through migrations at
// startup, so there is nothing to do here.
func (s *DatabaseSink) Init(ctx context.Context) error {
	return nil
}

// StoreVerification implements WriteSink.
func (s *DatabaseSink) StoreVerification(ctx context.Context, result *verification.Result, jobCtx *JobContext) error {
	sigs, err := signature.Extract(result.Compilation.ABI)
	if err != nil {
		// Extraction failures degrade to an unindexed verification rather
		// than failing the job.
		sigs = nil
	}

	stored, err := s.repo.StoreVerification(ctx, result, sigs, s.opts)
	if err != nil {
		if errors.Is(err, repository.ErrAlreadyVerified) {
			return err
		}
		return fmt.Errorf("%s: %w", s.id, err)
	}

	if jobCtx != nil && s.id == SourcifyDatabase {
		jobCtx.Stored = stored
	}
	return nil
}

// GetByChainAndAddress implements ReadSink.
func (s *DatabaseSink) GetByChainAndAddress(ctx context.Context, chainID int64, address []byte, onlyPerfect bool) (*repository.MatchView, error) {
	if s.match == nil {
		return nil, fmt.Errorf("%s is not configured for reads", s.id)
	}
	return s.match.GetSourcifyMatch(ctx, chainID, address, onlyPerfect)
}

// GetFiles implements ReadSink: the source files of the best match.
func (s *DatabaseSink) GetFiles(ctx context.Context, chainID int64, address []byte) (map[string]string, error) {
	if s.match == nil {
		return nil, fmt.Errorf("%s is not configured for reads", s.id)
	}
	view, err := s.match.GetSourcifyMatch(ctx, chainID, address, false)
	if err != nil {
		return nil, err
	}
	if view == nil {
		return nil, nil
	}
	return s.match.GetSources(ctx, view.CompilationID)
}

var (
	_ WriteSink = (*DatabaseSink)(nil)
	_ ReadSink  = (*DatabaseSink)(nil)
)
