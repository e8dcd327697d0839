package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chainproof/verifier/internal/models"
)

// JobView is the operator-facing read model of a job, joined to the current
// sourcify match of its deployment.
type JobView struct {
	Job           models.VerificationJob
	RuntimeMatch  *models.MatchStatus
	CreationMatch *models.MatchStatus
}

// JobRepository persists verification job lifecycles. Jobs are created on
// admission and updated exactly once at completion.
type JobRepository interface {
	Create(ctx context.Context, job *models.VerificationJob) error
	CompleteSuccess(ctx context.Context, id uuid.UUID, verifiedContractID int64) error
	CompleteError(ctx context.Context, id uuid.UUID, code string, errorID uuid.UUID, data json.RawMessage) error
	SetExternalVerification(ctx context.Context, id uuid.UUID, external map[string]string) error
	Get(ctx context.Context, id uuid.UUID) (*JobView, error)
	// FailRunning marks every uncompleted job as internal_error. Called on
	// shutdown so no job is left in the running state.
	FailRunning(ctx context.Context) (int64, error)
}

type jobRepo struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a new job repository.
func NewJobRepository(pool *pgxpool.Pool) JobRepository {
	return &jobRepo{pool: pool}
}

// Create inserts the job row at admission time.
func (r *jobRepo) Create(ctx context.Context, job *models.VerificationJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	query := `
		INSERT INTO verification_jobs (id, chain_id, contract_address, verification_endpoint)
		VALUES ($1, $2, $3, $4)
		RETURNING started_at`

	return r.pool.QueryRow(ctx, query,
		job.ID,
		job.ChainID,
		job.Address,
		string(job.VerificationEndpoint),
	).Scan(&job.StartedAt)
}

// CompleteSuccess marks the job terminal with its verified contract.
func (r *jobRepo) CompleteSuccess(ctx context.Context, id uuid.UUID, verifiedContractID int64) error {
	query := `
		UPDATE verification_jobs
		SET completed_at = $2, verified_contract_id = $3
		WHERE id = $1 AND completed_at IS NULL`

	tag, err := r.pool.Exec(ctx, query, id, time.Now(), verifiedContractID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s is already completed", id)
	}
	return nil
}

// CompleteError marks the job terminal with a typed error.
func (r *jobRepo) CompleteError(ctx context.Context, id uuid.UUID, code string, errorID uuid.UUID, data json.RawMessage) error {
	query := `
		UPDATE verification_jobs
		SET completed_at = $2, error_code = $3, error_id = $4, error_data = $5
		WHERE id = $1 AND completed_at IS NULL`

	tag, err := r.pool.Exec(ctx, query, id, time.Now(), code, errorID, orNilJSON(data))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s is already completed", id)
	}
	return nil
}

// SetExternalVerification merges explorer submission receipts onto the job.
func (r *jobRepo) SetExternalVerification(ctx context.Context, id uuid.UUID, external map[string]string) error {
	raw, err := json.Marshal(external)
	if err != nil {
		return fmt.Errorf("marshal external verification: %w", err)
	}
	query := `
		UPDATE verification_jobs
		SET external_verification = COALESCE(external_verification, '{}'::jsonb) || $2::jsonb
		WHERE id = $1`

	_, err = r.pool.Exec(ctx, query, id, raw)
	return err
}

// Get returns the job joined to its deployment's current match, if any.
func (r *jobRepo) Get(ctx context.Context, id uuid.UUID) (*JobView, error) {
	query := `
		SELECT j.id, j.chain_id, j.contract_address, j.started_at, j.completed_at,
		       j.verified_contract_id, j.error_code, j.error_id, j.error_data,
		       j.verification_endpoint, j.external_verification,
		       sm.runtime_match, sm.creation_match
		FROM verification_jobs j
		LEFT JOIN sourcify_matches sm ON sm.verified_contract_id = j.verified_contract_id
		WHERE j.id = $1`

	var view JobView
	var endpoint string
	var external []byte
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&view.Job.ID,
		&view.Job.ChainID,
		&view.Job.Address,
		&view.Job.StartedAt,
		&view.Job.CompletedAt,
		&view.Job.VerifiedContractID,
		&view.Job.ErrorCode,
		&view.Job.ErrorID,
		&view.Job.ErrorData,
		&endpoint,
		&external,
		&view.RuntimeMatch,
		&view.CreationMatch,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	view.Job.VerificationEndpoint = models.VerificationEndpoint(endpoint)
	if len(external) > 0 {
		if err := json.Unmarshal(external, &view.Job.ExternalVerification); err != nil {
			return nil, fmt.Errorf("decode external verification: %w", err)
		}
	}
	return &view, nil
}

// FailRunning completes every open job with internal_error.
func (r *jobRepo) FailRunning(ctx context.Context) (int64, error) {
	query := `
		UPDATE verification_jobs
		SET completed_at = now(), error_code = 'internal_error', error_id = $1
		WHERE completed_at IS NULL`

	tag, err := r.pool.Exec(ctx, query, uuid.New())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

var _ JobRepository = (*jobRepo)(nil)
