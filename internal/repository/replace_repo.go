package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chainproof/verifier/internal/models"
	"github.com/chainproof/verifier/internal/verification"
)

// ErrDanglingReferences is returned when a verified contract cannot be
// deleted because job rows still point at it.
var ErrDanglingReferences = errors.New("verified contract is referenced by verification jobs")

// VerifiedContractDetail bundles everything needed to rebuild a verification
// from stored data.
type VerifiedContractDetail struct {
	VerifiedContract models.VerifiedContract
	Deployment       models.ContractDeployment
	Compilation      models.CompiledContract
	Sources          map[string]string
	OnchainRuntimeCode  []byte
	OnchainCreationCode []byte
}

// ReplaceRepository supports the maintainer-only replace flow.
type ReplaceRepository interface {
	GetDetail(ctx context.Context, verifiedContractID int64) (*VerifiedContractDetail, error)
	// Replace deletes the stored match and inserts the rebuilt one in a
	// single transaction. The upgrade policy is bypassed.
	Replace(ctx context.Context, oldID int64, result *verification.Result, sigs []ExtractedSignature) (*Stored, error)
	// PatchCreationInformation rewrites the creation-side columns of a
	// verified contract and its deployment, preserving the runtime side.
	PatchCreationInformation(ctx context.Context, verifiedContractID int64, result *verification.Result) error
}

type replaceRepo struct {
	pool *pgxpool.Pool
}

// NewReplaceRepository creates a new replace repository.
func NewReplaceRepository(pool *pgxpool.Pool) ReplaceRepository {
	return &replaceRepo{pool: pool}
}

func (r *replaceRepo) GetDetail(ctx context.Context, verifiedContractID int64) (*VerifiedContractDetail, error) {
	query := `
		SELECT vc.id, vc.deployment_id, vc.compilation_id, vc.runtime_match, vc.creation_match,
		       vc.runtime_transformations, vc.runtime_values, vc.creation_transformations, vc.creation_values,
		       vc.runtime_metadata_match, vc.creation_metadata_match, vc.created_at,
		       cd.id, cd.chain_id, cd.address, cd.transaction_hash, cd.contract_id,
		       cd.block_number, cd.transaction_index, cd.deployer, cd.created_at,
		       cc.id, cc.compiler, cc.language, cc.version, cc.compiler_settings,
		       cc.creation_code_hash, cc.runtime_code_hash, cc.name, cc.fully_qualified_name,
		       cc.compilation_artifacts, cc.creation_code_artifacts, cc.runtime_code_artifacts,
		       cc.created_at, cc.updated_at,
		       rc.code, crc.code
		FROM verified_contracts vc
		JOIN contract_deployments cd ON cd.id = vc.deployment_id
		JOIN compiled_contracts cc ON cc.id = vc.compilation_id
		JOIN contracts c ON c.id = cd.contract_id
		JOIN code rc ON rc.code_hash = c.runtime_code_hash
		LEFT JOIN code crc ON crc.code_hash = c.creation_code_hash
		WHERE vc.id = $1`

	var d VerifiedContractDetail
	err := r.pool.QueryRow(ctx, query, verifiedContractID).Scan(
		&d.VerifiedContract.ID,
		&d.VerifiedContract.DeploymentID,
		&d.VerifiedContract.CompilationID,
		&d.VerifiedContract.RuntimeMatch,
		&d.VerifiedContract.CreationMatch,
		&d.VerifiedContract.RuntimeTransformations,
		&d.VerifiedContract.RuntimeValues,
		&d.VerifiedContract.CreationTransformations,
		&d.VerifiedContract.CreationValues,
		&d.VerifiedContract.RuntimeMetadataMatch,
		&d.VerifiedContract.CreationMetadataMatch,
		&d.VerifiedContract.CreatedAt,
		&d.Deployment.ID,
		&d.Deployment.ChainID,
		&d.Deployment.Address,
		&d.Deployment.TransactionHash,
		&d.Deployment.ContractID,
		&d.Deployment.BlockNumber,
		&d.Deployment.TransactionIndex,
		&d.Deployment.Deployer,
		&d.Deployment.CreatedAt,
		&d.Compilation.ID,
		&d.Compilation.Compiler,
		&d.Compilation.Language,
		&d.Compilation.Version,
		&d.Compilation.CompilerSettings,
		&d.Compilation.CreationCodeSHA,
		&d.Compilation.RuntimeCodeSHA,
		&d.Compilation.Name,
		&d.Compilation.FullyQualifiedName,
		&d.Compilation.CompilationArtifacts,
		&d.Compilation.CreationCodeArtifacts,
		&d.Compilation.RuntimeCodeArtifacts,
		&d.Compilation.CreatedAt,
		&d.Compilation.UpdatedAt,
		&d.OnchainRuntimeCode,
		&d.OnchainCreationCode,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get verified contract detail: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT cs.path, s.content
		FROM compiled_contracts_sources cs
		JOIN sources s ON s.source_hash = cs.source_hash
		WHERE cs.compilation_id = $1`,
		d.Compilation.ID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	d.Sources = make(map[string]string)
	for rows.Next() {
		var path, content string
		if err := rows.Scan(&path, &content); err != nil {
			return nil, err
		}
		d.Sources[path] = content
	}
	return &d, rows.Err()
}

func (r *replaceRepo) Replace(ctx context.Context, oldID int64, result *verification.Result, sigs []ExtractedSignature) (*Stored, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var jobRefs int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM verification_jobs WHERE verified_contract_id = $1`, oldID,
	).Scan(&jobRefs); err != nil {
		return nil, err
	}
	if jobRefs > 0 {
		return nil, ErrDanglingReferences
	}

	if _, err := tx.Exec(ctx, `DELETE FROM sourcify_matches WHERE verified_contract_id = $1`, oldID); err != nil {
		return nil, fmt.Errorf("delete sourcify match: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM verified_contracts WHERE id = $1`, oldID)
	if err != nil {
		return nil, fmt.Errorf("delete verified contract: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("verified contract %d not found", oldID)
	}

	stored, err := storeInTx(ctx, tx, result, sigs, true)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit replace: %w", err)
	}
	return stored, nil
}

func (r *replaceRepo) PatchCreationInformation(ctx context.Context, verifiedContractID int64, result *verification.Result) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	creationMatched := result.CreationMatch != nil
	var creationTransformations, creationValues []byte
	if creationMatched {
		if creationTransformations, err = json.Marshal(result.CreationTransformations); err != nil {
			return fmt.Errorf("marshal creation transformations: %w", err)
		}
		creationValues = orEmptyJSON(result.CreationValues)
	}

	var deploymentID string
	err = tx.QueryRow(ctx, `
		UPDATE verified_contracts
		SET creation_match = $2, creation_transformations = $3, creation_values = $4, creation_metadata_match = $5
		WHERE id = $1
		RETURNING deployment_id`,
		verifiedContractID,
		creationMatched,
		creationTransformations,
		creationValues,
		result.CreationMetadataMatch(),
	).Scan(&deploymentID)
	if err != nil {
		return fmt.Errorf("patch verified contract: %w", err)
	}

	var txHash []byte
	if result.Deployment.TransactionHash != nil {
		txHash = result.Deployment.TransactionHash.Bytes()
	}
	var deployer []byte
	if result.Deployment.Deployer != nil {
		deployer = result.Deployment.Deployer.Bytes()
	}
	if _, err := tx.Exec(ctx, `
		UPDATE contract_deployments
		SET transaction_hash = COALESCE($2, transaction_hash),
		    block_number = COALESCE($3, block_number),
		    transaction_index = COALESCE($4, transaction_index),
		    deployer = COALESCE($5, deployer)
		WHERE id = $1`,
		deploymentID, txHash, result.Deployment.BlockNumber, result.Deployment.TransactionIndex, deployer,
	); err != nil {
		return fmt.Errorf("patch deployment: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE sourcify_matches sm
		SET creation_match = $2
		WHERE sm.verified_contract_id = $1`,
		verifiedContractID, result.CreationMatch,
	); err != nil {
		return fmt.Errorf("patch sourcify match: %w", err)
	}

	return tx.Commit(ctx)
}

var _ ReplaceRepository = (*replaceRepo)(nil)
