package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chainproof/verifier/internal/models"
)

// MatchView joins a sourcify match to its deployment and compilation.
type MatchView struct {
	Match         models.SourcifyMatch
	Deployment    models.ContractDeployment
	CompilationID uuid.UUID
	FullyQualifiedName string
}

// MatchRepository serves the read path over verified matches.
type MatchRepository interface {
	// GetSourcifyMatch returns the best match for (chain, address), ordered
	// (perfect,perfect) > (perfect,partial) > (partial,perfect) >
	// (partial,partial). With onlyPerfect, rows without a perfect status on
	// either axis are excluded.
	GetSourcifyMatch(ctx context.Context, chainID int64, address []byte, onlyPerfect bool) (*MatchView, error)
	// GetSources returns the path -> content mapping of a compilation.
	GetSources(ctx context.Context, compilationID uuid.UUID) (map[string]string, error)
	GetVerifiedContract(ctx context.Context, id int64) (*models.VerifiedContract, error)
}

type matchRepo struct {
	pool *pgxpool.Pool
}

// NewMatchRepository creates a new match repository.
func NewMatchRepository(pool *pgxpool.Pool) MatchRepository {
	return &matchRepo{pool: pool}
}

func (r *matchRepo) GetSourcifyMatch(ctx context.Context, chainID int64, address []byte, onlyPerfect bool) (*MatchView, error) {
	query := `
		SELECT sm.id, sm.verified_contract_id, sm.runtime_match, sm.creation_match, sm.metadata, sm.created_at,
		       cd.id, cd.chain_id, cd.address, cd.transaction_hash, cd.contract_id,
		       cd.block_number, cd.transaction_index, cd.deployer, cd.created_at,
		       vc.compilation_id, cc.fully_qualified_name
		FROM sourcify_matches sm
		JOIN verified_contracts vc ON vc.id = sm.verified_contract_id
		JOIN contract_deployments cd ON cd.id = vc.deployment_id
		JOIN compiled_contracts cc ON cc.id = vc.compilation_id
		WHERE cd.chain_id = $1 AND cd.address = $2`
	if onlyPerfect {
		query += ` AND (sm.runtime_match = 'perfect' OR sm.creation_match = 'perfect')`
	}
	query += `
		ORDER BY
			CASE sm.runtime_match WHEN 'perfect' THEN 2 WHEN 'partial' THEN 1 ELSE 0 END DESC,
			CASE sm.creation_match WHEN 'perfect' THEN 2 WHEN 'partial' THEN 1 ELSE 0 END DESC,
			sm.created_at DESC
		LIMIT 1`

	var view MatchView
	err := r.pool.QueryRow(ctx, query, chainID, address).Scan(
		&view.Match.ID,
		&view.Match.VerifiedContractID,
		&view.Match.RuntimeMatch,
		&view.Match.CreationMatch,
		&view.Match.Metadata,
		&view.Match.CreatedAt,
		&view.Deployment.ID,
		&view.Deployment.ChainID,
		&view.Deployment.Address,
		&view.Deployment.TransactionHash,
		&view.Deployment.ContractID,
		&view.Deployment.BlockNumber,
		&view.Deployment.TransactionIndex,
		&view.Deployment.Deployer,
		&view.Deployment.CreatedAt,
		&view.CompilationID,
		&view.FullyQualifiedName,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &view, nil
}

func (r *matchRepo) GetSources(ctx context.Context, compilationID uuid.UUID) (map[string]string, error) {
	query := `
		SELECT cs.path, s.content
		FROM compiled_contracts_sources cs
		JOIN sources s ON s.source_hash = cs.source_hash
		WHERE cs.compilation_id = $1`

	rows, err := r.pool.Query(ctx, query, compilationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sources := make(map[string]string)
	for rows.Next() {
		var path, content string
		if err := rows.Scan(&path, &content); err != nil {
			return nil, err
		}
		sources[path] = content
	}
	return sources, rows.Err()
}

func (r *matchRepo) GetVerifiedContract(ctx context.Context, id int64) (*models.VerifiedContract, error) {
	query := `
		SELECT id, deployment_id, compilation_id, runtime_match, creation_match,
		       runtime_transformations, runtime_values, creation_transformations, creation_values,
		       runtime_metadata_match, creation_metadata_match, created_at
		FROM verified_contracts WHERE id = $1`

	var vc models.VerifiedContract
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&vc.ID,
		&vc.DeploymentID,
		&vc.CompilationID,
		&vc.RuntimeMatch,
		&vc.CreationMatch,
		&vc.RuntimeTransformations,
		&vc.RuntimeValues,
		&vc.CreationTransformations,
		&vc.CreationValues,
		&vc.RuntimeMetadataMatch,
		&vc.CreationMetadataMatch,
		&vc.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get verified contract: %w", err)
	}
	return &vc, nil
}

var _ MatchRepository = (*matchRepo)(nil)
