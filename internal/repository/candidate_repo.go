package repository

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"

	"github.com/chainproof/verifier/internal/models"
)

// candidatePrefetch is how many rows the prefix query pulls before ranking
// in memory.
const candidatePrefetch = 200

// shortPrefixLen is the bytecode prefix the SQL filter matches on. Longer
// common prefixes are ranked client-side.
const shortPrefixLen = 4

// Candidate is a previously verified compilation plus everything needed to
// rebuild a pre-run compilation for trial verification.
type Candidate struct {
	Compilation  models.CompiledContract
	RuntimeCode  []byte
	CreationCode []byte
	Sources      map[string]string
	PrefixLen    int
}

// CandidateRepository retrieves similarity candidates keyed by runtime
// bytecode.
type CandidateRepository interface {
	// SimilarityCandidates returns up to limit compilations whose stored
	// normalized runtime bytecode shares the longest prefix with the
	// argument, ties broken by most recent verification.
	SimilarityCandidates(ctx context.Context, runtimeCode []byte, limit int) ([]*Candidate, error)
	// GetCandidate loads one compilation with its codes and sources.
	GetCandidate(ctx context.Context, compilationID uuid.UUID) (*Candidate, error)
	// GetDeployment returns the stored deployment for (chain, address), or nil.
	GetDeployment(ctx context.Context, chainID int64, address []byte) (*models.ContractDeployment, error)
	// GetCode returns stored bytecode by sha256, or nil.
	GetCode(ctx context.Context, sha []byte) ([]byte, error)
}

type candidateRepo struct {
	pool *pgxpool.Pool
}

// NewCandidateRepository creates a new candidate repository.
func NewCandidateRepository(pool *pgxpool.Pool) CandidateRepository {
	return &candidateRepo{pool: pool}
}

func (r *candidateRepo) SimilarityCandidates(ctx context.Context, runtimeCode []byte, limit int) ([]*Candidate, error) {
	if len(runtimeCode) < shortPrefixLen {
		return nil, nil
	}

	query := `
		SELECT cc.id, cc.compiler, cc.language, cc.version, cc.compiler_settings,
		       cc.creation_code_hash, cc.runtime_code_hash, cc.name, cc.fully_qualified_name,
		       cc.compilation_artifacts, cc.creation_code_artifacts, cc.runtime_code_artifacts,
		       cc.created_at, cc.updated_at, rc.code
		FROM compiled_contracts cc
		JOIN code rc ON rc.code_hash = cc.runtime_code_hash
		WHERE substring(rc.code FROM 1 FOR $1) = $2
		ORDER BY cc.updated_at DESC
		LIMIT $3`

	rows, err := r.pool.Query(ctx, query, shortPrefixLen, runtimeCode[:shortPrefixLen], candidatePrefetch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []*Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(
			&c.Compilation.ID,
			&c.Compilation.Compiler,
			&c.Compilation.Language,
			&c.Compilation.Version,
			&c.Compilation.CompilerSettings,
			&c.Compilation.CreationCodeSHA,
			&c.Compilation.RuntimeCodeSHA,
			&c.Compilation.Name,
			&c.Compilation.FullyQualifiedName,
			&c.Compilation.CompilationArtifacts,
			&c.Compilation.CreationCodeArtifacts,
			&c.Compilation.RuntimeCodeArtifacts,
			&c.Compilation.CreatedAt,
			&c.Compilation.UpdatedAt,
			&c.RuntimeCode,
		); err != nil {
			return nil, err
		}
		c.PrefixLen = commonPrefixLen(runtimeCode, c.RuntimeCode)
		candidates = append(candidates, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Longest shared prefix wins, recency breaks ties. The SQL order is
	// already recency-descending, so a stable sort preserves it.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].PrefixLen > candidates[j].PrefixLen
	})
	candidates = lo.Slice(candidates, 0, limit)

	for _, c := range candidates {
		if err := r.hydrate(ctx, c); err != nil {
			return nil, err
		}
	}
	return candidates, nil
}

func (r *candidateRepo) GetCandidate(ctx context.Context, compilationID uuid.UUID) (*Candidate, error) {
	query := `
		SELECT cc.id, cc.compiler, cc.language, cc.version, cc.compiler_settings,
		       cc.creation_code_hash, cc.runtime_code_hash, cc.name, cc.fully_qualified_name,
		       cc.compilation_artifacts, cc.creation_code_artifacts, cc.runtime_code_artifacts,
		       cc.created_at, cc.updated_at, rc.code
		FROM compiled_contracts cc
		JOIN code rc ON rc.code_hash = cc.runtime_code_hash
		WHERE cc.id = $1`

	var c Candidate
	err := r.pool.QueryRow(ctx, query, compilationID).Scan(
		&c.Compilation.ID,
		&c.Compilation.Compiler,
		&c.Compilation.Language,
		&c.Compilation.Version,
		&c.Compilation.CompilerSettings,
		&c.Compilation.CreationCodeSHA,
		&c.Compilation.RuntimeCodeSHA,
		&c.Compilation.Name,
		&c.Compilation.FullyQualifiedName,
		&c.Compilation.CompilationArtifacts,
		&c.Compilation.CreationCodeArtifacts,
		&c.Compilation.RuntimeCodeArtifacts,
		&c.Compilation.CreatedAt,
		&c.Compilation.UpdatedAt,
		&c.RuntimeCode,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := r.hydrate(ctx, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// hydrate loads the creation bytecode and sources of a candidate.
func (r *candidateRepo) hydrate(ctx context.Context, c *Candidate) error {
	if len(c.Compilation.CreationCodeSHA) > 0 {
		code, err := r.GetCode(ctx, c.Compilation.CreationCodeSHA)
		if err != nil {
			return err
		}
		c.CreationCode = code
	}

	rows, err := r.pool.Query(ctx, `
		SELECT cs.path, s.content
		FROM compiled_contracts_sources cs
		JOIN sources s ON s.source_hash = cs.source_hash
		WHERE cs.compilation_id = $1`,
		c.Compilation.ID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	c.Sources = make(map[string]string)
	for rows.Next() {
		var path, content string
		if err := rows.Scan(&path, &content); err != nil {
			return err
		}
		c.Sources[path] = content
	}
	return rows.Err()
}

func (r *candidateRepo) GetDeployment(ctx context.Context, chainID int64, address []byte) (*models.ContractDeployment, error) {
	query := `
		SELECT id, chain_id, address, transaction_hash, contract_id, block_number, transaction_index, deployer, created_at
		FROM contract_deployments
		WHERE chain_id = $1 AND address = $2
		ORDER BY created_at DESC
		LIMIT 1`

	var d models.ContractDeployment
	err := r.pool.QueryRow(ctx, query, chainID, address).Scan(
		&d.ID,
		&d.ChainID,
		&d.Address,
		&d.TransactionHash,
		&d.ContractID,
		&d.BlockNumber,
		&d.TransactionIndex,
		&d.Deployer,
		&d.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *candidateRepo) GetCode(ctx context.Context, sha []byte) ([]byte, error) {
	var code []byte
	err := r.pool.QueryRow(ctx, `SELECT code FROM code WHERE code_hash = $1`, sha).Scan(&code)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return code, nil
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

var _ CandidateRepository = (*candidateRepo)(nil)
