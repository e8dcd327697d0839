package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chainproof/verifier/internal/models"
)

// SignatureRepository serves the selector lookup endpoints. Writes happen
// inside the verification transaction (see verification_repo.go).
type SignatureRepository interface {
	// GetByHash returns the signature with the given full keccak256 hash, or nil.
	GetByHash(ctx context.Context, hash []byte) (*models.Signature, error)
	// GetByPrefix returns every signature sharing the 4-byte selector.
	// Collisions are expected and returned as a list.
	GetByPrefix(ctx context.Context, hash4 []byte) ([]*models.Signature, error)
	// ListByCompilation returns the signatures joined to a compilation.
	ListByCompilation(ctx context.Context, compilationID string) ([]*models.CompiledContractSignature, error)
}

type signatureRepo struct {
	pool *pgxpool.Pool
}

// NewSignatureRepository creates a new signature repository.
func NewSignatureRepository(pool *pgxpool.Pool) SignatureRepository {
	return &signatureRepo{pool: pool}
}

func (r *signatureRepo) GetByHash(ctx context.Context, hash []byte) (*models.Signature, error) {
	query := `
		SELECT signature_hash, signature_hash_4, signature, created_at
		FROM signatures WHERE signature_hash = $1`

	rows, err := r.pool.Query(ctx, query, hash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var s models.Signature
	if err := rows.Scan(&s.Hash, &s.Hash4, &s.Text, &s.CreatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *signatureRepo) GetByPrefix(ctx context.Context, hash4 []byte) ([]*models.Signature, error) {
	query := `
		SELECT signature_hash, signature_hash_4, signature, created_at
		FROM signatures
		WHERE signature_hash_4 = $1
		ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, hash4)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sigs []*models.Signature
	for rows.Next() {
		var s models.Signature
		if err := rows.Scan(&s.Hash, &s.Hash4, &s.Text, &s.CreatedAt); err != nil {
			return nil, err
		}
		sigs = append(sigs, &s)
	}
	return sigs, rows.Err()
}

func (r *signatureRepo) ListByCompilation(ctx context.Context, compilationID string) ([]*models.CompiledContractSignature, error) {
	query := `
		SELECT compilation_id, signature_hash, signature_type
		FROM compiled_contracts_signatures
		WHERE compilation_id = $1`

	rows, err := r.pool.Query(ctx, query, compilationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var joins []*models.CompiledContractSignature
	for rows.Next() {
		var j models.CompiledContractSignature
		if err := rows.Scan(&j.CompilationID, &j.SignatureHash, &j.Type); err != nil {
			return nil, err
		}
		joins = append(joins, &j)
	}
	return joins, rows.Err()
}

var _ SignatureRepository = (*signatureRepo)(nil)
