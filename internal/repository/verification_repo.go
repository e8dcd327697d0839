// Package repository provides the data access layer for the canonical
// verification store.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chainproof/verifier/internal/bytecode"
	"github.com/chainproof/verifier/internal/models"
	"github.com/chainproof/verifier/internal/verification"
)

// ErrAlreadyVerified is returned when the store already holds a match for the
// deployment that is at least as good on both axes.
var ErrAlreadyVerified = errors.New("contract already verified with an equal or better match")

// ErrNoBytecode is returned when a verification carries neither runtime nor
// creation bytecode.
var ErrNoBytecode = errors.New("verification has neither runtime nor creation bytecode")

// StoreOptions tune validation per sink.
type StoreOptions struct {
	// RequireCreationMatch rejects verifications without a creation match
	// (alliance database policy).
	RequireCreationMatch bool
}

// Stored reports what a successful StoreVerification committed.
type Stored struct {
	VerifiedContractID int64
	DeploymentID       uuid.UUID
	ContractID         uuid.UUID
	CompilationID      uuid.UUID
	RuntimeStatus      *models.MatchStatus
	CreationStatus     *models.MatchStatus
	Repointed          bool
}

// VerificationRepository persists canonical verification results.
type VerificationRepository interface {
	// StoreVerification writes one verification atomically: codes, contract,
	// deployment, compiled contract, verified contract, sourcify match and
	// signatures, in that order, in a single transaction.
	StoreVerification(ctx context.Context, result *verification.Result, sigs []ExtractedSignature, opts StoreOptions) (*Stored, error)
}

// ExtractedSignature is one ABI signature ready for indexing.
type ExtractedSignature struct {
	Text string
	Hash []byte // keccak256 of Text
	Type models.SignatureType
}

type verificationRepo struct {
	pool *pgxpool.Pool
}

// NewVerificationRepository creates a verification repository over the pool.
func NewVerificationRepository(pool *pgxpool.Pool) VerificationRepository {
	return &verificationRepo{pool: pool}
}

// StoreVerification implements the canonical write path.
func (r *verificationRepo) StoreVerification(ctx context.Context, result *verification.Result, sigs []ExtractedSignature, opts StoreOptions) (*Stored, error) {
	if len(result.OnchainRuntimeCode) == 0 && len(result.OnchainCreationCode) == 0 {
		return nil, ErrNoBytecode
	}
	if opts.RequireCreationMatch && result.CreationMatch == nil {
		return nil, fmt.Errorf("verification for %s has no creation match", result.Address.Hex())
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	stored, err := storeInTx(ctx, tx, result, sigs, false)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit verification: %w", err)
	}
	return stored, nil
}

// storeInTx runs the canonical write order inside an open transaction.
// skipUpgradeCheck is set only by the maintainer replace path.
func storeInTx(ctx context.Context, tx pgx.Tx, result *verification.Result, sigs []ExtractedSignature, skipUpgradeCheck bool) (*Stored, error) {
	// Codes. Recompiled bytecodes are normalized before hashing so builds
	// differing only in linked library addresses share a row; on-chain
	// bytecodes are hashed as received.
	onchainRuntimeSHA, err := upsertCode(ctx, tx, result.OnchainRuntimeCode)
	if err != nil {
		return nil, err
	}
	var onchainCreationSHA []byte
	if len(result.OnchainCreationCode) > 0 {
		if onchainCreationSHA, err = upsertCode(ctx, tx, result.OnchainCreationCode); err != nil {
			return nil, err
		}
	}

	normalizedRuntime, err := bytecode.NormalizeRecompiled(result.RecompiledRuntimeCode, result.RuntimeTransformations)
	if err != nil {
		return nil, fmt.Errorf("normalize runtime bytecode: %w", err)
	}
	recompiledRuntimeSHA, err := upsertCode(ctx, tx, normalizedRuntime)
	if err != nil {
		return nil, err
	}
	var recompiledCreationSHA []byte
	if len(result.RecompiledCreationCode) > 0 {
		normalizedCreation, err := bytecode.NormalizeRecompiled(result.RecompiledCreationCode, result.CreationTransformations)
		if err != nil {
			return nil, fmt.Errorf("normalize creation bytecode: %w", err)
		}
		if recompiledCreationSHA, err = upsertCode(ctx, tx, normalizedCreation); err != nil {
			return nil, err
		}
	}

	// Contract and deployment.
	contractID, err := upsertContract(ctx, tx, onchainCreationSHA, onchainRuntimeSHA)
	if err != nil {
		return nil, err
	}
	deploymentID, err := upsertDeployment(ctx, tx, result, contractID)
	if err != nil {
		return nil, err
	}

	// Compiled contract and its sources.
	compilationID, err := upsertCompiledContract(ctx, tx, &result.Compilation, recompiledCreationSHA, recompiledRuntimeSHA)
	if err != nil {
		return nil, err
	}
	if err := upsertCompiledSources(ctx, tx, compilationID, result.Compilation.Sources); err != nil {
		return nil, err
	}

	// Upgrade policy: reject unless strictly better than the current match.
	newRuntime := result.RuntimeMatch
	newCreation := result.CreationMatch
	if !skipUpgradeCheck {
		current, err := currentMatchForDeployment(ctx, tx, deploymentID)
		if err != nil {
			return nil, err
		}
		if current != nil && !models.StrictlyBetter(newRuntime, newCreation, current.RuntimeMatch, current.CreationMatch) {
			return nil, ErrAlreadyVerified
		}
	}

	verifiedContractID, err := insertVerifiedContract(ctx, tx, deploymentID, compilationID, result)
	if err != nil {
		return nil, err
	}

	repointed, err := upsertSourcifyMatch(ctx, tx, deploymentID, verifiedContractID, newRuntime, newCreation, result.Compilation.Metadata)
	if err != nil {
		return nil, err
	}

	if err := insertSignatures(ctx, tx, compilationID, sigs); err != nil {
		return nil, err
	}

	return &Stored{
		VerifiedContractID: verifiedContractID,
		DeploymentID:       deploymentID,
		ContractID:         contractID,
		CompilationID:      compilationID,
		RuntimeStatus:      newRuntime,
		CreationStatus:     newCreation,
		Repointed:          repointed,
	}, nil
}

// upsertCode inserts a content-addressed code row, idempotent by sha256.
func upsertCode(ctx context.Context, tx pgx.Tx, code []byte) ([]byte, error) {
	d := bytecode.Digest(code)
	_, err := tx.Exec(ctx, `
		INSERT INTO code (code_hash, code_hash_keccak, code)
		VALUES ($1, $2, $3)
		ON CONFLICT (code_hash) DO NOTHING`,
		d.SHA256, d.Keccak256, code,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert code: %w", err)
	}
	return d.SHA256, nil
}

func upsertContract(ctx context.Context, tx pgx.Tx, creationSHA, runtimeSHA []byte) (uuid.UUID, error) {
	var id uuid.UUID
	err := tx.QueryRow(ctx, `
		INSERT INTO contracts (creation_code_hash, runtime_code_hash)
		VALUES ($1, $2)
		ON CONFLICT (COALESCE(creation_code_hash, '\x'::bytea), runtime_code_hash)
		DO UPDATE SET runtime_code_hash = EXCLUDED.runtime_code_hash
		RETURNING id`,
		creationSHA, runtimeSHA,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert contract: %w", err)
	}
	return id, nil
}

func upsertDeployment(ctx context.Context, tx pgx.Tx, result *verification.Result, contractID uuid.UUID) (uuid.UUID, error) {
	var txHash []byte
	if result.Deployment.TransactionHash != nil {
		txHash = result.Deployment.TransactionHash.Bytes()
	}
	var deployer []byte
	if result.Deployment.Deployer != nil {
		deployer = result.Deployment.Deployer.Bytes()
	}

	var id uuid.UUID
	err := tx.QueryRow(ctx, `
		INSERT INTO contract_deployments (chain_id, address, transaction_hash, contract_id, block_number, transaction_index, deployer)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (chain_id, address, COALESCE(transaction_hash, '\x'::bytea))
		DO UPDATE SET
			contract_id = EXCLUDED.contract_id,
			block_number = COALESCE(EXCLUDED.block_number, contract_deployments.block_number),
			transaction_index = COALESCE(EXCLUDED.transaction_index, contract_deployments.transaction_index),
			deployer = COALESCE(EXCLUDED.deployer, contract_deployments.deployer)
		RETURNING id`,
		result.ChainID,
		result.Address.Bytes(),
		txHash,
		contractID,
		result.Deployment.BlockNumber,
		result.Deployment.TransactionIndex,
		deployer,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert deployment: %w", err)
	}
	return id, nil
}

func upsertCompiledContract(ctx context.Context, tx pgx.Tx, c *verification.CompilationOutput, creationSHA, runtimeSHA []byte) (uuid.UUID, error) {
	var id uuid.UUID
	err := tx.QueryRow(ctx, `
		INSERT INTO compiled_contracts
			(compiler, language, version, compiler_settings, creation_code_hash, runtime_code_hash,
			 name, fully_qualified_name, compilation_artifacts, creation_code_artifacts, runtime_code_artifacts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (compiler, language, COALESCE(creation_code_hash, '\x'::bytea), runtime_code_hash)
		DO UPDATE SET updated_at = now()
		RETURNING id`,
		c.Compiler,
		string(c.Language),
		c.Version,
		orEmptyJSON(c.Settings),
		creationSHA,
		runtimeSHA,
		c.Name,
		c.FullyQualifiedName,
		orEmptyJSON(c.CompilationArtifacts),
		orEmptyJSON(c.CreationCodeArtifacts),
		orEmptyJSON(c.RuntimeCodeArtifacts),
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert compiled contract: %w", err)
	}
	return id, nil
}

func upsertCompiledSources(ctx context.Context, tx pgx.Tx, compilationID uuid.UUID, sources map[string]string) error {
	for path, content := range sources {
		d := bytecode.Digest([]byte(content))
		if _, err := tx.Exec(ctx, `
			INSERT INTO sources (source_hash, source_hash_keccak, content)
			VALUES ($1, $2, $3)
			ON CONFLICT (source_hash) DO NOTHING`,
			d.SHA256, d.Keccak256, content,
		); err != nil {
			return fmt.Errorf("upsert source %s: %w", path, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO compiled_contracts_sources (compilation_id, path, source_hash)
			VALUES ($1, $2, $3)
			ON CONFLICT (compilation_id, path) DO NOTHING`,
			compilationID, path, d.SHA256,
		); err != nil {
			return fmt.Errorf("upsert compiled source %s: %w", path, err)
		}
	}
	return nil
}

// currentMatchForDeployment returns the sourcify match currently pointing at
// the deployment, or nil.
func currentMatchForDeployment(ctx context.Context, tx pgx.Tx, deploymentID uuid.UUID) (*models.SourcifyMatch, error) {
	var m models.SourcifyMatch
	err := tx.QueryRow(ctx, `
		SELECT sm.id, sm.verified_contract_id, sm.runtime_match, sm.creation_match, sm.created_at
		FROM sourcify_matches sm
		JOIN verified_contracts vc ON vc.id = sm.verified_contract_id
		WHERE vc.deployment_id = $1
		ORDER BY sm.created_at DESC
		LIMIT 1`,
		deploymentID,
	).Scan(&m.ID, &m.VerifiedContractID, &m.RuntimeMatch, &m.CreationMatch, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read current match: %w", err)
	}
	return &m, nil
}

func insertVerifiedContract(ctx context.Context, tx pgx.Tx, deploymentID, compilationID uuid.UUID, result *verification.Result) (int64, error) {
	runtimeMatched := result.RuntimeMatch != nil
	creationMatched := result.CreationMatch != nil

	var runtimeTransformations, runtimeValues, creationTransformations, creationValues []byte
	if runtimeMatched {
		raw, err := json.Marshal(result.RuntimeTransformations)
		if err != nil {
			return 0, fmt.Errorf("marshal runtime transformations: %w", err)
		}
		runtimeTransformations = raw
		runtimeValues = orEmptyJSON(result.RuntimeValues)
	}
	if creationMatched {
		raw, err := json.Marshal(result.CreationTransformations)
		if err != nil {
			return 0, fmt.Errorf("marshal creation transformations: %w", err)
		}
		creationTransformations = raw
		creationValues = orEmptyJSON(result.CreationValues)
	}

	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO verified_contracts
			(deployment_id, compilation_id, runtime_match, creation_match,
			 runtime_transformations, runtime_values, creation_transformations, creation_values,
			 runtime_metadata_match, creation_metadata_match)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		deploymentID,
		compilationID,
		runtimeMatched,
		creationMatched,
		runtimeTransformations,
		runtimeValues,
		creationTransformations,
		creationValues,
		result.RuntimeMetadataMatch(),
		result.CreationMetadataMatch(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert verified contract: %w", err)
	}
	return id, nil
}

// upsertSourcifyMatch repoints the deployment's match row at the new verified
// contract, or inserts the first one. Returns true when an existing pointer
// was moved.
func upsertSourcifyMatch(ctx context.Context, tx pgx.Tx, deploymentID uuid.UUID, verifiedContractID int64, runtime, creation *models.MatchStatus, metadata json.RawMessage) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE sourcify_matches sm
		SET verified_contract_id = $2, runtime_match = $3, creation_match = $4, metadata = $5, created_at = now()
		FROM verified_contracts vc
		WHERE vc.id = sm.verified_contract_id AND vc.deployment_id = $1`,
		deploymentID, verifiedContractID, runtime, creation, orNilJSON(metadata),
	)
	if err != nil {
		return false, fmt.Errorf("repoint sourcify match: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sourcify_matches (verified_contract_id, runtime_match, creation_match, metadata)
		VALUES ($1, $2, $3, $4)`,
		verifiedContractID, runtime, creation, orNilJSON(metadata),
	)
	if err != nil {
		return false, fmt.Errorf("insert sourcify match: %w", err)
	}
	return false, nil
}

// insertSignatures indexes the compilation's ABI selectors inside the same
// transaction as the verification itself.
func insertSignatures(ctx context.Context, tx pgx.Tx, compilationID uuid.UUID, sigs []ExtractedSignature) error {
	for _, s := range sigs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO signatures (signature_hash, signature_hash_4, signature)
			VALUES ($1, $2, $3)
			ON CONFLICT (signature_hash) DO NOTHING`,
			s.Hash, s.Hash[:4], s.Text,
		); err != nil {
			return fmt.Errorf("upsert signature %s: %w", s.Text, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO compiled_contracts_signatures (compilation_id, signature_hash, signature_type)
			VALUES ($1, $2, $3)
			ON CONFLICT (compilation_id, signature_hash, signature_type) DO NOTHING`,
			compilationID, s.Hash, string(s.Type),
		); err != nil {
			return fmt.Errorf("join signature %s: %w", s.Text, err)
		}
	}
	return nil
}

func orEmptyJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

func orNilJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

var _ VerificationRepository = (*verificationRepo)(nil)
