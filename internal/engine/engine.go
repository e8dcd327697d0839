// Package engine is the verification job engine: it admits requests, runs
// compile-and-match tasks on the worker pool and records outcomes on job rows.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/chainproof/verifier/internal/models"
	apierrors "github.com/chainproof/verifier/internal/pkg/errors"
	"github.com/chainproof/verifier/internal/repository"
	"github.com/chainproof/verifier/internal/sink"
	"github.com/chainproof/verifier/internal/verification"
	"github.com/chainproof/verifier/internal/worker"
)

// completionTimeout bounds how long a finished task may spend persisting its
// outcome.
const completionTimeout = 30 * time.Second

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verifier_jobs_total",
			Help: "Completed verification jobs by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)
	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "verifier_job_duration_seconds",
			Help:    "Verification job duration from dispatch to completion",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"endpoint"},
	)
)

// ChainProvider resolves configured chains.
type ChainProvider interface {
	Chain(chainID int64) (verification.Chain, error)
	Supported(chainID int64) bool
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Pool       *worker.Pool
	Jobs       repository.JobRepository
	Policy     *sink.Policy
	Chains     ChainProvider
	Verifier   verification.Verifier
	Candidates repository.CandidateRepository
	Replace    repository.ReplaceRepository
	Redis      *redis.Client
	Debug      *DebugStore
	Logger     *slog.Logger
}

// Engine coordinates verification jobs. At most one verification per
// (chain, address) is in flight at any instant.
type Engine struct {
	pool       *worker.Pool
	jobs       repository.JobRepository
	policy     *sink.Policy
	chains     ChainProvider
	verifier   verification.Verifier
	candidates repository.CandidateRepository
	replace    repository.ReplaceRepository
	debug      *DebugStore
	logger     *slog.Logger

	inflight    *inflightSet
	completions sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New creates the job engine.
func New(deps Deps) *Engine {
	return &Engine{
		pool:       deps.Pool,
		jobs:       deps.Jobs,
		policy:     deps.Policy,
		chains:     deps.Chains,
		verifier:   deps.Verifier,
		candidates: deps.Candidates,
		replace:    deps.Replace,
		debug:      deps.Debug,
		logger:     deps.Logger,
		inflight:   newInflightSet(deps.Redis, deps.Logger),
	}
}

// JSONInputRequest is a verification submission carrying a standard JSON
// input.
type JSONInputRequest struct {
	ChainID            int64
	Address            common.Address
	JSONInput          json.RawMessage
	CompilerVersion    string
	ContractIdentifier string
	CreationTxHash     *common.Hash
}

// SubmitFromJSONInput admits a standard-JSON-input verification and returns
// the job id.
func (e *Engine) SubmitFromJSONInput(ctx context.Context, req JSONInputRequest) (uuid.UUID, error) {
	if !e.chains.Supported(req.ChainID) {
		return uuid.Nil, apierrors.ErrUnsupportedChain
	}
	language, compilerName, err := languageFromJSONInput(req.JSONInput)
	if err != nil {
		return uuid.Nil, err
	}

	compilation := &verification.Compilation{
		Compiler:  compilerName,
		Language:  language,
		Version:   req.CompilerVersion,
		JSONInput: req.JSONInput,
		Target:    req.ContractIdentifier,
	}

	return e.dispatch(ctx, req.ChainID, req.Address, models.EndpointJSONInput, req.JSONInput,
		func(taskCtx context.Context) (*verification.Result, error) {
			chain, err := e.chains.Chain(req.ChainID)
			if err != nil {
				return nil, verification.NewError(verification.CodeInternalError, err.Error())
			}
			return e.verifier.Verify(taskCtx, compilation, chain, req.Address, req.CreationTxHash)
		})
}

// MetadataRequest is a metadata-document verification submission.
type MetadataRequest struct {
	ChainID        int64
	Address        common.Address
	Metadata       json.RawMessage
	Sources        map[string]string
	CreationTxHash *common.Hash
}

// SubmitFromMetadata admits a metadata-based verification. When the verifier
// reports the historical extra-file-input bug, the task retries once with
// every uploaded source file.
func (e *Engine) SubmitFromMetadata(ctx context.Context, req MetadataRequest) (uuid.UUID, error) {
	if !e.chains.Supported(req.ChainID) {
		return uuid.Nil, apierrors.ErrUnsupportedChain
	}
	compilation, err := compilationFromMetadata(req.Metadata, req.Sources, false)
	if err != nil {
		return uuid.Nil, err
	}

	return e.dispatch(ctx, req.ChainID, req.Address, models.EndpointMetadata, req.Metadata,
		func(taskCtx context.Context) (*verification.Result, error) {
			chain, err := e.chains.Chain(req.ChainID)
			if err != nil {
				return nil, verification.NewError(verification.CodeInternalError, err.Error())
			}
			result, verr := e.verifier.Verify(taskCtx, compilation, chain, req.Address, req.CreationTxHash)
			if verr == nil || verification.AsError(verr, "").Code != verification.CodeExtraFileInputBug {
				return result, verr
			}

			retry, buildErr := compilationFromMetadata(req.Metadata, req.Sources, true)
			if buildErr != nil {
				return nil, verr
			}
			return e.verifier.Verify(taskCtx, retry, chain, req.Address, req.CreationTxHash)
		})
}

// SubmitFromExplorer admits a verification built from an explorer-imported
// source package.
func (e *Engine) SubmitFromExplorer(ctx context.Context, chainID int64, address common.Address, res *verification.ExplorerResult) (uuid.UUID, error) {
	if !e.chains.Supported(chainID) {
		return uuid.Nil, apierrors.ErrUnsupportedChain
	}
	compilerName := "solc"
	if res.Language == verification.LanguageVyper {
		compilerName = "vyper"
	}
	compilation := &verification.Compilation{
		Compiler:  compilerName,
		Language:  res.Language,
		Version:   res.CompilerVersion,
		JSONInput: res.JSONInput,
		Target:    res.Target,
	}

	return e.dispatch(ctx, chainID, address, models.EndpointEtherscan, res.JSONInput,
		func(taskCtx context.Context) (*verification.Result, error) {
			chain, err := e.chains.Chain(chainID)
			if err != nil {
				return nil, verification.NewError(verification.CodeInternalError, err.Error())
			}
			return e.verifier.Verify(taskCtx, compilation, chain, address, nil)
		})
}

// SubmitSimilarity admits a similarity verification. The on-chain bytecode is
// fetched before the job is created: a missing contract or an RPC failure is
// a synchronous error with no job row.
func (e *Engine) SubmitSimilarity(ctx context.Context, chainID int64, address common.Address, creationTxHash *common.Hash) (uuid.UUID, error) {
	if !e.chains.Supported(chainID) {
		return uuid.Nil, apierrors.ErrUnsupportedChain
	}
	chain, err := e.chains.Chain(chainID)
	if err != nil {
		return uuid.Nil, apierrors.ErrUnsupportedChain
	}
	runtimeCode, err := chain.GetBytecode(ctx, address)
	if err != nil {
		return uuid.Nil, apierrors.ErrCannotFetchBytecode.WithMessage(err.Error())
	}
	if len(runtimeCode) == 0 {
		return uuid.Nil, apierrors.ErrContractNotDeployed
	}

	return e.dispatch(ctx, chainID, address, models.EndpointSimilarity, nil,
		e.runSimilarity(chainID, address, runtimeCode, creationTxHash))
}

// GetJob returns the job view, or nil when unknown.
func (e *Engine) GetJob(ctx context.Context, id uuid.UUID) (*repository.JobView, error) {
	return e.jobs.Get(ctx, id)
}

// InFlight returns the number of verifications currently running.
func (e *Engine) InFlight() int {
	return e.inflight.Len()
}

// Close drains the engine: no new submissions are admitted, the worker pool
// is destroyed (cancelling in-flight task contexts) and every outstanding
// completion is awaited so its job row is persisted. Any job still open after
// the drain is swept to internal_error.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.pool.Close()
	e.completions.Wait()

	swept, err := e.jobs.FailRunning(ctx)
	if err != nil {
		return err
	}
	if swept > 0 {
		e.logger.Warn("swept uncompleted jobs on shutdown", slog.Int64("count", swept))
	}
	return nil
}

// dispatch reserves the in-flight key, creates the job row and hands the task
// to the worker pool. Pre-job failures surface synchronously; everything
// after admission lands on the job row.
func (e *Engine) dispatch(ctx context.Context, chainID int64, address common.Address, endpoint models.VerificationEndpoint, debugInput json.RawMessage, run func(ctx context.Context) (*verification.Result, error)) (uuid.UUID, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return uuid.Nil, apierrors.ErrInternal.WithMessage("service is shutting down")
	}
	e.mu.Unlock()

	if !e.inflight.Acquire(ctx, chainID, address) {
		return uuid.Nil, apierrors.ErrContractBeingVerified
	}

	job := &models.VerificationJob{
		ChainID:              chainID,
		Address:              address.Bytes(),
		VerificationEndpoint: endpoint,
	}
	if err := e.jobs.Create(ctx, job); err != nil {
		e.inflight.Release(ctx, chainID, address)
		return uuid.Nil, apierrors.ErrInternal.WithMessage("failed to create verification job")
	}

	traceID := ulid.Make().String()
	started := time.Now()

	e.completions.Add(1)
	task := worker.Task{
		TraceID: traceID,
		Run: func(taskCtx context.Context) {
			defer e.completions.Done()
			defer e.inflight.Release(context.WithoutCancel(taskCtx), chainID, address)

			result, err := run(taskCtx)
			e.complete(taskCtx, job.ID, traceID, endpoint, debugInput, result, err)
			jobDuration.WithLabelValues(string(endpoint)).Observe(time.Since(started).Seconds())
		},
	}
	if err := e.pool.Submit(task); err != nil {
		e.completions.Done()
		e.inflight.Release(ctx, chainID, address)
		e.failJob(ctx, job.ID, endpoint,
			verification.NewError(verification.CodeInternalError, "worker pool rejected the task"))
		return uuid.Nil, apierrors.ErrInternal.WithMessage("service is shutting down")
	}
	return job.ID, nil
}

// complete persists the task outcome. The fan-out runs under the task context
// so shutdown aborts it; the job-row update runs detached so the record
// survives cancellation.
func (e *Engine) complete(taskCtx context.Context, jobID uuid.UUID, traceID string, endpoint models.VerificationEndpoint, debugInput json.RawMessage, result *verification.Result, err error) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(taskCtx), completionTimeout)
	defer cancel()

	if err != nil {
		e.failJob(persistCtx, jobID, endpoint, verification.AsError(err, verification.CodeInternalError))
		return
	}

	jobCtx := sink.NewJobContext(jobID, traceID)
	if serr := e.policy.StoreVerification(taskCtx, result, jobCtx); serr != nil {
		if errors.Is(serr, repository.ErrAlreadyVerified) {
			e.failJob(persistCtx, jobID, endpoint,
				verification.NewError(verification.CodeAlreadyVerified, serr.Error()))
			return
		}
		e.dumpDebugInput(persistCtx, jobID, debugInput)
		e.logger.Error("verification fan-out failed",
			slog.String("job_id", jobID.String()),
			slog.String("trace_id", traceID),
			slog.String("error", serr.Error()),
		)
		e.failJob(persistCtx, jobID, endpoint,
			verification.NewError(verification.CodeInternalError, "failed to store verification"))
		return
	}

	if jobCtx.Stored == nil {
		e.failJob(persistCtx, jobID, endpoint,
			verification.NewError(verification.CodeInternalError, "canonical store did not record the verification"))
		return
	}

	if cerr := e.jobs.CompleteSuccess(persistCtx, jobID, jobCtx.Stored.VerifiedContractID); cerr != nil {
		e.logger.Error("failed to mark job succeeded",
			slog.String("job_id", jobID.String()),
			slog.String("error", cerr.Error()),
		)
		return
	}
	if len(jobCtx.External) > 0 {
		if xerr := e.jobs.SetExternalVerification(persistCtx, jobID, jobCtx.External); xerr != nil {
			e.logger.Warn("failed to record external verification receipts",
				slog.String("job_id", jobID.String()),
				slog.String("error", xerr.Error()),
			)
		}
	}
	jobsTotal.WithLabelValues(string(endpoint), "success").Inc()
}

func (e *Engine) failJob(ctx context.Context, jobID uuid.UUID, endpoint models.VerificationEndpoint, verr *verification.Error) {
	if err := e.jobs.CompleteError(ctx, jobID, verr.Code, verr.ID, verr.Data); err != nil {
		e.logger.Error("failed to mark job failed",
			slog.String("job_id", jobID.String()),
			slog.String("code", verr.Code),
			slog.String("error", err.Error()),
		)
	}
	jobsTotal.WithLabelValues(string(endpoint), verr.Code).Inc()
}

// dumpDebugInput uploads the raw submission of a failed verification when a
// debug store is configured. Warn-only.
func (e *Engine) dumpDebugInput(ctx context.Context, jobID uuid.UUID, input json.RawMessage) {
	if e.debug == nil || len(input) == 0 {
		return
	}
	if err := e.debug.Dump(ctx, jobID.String(), input); err != nil {
		e.logger.Warn("debug input dump failed",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// languageFromJSONInput reads the language field of a standard JSON input.
func languageFromJSONInput(input json.RawMessage) (verification.Language, string, error) {
	var probe struct {
		Language string `json:"language"`
	}
	if err := json.Unmarshal(input, &probe); err != nil {
		return "", "", apierrors.ErrInvalidJSON.WithMessage("invalid standard JSON input")
	}
	return languageFromMetadata(probe.Language)
}
