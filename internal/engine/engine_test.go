package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainproof/verifier/internal/config"
	"github.com/chainproof/verifier/internal/models"
	apierrors "github.com/chainproof/verifier/internal/pkg/errors"
	"github.com/chainproof/verifier/internal/repository"
	"github.com/chainproof/verifier/internal/sink"
	"github.com/chainproof/verifier/internal/verification"
	"github.com/chainproof/verifier/internal/worker"
)

// --- fakes ---

type memJobRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.VerificationJob
}

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: make(map[uuid.UUID]*models.VerificationJob)}
}

func (r *memJobRepo) Create(ctx context.Context, job *models.VerificationJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.StartedAt = time.Now()
	clone := *job
	r.jobs[job.ID] = &clone
	return nil
}

func (r *memJobRepo) CompleteSuccess(ctx context.Context, id uuid.UUID, verifiedContractID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.CompletedAt != nil {
		return fmt.Errorf("job %s not open", id)
	}
	now := time.Now()
	job.CompletedAt = &now
	job.VerifiedContractID = &verifiedContractID
	return nil
}

func (r *memJobRepo) CompleteError(ctx context.Context, id uuid.UUID, code string, errorID uuid.UUID, data json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.CompletedAt != nil {
		return fmt.Errorf("job %s not open", id)
	}
	now := time.Now()
	job.CompletedAt = &now
	job.ErrorCode = &code
	job.ErrorID = &errorID
	job.ErrorData = data
	return nil
}

func (r *memJobRepo) SetExternalVerification(ctx context.Context, id uuid.UUID, external map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	if job.ExternalVerification == nil {
		job.ExternalVerification = make(map[string]string)
	}
	for k, v := range external {
		job.ExternalVerification[k] = v
	}
	return nil
}

func (r *memJobRepo) Get(ctx context.Context, id uuid.UUID) (*repository.JobView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, nil
	}
	clone := *job
	return &repository.JobView{Job: clone}, nil
}

func (r *memJobRepo) FailRunning(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var swept int64
	for _, job := range r.jobs {
		if job.CompletedAt == nil {
			now := time.Now()
			code := "internal_error"
			errorID := uuid.New()
			job.CompletedAt = &now
			job.ErrorCode = &code
			job.ErrorID = &errorID
			swept++
		}
	}
	return swept, nil
}

func (r *memJobRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

type stubChain struct {
	chainID     int64
	runtimeCode []byte
	codeErr     error
}

func (c *stubChain) ChainID() int64 { return c.chainID }
func (c *stubChain) GetBytecode(ctx context.Context, address common.Address) ([]byte, error) {
	return c.runtimeCode, c.codeErr
}
func (c *stubChain) GetTx(ctx context.Context, hash common.Hash) (*verification.TxInfo, error) {
	return nil, fmt.Errorf("no tx")
}
func (c *stubChain) GetContractCreationBytecodeAndReceipt(ctx context.Context, address common.Address, txHash common.Hash) (*verification.CreationInfo, error) {
	return nil, fmt.Errorf("no creation info")
}

type stubChains struct {
	chain *stubChain
}

func (p *stubChains) Chain(chainID int64) (verification.Chain, error) {
	if p.chain == nil || p.chain.chainID != chainID {
		return nil, fmt.Errorf("unsupported chain %d", chainID)
	}
	return p.chain, nil
}

func (p *stubChains) Supported(chainID int64) bool {
	return p.chain != nil && p.chain.chainID == chainID
}

type stubVerifier struct {
	mu      sync.Mutex
	result  *verification.Result
	err     error
	block   chan struct{}
	calls   int
}

func (v *stubVerifier) Verify(ctx context.Context, compilation *verification.Compilation, chain verification.Chain, address common.Address, creatorTxHash *common.Hash) (*verification.Result, error) {
	v.mu.Lock()
	v.calls++
	block := v.block
	v.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, verification.NewError(verification.CodeInternalError, "cancelled")
		}
	}
	return v.result, v.err
}

func (v *stubVerifier) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

type stubCandidates struct {
	candidates []*repository.Candidate
	err        error
}

func (s *stubCandidates) SimilarityCandidates(ctx context.Context, runtimeCode []byte, limit int) ([]*repository.Candidate, error) {
	return s.candidates, s.err
}
func (s *stubCandidates) GetCandidate(ctx context.Context, compilationID uuid.UUID) (*repository.Candidate, error) {
	return nil, nil
}
func (s *stubCandidates) GetDeployment(ctx context.Context, chainID int64, address []byte) (*models.ContractDeployment, error) {
	return nil, nil
}
func (s *stubCandidates) GetCode(ctx context.Context, sha []byte) ([]byte, error) {
	return nil, nil
}

// recordingSink fills jobCtx.Stored like the canonical database sink does.
type recordingSink struct {
	mu       sync.Mutex
	stored   []*verification.Result
	err      error
	external string
}

func (s *recordingSink) Identifier() sink.Identifier   { return sink.SourcifyDatabase }
func (s *recordingSink) Init(ctx context.Context) error { return nil }
func (s *recordingSink) StoreVerification(ctx context.Context, result *verification.Result, jobCtx *sink.JobContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.stored = append(s.stored, result)
	if jobCtx != nil {
		jobCtx.Stored = &repository.Stored{VerifiedContractID: int64(len(s.stored))}
		if s.external != "" {
			jobCtx.External["EtherscanVerify"] = s.external
		}
	}
	return nil
}

// --- harness ---

type testEngine struct {
	engine   *Engine
	jobs     *memJobRepo
	verifier *stubVerifier
	sink     *recordingSink
	chain    *stubChain
}

func newTestEngine(t *testing.T, opts ...func(*testEngine)) *testEngine {
	t.Helper()
	te := &testEngine{
		jobs:     newMemJobRepo(),
		verifier: &stubVerifier{},
		sink:     &recordingSink{},
		chain:    &stubChain{chainID: 1337, runtimeCode: []byte{0x60, 0x80}},
	}
	for _, opt := range opts {
		opt(te)
	}

	logger := slog.Default()
	policy := sink.NewPolicy(nil, []sink.WriteSink{te.sink}, nil, logger)
	pool := worker.NewPool(config.WorkerPoolConfig{
		MinWorkers:               1,
		MaxWorkers:               2,
		IdleTimeout:              time.Second,
		ConcurrentTasksPerWorker: 2,
	})
	te.engine = New(Deps{
		Pool:       pool,
		Jobs:       te.jobs,
		Policy:     policy,
		Chains:     &stubChains{chain: te.chain},
		Verifier:   te.verifier,
		Candidates: &stubCandidates{},
		Logger:     logger,
	})
	t.Cleanup(func() { _ = te.engine.Close(context.Background()) })
	return te
}

func matchedResult() *verification.Result {
	return &verification.Result{
		ChainID:      1337,
		Address:      common.HexToAddress("0xabc"),
		RuntimeMatch: models.Status(models.MatchPerfect),
	}
}

func (te *testEngine) awaitJob(t *testing.T, id uuid.UUID) *repository.JobView {
	t.Helper()
	var view *repository.JobView
	require.Eventually(t, func() bool {
		var err error
		view, err = te.engine.GetJob(context.Background(), id)
		require.NoError(t, err)
		return view != nil && view.Job.Completed()
	}, 5*time.Second, 10*time.Millisecond)
	return view
}

func jsonInputRequest() JSONInputRequest {
	return JSONInputRequest{
		ChainID:            1337,
		Address:            common.HexToAddress("0xabc"),
		JSONInput:          json.RawMessage(`{"language":"Solidity","sources":{"a.sol":{"content":"contract A {}"}},"settings":{}}`),
		CompilerVersion:    "0.8.20+commit.a1b79de6",
		ContractIdentifier: "a.sol:A",
	}
}

// --- tests ---

func TestSubmitUnsupportedChain(t *testing.T) {
	te := newTestEngine(t)

	req := jsonInputRequest()
	req.ChainID = 999

	_, err := te.engine.SubmitFromJSONInput(context.Background(), req)
	assert.ErrorIs(t, err, apierrors.ErrUnsupportedChain)
	assert.Equal(t, 0, te.jobs.count())
}

func TestSubmitInvalidLanguage(t *testing.T) {
	te := newTestEngine(t)

	req := jsonInputRequest()
	req.JSONInput = json.RawMessage(`{"language":"Brainfuck","sources":{}}`)

	_, err := te.engine.SubmitFromJSONInput(context.Background(), req)
	apiErr := apierrors.AsAPIError(err)
	assert.Equal(t, "unsupported_language", apiErr.Code)
}

func TestSubmitSuccessCompletesJob(t *testing.T) {
	te := newTestEngine(t, func(te *testEngine) {
		te.verifier.result = matchedResult()
		te.sink.external = "receipt-guid-1"
	})

	id, err := te.engine.SubmitFromJSONInput(context.Background(), jsonInputRequest())
	require.NoError(t, err)

	view := te.awaitJob(t, id)
	assert.Nil(t, view.Job.ErrorCode)
	require.NotNil(t, view.Job.VerifiedContractID)
	assert.Equal(t, int64(1), *view.Job.VerifiedContractID)
	assert.Equal(t, "receipt-guid-1", view.Job.ExternalVerification["EtherscanVerify"])
	assert.Equal(t, models.EndpointJSONInput, view.Job.VerificationEndpoint)
}

func TestWorkerErrorIsPersistedOnJob(t *testing.T) {
	te := newTestEngine(t, func(te *testEngine) {
		te.verifier.err = verification.NewErrorWithData(verification.CodeCompilerError, "compilation failed",
			map[string]any{"compilerErrors": []map[string]string{{"formattedMessage": "ParserError: Expected ';'"}}})
	})

	id, err := te.engine.SubmitFromJSONInput(context.Background(), jsonInputRequest())
	require.NoError(t, err)

	view := te.awaitJob(t, id)
	require.NotNil(t, view.Job.ErrorCode)
	assert.Equal(t, verification.CodeCompilerError, *view.Job.ErrorCode)
	assert.NotNil(t, view.Job.ErrorID)
	assert.Contains(t, string(view.Job.ErrorData), "ParserError")
	assert.Nil(t, view.Job.VerifiedContractID)
}

func TestDuplicateInFlightRejected(t *testing.T) {
	block := make(chan struct{})
	te := newTestEngine(t, func(te *testEngine) {
		te.verifier.result = matchedResult()
		te.verifier.block = block
	})

	first, err := te.engine.SubmitFromJSONInput(context.Background(), jsonInputRequest())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return te.engine.InFlight() == 1
	}, time.Second, 5*time.Millisecond)

	_, err = te.engine.SubmitFromJSONInput(context.Background(), jsonInputRequest())
	assert.ErrorIs(t, err, apierrors.ErrContractBeingVerified)
	assert.Equal(t, 1, te.jobs.count())

	close(block)
	te.awaitJob(t, first)

	// key is released after completion
	require.Eventually(t, func() bool {
		return te.engine.InFlight() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestAlreadyVerifiedSurfacesOnJob(t *testing.T) {
	te := newTestEngine(t, func(te *testEngine) {
		te.verifier.result = matchedResult()
		te.sink.err = repository.ErrAlreadyVerified
	})

	id, err := te.engine.SubmitFromJSONInput(context.Background(), jsonInputRequest())
	require.NoError(t, err)

	view := te.awaitJob(t, id)
	require.NotNil(t, view.Job.ErrorCode)
	assert.Equal(t, verification.CodeAlreadyVerified, *view.Job.ErrorCode)
}

func TestSinkFailureMarksJobInternalError(t *testing.T) {
	te := newTestEngine(t, func(te *testEngine) {
		te.verifier.result = matchedResult()
		te.sink.err = fmt.Errorf("disk on fire")
	})

	id, err := te.engine.SubmitFromJSONInput(context.Background(), jsonInputRequest())
	require.NoError(t, err)

	view := te.awaitJob(t, id)
	require.NotNil(t, view.Job.ErrorCode)
	assert.Equal(t, verification.CodeInternalError, *view.Job.ErrorCode)
}

func TestSimilarityPreJobErrors(t *testing.T) {
	t.Run("contract not deployed", func(t *testing.T) {
		te := newTestEngine(t, func(te *testEngine) {
			te.chain.runtimeCode = nil
		})
		_, err := te.engine.SubmitSimilarity(context.Background(), 1337, common.HexToAddress("0xabc"), nil)
		assert.ErrorIs(t, err, apierrors.ErrContractNotDeployed)
		assert.Equal(t, 0, te.jobs.count())
	})

	t.Run("rpc failure", func(t *testing.T) {
		te := newTestEngine(t, func(te *testEngine) {
			te.chain.codeErr = fmt.Errorf("rpc timeout")
		})
		_, err := te.engine.SubmitSimilarity(context.Background(), 1337, common.HexToAddress("0xabc"), nil)
		apiErr := apierrors.AsAPIError(err)
		assert.Equal(t, apierrors.ErrCannotFetchBytecode.Code, apiErr.Code)
		assert.Equal(t, 0, te.jobs.count())
	})
}

func TestSimilarityNoCandidates(t *testing.T) {
	te := newTestEngine(t)

	id, err := te.engine.SubmitSimilarity(context.Background(), 1337, common.HexToAddress("0xabc"), nil)
	require.NoError(t, err)

	view := te.awaitJob(t, id)
	require.NotNil(t, view.Job.ErrorCode)
	assert.Equal(t, verification.CodeNoSimilarMatchFound, *view.Job.ErrorCode)
	assert.Equal(t, models.EndpointSimilarity, view.Job.VerificationEndpoint)
}

func TestMetadataRetryOnExtraFileInputBug(t *testing.T) {
	te := newTestEngine(t)
	te.verifier.err = verification.NewError(verification.CodeExtraFileInputBug, "truncated input")

	metadata := json.RawMessage(`{
		"language": "Solidity",
		"compiler": {"version": "0.8.20+commit.a1b79de6"},
		"settings": {"compilationTarget": {"a.sol": "A"}},
		"sources": {"a.sol": {"content": "contract A {}"}}
	}`)

	id, err := te.engine.SubmitFromMetadata(context.Background(), MetadataRequest{
		ChainID:  1337,
		Address:  common.HexToAddress("0xabc"),
		Metadata: metadata,
		Sources:  map[string]string{"a.sol": "contract A {}", "b.sol": "contract B {}"},
	})
	require.NoError(t, err)

	view := te.awaitJob(t, id)
	require.NotNil(t, view.Job.ErrorCode)
	assert.Equal(t, verification.CodeExtraFileInputBug, *view.Job.ErrorCode)
	// first attempt plus the all-sources retry
	assert.Equal(t, 2, te.verifier.callCount())
}

func TestCloseRejectsNewSubmissions(t *testing.T) {
	te := newTestEngine(t, func(te *testEngine) {
		te.verifier.result = matchedResult()
	})
	require.NoError(t, te.engine.Close(context.Background()))

	_, err := te.engine.SubmitFromJSONInput(context.Background(), jsonInputRequest())
	apiErr := apierrors.AsAPIError(err)
	assert.Equal(t, apierrors.ErrInternal.Code, apiErr.Code)
}

func TestCloseSweepsOpenJobs(t *testing.T) {
	te := newTestEngine(t)

	// simulate a job that never completed
	job := &models.VerificationJob{ChainID: 1337, Address: []byte{0xab}, VerificationEndpoint: models.EndpointJSONInput}
	require.NoError(t, te.jobs.Create(context.Background(), job))

	require.NoError(t, te.engine.Close(context.Background()))

	view, err := te.engine.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, view)
	require.True(t, view.Job.Completed())
	require.NotNil(t, view.Job.ErrorCode)
	assert.Equal(t, "internal_error", *view.Job.ErrorCode)
}
