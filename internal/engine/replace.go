package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	apierrors "github.com/chainproof/verifier/internal/pkg/errors"
	"github.com/chainproof/verifier/internal/repository"
	"github.com/chainproof/verifier/internal/signature"
	"github.com/chainproof/verifier/internal/verification"
)

// ReplaceMethodCreationInformation patches the creation-side columns of a
// stored match in place instead of replacing the whole row.
const ReplaceMethodCreationInformation = "replace-creation-information"

// ReplaceRequest selects how a stored match is rebuilt. With ForceCompilation
// the caller supplies a fresh standard JSON input; otherwise the compilation
// is replayed from stored artifacts. With ForceRPCRequest the live chain is
// queried; otherwise stored deployment evidence is used.
type ReplaceRequest struct {
	VerifiedContractID int64
	ForceCompilation   bool
	ForceRPCRequest    bool
	Method             string

	// Caller-supplied compilation, required when ForceCompilation is set.
	JSONInput          json.RawMessage
	CompilerVersion    string
	ContractIdentifier string
}

// ReplaceResponse reports the outcome of a replace operation.
type ReplaceResponse struct {
	Stored                  *repository.Stored
	CreationBytecodeFetched bool
}

// Replace is the maintainer-only flow that corrects a stored match. It runs
// synchronously, outside the job machinery, in one canonical-store
// transaction.
func (e *Engine) Replace(ctx context.Context, req ReplaceRequest) (*ReplaceResponse, error) {
	detail, err := e.replace.GetDetail(ctx, req.VerifiedContractID)
	if err != nil {
		return nil, apierrors.ErrInternal.WithMessage(err.Error())
	}
	if detail == nil {
		return nil, apierrors.ErrInvalidParameter.WithMessage(
			fmt.Sprintf("verified contract %d does not exist", req.VerifiedContractID))
	}

	address := common.BytesToAddress(detail.Deployment.Address)
	creatorTxHash := storedTxHash(detail.Deployment.TransactionHash)

	chain, err := e.replaceChain(ctx, req, detail, address, creatorTxHash)
	if err != nil {
		return nil, err
	}

	compilation, err := e.replaceCompilation(ctx, req, detail)
	if err != nil {
		return nil, err
	}

	result, verr := e.verifier.Verify(ctx, compilation, chain, address, creatorTxHash)
	if verr != nil {
		return nil, apierrors.ErrInternal.WithMessage(verr.Error())
	}

	resp := &ReplaceResponse{CreationBytecodeFetched: result.CreationMatch != nil}

	switch req.Method {
	case ReplaceMethodCreationInformation:
		if err := e.replace.PatchCreationInformation(ctx, req.VerifiedContractID, result); err != nil {
			return nil, apierrors.ErrInternal.WithMessage(err.Error())
		}
	case "":
		sigs, sigErr := signature.Extract(result.Compilation.ABI)
		if sigErr != nil {
			sigs = nil
		}
		stored, err := e.replace.Replace(ctx, req.VerifiedContractID, result, sigs)
		if err != nil {
			if err == repository.ErrDanglingReferences {
				return nil, apierrors.ErrInvalidParameter.WithMessage(err.Error())
			}
			return nil, apierrors.ErrInternal.WithMessage(err.Error())
		}
		resp.Stored = stored
	default:
		return nil, apierrors.ErrInvalidParameter.WithMessage(
			fmt.Sprintf("unknown replace method %q", req.Method))
	}
	return resp, nil
}

// replaceChain picks the chain view: live RPC or stored deployment evidence.
func (e *Engine) replaceChain(ctx context.Context, req ReplaceRequest, detail *repository.VerifiedContractDetail, address common.Address, creatorTxHash *common.Hash) (verification.Chain, error) {
	if req.ForceRPCRequest {
		chain, err := e.chains.Chain(detail.Deployment.ChainID)
		if err != nil {
			return nil, apierrors.ErrUnsupportedChain
		}
		return chain, nil
	}

	synth := newSyntheticChain(detail.Deployment.ChainID, detail.OnchainRuntimeCode)
	if creatorTxHash != nil && len(detail.OnchainCreationCode) > 0 {
		info := &verification.CreationInfo{CreationBytecode: detail.OnchainCreationCode}
		if detail.Deployment.TransactionIndex != nil {
			info.TransactionIndex = *detail.Deployment.TransactionIndex
		}
		tx := &verification.TxInfo{}
		if detail.Deployment.BlockNumber != nil {
			tx.BlockNumber = *detail.Deployment.BlockNumber
		}
		if len(detail.Deployment.Deployer) > 0 {
			tx.From = common.BytesToAddress(detail.Deployment.Deployer)
		}
		synth.withCreation(*creatorTxHash, info, tx)
	}
	return synth, nil
}

// replaceCompilation picks the compilation unit: caller-supplied fresh input
// or a pre-run replay of the stored artifacts.
func (e *Engine) replaceCompilation(ctx context.Context, req ReplaceRequest, detail *repository.VerifiedContractDetail) (*verification.Compilation, error) {
	if req.ForceCompilation {
		if len(req.JSONInput) == 0 || req.CompilerVersion == "" || req.ContractIdentifier == "" {
			return nil, apierrors.ErrInvalidParameter.WithMessage(
				"forceCompilation requires stdJsonInput, compilerVersion and contractIdentifier")
		}
		language, compilerName, err := languageFromJSONInput(req.JSONInput)
		if err != nil {
			return nil, err
		}
		return &verification.Compilation{
			Compiler:  compilerName,
			Language:  language,
			Version:   req.CompilerVersion,
			JSONInput: req.JSONInput,
			Target:    req.ContractIdentifier,
		}, nil
	}

	candidate, err := e.candidates.GetCandidate(ctx, detail.Compilation.ID)
	if err != nil {
		return nil, apierrors.ErrInternal.WithMessage(err.Error())
	}
	if candidate == nil {
		return nil, apierrors.ErrInternal.WithMessage(
			fmt.Sprintf("compilation %s disappeared", detail.Compilation.ID))
	}
	compilation, err := preRunCompilation(candidate)
	if err != nil {
		return nil, apierrors.ErrInternal.WithMessage(err.Error())
	}
	return compilation, nil
}

func storedTxHash(raw []byte) *common.Hash {
	if len(raw) == 0 {
		return nil
	}
	h := common.BytesToHash(raw)
	return &h
}
