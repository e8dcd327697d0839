package sink

import (
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"

	"github.com/chainproof/verifier/internal/config"
)

// Registry constructs sinks by identifier from the service configuration.
type Registry struct {
	sinks map[Identifier]WriteSink
}

// NewRegistry builds every sink the storage policy references.
// alliancePool may be nil when the allied database is not configured.
func NewRegistry(cfg *config.Config, sourcifyPool, alliancePool *pgxpool.Pool) (*Registry, error) {
	r := &Registry{sinks: make(map[Identifier]WriteSink)}

	referenced := lo.Uniq(append(append([]string{}, cfg.Storage.WriteOrErr...), cfg.Storage.WriteOrWarn...))
	for _, raw := range referenced {
		id := Identifier(raw)
		var s WriteSink
		switch id {
		case SourcifyDatabase:
			s = NewDatabaseSink(sourcifyPool)
		case AllianceDatabase:
			if alliancePool == nil {
				return nil, fmt.Errorf("storage policy references %s but alliance_database is not configured", id)
			}
			s = NewAllianceSink(alliancePool)
		case RepositoryV1:
			s = NewFilesystemSink(RepositoryV1, cfg.Repository.V1Path)
		case RepositoryV2:
			s = NewFilesystemSink(RepositoryV2, cfg.Repository.V2Path)
		case S3Repository:
			if !cfg.S3Repository.Enabled() {
				return nil, fmt.Errorf("storage policy references %s but s3_repository is not configured", id)
			}
			s = NewS3Sink(cfg.S3Repository)
		case EtherscanVerify:
			s = NewExplorerSink(FamilyEtherscan, cfg.ExternalVerifiers.Etherscan)
		case BlockscoutVerify:
			s = NewExplorerSink(FamilyBlockscout, cfg.ExternalVerifiers.Blockscout)
		case RoutescanVerify:
			s = NewExplorerSink(FamilyRoutescan, cfg.ExternalVerifiers.Routescan)
		default:
			return nil, fmt.Errorf("unknown sink identifier %q", id)
		}
		r.sinks[id] = s
	}
	return r, nil
}

// Policy assembles the fan-out policy from the storage configuration. The
// read sink must be the canonical database.
func (r *Registry) Policy(cfg *config.Config, sourcifyPool *pgxpool.Pool, logger *slog.Logger) (*Policy, error) {
	if Identifier(cfg.Storage.Read) != SourcifyDatabase {
		return nil, fmt.Errorf("read sink %q is not supported; only %s serves reads", cfg.Storage.Read, SourcifyDatabase)
	}
	read := NewDatabaseSink(sourcifyPool)

	toSinks := func(ids []string) ([]WriteSink, error) {
		sinks := make([]WriteSink, 0, len(ids))
		for _, raw := range ids {
			s, ok := r.sinks[Identifier(raw)]
			if !ok {
				return nil, fmt.Errorf("sink %q referenced but not built", raw)
			}
			sinks = append(sinks, s)
		}
		return sinks, nil
	}

	writeOrErr, err := toSinks(cfg.Storage.WriteOrErr)
	if err != nil {
		return nil, err
	}
	writeOrWarn, err := toSinks(cfg.Storage.WriteOrWarn)
	if err != nil {
		return nil, err
	}
	return NewPolicy(read, writeOrErr, writeOrWarn, logger), nil
}
