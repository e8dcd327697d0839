package sink

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/chainproof/verifier/internal/verification"
)

var sinkWriteFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "verifier_sink_write_failures_total",
		Help: "Write sink failures by sink identifier and failure class",
	},
	[]string{"sink", "class"},
)

var sinkWritesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "verifier_sink_writes_total",
		Help: "Successful sink writes by sink identifier",
	},
	[]string{"sink"},
)

// Policy walks the configured sinks with the correct failure semantics:
// writeOrErr sinks run first and abort the fan-out on the first error;
// writeOrWarn sinks run after and only warn. Declaration order is preserved
// within each class.
type Policy struct {
	read        ReadSink
	writeOrErr  []WriteSink
	writeOrWarn []WriteSink
	logger      *slog.Logger
}

// NewPolicy builds a fan-out policy over classified sinks.
func NewPolicy(read ReadSink, writeOrErr, writeOrWarn []WriteSink, logger *slog.Logger) *Policy {
	return &Policy{
		read:        read,
		writeOrErr:  writeOrErr,
		writeOrWarn: writeOrWarn,
		logger:      logger,
	}
}

// Read returns the single active read sink.
func (p *Policy) Read() ReadSink {
	return p.read
}

// Init initializes every write sink. A writeOrErr sink that fails to
// initialize is fatal; a writeOrWarn sink is disabled with a warning.
func (p *Policy) Init(ctx context.Context) error {
	for _, s := range p.writeOrErr {
		if err := s.Init(ctx); err != nil {
			return err
		}
	}
	enabled := p.writeOrWarn[:0]
	for _, s := range p.writeOrWarn {
		if err := s.Init(ctx); err != nil {
			p.logger.Warn("disabling write sink after failed init",
				slog.String("sink", string(s.Identifier())),
				slog.String("error", err.Error()),
			)
			continue
		}
		enabled = append(enabled, s)
	}
	p.writeOrWarn = enabled
	return nil
}

// StoreVerification runs the fan-out for one result. The first writeOrErr
// failure propagates; writeOrWarn failures become warning events bound to the
// job's trace id.
func (p *Policy) StoreVerification(ctx context.Context, result *verification.Result, jobCtx *JobContext) error {
	for _, s := range p.writeOrErr {
		if err := s.StoreVerification(ctx, result, jobCtx); err != nil {
			sinkWriteFailures.WithLabelValues(string(s.Identifier()), "write_or_err").Inc()
			return err
		}
		sinkWritesTotal.WithLabelValues(string(s.Identifier())).Inc()
	}

	for _, s := range p.writeOrWarn {
		if err := s.StoreVerification(ctx, result, jobCtx); err != nil {
			sinkWriteFailures.WithLabelValues(string(s.Identifier()), "write_or_warn").Inc()
			traceID := ""
			if jobCtx != nil {
				traceID = jobCtx.TraceID
			}
			p.logger.Warn("sink write failed",
				slog.String("sink", string(s.Identifier())),
				slog.String("trace_id", traceID),
				slog.String("error", err.Error()),
			)
			continue
		}
		sinkWritesTotal.WithLabelValues(string(s.Identifier())).Inc()
	}
	return nil
}
