package otel

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/ironclaw/ironclaw/internal/bus"
)

// Metrics holds the runtime's metric instruments.
type Metrics struct {
	LLMCallDuration  metric.Float64Histogram
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	GuardBlocks      metric.Int64Counter
	LeakAborts       metric.Int64Counter
	SandboxFaults    metric.Int64Counter
	CompactionSaved  metric.Int64Counter
	IntegrityDrift   metric.Int64Counter
	ActiveJobs       metric.Int64UpDownCounter
	TurnSteps        metric.Int64Counter
}

// NewMetrics creates all instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.LLMCallDuration, err = meter.Float64Histogram("ironclaw.llm.duration",
		metric.WithDescription("LLM call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("ironclaw.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("ironclaw.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.GuardBlocks, err = meter.Int64Counter("ironclaw.guard.blocks",
		metric.WithDescription("Commands refused by the guard"),
	)
	if err != nil {
		return nil, err
	}

	m.LeakAborts, err = meter.Int64Counter("ironclaw.vault.leak_aborts",
		metric.WithDescription("Outbound calls aborted by the leak scanner"),
	)
	if err != nil {
		return nil, err
	}

	m.SandboxFaults, err = meter.Int64Counter("ironclaw.sandbox.faults",
		metric.WithDescription("Sandboxed module faults"),
	)
	if err != nil {
		return nil, err
	}

	m.CompactionSaved, err = meter.Int64Counter("ironclaw.compaction.tokens_saved",
		metric.WithDescription("Estimated tokens removed by compaction"),
	)
	if err != nil {
		return nil, err
	}

	m.IntegrityDrift, err = meter.Int64Counter("ironclaw.integrity.drift",
		metric.WithDescription("Identity file drift detections"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveJobs, err = meter.Int64UpDownCounter("ironclaw.scheduler.active_jobs",
		metric.WithDescription("Jobs currently running"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnSteps, err = meter.Int64Counter("ironclaw.turn.steps",
		metric.WithDescription("LLM/tool steps executed across turns"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// ObserveBus counts security and compaction events published on the bus.
// Runs until ctx is cancelled.
func (m *Metrics) ObserveBus(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe("")
	go func() {
		defer b.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				switch ev.Topic {
				case bus.TopicGuardBlocked:
					m.GuardBlocks.Add(ctx, 1)
				case bus.TopicLeakAborted:
					m.LeakAborts.Add(ctx, 1)
				case bus.TopicSandboxFault:
					m.SandboxFaults.Add(ctx, 1)
				case bus.TopicIntegrityDrift:
					m.IntegrityDrift.Add(ctx, 1)
				case bus.TopicCompactionDone:
					if done, ok := ev.Payload.(bus.CompactionEvent); ok {
						m.CompactionSaved.Add(ctx, int64(done.TokensIn-done.TokensOut))
					}
				}
			}
		}
	}()
}
