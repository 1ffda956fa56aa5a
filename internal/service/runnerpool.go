package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	mmotel "github.com/StrataBot/MarketMind/internal/adapter/otel"
	"github.com/StrataBot/MarketMind/internal/config"
	"github.com/StrataBot/MarketMind/internal/domain/agent"
	"github.com/StrataBot/MarketMind/internal/domain/cost"
	"github.com/StrataBot/MarketMind/internal/domain/event"
	"github.com/StrataBot/MarketMind/internal/domain/pipeline"
	"github.com/StrataBot/MarketMind/internal/port/agentcap"
	"github.com/StrataBot/MarketMind/internal/resilience"
)

// CapabilityFactory resolves an agent kind to a runnable capability.
// The default is the agentcap registry; tests inject their own.
type CapabilityFactory func(kind string, params map[string]string) (agentcap.Capability, error)

// RunnerPool fans a stage's agents out onto worker goroutines under a shared
// concurrency bound. Workers stream progress notes into the task's event
// stream, retry transient invocation failures, and charge every outcome's
// usage to the owner's ledger.
type RunnerPool struct {
	cfg      config.Runner
	sem      *semaphore.Weighted
	streamer *Streamer
	ledger   *CostLedger
	retry    resilience.Retry
	newCap   CapabilityFactory
	metrics  *mmotel.Metrics
}

// StageRun is the input for one stage execution.
type StageRun struct {
	TaskID  string
	OwnerID string
	Symbol  string
	Stage   int
	Spec    pipeline.StageSpec

	// Context carries successful results from earlier stages.
	Context []json.RawMessage
}

// NewRunnerPool creates a pool bounded by cfg.MaxConcurrency workers.
func NewRunnerPool(cfg config.Runner, streamer *Streamer, ledger *CostLedger) *RunnerPool {
	return &RunnerPool{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		streamer: streamer,
		ledger:   ledger,
		retry:    resilience.NewRetry(cfg.MaxAttempts, cfg.Backoff, cfg.MaxBackoff),
		newCap:   agentcap.New,
	}
}

// SetMetrics attaches metric instruments. Nil metrics disable instrumentation.
func (p *RunnerPool) SetMetrics(m *mmotel.Metrics) {
	p.metrics = m
}

// RunStage executes every agent of a stage and blocks until all of them have
// reached a terminal state (the stage barrier). It never returns early: a
// cancelled context still waits for in-flight workers, each bounded by the
// configured grace period. The second result reports whether the owner's
// budget was exhausted during the stage.
func (p *RunnerPool) RunStage(ctx context.Context, run StageRun) (*agent.StageOutcome, bool) {
	outcome := &agent.StageOutcome{
		Stage:      run.Stage,
		Name:       run.Spec.Name,
		Executions: make([]agent.Execution, len(run.Spec.Agents)),
	}

	var (
		wg        sync.WaitGroup
		exhausted atomic.Bool
	)
	for i, spec := range run.Spec.Agents {
		wg.Add(1)
		go func(i int, spec pipeline.AgentSpec) {
			defer wg.Done()
			exec := p.runAgent(ctx, run, spec)
			if p.charge(run.TaskID, run.OwnerID, exec.Usage) {
				exhausted.Store(true)
			}
			outcome.Executions[i] = exec
		}(i, spec)
	}
	wg.Wait()

	for i := range outcome.Executions {
		outcome.Usage = outcome.Usage.Add(outcome.Executions[i].Usage)
	}
	return outcome, exhausted.Load()
}

// runAgent drives one agent from dispatch to terminal state.
func (p *RunnerPool) runAgent(ctx context.Context, run StageRun, spec pipeline.AgentSpec) agent.Execution {
	exec := agent.Execution{
		TaskID:  run.TaskID,
		Stage:   run.Stage,
		AgentID: spec.ID,
		Kind:    spec.Kind,
		Status:  agent.StatusIdle,
	}

	// Cancellation check before dispatch: a worker that has not started yet
	// is simply never dispatched.
	if err := ctx.Err(); err != nil {
		exec.Status = agent.StatusFailed
		exec.Error = err.Error()
		return exec
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		exec.Status = agent.StatusFailed
		exec.Error = err.Error()
		return exec
	}
	defer p.sem.Release(1)

	exec.Status = agent.StatusRunning
	exec.StartedAt = time.Now().UTC()

	agentCtx, agentSpan := mmotel.StartAgentSpan(ctx, run.TaskID, spec.ID, spec.Kind)
	defer agentSpan.End()
	ctx = agentCtx

	if p.metrics != nil {
		p.metrics.AgentInvocations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("agent.kind", spec.Kind),
		))
	}

	var result json.RawMessage
	err := p.retry.Do(ctx, func() error {
		out, err := p.invoke(ctx, run, spec)
		exec.Usage = exec.Usage.Add(out.Usage)
		if err != nil {
			return err
		}
		result = out.Result
		return nil
	})

	exec.FinishedAt = time.Now().UTC()
	if err != nil {
		exec.Status = agent.StatusFailed
		exec.Error = err.Error()
	} else {
		exec.Status = agent.StatusCompleted
		exec.Result = result
	}

	p.streamer.Publish(run.TaskID, event.KindAgentComplete, event.AgentCompletePayload{
		Stage:      run.Stage,
		AgentID:    spec.ID,
		Status:     string(exec.Status),
		Result:     exec.Result,
		Error:      exec.Error,
		DurationMS: exec.FinishedAt.Sub(exec.StartedAt).Milliseconds(),
	})
	return exec
}

// invoke performs a single invocation attempt and drains its channels.
func (p *RunnerPool) invoke(ctx context.Context, run StageRun, spec pipeline.AgentSpec) (agentcap.Outcome, error) {
	c, err := p.newCap(spec.Kind, spec.Params)
	if err != nil {
		// Unknown kinds and bad params cannot heal between attempts.
		return agentcap.Outcome{}, resilience.NewPermanent(err)
	}

	agentCtx, cancel := context.WithTimeout(ctx, p.cfg.AgentTimeout)
	defer cancel()

	inv, err := c.Invoke(agentCtx, agentcap.Request{
		TaskID:  run.TaskID,
		Stage:   run.Stage,
		AgentID: spec.ID,
		Symbol:  run.Symbol,
		Params:  spec.Params,
		Context: run.Context,
	})
	if err != nil {
		return agentcap.Outcome{}, fmt.Errorf("invoke %s: %w", spec.Kind, err)
	}

	notes := inv.Notes
	for {
		select {
		case note, ok := <-notes:
			if !ok {
				notes = nil
				continue
			}
			p.streamer.Publish(run.TaskID, event.KindAgentThought, event.ThoughtPayload{
				Stage:   run.Stage,
				AgentID: spec.ID,
				Text:    note.Text,
			})

		case out := <-inv.Done:
			return p.finish(ctx, spec, out)

		case <-agentCtx.Done():
			// Abort cooperatively, then wait out the grace period for the
			// terminal outcome so usage is still accounted.
			return p.awaitGrace(ctx, run, spec, inv)
		}
	}
}

// awaitGrace waits up to the grace period for an aborted agent's terminal
// outcome. An agent that overruns it is abandoned and reported failed.
func (p *RunnerPool) awaitGrace(ctx context.Context, run StageRun, spec pipeline.AgentSpec, inv *agentcap.Invocation) (agentcap.Outcome, error) {
	grace := time.NewTimer(p.cfg.GracePeriod)
	defer grace.Stop()

	for {
		select {
		case _, ok := <-inv.Notes:
			if !ok {
				inv.Notes = nil
				continue
			}
		case out := <-inv.Done:
			return p.finish(ctx, spec, out)
		case <-grace.C:
			slog.Warn("agent overran grace period, abandoning",
				"task_id", run.TaskID, "agent_id", spec.ID, "grace", p.cfg.GracePeriod)
			return agentcap.Outcome{}, resilience.NewPermanent(
				fmt.Errorf("agent %s: abandoned after %s grace period", spec.ID, p.cfg.GracePeriod))
		}
	}
}

// finish classifies a terminal outcome for the retry policy: parent
// cancellation is permanent, everything else is worth another attempt.
func (p *RunnerPool) finish(ctx context.Context, spec pipeline.AgentSpec, out agentcap.Outcome) (agentcap.Outcome, error) {
	if out.Err == nil {
		return out, nil
	}
	if ctx.Err() != nil || errors.Is(out.Err, context.Canceled) {
		return out, resilience.NewPermanent(fmt.Errorf("agent %s: %w", spec.ID, out.Err))
	}
	return out, fmt.Errorf("agent %s: %w", spec.ID, out.Err)
}

// charge records usage against the owner's budget and publishes the running
// totals. Returns true when the budget is exhausted.
func (p *RunnerPool) charge(taskID, ownerID string, u cost.Usage) bool {
	if u.IsZero() {
		return false
	}

	res, err := p.ledger.Record(context.Background(), ownerID, u)
	if err != nil {
		slog.Error("record usage", "task_id", taskID, "owner_id", ownerID, "error", err)
		return false
	}

	p.streamer.Publish(taskID, event.KindCostUpdate, event.CostPayload{
		TokensIn:     u.TokensIn,
		TokensOut:    u.TokensOut,
		CostUSD:      u.CostUSD,
		RemainingUSD: res.RemainingUSD,
		SoftAlert:    res.SoftAlert,
		Exhausted:    !res.Accepted,
	})
	return !res.Accepted
}
