package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	mmotel "github.com/StrataBot/MarketMind/internal/adapter/otel"
	"github.com/StrataBot/MarketMind/internal/domain/agent"
	"github.com/StrataBot/MarketMind/internal/domain/cost"
	"github.com/StrataBot/MarketMind/internal/domain/event"
	"github.com/StrataBot/MarketMind/internal/domain/report"
	"github.com/StrataBot/MarketMind/internal/domain/task"
)

// Terminal reasons carried on task_error events.
const (
	ReasonCancelled       = "cancelled"
	ReasonBudgetExhausted = "budget_exhausted"
	ReasonStageFailed     = "stage_failed"
	ReasonPanic           = "internal_error"
)

// Scheduler drives one task at a time through its pipeline's stages in
// order. A stage never starts before the previous one has fully resolved,
// and cancellation or budget exhaustion takes effect at stage boundaries,
// the task's safe checkpoints.
type Scheduler struct {
	pool     *RunnerPool
	streamer *Streamer
	ledger   *CostLedger
	metrics  *mmotel.Metrics
}

// NewScheduler creates a scheduler executing stages on pool.
func NewScheduler(pool *RunnerPool, streamer *Streamer, ledger *CostLedger) *Scheduler {
	return &Scheduler{pool: pool, streamer: streamer, ledger: ledger}
}

// SetMetrics attaches metric instruments. Nil metrics disable instrumentation.
func (s *Scheduler) SetMetrics(m *mmotel.Metrics) {
	s.metrics = m
}

// Run executes t's pipeline to a terminal state and returns the final
// snapshot. The task struct is owned by this goroutine for the duration;
// other components read it through the snapshots pushed to onUpdate and the
// returned final snapshot. A panic in stage handling is recovered and
// surfaces as a failed task.
func (s *Scheduler) Run(ctx context.Context, t *task.AnalysisTask, onUpdate func(task.Snapshot)) (snap task.Snapshot) {
	if onUpdate == nil {
		onUpdate = func(task.Snapshot) {}
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler panic", "task_id", t.ID, "panic", r)
			snap = s.finish(t, task.StatusFailed, fmt.Sprintf("panic: %v", r), ReasonPanic, nil)
			onUpdate(snap)
		}
	}()

	ctx, taskSpan := mmotel.StartTaskSpan(ctx, t.ID, t.OwnerID, t.Symbol)
	defer taskSpan.End()

	t.Status = task.StatusRunning
	t.UpdatedAt = time.Now().UTC()
	onUpdate(t.Snapshot())

	done := func(status task.Status, detail, reason string, rep *report.Report) task.Snapshot {
		final := s.finish(t, status, detail, reason, rep)
		onUpdate(final)
		return final
	}

	var (
		sections []report.Section
		carried  []json.RawMessage
	)
	for i, stage := range t.Pipeline.Stages {
		if ctx.Err() != nil {
			return done(task.StatusCancelled, "cancelled by owner", ReasonCancelled, nil)
		}
		if err := s.ledger.Admit(ctx, t.OwnerID); err != nil {
			return done(task.StatusCancelled, err.Error(), ReasonBudgetExhausted, nil)
		}

		t.Stage = i
		t.UpdatedAt = time.Now().UTC()
		s.streamer.Publish(t.ID, event.KindStageStart, event.StagePayload{
			Stage: i,
			Name:  stage.Name,
		})

		stageCtx, stageSpan := mmotel.StartStageSpan(ctx, t.ID, stage.Name)
		outcome, exhausted := s.pool.RunStage(stageCtx, StageRun{
			TaskID:  t.ID,
			OwnerID: t.OwnerID,
			Symbol:  t.Symbol,
			Stage:   i,
			Spec:    stage,
			Context: carried,
		})
		stageSpan.End()

		t.TokensIn += outcome.Usage.TokensIn
		t.TokensOut += outcome.Usage.TokensOut
		t.CostUSD += outcome.Usage.CostUSD

		// The stage barrier is the safe checkpoint: in-flight work has fully
		// resolved, so cancellation and budget stops apply here.
		if ctx.Err() != nil {
			return done(task.StatusCancelled, "cancelled by owner", ReasonCancelled, nil)
		}

		status := outcome.Resolve(stage.Required)
		sections = append(sections, buildSection(outcome, status))
		for _, exec := range outcome.Succeeded() {
			carried = append(carried, exec.Result)
		}

		s.streamer.Publish(t.ID, event.KindStageComplete, event.StagePayload{
			Stage:  i,
			Name:   stage.Name,
			Status: string(status),
		})

		if status == agent.StageFailed {
			detail := fmt.Sprintf("stage %q: all agents failed", stage.Name)
			return done(task.StatusFailed, detail, ReasonStageFailed, nil)
		}
		if exhausted {
			detail := fmt.Sprintf("owner %s: budget exhausted during stage %q", t.OwnerID, stage.Name)
			return done(task.StatusCancelled, detail, ReasonBudgetExhausted, nil)
		}

		t.Progress = (i + 1) * 100 / len(t.Pipeline.Stages)
		t.UpdatedAt = time.Now().UTC()
		onUpdate(t.Snapshot())
	}

	rep := s.buildReport(t, sections)
	return done(task.StatusCompleted, "", "", rep)
}

// finish moves the task to its terminal state, publishes the terminal event
// and returns the final snapshot.
func (s *Scheduler) finish(t *task.AnalysisTask, status task.Status, detail, reason string, rep *report.Report) task.Snapshot {
	t.Status = status
	t.Error = detail
	t.UpdatedAt = time.Now().UTC()
	if status == task.StatusCompleted {
		t.Progress = 100
	}

	snap := t.Snapshot()
	snap.Report = rep

	if status == task.StatusCompleted {
		s.streamer.Publish(t.ID, event.KindTaskComplete, rep)
	} else {
		s.streamer.Publish(t.ID, event.KindTaskError, event.ErrorPayload{
			Reason: reason,
			Detail: detail,
		})
	}

	if s.metrics != nil {
		ctx := context.Background()
		attrs := metric.WithAttributes(attribute.String("owner.id", t.OwnerID))
		switch status {
		case task.StatusCompleted:
			s.metrics.TasksCompleted.Add(ctx, 1, attrs)
		case task.StatusFailed:
			s.metrics.TasksFailed.Add(ctx, 1, attrs)
		case task.StatusCancelled:
			s.metrics.TasksCancelled.Add(ctx, 1, attrs)
		}
		s.metrics.TaskDuration.Record(ctx, time.Since(t.CreatedAt).Seconds(), attrs)
		s.metrics.TaskCost.Record(ctx, t.CostUSD, attrs)
	}
	return snap
}

// buildReport aggregates stage sections into the final report, pulling the
// trade decision out of the last section that carries one.
func (s *Scheduler) buildReport(t *task.AnalysisTask, sections []report.Section) *report.Report {
	rep := &report.Report{
		TaskID:   t.ID,
		Symbol:   t.Symbol,
		Sections: sections,
		Usage: cost.Usage{
			TokensIn:  t.TokensIn,
			TokensOut: t.TokensOut,
			CostUSD:   t.CostUSD,
		},
		GeneratedAt: time.Now().UTC(),
	}

	for i := len(sections) - 1; i >= 0; i-- {
		if decision, confidence, ok := extractDecision(sections[i].Results); ok {
			rep.Decision = decision
			rep.Confidence = confidence
			break
		}
	}
	return rep
}

// buildSection collects a stage's successful results into one report section.
func buildSection(outcome *agent.StageOutcome, status agent.StageStatus) report.Section {
	var results []json.RawMessage
	for _, exec := range outcome.Succeeded() {
		results = append(results, exec.Result)
	}

	sec := report.Section{
		Stage:  outcome.Stage,
		Name:   outcome.Name,
		Status: string(status),
	}
	if len(results) > 0 {
		sec.Results = event.Marshal(results)
	}
	return sec
}

// extractDecision scans a section's result array for a decision field.
func extractDecision(results json.RawMessage) (string, float64, bool) {
	if len(results) == 0 {
		return "", 0, false
	}

	var items []struct {
		Decision   string  `json:"decision"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal(results, &items); err != nil {
		return "", 0, false
	}
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Decision != "" {
			return items[i].Decision, items[i].Confidence, true
		}
	}
	return "", 0, false
}
