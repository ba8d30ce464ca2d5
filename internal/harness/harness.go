package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/roach88/ivm/internal/contract"
	"github.com/roach88/ivm/internal/engine"
	"github.com/roach88/ivm/internal/fanout"
	"github.com/roach88/ivm/internal/ir"
	"github.com/roach88/ivm/internal/ivmerr"
	"github.com/roach88/ivm/internal/outbox"
	"github.com/roach88/ivm/internal/store"
	"github.com/roach88/ivm/internal/testutil"
)

// Harness executes one scenario against a private store.
type Harness struct {
	store  *store.Store
	engine *engine.Engine
	coord  *outbox.Coordinator
	clock  *testutil.FakeClock
	tenant string
	keys   map[string]bool
	logger *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh SQLite database under a temporary
// directory, with a fake clock starting at testutil.Epoch. A returned
// error means the scenario could not be set up; step and assertion
// failures are reported in the Result.
//
// Execution flow:
//  1. Create a fresh database and load the contracts
//  2. Execute steps in order, stopping at the first unexpected outcome
//  3. Drain the outbox so the final state is settled
//  4. Evaluate assertions and capture a snapshot
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "ivm-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	clock := testutil.NewFakeClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(filepath.Join(dir, "ivm.db"), store.WithClock(clock.Now), store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	reg, err := contract.LoadDir(scenario.Contracts)
	if err != nil {
		return nil, fmt.Errorf("failed to load contracts: %w", err)
	}

	eng := engine.New(st, reg,
		engine.WithFanoutConfig(fanoutConfig(scenario.Fanout)),
		engine.WithClock(clock.Now),
		engine.WithLogger(logger),
	)
	coord := outbox.NewCoordinator(st, outbox.DefaultOptions(), outbox.WithLogger(logger))
	eng.Register(coord)

	h := &Harness{
		store:  st,
		engine: eng,
		coord:  coord,
		clock:  clock,
		tenant: scenario.Tenant,
		keys:   make(map[string]bool),
		logger: logger,
	}

	result := NewResult()
	h.executeSteps(ctx, scenario.Steps, result)

	if _, err := coord.Drain(ctx); err != nil {
		return nil, fmt.Errorf("failed to drain outbox: %w", err)
	}

	for _, msg := range EvaluateAssertions(ctx, h, scenario.Assertions) {
		result.AddError(msg)
	}

	snap, err := h.snapshot(ctx, scenario.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to capture state: %w", err)
	}
	result.State = snap
	return result, nil
}

func fanoutConfig(o *FanoutOverrides) fanout.Config {
	cfg := fanout.DefaultConfig()
	cfg.BatchDelay = 0
	if o == nil {
		return cfg
	}
	if o.CircuitAction != "" {
		cfg.CircuitAction = o.CircuitAction
	}
	if o.DefaultMaxFanout > 0 {
		cfg.DefaultMaxFanout = o.DefaultMaxFanout
	}
	return cfg
}

// executeSteps runs steps in order. The first step whose outcome differs
// from its expectation is recorded and ends execution.
func (h *Harness) executeSteps(ctx context.Context, steps []Step, result *Result) {
	for i, step := range steps {
		outcome, err := h.executeStep(ctx, step)
		outcome.Index = i
		if err != nil {
			outcome.Error = string(ivmerr.CodeOf(err))
		}
		result.Steps = append(result.Steps, outcome)

		switch {
		case step.ExpectError == "" && err != nil:
			result.AddError(fmt.Sprintf("step %d (%s %s): unexpected error: %v", i, outcome.Kind, outcome.Target, err))
			return
		case step.ExpectError != "" && err == nil:
			result.AddError(fmt.Sprintf("step %d (%s %s): expected error %s, got success", i, outcome.Kind, outcome.Target, step.ExpectError))
			return
		case step.ExpectError != "" && outcome.Error != step.ExpectError:
			result.AddError(fmt.Sprintf("step %d (%s %s): expected error %s, got %s: %v", i, outcome.Kind, outcome.Target, step.ExpectError, outcome.Error, err))
			return
		}
	}
}

func (h *Harness) executeStep(ctx context.Context, step Step) (StepOutcome, error) {
	out := StepOutcome{Kind: step.Kind()}

	switch out.Kind {
	case StepIngest:
		out.Target = step.Ingest
		h.keys[step.Ingest] = true
		payload, err := json.Marshal(step.Payload)
		if err != nil {
			return out, fmt.Errorf("encode payload: %w", err)
		}
		entityType := ir.EntityTypeOf(step.Ingest)
		rec, err := ir.NewRawDataRecord(h.tenant, step.Ingest, step.Version, entityType, "1", payload)
		if err != nil {
			return out, err
		}
		return out, h.engine.Ingest(ctx, rec)

	case StepDelete:
		out.Target = step.Delete
		h.keys[step.Delete] = true
		return out, h.engine.Delete(ctx, h.tenant, step.Delete, step.Version, step.Reason)

	case StepReslice:
		out.Target = step.Reslice
		h.keys[step.Reslice] = true
		return out, h.engine.Reslice(ctx, h.tenant, step.Reslice)

	case StepDrain:
		n, err := h.coord.Drain(ctx)
		out.Processed = n
		return out, err

	case StepAdvance:
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return out, err
		}
		out.Target = step.Advance
		h.clock.Advance(d)
		return out, nil
	}
	return out, fmt.Errorf("unknown step kind")
}

// snapshot captures every touched entity's latest slices and index rows,
// plus outbox counts.
func (h *Harness) snapshot(ctx context.Context, name string) (*Snapshot, error) {
	keys := make([]string, 0, len(h.keys))
	for k := range h.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	snap := &Snapshot{Scenario: name, Entities: []EntitySnapshot{}}
	for _, key := range keys {
		slices, err := h.store.LatestSlices(ctx, h.tenant, key)
		if err != nil {
			return nil, err
		}
		ent := EntitySnapshot{Key: key, Slices: []SliceSnapshot{}}
		for _, sl := range slices {
			s := SliceSnapshot{Type: sl.SliceType, Version: sl.Version, Tombstone: sl.Tombstone}
			if sl.Data != "" {
				s.Data = json.RawMessage(sl.Data)
			}
			ent.Slices = append(ent.Slices, s)
		}
		sort.Slice(ent.Slices, func(i, j int) bool { return ent.Slices[i].Type < ent.Slices[j].Type })

		rows, err := h.store.IndexEntriesFor(ctx, h.tenant, key)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			ent.Index = append(ent.Index, IndexSnapshot{
				Type:      r.IndexType,
				Value:     r.IndexValue,
				Target:    r.TargetEntityKey,
				SliceType: r.SliceType,
				Tombstone: r.Tombstone,
			})
		}
		snap.Entities = append(snap.Entities, ent)
	}

	counts, err := h.outboxCounts(ctx)
	if err != nil {
		return nil, err
	}
	snap.Outbox = counts
	return snap, nil
}

func (h *Harness) outboxCounts(ctx context.Context) (map[string]map[ir.OutboxStatus]int, error) {
	rows, err := h.store.DB().QueryContext(ctx,
		`SELECT event_type, status, COUNT(*) FROM outbox GROUP BY event_type, status`)
	if err != nil {
		return nil, fmt.Errorf("count outbox: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[ir.OutboxStatus]int)
	for rows.Next() {
		var eventType, status string
		var n int
		if err := rows.Scan(&eventType, &status, &n); err != nil {
			return nil, fmt.Errorf("count outbox: %w", err)
		}
		if out[eventType] == nil {
			out[eventType] = make(map[ir.OutboxStatus]int)
		}
		out[eventType][ir.OutboxStatus(status)] = n
	}
	return out, rows.Err()
}
