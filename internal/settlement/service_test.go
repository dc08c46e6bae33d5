package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"NexusAgent/internal/audit"
	xerrors "NexusAgent/internal/errors"
	"NexusAgent/internal/events"
)

type staticDirectory struct {
	running []string
	err     error
}

func (d staticDirectory) ListRunning(_ context.Context, excludeID string) ([]string, error) {
	if d.err != nil {
		return nil, d.err
	}
	out := make([]string, 0, len(d.running))
	for _, id := range d.running {
		if id != excludeID {
			out = append(out, id)
		}
	}
	return out, nil
}

type recordingPayer struct {
	mu       sync.Mutex
	err      error
	releases []float64
}

func (p *recordingPayer) Release(_ context.Context, _ string, _ int, _ string, amount float64) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releases = append(p.releases, amount)
	return "0xrelease", nil
}

type fixture struct {
	store  *MemoryStore
	audits *audit.MemoryStore
	bus    *events.Bus
	seen   []string
	svc    *Service
}

func newFixture(t *testing.T, dir AgentDirectory, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:  NewMemoryStore(),
		audits: audit.NewMemoryStore(),
		bus:    events.NewBus(),
	}
	f.bus.Subscribe("", func(_ context.Context, e events.Event) {
		f.seen = append(f.seen, e.Name)
	})
	now := time.UnixMilli(1_700_000_000_000)
	base := []Option{
		WithPublisher(f.bus),
		WithClock(func() time.Time { return now }),
	}
	f.svc = NewService(f.store, dir, audit.NewLogger(f.audits), append(base, opts...)...)
	return f
}

func (f *fixture) actions(t *testing.T, filter audit.Filter) []audit.Action {
	t.Helper()
	records, err := f.audits.Query(context.Background(), filter)
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	out := make([]audit.Action, len(records))
	for i, r := range records {
		out[i] = r.Action
	}
	return out
}

func TestEscrowMilestonesOutOfOrder(t *testing.T) {
	t.Parallel()

	payer := &recordingPayer{}
	f := newFixture(t, staticDirectory{}, WithPayer(payer))
	ctx := context.Background()

	id, err := f.svc.CreateEscrow(ctx, "employer", "employee", 10, []Milestone{
		{Description: "design", Payment: 4},
		{Description: "build", Payment: 6},
	})
	if err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	if _, err := f.svc.FundEscrow(ctx, id); err != nil {
		t.Fatalf("FundEscrow: %v", err)
	}

	done, err := f.svc.CompleteMilestone(ctx, id, 1)
	if err != nil {
		t.Fatalf("complete milestone 1: %v", err)
	}
	if done.Payment != 6 || done.EscrowCompleted || done.Reference != "0xrelease" {
		t.Fatalf("unexpected completion %+v", done)
	}
	escrow, _ := f.svc.GetEscrow(ctx, id)
	if escrow.Status != EscrowFunded || !escrow.Milestones[1].Completed || escrow.Milestones[0].Completed {
		t.Fatalf("unexpected escrow after first milestone: %+v", escrow)
	}

	done, err = f.svc.CompleteMilestone(ctx, id, 0)
	if err != nil {
		t.Fatalf("complete milestone 0: %v", err)
	}
	if !done.EscrowCompleted || done.Payment != 4 {
		t.Fatalf("unexpected final completion %+v", done)
	}
	escrow, _ = f.svc.GetEscrow(ctx, id)
	if escrow.Status != EscrowCompleted || escrow.CompletedAt == nil || *escrow.CompletedAt != 1_700_000_000_000 {
		t.Fatalf("escrow not completed: %+v", escrow)
	}
	for i, m := range escrow.Milestones {
		if !m.Completed {
			t.Fatalf("milestone %d not persisted as completed", i)
		}
	}
	if len(payer.releases) != 2 || payer.releases[0] != 6 || payer.releases[1] != 4 {
		t.Fatalf("unexpected releases %v", payer.releases)
	}

	want := []string{"escrow:created", "escrow:funded", "milestone:completed", "milestone:completed"}
	if len(f.seen) != len(want) {
		t.Fatalf("expected events %v, got %v", want, f.seen)
	}
	for i := range want {
		if f.seen[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, f.seen)
		}
	}
	if got := f.actions(t, audit.Filter{AgentID: "employee"}); len(got) != 2 {
		t.Fatalf("expected two milestone records for employee, got %v", got)
	}

	if _, err := f.svc.CompleteMilestone(ctx, id, 0); !errors.Is(err, ErrEscrowInvalidState) {
		t.Fatalf("expected invalid state on completed escrow, got %v", err)
	}
}

func TestCompleteMilestoneRequiresFunding(t *testing.T) {
	t.Parallel()

	f := newFixture(t, staticDirectory{})
	ctx := context.Background()

	id, err := f.svc.CreateEscrow(ctx, "employer", "employee", 1, []Milestone{{Payment: 1}})
	if err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	_, err = f.svc.CompleteMilestone(ctx, id, 0)
	if !errors.Is(err, ErrEscrowInvalidState) || xerrors.CodeOf(err) != CodeEscrowInvalidState {
		t.Fatalf("expected invalid state, got %v", err)
	}

	escrow, _ := f.svc.GetEscrow(ctx, id)
	if escrow.Status != EscrowPending || escrow.Milestones[0].Completed {
		t.Fatalf("pending escrow must not change: %+v", escrow)
	}
	if got := f.actions(t, audit.Filter{Action: audit.ActionMilestoneCompleted}); len(got) != 0 {
		t.Fatalf("failed completion must not be audited, got %v", got)
	}
}

func TestCompleteMilestoneValidatesIndex(t *testing.T) {
	t.Parallel()

	f := newFixture(t, staticDirectory{})
	ctx := context.Background()

	id, _ := f.svc.CreateEscrow(ctx, "employer", "employee", 3, []Milestone{{Payment: 1}, {Payment: 2}})
	if _, err := f.svc.FundEscrow(ctx, id); err != nil {
		t.Fatalf("FundEscrow: %v", err)
	}
	for _, idx := range []int{-1, 2, 9} {
		if _, err := f.svc.CompleteMilestone(ctx, id, idx); !errors.Is(err, ErrMilestoneOutOfRange) {
			t.Fatalf("index %d: expected out of range, got %v", idx, err)
		}
	}
	if _, err := f.svc.CompleteMilestone(ctx, "missing", 0); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if _, err := f.svc.CompleteMilestone(ctx, id, 0); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := f.svc.CompleteMilestone(ctx, id, 0); !errors.Is(err, ErrEscrowInvalidState) {
		t.Fatalf("expected double completion to be rejected, got %v", err)
	}
}

func TestCompleteMilestoneRollsBackOnPayerFailure(t *testing.T) {
	t.Parallel()

	payer := &recordingPayer{err: xerrors.New(xerrors.CodeExternalFailure, "rpc down")}
	f := newFixture(t, staticDirectory{}, WithPayer(payer))
	ctx := context.Background()

	id, _ := f.svc.CreateEscrow(ctx, "employer", "employee", 1, []Milestone{{Payment: 1}})
	if _, err := f.svc.FundEscrow(ctx, id); err != nil {
		t.Fatalf("FundEscrow: %v", err)
	}
	if _, err := f.svc.CompleteMilestone(ctx, id, 0); xerrors.CodeOf(err) != xerrors.CodeExternalFailure {
		t.Fatalf("expected payer error, got %v", err)
	}
	escrow, _ := f.svc.GetEscrow(ctx, id)
	if escrow.Status != EscrowFunded || escrow.Milestones[0].Completed || escrow.Milestones[0].Releasing {
		t.Fatalf("escrow changed after failed release: %+v", escrow)
	}

	payer.err = nil
	done, err := f.svc.CompleteMilestone(ctx, id, 0)
	if err != nil {
		t.Fatalf("retry after failed release: %v", err)
	}
	if done.Reference != "0xrelease" || !done.EscrowCompleted {
		t.Fatalf("unexpected completion %+v", done)
	}
	escrow, _ = f.svc.GetEscrow(ctx, id)
	if escrow.Milestones[0].Reference != "0xrelease" {
		t.Fatalf("release reference not stored: %+v", escrow.Milestones[0])
	}
}

func TestCompleteMilestoneRejectsClaimedRelease(t *testing.T) {
	t.Parallel()

	payer := &recordingPayer{}
	f := newFixture(t, staticDirectory{}, WithPayer(payer))
	ctx := context.Background()

	id, _ := f.svc.CreateEscrow(ctx, "employer", "employee", 1, []Milestone{{Payment: 1}})
	if _, err := f.svc.FundEscrow(ctx, id); err != nil {
		t.Fatalf("FundEscrow: %v", err)
	}
	if _, err := f.store.UpdateEscrow(ctx, id, func(e *Escrow) error {
		e.Milestones[0].Releasing = true
		return nil
	}); err != nil {
		t.Fatalf("mark releasing: %v", err)
	}
	if _, err := f.svc.CompleteMilestone(ctx, id, 0); !errors.Is(err, ErrEscrowInvalidState) {
		t.Fatalf("expected invalid state while releasing, got %v", err)
	}
	if len(payer.releases) != 0 {
		t.Fatalf("payer called for claimed milestone: %v", payer.releases)
	}
}

func TestFundEscrowTransitions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, staticDirectory{})
	ctx := context.Background()

	if _, err := f.svc.FundEscrow(ctx, "missing"); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	id, _ := f.svc.CreateEscrow(ctx, "employer", "employee", 1, []Milestone{{Payment: 1}})
	for i := 0; i < 2; i++ {
		escrow, err := f.svc.FundEscrow(ctx, id)
		if err != nil || escrow.Status != EscrowFunded {
			t.Fatalf("fund #%d: %+v %v", i, escrow, err)
		}
	}

	if _, err := f.store.UpdateEscrow(ctx, id, func(e *Escrow) error {
		e.Status = EscrowDisputed
		return nil
	}); err != nil {
		t.Fatalf("mark disputed: %v", err)
	}
	if _, err := f.svc.FundEscrow(ctx, id); !errors.Is(err, ErrEscrowInvalidState) {
		t.Fatalf("expected disputed escrow to reject funding, got %v", err)
	}
}

func TestCreateEscrowValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, staticDirectory{})
	ctx := context.Background()

	if _, err := f.svc.CreateEscrow(ctx, "", "employee", 1, nil); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := f.svc.CreateEscrow(ctx, "a", "b", 1, []Milestone{{Payment: -1}}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected negative payment to be rejected, got %v", err)
	}

	id, err := f.svc.CreateEscrow(ctx, "a", "b", 5, []Milestone{{Payment: 1, Completed: true}}, WithToken("USDC"))
	if err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	escrow, _ := f.svc.GetEscrow(ctx, id)
	if escrow.TokenMint != "USDC" || escrow.Milestones[0].Completed || escrow.Status != EscrowPending {
		t.Fatalf("unexpected escrow %+v", escrow)
	}
}

func TestTaskLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, staticDirectory{running: []string{"employer", "worker-a", "worker-b"}},
		WithPicker(func(n int) int { return n - 1 }))
	ctx := context.Background()

	taskID, err := f.svc.CreateTask(ctx, "employer", TaskSpec{Type: "research", Budget: 2, Requirements: []string{"report"}})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	task, _ := f.svc.GetTask(ctx, taskID)
	if task.Status != TaskOpen || task.AssignedTo != "" {
		t.Fatalf("unexpected task %+v", task)
	}

	agentID, ok, err := f.svc.FindAgentForTask(ctx, taskID)
	if err != nil || !ok || agentID != "worker-b" {
		t.Fatalf("FindAgentForTask = %q %v %v", agentID, ok, err)
	}

	task, err = f.svc.AssignTask(ctx, taskID, agentID)
	if err != nil {
		t.Fatalf("AssignTask: %v", err)
	}
	if task.Status != TaskAssigned || task.AssignedTo != "worker-b" {
		t.Fatalf("unexpected assignment %+v", task)
	}
	if _, err := f.svc.AssignTask(ctx, taskID, "worker-a"); !errors.Is(err, ErrTaskInvalidState) {
		t.Fatalf("expected reassignment to fail, got %v", err)
	}

	if got := f.actions(t, audit.Filter{AgentID: "worker-b"}); len(got) != 1 || got[0] != audit.ActionTaskAssigned {
		t.Fatalf("unexpected audit for worker %v", got)
	}
}

func TestFindAgentForTaskExcludesEmployer(t *testing.T) {
	t.Parallel()

	f := newFixture(t, staticDirectory{running: []string{"employer"}})
	ctx := context.Background()

	taskID, _ := f.svc.CreateTask(ctx, "employer", TaskSpec{Type: "research"})
	agentID, ok, err := f.svc.FindAgentForTask(ctx, taskID)
	if err != nil || ok || agentID != "" {
		t.Fatalf("expected no candidate, got %q %v %v", agentID, ok, err)
	}
	if _, err := f.svc.AssignTask(ctx, taskID, "employer"); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected employer assignment to be rejected, got %v", err)
	}
	if _, _, err := f.svc.FindAgentForTask(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected task not found, got %v", err)
	}
}

func TestFindAgentForTaskSpreadsChoices(t *testing.T) {
	t.Parallel()

	f := newFixture(t, staticDirectory{running: []string{"a", "b", "c"}})
	ctx := context.Background()
	taskID, _ := f.svc.CreateTask(ctx, "employer", TaskSpec{Type: "research"})

	seen := map[string]int{}
	for i := 0; i < 300; i++ {
		id, ok, err := f.svc.FindAgentForTask(ctx, taskID)
		if err != nil || !ok {
			t.Fatalf("FindAgentForTask: %v", err)
		}
		seen[id]++
	}
	if len(seen) != 3 {
		t.Fatalf("expected all candidates to be chosen, got %v", seen)
	}
}
