package coordinator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"AVA-Chain/internal/bus"
	xerrors "AVA-Chain/internal/errors"
)

type stubAgent struct {
	role bus.Role
	name string

	mu    sync.Mutex
	seen  []string
	block map[string]chan struct{}
	delay time.Duration
}

func (s *stubAgent) Name() string {
	if s.name != "" {
		return s.name
	}
	return string(s.role)
}
func (s *stubAgent) Role() bus.Role { return s.role }
func (s *stubAgent) ProcessMessage(_ context.Context, msg string) (string, error) {
	return msg, nil
}

func (s *stubAgent) HandleEvent(_ context.Context, ev bus.Event) error {
	a := ev.Payload.(bus.Assignment)
	s.mu.Lock()
	gate := s.block[a.TaskID]
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	s.seen = append(s.seen, a.TaskID+":"+a.Task)
	s.mu.Unlock()
	return nil
}

func (s *stubAgent) order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}

type sinkCall struct {
	id     string
	source bus.Role
	status string
}

type recordingSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (r *recordingSink) HandleResult(_ context.Context, id string, source bus.Role, res bus.Result) error {
	r.mu.Lock()
	r.calls = append(r.calls, sinkCall{id: id, source: source, status: res.Status})
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) snapshot() []sinkCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sinkCall(nil), r.calls...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestWireAndVerify(t *testing.T) {
	b := bus.New([]bus.Role{bus.RoleObserver, bus.RoleExecutor})
	c := New(b, &recordingSink{})
	for _, role := range []bus.Role{bus.RoleObserver, bus.RoleExecutor} {
		if err := c.Register(&stubAgent{role: role}); err != nil {
			t.Fatalf("register %s: %v", role, err)
		}
	}
	if err := c.Wire(context.Background()); err != nil {
		t.Fatalf("wire: %v", err)
	}
	if err := c.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := c.Register(&stubAgent{role: bus.RoleCDP}); err == nil {
		t.Fatalf("register after wire should fail")
	}
}

func TestVerifyReportsMissingAgent(t *testing.T) {
	b := bus.New([]bus.Role{bus.RoleObserver, bus.RoleCDP})
	c := New(b, &recordingSink{})
	if err := c.Register(&stubAgent{role: bus.RoleObserver}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := c.Wire(context.Background()); err != nil {
		t.Fatalf("wire: %v", err)
	}
	err := c.Verify()
	if xerrors.CodeOf(err) != xerrors.CodeWiringIncomplete {
		t.Fatalf("expected wiring incomplete, got %v", err)
	}
	if !strings.Contains(err.Error(), "task-manager-cdp") {
		t.Fatalf("error should name the unrouted topic: %v", err)
	}
}

func TestRegisterRejectsMisnamedRole(t *testing.T) {
	b := bus.New([]bus.Role{bus.RoleObserver, bus.RoleCDP})
	c := New(b, &recordingSink{})
	err := c.Register(&stubAgent{role: "cdpAgent"})
	if xerrors.CodeOf(err) != xerrors.CodeWiringIncomplete {
		t.Fatalf("expected wiring incomplete for cdpAgent, got %v", err)
	}
	if err := c.Register(&stubAgent{role: "CDP"}); err != nil {
		t.Fatalf("case-only difference should normalise: %v", err)
	}
	if err := c.Register(&stubAgent{role: bus.RoleCDP, name: "second"}); err == nil {
		t.Fatalf("duplicate role should be rejected")
	}
}

func TestVerifyRequiredTopics(t *testing.T) {
	b := bus.New([]bus.Role{bus.RoleObserver})
	c := New(b, &recordingSink{}, WithRequiredTopics(bus.TopicTaskUpdate))
	_ = c.Register(&stubAgent{role: bus.RoleObserver})
	if err := c.Wire(context.Background()); err != nil {
		t.Fatalf("wire: %v", err)
	}
	if err := c.Verify(); err == nil {
		t.Fatalf("task-update without subscribers should fail verification")
	}
	if _, err := b.Subscribe(bus.TopicTaskUpdate, "announcer", func(context.Context, bus.Event) error { return nil }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := c.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestSameTaskKeepsReceiptOrder(t *testing.T) {
	b := bus.New([]bus.Role{bus.RoleObserver})
	obs := &stubAgent{role: bus.RoleObserver, delay: 5 * time.Millisecond}
	c := New(b, &recordingSink{})
	_ = c.Register(obs)
	if err := c.Wire(context.Background()); err != nil {
		t.Fatalf("wire: %v", err)
	}

	ctx := context.Background()
	for _, step := range []string{"a", "b", "c", "d"} {
		if err := b.Publish(ctx, bus.AssignTopic(bus.RoleObserver), bus.Assignment{TaskID: "t1", Task: step}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	waitFor(t, func() bool { return len(obs.order()) == 4 })
	if got := strings.Join(obs.order(), ","); got != "t1:a,t1:b,t1:c,t1:d" {
		t.Fatalf("events reordered: %s", got)
	}
	waitFor(t, func() bool { return c.Active() == 0 })
}

func TestDifferentTasksRunInParallel(t *testing.T) {
	b := bus.New([]bus.Role{bus.RoleObserver})
	gate := make(chan struct{})
	obs := &stubAgent{role: bus.RoleObserver, block: map[string]chan struct{}{"slow": gate}}
	c := New(b, &recordingSink{})
	_ = c.Register(obs)
	if err := c.Wire(context.Background()); err != nil {
		t.Fatalf("wire: %v", err)
	}

	ctx := context.Background()
	_ = b.Publish(ctx, bus.AssignTopic(bus.RoleObserver), bus.Assignment{TaskID: "slow", Task: "x"})
	_ = b.Publish(ctx, bus.AssignTopic(bus.RoleObserver), bus.Assignment{TaskID: "fast", Task: "y"})

	waitFor(t, func() bool { return len(obs.order()) == 1 })
	if obs.order()[0] != "fast:y" {
		t.Fatalf("fast task should not wait for slow one: %v", obs.order())
	}
	close(gate)
	waitFor(t, func() bool { return len(obs.order()) == 2 })
}

func TestResultsReachSinkWithRole(t *testing.T) {
	b := bus.New([]bus.Role{bus.RoleObserver, bus.RoleExecutor})
	sink := &recordingSink{}
	c := New(b, sink)
	_ = c.Register(&stubAgent{role: bus.RoleObserver})
	_ = c.Register(&stubAgent{role: bus.RoleExecutor})
	if err := c.Wire(context.Background()); err != nil {
		t.Fatalf("wire: %v", err)
	}

	ctx := context.Background()
	_ = b.Publish(ctx, bus.ResultTopic(bus.RoleExecutor), bus.Result{TaskID: "t9", Status: "completed"})
	waitFor(t, func() bool { return len(sink.snapshot()) == 1 })
	if got := sink.snapshot()[0]; got.id != "t9" || got.source != bus.RoleExecutor || got.status != "completed" {
		t.Fatalf("unexpected sink call %+v", got)
	}
}

func TestCloseWaitsForQueues(t *testing.T) {
	b := bus.New([]bus.Role{bus.RoleObserver})
	obs := &stubAgent{role: bus.RoleObserver, delay: 30 * time.Millisecond}
	c := New(b, &recordingSink{})
	_ = c.Register(obs)
	if err := c.Wire(context.Background()); err != nil {
		t.Fatalf("wire: %v", err)
	}
	_ = b.Publish(context.Background(), bus.AssignTopic(bus.RoleObserver), bus.Assignment{TaskID: "t1", Task: "x"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(obs.order()) != 1 {
		t.Fatalf("close returned before in-flight work finished")
	}
	if b.SubscriberCount(bus.AssignTopic(bus.RoleObserver)) != 0 {
		t.Fatalf("close should remove subscriptions")
	}
}
