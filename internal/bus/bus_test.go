package bus

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"

	xerrors "AVA-Chain/internal/errors"
)

func newTestBus(opts ...Option) *Bus {
	return New([]Role{RoleObserver, RoleExecutor, RoleCDP}, opts...)
}

func declared(b *Bus, topic Topic) bool {
	for _, t := range b.Topics() {
		if t == topic {
			return true
		}
	}
	return false
}

func TestTopicsGeneratedFromRoles(t *testing.T) {
	b := newTestBus()
	for _, topic := range []Topic{"task-manager-observer", "observer-task-manager", "task-manager-cdp", "cdp-task-manager", TopicTaskUpdate} {
		if !declared(b, topic) {
			t.Fatalf("topic %s not declared", topic)
		}
	}
	for _, topic := range []Topic{"task-manager-cdpAgent", "agent-message", "agent-event"} {
		if declared(b, topic) {
			t.Fatalf("topic %s should not be declared", topic)
		}
	}
	if _, err := b.Subscribe("task-manager-cdpAgent", "h", func(context.Context, Event) error { return nil }); !stdErrors.Is(err, xerrors.New(xerrors.CodeUnknownTopic, "")) {
		t.Fatalf("expected unknown topic error, got %v", err)
	}
}

func TestDuplicateSubscribeInvokesOnce(t *testing.T) {
	b := newTestBus()
	calls := 0
	h := func(context.Context, Event) error { calls++; return nil }

	first, err := b.Subscribe(TopicAgentAction, "counter", h)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	second, err := b.Subscribe(TopicAgentAction, "counter", h)
	if err != nil {
		t.Fatalf("subscribe again: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical subscription tokens")
	}
	if got := b.SubscriberCount(TopicAgentAction); got != 1 {
		t.Fatalf("expected one subscriber, got %d", got)
	}

	if err := b.Publish(context.Background(), TopicAgentAction, AgentAction{Agent: "system", Action: "ping"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one invocation, got %d", calls)
	}
}

func TestUnsubscribeUnknownIsNoop(t *testing.T) {
	b := newTestBus()
	b.Unsubscribe(Subscription{Topic: TopicAgentError, ID: "missing"})
	b.Unsubscribe(Subscription{Topic: "no-such-topic", ID: "missing"})

	sub, _ := b.Subscribe(TopicAgentError, "a", func(context.Context, Event) error { return nil })
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if got := b.SubscriberCount(TopicAgentError); got != 0 {
		t.Fatalf("expected zero subscribers, got %d", got)
	}
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	b := newTestBus()
	if err := b.Publish(context.Background(), TopicTaskUpdate, TaskUpdate{TaskID: "t"}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestHandlerFailuresAreIsolated(t *testing.T) {
	var mu sync.Mutex
	var faults []Subscription
	b := newTestBus(WithFaultHook(func(sub Subscription, err error) {
		mu.Lock()
		defer mu.Unlock()
		faults = append(faults, sub)
		if !stdErrors.Is(err, xerrors.New(xerrors.CodeHandlerFault, "")) {
			t.Errorf("fault should carry handler code, got %v", err)
		}
	}))

	var order []string
	_, _ = b.Subscribe(TopicAgentResponse, "first", func(context.Context, Event) error {
		order = append(order, "first")
		return stdErrors.New("boom")
	})
	_, _ = b.Subscribe(TopicAgentResponse, "second", func(context.Context, Event) error {
		order = append(order, "second")
		panic("kaboom")
	})
	_, _ = b.Subscribe(TopicAgentResponse, "third", func(context.Context, Event) error {
		order = append(order, "third")
		return nil
	})

	if err := b.Publish(context.Background(), TopicAgentResponse, AgentResponse{Agent: "observer", Message: "hi"}); err != nil {
		t.Fatalf("publish should not surface handler errors: %v", err)
	}
	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Fatalf("unexpected invocation order %v", order)
	}
	if len(faults) != 2 || faults[0].ID != "first" || faults[1].ID != "second" {
		t.Fatalf("unexpected faults %v", faults)
	}
}

func TestPublishRejectsMismatchedPayload(t *testing.T) {
	b := newTestBus()
	called := false
	_, _ = b.Subscribe(AssignTopic(RoleObserver), "observer", func(context.Context, Event) error { called = true; return nil })

	err := b.Publish(context.Background(), AssignTopic(RoleObserver), Result{TaskID: "t"})
	if !stdErrors.Is(err, xerrors.New(xerrors.CodeEventPayloadMismatch, "")) {
		t.Fatalf("expected payload mismatch, got %v", err)
	}
	if called {
		t.Fatalf("handler must not run for rejected payload")
	}
	if err := b.Publish(context.Background(), "bogus", AgentAction{}); err == nil {
		t.Fatalf("expected error for undeclared topic")
	}
}

func TestSubscribeDuringPublishUsesSnapshot(t *testing.T) {
	b := newTestBus()
	late := 0
	_, _ = b.Subscribe(TopicAgentAction, "adder", func(context.Context, Event) error {
		_, _ = b.Subscribe(TopicAgentAction, "late", func(context.Context, Event) error { late++; return nil })
		return nil
	})
	_ = b.Publish(context.Background(), TopicAgentAction, AgentAction{Agent: "a", Action: "x"})
	if late != 0 {
		t.Fatalf("handler added during publish should not see the same event")
	}
	_ = b.Publish(context.Background(), TopicAgentAction, AgentAction{Agent: "a", Action: "y"})
	if late != 1 {
		t.Fatalf("expected late handler on next publish, got %d", late)
	}
}

func TestDecode(t *testing.T) {
	b := newTestBus()
	p, err := b.Decode(ResultTopic(RoleExecutor), []byte(`{"taskId":"t-1","status":"completed","result":"ok"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	res, ok := p.(Result)
	if !ok {
		t.Fatalf("expected Result, got %T", p)
	}
	if res.TaskID != "t-1" || TextOf(res.Result) != "ok" {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := b.Decode(TopicTaskUpdate, []byte(`{"taskId":`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestNewDropsReservedAndDuplicateRoles(t *testing.T) {
	b := New([]Role{RoleObserver, RoleObserver, RoleTaskManager, ""})
	roles := b.Roles()
	if len(roles) != 1 || roles[0] != RoleObserver {
		t.Fatalf("unexpected roles %v", roles)
	}
	if NormalizeRole(" cdpAgent ") != "cdpagent" {
		t.Fatalf("normalize should lower-case")
	}
}
