package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"AVA-Chain/internal/bus"
)

var fixedNow = time.UnixMilli(1_700_000_000_000)

func clock() time.Time { return fixedNow }

type capture struct {
	mu     sync.Mutex
	events []bus.Event
}

func listen(t *testing.T, b *bus.Bus, topics ...bus.Topic) *capture {
	t.Helper()
	c := &capture{}
	for _, topic := range topics {
		if _, err := b.Subscribe(topic, "capture", func(_ context.Context, ev bus.Event) error {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
			return nil
		}); err != nil {
			t.Fatalf("subscribe %s: %v", topic, err)
		}
	}
	return c
}

func (c *capture) on(topic bus.Topic) []bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []bus.Event
	for _, ev := range c.events {
		if ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}

func (c *capture) result(t *testing.T, role bus.Role) bus.Result {
	t.Helper()
	evs := c.on(bus.ResultTopic(role))
	if len(evs) != 1 {
		t.Fatalf("expected exactly one result on %s, got %d", bus.ResultTopic(role), len(evs))
	}
	return evs[0].Payload.(bus.Result)
}

func assign(role bus.Role, id, task string) bus.Event {
	return bus.Event{
		Topic: bus.AssignTopic(role),
		Payload: bus.Assignment{
			TaskID:      id,
			Task:        task,
			Type:        "analyze",
			Timestamp:   fixedNow.UnixMilli(),
			Source:      string(bus.RoleTaskManager),
			Destination: string(role),
		},
	}
}

func newTestBus() *bus.Bus {
	return bus.New([]bus.Role{bus.RoleObserver, bus.RoleExecutor, bus.RoleCDP})
}
