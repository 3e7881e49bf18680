package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"

	"AVA-Chain/internal/bus"
	"AVA-Chain/internal/transport/client"
)

func TestPrinterFormatsFrames(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = prev }()

	var buf bytes.Buffer
	p := newPrinter(&buf)
	p.message(client.Message{Timestamp: "10:00:00", Role: "assistant", Content: "Analyzing task", AgentName: "observer"})
	p.event(bus.SystemEvent{Timestamp: "10:00:01", Event: "Connected to AVA-Chain", EventType: "info"})
	p.status(client.StatusConnected)
	p.update(bus.TaskUpdate{TaskID: "t1", Source: "observer", Destination: "task-manager", Status: "failed", Error: "observer stopped"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "observer") || !strings.HasSuffix(lines[0], "Analyzing task") {
		t.Fatalf("unexpected message line %q", lines[0])
	}
	if lines[1] != "10:00:01 * Connected to AVA-Chain" {
		t.Fatalf("unexpected event line %q", lines[1])
	}
	if lines[2] != "-- connected" {
		t.Fatalf("unexpected status line %q", lines[2])
	}
	if lines[3] != "t1 observer -> task-manager failed observer stopped" {
		t.Fatalf("unexpected update line %q", lines[3])
	}
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"send", "settings", "relay"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Fatalf("missing subcommand %s: %v", name, err)
		}
	}
	if f := root.PersistentFlags().Lookup("url"); f == nil || f.DefValue == "" {
		t.Fatalf("expected url flag with default")
	}
}
