package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"AVA-Chain/internal/bus"
	"AVA-Chain/internal/transport/client"
)

type printer struct {
	mu  sync.Mutex
	out io.Writer

	agent *color.Color
	user  *color.Color
	fail  *color.Color
	muted *color.Color
}

func newPrinter(out io.Writer) *printer {
	return &printer{
		out:   out,
		agent: color.New(color.FgCyan, color.Bold),
		user:  color.New(color.FgGreen),
		fail:  color.New(color.FgRed),
		muted: color.New(color.FgHiBlack),
	}
}

func (p *printer) message(m client.Message) {
	who := p.agent
	switch m.Role {
	case "user":
		who = p.user
	case "error":
		who = p.fail
	}
	p.printf("%s %s %s\n", p.muted.Sprint(m.Timestamp), who.Sprintf("%-12s", m.AgentName), m.Content)
}

func (p *printer) event(ev bus.SystemEvent) {
	line := p.muted
	if ev.EventType == "error" {
		line = p.fail
	}
	p.printf("%s %s\n", p.muted.Sprint(ev.Timestamp), line.Sprintf("* %s", ev.Event))
}

func (p *printer) status(status string) {
	p.printf("%s\n", p.muted.Sprintf("-- %s", status))
}

func (p *printer) update(u bus.TaskUpdate) {
	text := bus.TextOf(u.Result)
	if u.Error != "" {
		text = p.fail.Sprint(u.Error)
	}
	p.printf("%s %s -> %s %s %s\n", u.TaskID, u.Source, u.Destination, p.agent.Sprint(u.Status), text)
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}
