package server

import (
	"fmt"
	"time"

	"AVA-Chain/internal/bus"
	"AVA-Chain/internal/llm/provider"
)

// 帧中使用的固定文本。
const (
	SystemAgent         = "system"
	MsgStarting         = "Starting task processing"
	MsgStopped          = "All agents stopped"
	MsgSettingsUpdated  = "Updated AI provider settings"
	MsgCommandError     = "Error processing command"
	MsgWelcome          = "Connected to AVA-Chain"
	StopCommand         = "stop"
	frameTypeMessage    = "agent-message"
	frameTypeEvent      = "agent-event"
	inboundTypeCommand  = "command"
	inboundTypeSettings = "settings"
	roleAssistant       = "assistant"
	roleUser            = "user"
	roleError           = "error"
	eventSeverityInfo   = "info"
)

// inbound 是客户端发来的帧。command 帧的正文由 bus.Decode 解成 bus.Command。
type inbound struct {
	Type     string             `json:"type"`
	Settings *provider.Settings `json:"settings,omitempty"`
}

func message(now time.Time, role, content, agentName string) bus.AgentMessage {
	return bus.AgentMessage{
		Type:      frameTypeMessage,
		Timestamp: bus.Clock(now),
		Role:      role,
		Content:   content,
		AgentName: agentName,
	}
}

func systemEvent(now time.Time, event, severity string) bus.SystemEvent {
	return bus.SystemEvent{
		Type:      frameTypeEvent,
		Timestamp: bus.Clock(now),
		Event:     event,
		Agent:     SystemAgent,
		EventType: severity,
	}
}

// frameFor 把三种代理事件转换为聊天帧。
func frameFor(now time.Time, ev bus.Event) (bus.AgentMessage, bool) {
	switch p := ev.Payload.(type) {
	case bus.AgentAction:
		return message(now, roleAssistant, fmt.Sprintf("[%s] %s", p.Agent, p.Action), p.Agent), true
	case bus.AgentResponse:
		return message(now, roleAssistant, p.Message, p.Agent), true
	case bus.AgentError:
		return message(now, roleError, fmt.Sprintf("Error in %s: %s", p.Agent, p.Error), p.Agent), true
	default:
		return bus.AgentMessage{}, false
	}
}

// announcement 把 task-update 描述为一条代理回复。
func announcement(u bus.TaskUpdate) bus.AgentResponse {
	text := fmt.Sprintf("Task %s %s", u.TaskID, u.Status)
	switch {
	case u.Error != "":
		text += ": " + u.Error
	case len(u.Result) > 0:
		text += ": " + bus.TextOf(u.Result)
	}
	agent := u.Source
	if agent == "" {
		agent = string(bus.RoleTaskManager)
	}
	return bus.AgentResponse{Agent: agent, Message: text}
}
