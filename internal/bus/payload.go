package bus

import (
	"encoding/json"
	"time"
)

// Kind 标识载荷变体，每个主题只接受一种变体。
type Kind string

const (
	KindAssignment    Kind = "assignment"
	KindResult        Kind = "result"
	KindTaskUpdate    Kind = "task-update"
	KindAgentAction   Kind = "agent-action"
	KindAgentResponse Kind = "agent-response"
	KindAgentError    Kind = "agent-error"
	KindCommand       Kind = "command"
)

// Payload 是事件载荷的封闭集合，只有本包内的类型实现它。
type Payload interface {
	Kind() Kind
	sealed()
}

// Assignment 是 task-manager-<role> 的载荷。
type Assignment struct {
	TaskID      string `json:"taskId"`
	Task        string `json:"task"`
	Type        string `json:"type"`
	Timestamp   int64  `json:"timestamp"`
	Source      string `json:"source,omitempty"`
	Destination string `json:"destination,omitempty"`
}

// Result 是 <role>-task-manager 的载荷。Result 字段保留原始 JSON。
type Result struct {
	TaskID      string            `json:"taskId"`
	Task        string            `json:"task,omitempty"`
	Status      string            `json:"status"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	ToolResults []json.RawMessage `json:"toolResults,omitempty"`
	Timestamp   int64             `json:"timestamp,omitempty"`
}

// TaskUpdate 是 task-update 的载荷。
type TaskUpdate struct {
	TaskID      string            `json:"taskId"`
	Status      string            `json:"status"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	ToolResults []json.RawMessage `json:"toolResults,omitempty"`
	Timestamp   int64             `json:"timestamp"`
	Source      string            `json:"source"`
	Destination string            `json:"destination"`
}

// AgentAction 是 agent-action 的载荷。
type AgentAction struct {
	Agent  string `json:"agent"`
	Action string `json:"action"`
}

// AgentResponse 是 agent-response 的载荷。
type AgentResponse struct {
	Agent   string `json:"agent"`
	Message string `json:"message"`
}

// AgentError 是 agent-error 的载荷。
type AgentError struct {
	Agent string `json:"agent"`
	Error string `json:"error"`
}

// Command 是 command 的载荷，ConnID 标识发出命令的连接。
type Command struct {
	Command string `json:"command"`
	ConnID  string `json:"connId,omitempty"`
}

// AgentMessage 是发往远端的聊天帧，由传输层直接写给连接，不经过总线。
type AgentMessage struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	AgentName string `json:"agentName"`
}

// SystemEvent 是发往远端的系统事件帧，严重程度放在 eventType 中。同样不经过总线。
type SystemEvent struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Agent     string `json:"agent,omitempty"`
	EventType string `json:"eventType"`
}

func (Assignment) Kind() Kind    { return KindAssignment }
func (Result) Kind() Kind        { return KindResult }
func (TaskUpdate) Kind() Kind    { return KindTaskUpdate }
func (AgentAction) Kind() Kind   { return KindAgentAction }
func (AgentResponse) Kind() Kind { return KindAgentResponse }
func (AgentError) Kind() Kind    { return KindAgentError }
func (Command) Kind() Kind       { return KindCommand }

func (Assignment) sealed()    {}
func (Result) sealed()        {}
func (TaskUpdate) sealed()    {}
func (AgentAction) sealed()   {}
func (AgentResponse) sealed() {}
func (AgentError) sealed()    {}
func (Command) sealed()       {}

// decoders 按变体把 JSON 解码为具体载荷。
var decoders = map[Kind]func([]byte) (Payload, error){
	KindAssignment:    decodeAs[Assignment],
	KindResult:        decodeAs[Result],
	KindTaskUpdate:    decodeAs[TaskUpdate],
	KindAgentAction:   decodeAs[AgentAction],
	KindAgentResponse: decodeAs[AgentResponse],
	KindAgentError:    decodeAs[AgentError],
	KindCommand:       decodeAs[Command],
}

func decodeAs[T Payload](raw []byte) (Payload, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Text 把纯文本结果编码为 JSON 字符串。
func Text(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// TextOf 返回结果的可读文本：JSON 字符串去掉引号，其余原样返回。
func TextOf(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Clock 返回帧使用的本地时间字符串。
func Clock(t time.Time) string {
	return t.Format("15:04:05")
}
