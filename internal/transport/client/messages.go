package client

import (
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	xerrors "AVA-Chain/internal/errors"
)

// MessageType 是聊天帧的类型。
const MessageType = "agent-message"

const defaultLogCapacity = 1024

// Message 是一条聊天帧。
type Message struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	AgentName string `json:"agentName"`
}

type messageKey struct {
	timestamp string
	content   string
	agentName string
}

// MessageLog 按 (timestamp, content, agentName) 去重并保留首次出现的顺序。
// 去重键集合与消息列表都以 capacity 为上限，超出后淘汰最早的条目。
type MessageLog struct {
	id       string
	mu       sync.Mutex
	seen     *lru.Cache[messageKey, struct{}]
	messages []Message
	capacity int
}

// NewMessageLog 创建消息记录，capacity<=0 时使用默认容量。
func NewMessageLog(capacity int) (*MessageLog, error) {
	if capacity <= 0 {
		capacity = defaultLogCapacity
	}
	seen, err := lru.New[messageKey, struct{}](capacity)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "创建去重缓存失败")
	}
	return &MessageLog{id: "message-log-" + uuid.NewString(), seen: seen, capacity: capacity}, nil
}

// Add 记录消息，重复消息返回 false。
func (l *MessageLog) Add(m Message) bool {
	key := messageKey{timestamp: m.Timestamp, content: m.Content, agentName: m.AgentName}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen.Contains(key) {
		return false
	}
	l.seen.Add(key, struct{}{})
	l.messages = append(l.messages, m)
	if over := len(l.messages) - l.capacity; over > 0 {
		l.messages = append([]Message(nil), l.messages[over:]...)
	}
	return true
}

// Messages 返回消息副本。
func (l *MessageLog) Messages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.messages...)
}

// Len 返回记录的消息数。
func (l *MessageLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}

// Attach 订阅客户端的聊天帧，onNew 在新消息入库后调用，可以为 nil。
// 每个 MessageLog 使用自己的订阅 ID，同一客户端上可以挂多个记录。
func (l *MessageLog) Attach(c *Client, onNew func(Message)) (Subscription, error) {
	return c.Subscribe(MessageType, l.id, func(f Frame) {
		var m Message
		if err := f.Decode(&m); err != nil {
			return
		}
		if l.Add(m) && onNew != nil {
			onNew(m)
		}
	})
}
