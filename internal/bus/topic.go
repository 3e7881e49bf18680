package bus

import (
	"sort"
	"strings"
)

// Role 是经由事件总线寻址的代理角色名。
type Role string

const (
	RoleTaskManager Role = "task-manager"
	RoleObserver    Role = "observer"
	RoleExecutor    Role = "executor"
	RoleCDP         Role = "cdp"
)

// Topic 标识事件类别，取值属于进程启动时确定的封闭集合。
type Topic string

const (
	TopicTaskUpdate    Topic = "task-update"
	TopicAgentAction   Topic = "agent-action"
	TopicAgentResponse Topic = "agent-response"
	TopicAgentError    Topic = "agent-error"
	TopicCommand       Topic = "command"
)

// AssignTopic 返回 task-manager 向角色派发任务的主题，形如 task-manager-<role>。
func AssignTopic(r Role) Topic {
	return Topic(string(RoleTaskManager) + "-" + string(r))
}

// ResultTopic 返回角色向 task-manager 回报结果的主题，形如 <role>-task-manager。
func ResultTopic(r Role) Topic {
	return Topic(string(r) + "-" + string(RoleTaskManager))
}

// NormalizeRole 把配置里的角色名统一为小写，避免 cdpAgent/cdpagent 之类的分叉。
func NormalizeRole(name string) Role {
	return Role(strings.ToLower(strings.TrimSpace(name)))
}

// staticTopics 与角色无关的主题及其载荷类型。
var staticTopics = map[Topic]Kind{
	TopicTaskUpdate:    KindTaskUpdate,
	TopicAgentAction:   KindAgentAction,
	TopicAgentResponse: KindAgentResponse,
	TopicAgentError:    KindAgentError,
	TopicCommand:       KindCommand,
}

// buildTopics 根据角色列表生成完整的主题表。
func buildTopics(roles []Role) map[Topic]Kind {
	table := make(map[Topic]Kind, len(staticTopics)+2*len(roles))
	for t, k := range staticTopics {
		table[t] = k
	}
	for _, r := range roles {
		table[AssignTopic(r)] = KindAssignment
		table[ResultTopic(r)] = KindResult
	}
	return table
}

func sortedTopics(table map[Topic]Kind) []Topic {
	out := make([]Topic, 0, len(table))
	for t := range table {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
