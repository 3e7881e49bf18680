// Package recall 定义持久化存储的访问契约，并提供 memory、redis、mysql 三种实现。
//
// 只有 ErrNotFound 表示“记录不存在”，其余错误均视为暂时性故障，由调用方决定是否重试。
package recall

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strconv"
	"time"

	xerrors "AVA-Chain/internal/errors"
)

// ErrNotFound 表示键不存在。
var ErrNotFound = xerrors.New(xerrors.CodeRecordNotFound, "record not found")

// IsNotFound 判断错误是否为记录不存在。
func IsNotFound(err error) bool {
	return err != nil && stdErrors.Is(err, ErrNotFound)
}

// Metadata 是随记录保存的附加信息。
type Metadata map[string]any

// Record 是一条键值记录。
type Record struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	Metadata  Metadata        `json:"metadata,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Decode 把记录数据解码到 v。
func (r Record) Decode(v any) error {
	return json.Unmarshal(r.Data, v)
}

// CoT 是有序的思考文本列表。
type CoT struct {
	Key      string   `json:"key"`
	Thoughts []string `json:"thoughts"`
	Metadata Metadata `json:"metadata,omitempty"`
}

// SearchOptions 控制检索结果。Filter 中的每一项都必须与元数据相等。
type SearchOptions struct {
	Limit  int
	Filter map[string]any
}

// SearchResult 是带得分的检索结果。
type SearchResult struct {
	Record
	Score float64 `json:"score"`
}

// Store 是持久化存储的访问契约。
type Store interface {
	Store(ctx context.Context, key string, value any, meta Metadata) error
	Retrieve(ctx context.Context, key string) (Record, error)
	StoreCoT(ctx context.Context, key string, thoughts []string, meta Metadata) error
	RetrieveCoT(ctx context.Context, key string) (CoT, error)
	Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error)
	Close() error
}

// TaskKey 返回任务快照的键。
func TaskKey(id string) string { return "task:" + id }

// AssignmentKey 返回任务派发记录的键。
func AssignmentKey(id string) string { return "assignment:" + id }

// ObservationKey 返回 observer 结果记录的键。
func ObservationKey(id string) string { return "observation:" + id }

// ExecutionKey 返回 executor 等角色结果记录的键。
func ExecutionKey(id string) string { return "execution:" + id }

// ThoughtKey 返回思考链记录的键。
func ThoughtKey(t time.Time) string { return "thought:" + strconv.FormatInt(t.UnixMilli(), 10) }

// ResponseKey 返回代理回复情报的键。
func ResponseKey(t time.Time) string { return "response:" + strconv.FormatInt(t.UnixMilli(), 10) }

// IntelligenceMeta 返回情报类记录的标准元数据。
func IntelligenceMeta(agent string, now time.Time) Metadata {
	return Metadata{
		"agent":     agent,
		"type":      "intelligence",
		"timestamp": now.UnixMilli(),
		"overwrite": true,
	}
}

func encodeValue(value any) (json.RawMessage, error) {
	switch v := value.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "记录数据不是合法 JSON")
		}
		return append(json.RawMessage(nil), v...), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码记录失败")
		}
		return b, nil
	}
}

func cloneMeta(m Metadata) Metadata {
	if len(m) == 0 {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func validKey(key string) error {
	if key == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录键不能为空")
	}
	return nil
}
