package recall

import (
	"context"
	"sync"
	"time"
)

// Memory 是进程内实现，用于测试和默认部署。
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
	cots    map[string]CoT
	now     func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory 创建空的内存存储。
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]Record),
		cots:    make(map[string]CoT),
		now:     time.Now,
	}
}

// Store 写入或覆盖一条记录。
func (m *Memory) Store(ctx context.Context, key string, value any, meta Metadata) error {
	if err := validKey(key); err != nil {
		return err
	}
	data, err := encodeValue(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = Record{Key: key, Data: data, Metadata: cloneMeta(meta), UpdatedAt: m.now()}
	return nil
}

// Retrieve 读取记录。
func (m *Memory) Retrieve(ctx context.Context, key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Data = append([]byte(nil), rec.Data...)
	rec.Metadata = cloneMeta(rec.Metadata)
	return rec, nil
}

// StoreCoT 写入思考链。
func (m *Memory) StoreCoT(ctx context.Context, key string, thoughts []string, meta Metadata) error {
	if err := validKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cots[key] = CoT{Key: key, Thoughts: append([]string(nil), thoughts...), Metadata: cloneMeta(meta)}
	return nil
}

// RetrieveCoT 读取思考链。
func (m *Memory) RetrieveCoT(ctx context.Context, key string) (CoT, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cot, ok := m.cots[key]
	if !ok {
		return CoT{}, ErrNotFound
	}
	cot.Thoughts = append([]string(nil), cot.Thoughts...)
	cot.Metadata = cloneMeta(cot.Metadata)
	return cot, nil
}

// Search 在全部记录中检索。
func (m *Memory) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	m.mu.RLock()
	candidates := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		candidates = append(candidates, rec)
	}
	m.mu.RUnlock()
	return rank(candidates, query, opts), nil
}

// Delete 删除记录，仅用于测试模拟数据丢失。
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
}

// Len 返回记录数。
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Close 实现 Store。
func (m *Memory) Close() error { return nil }
