package recall

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "AVA-Chain/internal/errors"
)

// searchScanLimit 限制一次检索从索引中取出的候选数。
const searchScanLimit = 500

// RedisConfig 描述 Redis 后端的连接参数。
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Redis 把记录保存为 JSON 信封，并用按时间排序的有序集合做检索索引。
type Redis struct {
	client *redis.Client
	prefix string
}

var _ Store = (*Redis)(nil)

type envelope struct {
	Data      json.RawMessage `json:"data"`
	Metadata  Metadata        `json:"metadata,omitempty"`
	UpdatedAt int64           `json:"updatedAt"`
}

// NewRedis 连接 Redis 并校验可用性。
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodePersistenceFailure, err, "连接 Redis 失败")
	}
	return NewRedisWithClient(client, cfg.Prefix), nil
}

// NewRedisWithClient 使用已有客户端创建存储。
func NewRedisWithClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "recall"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) recordKey(key string) string { return r.prefix + ":" + key }
func (r *Redis) cotKey(key string) string    { return r.prefix + ":cot:" + key }
func (r *Redis) cotMetaKey(key string) string {
	return r.prefix + ":cotmeta:" + key
}
func (r *Redis) indexKey() string { return r.prefix + ":index" }

// Store 写入记录并更新索引。
func (r *Redis) Store(ctx context.Context, key string, value any, meta Metadata) error {
	if err := validKey(key); err != nil {
		return err
	}
	data, err := encodeValue(value)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	blob, err := json.Marshal(envelope{Data: data, Metadata: meta, UpdatedAt: now})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码记录失败")
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.recordKey(key), blob, 0)
		pipe.ZAdd(ctx, r.indexKey(), redis.Z{Score: float64(now), Member: key})
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodePersistenceFailure, err, "Redis 写入记录失败", xerrors.WithMetadata("key", key))
	}
	return nil
}

// Retrieve 读取记录。
func (r *Redis) Retrieve(ctx context.Context, key string) (Record, error) {
	blob, err := r.client.Get(ctx, r.recordKey(key)).Bytes()
	if stdErrors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, xerrors.Wrap(xerrors.CodePersistenceFailure, err, "Redis 读取记录失败", xerrors.WithMetadata("key", key))
	}
	return decodeEnvelope(key, blob)
}

func decodeEnvelope(key string, blob []byte) (Record, error) {
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return Record{}, xerrors.Wrap(xerrors.CodePersistenceFailure, err, "记录格式损坏", xerrors.WithMetadata("key", key))
	}
	return Record{Key: key, Data: env.Data, Metadata: env.Metadata, UpdatedAt: time.UnixMilli(env.UpdatedAt)}, nil
}

// StoreCoT 用 Redis list 保存有序的思考文本。
func (r *Redis) StoreCoT(ctx context.Context, key string, thoughts []string, meta Metadata) error {
	if err := validKey(key); err != nil {
		return err
	}
	metaBlob, err := json.Marshal(envelope{Data: json.RawMessage("null"), Metadata: meta, UpdatedAt: time.Now().UnixMilli()})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码思考链元数据失败")
	}
	values := make([]any, len(thoughts))
	for i, t := range thoughts {
		values[i] = t
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.cotKey(key))
		if len(values) > 0 {
			pipe.RPush(ctx, r.cotKey(key), values...)
		}
		pipe.Set(ctx, r.cotMetaKey(key), metaBlob, 0)
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodePersistenceFailure, err, "Redis 写入思考链失败", xerrors.WithMetadata("key", key))
	}
	return nil
}

// RetrieveCoT 读取思考链。
func (r *Redis) RetrieveCoT(ctx context.Context, key string) (CoT, error) {
	metaBlob, err := r.client.Get(ctx, r.cotMetaKey(key)).Bytes()
	if stdErrors.Is(err, redis.Nil) {
		return CoT{}, ErrNotFound
	}
	if err != nil {
		return CoT{}, xerrors.Wrap(xerrors.CodePersistenceFailure, err, "Redis 读取思考链失败")
	}
	rec, err := decodeEnvelope(key, metaBlob)
	if err != nil {
		return CoT{}, err
	}
	thoughts, err := r.client.LRange(ctx, r.cotKey(key), 0, -1).Result()
	if err != nil {
		return CoT{}, xerrors.Wrap(xerrors.CodePersistenceFailure, err, "Redis 读取思考链失败")
	}
	return CoT{Key: key, Thoughts: thoughts, Metadata: rec.Metadata}, nil
}

// Search 取最近写入的记录作为候选再打分。
func (r *Redis) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	keys, err := r.client.ZRevRange(ctx, r.indexKey(), 0, searchScanLimit-1).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodePersistenceFailure, err, "Redis 读取索引失败")
	}
	if len(keys) == 0 {
		return nil, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.recordKey(k)
	}
	blobs, err := r.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodePersistenceFailure, err, "Redis 批量读取失败")
	}
	candidates := make([]Record, 0, len(blobs))
	for i, raw := range blobs {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		rec, err := decodeEnvelope(keys[i], []byte(s))
		if err != nil {
			continue
		}
		candidates = append(candidates, rec)
	}
	return rank(candidates, query, opts), nil
}

// Close 关闭底层连接。
func (r *Redis) Close() error {
	return r.client.Close()
}
