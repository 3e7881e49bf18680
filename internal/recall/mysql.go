package recall

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "AVA-Chain/internal/errors"
)

const (
	kindRecord = "record"
	kindCoT    = "cot"
)

// MySQL 把记录保存在 recall_records 表中，数据与元数据均为 JSON 列。
type MySQL struct {
	db *sql.DB
}

var _ Store = (*MySQL)(nil)

// NewMySQL 创建 MySQL 存储并初始化表结构。
func NewMySQL(ctx context.Context, dsn string, maxOpenConns int) (*MySQL, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "解析 MySQL DSN 失败")
	}
	cfg.ParseTime = true
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "创建 MySQL 连接器失败")
	}
	db := sql.OpenDB(connector)
	if maxOpenConns <= 0 {
		maxOpenConns = 10
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns / 2)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodePersistenceFailure, err, "无法连接到 MySQL")
	}
	store, err := newMySQLWithDB(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func newMySQLWithDB(ctx context.Context, db *sql.DB) (*MySQL, error) {
	s := &MySQL{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

const schemaSQL = `CREATE TABLE IF NOT EXISTS recall_records (
        record_key VARCHAR(191) NOT NULL,
        kind VARCHAR(16) NOT NULL,
        data JSON NOT NULL,
        metadata JSON NULL,
        updated_at BIGINT NOT NULL,
        PRIMARY KEY (record_key, kind),
        INDEX idx_recall_updated (updated_at)
)`

const upsertSQL = `INSERT INTO recall_records (record_key, kind, data, metadata, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE data = VALUES(data), metadata = VALUES(metadata), updated_at = VALUES(updated_at)`

const selectSQL = `SELECT data, metadata, updated_at FROM recall_records WHERE record_key = ? AND kind = ?`

const searchSQL = `SELECT record_key, data, metadata, updated_at FROM recall_records
        WHERE kind = ? AND (record_key LIKE ? OR CAST(data AS CHAR) LIKE ?)
        ORDER BY updated_at DESC LIMIT ?`

func (s *MySQL) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return xerrors.Wrap(xerrors.CodePersistenceFailure, err, "初始化 recall_records 表失败")
	}
	return nil
}

func (s *MySQL) upsert(ctx context.Context, key, kind string, data json.RawMessage, meta Metadata) error {
	var metaValue any
	if len(meta) > 0 {
		b, err := json.Marshal(meta)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码元数据失败")
		}
		metaValue = string(b)
	}
	_, err := s.db.ExecContext(ctx, upsertSQL, key, kind, string(data), metaValue, time.Now().UnixMilli())
	if err != nil {
		return xerrors.Wrap(xerrors.CodePersistenceFailure, err, "MySQL 写入记录失败", xerrors.WithMetadata("key", key))
	}
	return nil
}

func (s *MySQL) load(ctx context.Context, key, kind string) (Record, error) {
	var (
		data, meta []byte
		updated    int64
	)
	err := s.db.QueryRowContext(ctx, selectSQL, key, kind).Scan(&data, &meta, &updated)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, xerrors.Wrap(xerrors.CodePersistenceFailure, err, "MySQL 读取记录失败", xerrors.WithMetadata("key", key))
	}
	return buildRecord(key, data, meta, updated)
}

func buildRecord(key string, data, meta []byte, updated int64) (Record, error) {
	rec := Record{Key: key, Data: json.RawMessage(data), UpdatedAt: time.UnixMilli(updated)}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return Record{}, xerrors.Wrap(xerrors.CodePersistenceFailure, err, "元数据格式损坏", xerrors.WithMetadata("key", key))
		}
	}
	return rec, nil
}

// Store 写入或覆盖记录。
func (s *MySQL) Store(ctx context.Context, key string, value any, meta Metadata) error {
	if err := validKey(key); err != nil {
		return err
	}
	data, err := encodeValue(value)
	if err != nil {
		return err
	}
	return s.upsert(ctx, key, kindRecord, data, meta)
}

// Retrieve 读取记录。
func (s *MySQL) Retrieve(ctx context.Context, key string) (Record, error) {
	return s.load(ctx, key, kindRecord)
}

// StoreCoT 以 JSON 数组保存思考链。
func (s *MySQL) StoreCoT(ctx context.Context, key string, thoughts []string, meta Metadata) error {
	if err := validKey(key); err != nil {
		return err
	}
	if thoughts == nil {
		thoughts = []string{}
	}
	data, err := json.Marshal(thoughts)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码思考链失败")
	}
	return s.upsert(ctx, key, kindCoT, data, meta)
}

// RetrieveCoT 读取思考链。
func (s *MySQL) RetrieveCoT(ctx context.Context, key string) (CoT, error) {
	rec, err := s.load(ctx, key, kindCoT)
	if err != nil {
		return CoT{}, err
	}
	var thoughts []string
	if err := rec.Decode(&thoughts); err != nil {
		return CoT{}, xerrors.Wrap(xerrors.CodePersistenceFailure, err, "思考链格式损坏")
	}
	return CoT{Key: key, Thoughts: thoughts, Metadata: rec.Metadata}, nil
}

// Search 用 LIKE 粗筛候选后在内存中打分。
func (s *MySQL) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	pattern := "%"
	if terms := strings.Fields(query); len(terms) > 0 {
		pattern = "%" + escapeLike(terms[0]) + "%"
	}
	rows, err := s.db.QueryContext(ctx, searchSQL, kindRecord, pattern, pattern, searchScanLimit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodePersistenceFailure, err, "MySQL 检索失败")
	}
	defer rows.Close()

	var candidates []Record
	for rows.Next() {
		var (
			key        string
			data, meta []byte
			updated    int64
		)
		if err := rows.Scan(&key, &data, &meta, &updated); err != nil {
			return nil, xerrors.Wrap(xerrors.CodePersistenceFailure, err, "MySQL 读取检索结果失败")
		}
		rec, err := buildRecord(key, data, meta, updated)
		if err != nil {
			continue
		}
		candidates = append(candidates, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodePersistenceFailure, err, "MySQL 读取检索结果失败")
	}
	return rank(candidates, query, opts), nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// Close 关闭连接池。
func (s *MySQL) Close() error {
	return s.db.Close()
}
