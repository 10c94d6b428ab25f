package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	xerrors "ChainMCP/internal/errors"
	"ChainMCP/internal/observability/alerting"

	"github.com/go-sql-driver/mysql"
)

const (
	defaultCapacity  = 512
	defaultListLimit = 20
)

// AlertQuery 过滤告警历史。Type 为空表示不过滤。
type AlertQuery struct {
	Type  alerting.Type
	Limit int
}

// AlertRepository 抽象告警历史的持久化接口。
type AlertRepository interface {
	SaveAlert(ctx context.Context, event alerting.Event) error
	ListRecent(ctx context.Context, query AlertQuery) ([]alerting.Event, error)
	Close() error
}

// MemoryAlertRepository 在内存中保留最近的告警，并以 JSON Lines 追加写入文件，重启后恢复。
type MemoryAlertRepository struct {
	mu       sync.RWMutex
	dataFile string
	capacity int
	events   []alerting.Event
	// lines 是数据文件当前的行数，超过容量两倍时重写文件。
	lines int
}

// NewMemoryAlertRepository 创建文件型告警仓库。path 为空时只保存在内存中。
func NewMemoryAlertRepository(path string, capacity int) (*MemoryAlertRepository, error) {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	repo := &MemoryAlertRepository{dataFile: path, capacity: capacity}
	if path == "" {
		return repo, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// SaveAlert 追加一条告警，超出容量时淘汰最旧的记录。
func (m *MemoryAlertRepository) SaveAlert(_ context.Context, event alerting.Event) error {
	if strings.TrimSpace(event.ID) == "" {
		return xerrors.New(xerrors.KindValidation, "告警 ID 不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dataFile != "" {
		file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("打开告警日志失败: %w", err)
		}
		defer file.Close()

		encoded, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("序列化告警失败: %w", err)
		}
		if _, err := file.Write(append(encoded, '\n')); err != nil {
			return fmt.Errorf("写入告警日志失败: %w", err)
		}
		m.lines++
	}

	m.events = append([]alerting.Event{event}, m.events...)
	if len(m.events) > m.capacity {
		m.events = m.events[:m.capacity]
	}
	if m.dataFile != "" && m.lines > 2*m.capacity {
		return m.compact()
	}
	return nil
}

// compact 用内存中保留的告警重写数据文件。调用方需持有写锁。
func (m *MemoryAlertRepository) compact() error {
	tmp, err := os.CreateTemp(filepath.Dir(m.dataFile), ".alerts-*.jsonl")
	if err != nil {
		return fmt.Errorf("创建告警日志临时文件失败: %w", err)
	}
	defer os.Remove(tmp.Name())

	writer := bufio.NewWriter(tmp)
	for i := len(m.events) - 1; i >= 0; i-- {
		encoded, err := json.Marshal(m.events[i])
		if err != nil {
			tmp.Close()
			return fmt.Errorf("序列化告警失败: %w", err)
		}
		writer.Write(encoded)
		writer.WriteByte('\n')
	}
	if err := writer.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("重写告警日志失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("重写告警日志失败: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.dataFile); err != nil {
		return fmt.Errorf("替换告警日志失败: %w", err)
	}
	m.lines = len(m.events)
	return nil
}

// ListRecent 按时间倒序返回最近的告警。
func (m *MemoryAlertRepository) ListRecent(_ context.Context, query AlertQuery) ([]alerting.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := query.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	results := make([]alerting.Event, 0, min(limit, len(m.events)))
	for _, ev := range m.events {
		if len(results) == limit {
			break
		}
		if query.Type != "" && ev.Type != query.Type {
			continue
		}
		results = append(results, ev)
	}
	return results, nil
}

// Close 无需释放资源。
func (m *MemoryAlertRepository) Close() error { return nil }

func (m *MemoryAlertRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取告警日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var restored []alerting.Event
	for scanner.Scan() {
		m.lines++
		var ev alerting.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		restored = append(restored, ev)
		if len(restored) > m.capacity {
			restored = restored[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析告警日志失败: %w", err)
	}

	m.events = make([]alerting.Event, len(restored))
	for i, ev := range restored {
		m.events[len(restored)-1-i] = ev
	}
	if m.lines > m.capacity {
		return m.compact()
	}
	return nil
}

// SQLAlertRepository 使用 MySQL 存储告警历史。
type SQLAlertRepository struct {
	db *sql.DB
}

// NewSQLAlertRepository 建立连接池并执行迁移。
func NewSQLAlertRepository(ctx context.Context, cfg Config) (*SQLAlertRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindUpstreamUnavailable, err, "打开告警数据库失败")
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLAlertRepository{db: db}, nil
}

const insertAlertSQL = `INSERT INTO alerts
        (id, type, severity, message, asset, price, previous_price, change_percent, amount_usd, tx_hash, metadata, occurred_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectAlertColumns = `SELECT id, type, severity, message, asset, price, previous_price, change_percent, amount_usd, tx_hash, metadata, occurred_at
        FROM alerts`

// SaveAlert 写入一条告警。重复投递的同一 ID 视为成功。
func (s *SQLAlertRepository) SaveAlert(ctx context.Context, event alerting.Event) error {
	if strings.TrimSpace(event.ID) == "" {
		return xerrors.New(xerrors.KindValidation, "告警 ID 不能为空")
	}
	metadata, err := marshalMetadata(event.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.KindValidation, err, "编码告警 metadata 失败")
	}

	_, err = s.db.ExecContext(ctx, insertAlertSQL,
		event.ID,
		string(event.Type),
		string(event.Severity),
		event.Message,
		event.Asset,
		event.Price,
		event.PreviousPrice,
		event.ChangePercent,
		event.AmountUSD,
		event.TxHash,
		metadata,
		event.OccurredAt.UnixMilli(),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return xerrors.Classify(fmt.Errorf("写入告警失败: %w", err))
	}
	return nil
}

// ListRecent 查询最近的告警，按发生时间倒序。
func (s *SQLAlertRepository) ListRecent(ctx context.Context, query AlertQuery) ([]alerting.Event, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var (
		rows *sql.Rows
		err  error
	)
	if query.Type != "" {
		rows, err = s.db.QueryContext(ctx, selectAlertColumns+` WHERE type = ? ORDER BY occurred_at DESC, id DESC LIMIT ?`, string(query.Type), limit)
	} else {
		rows, err = s.db.QueryContext(ctx, selectAlertColumns+` ORDER BY occurred_at DESC, id DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, xerrors.Classify(fmt.Errorf("查询告警失败: %w", err))
	}
	defer rows.Close()

	var events []alerting.Event
	for rows.Next() {
		var (
			ev         alerting.Event
			typ        string
			severity   string
			metadata   sql.NullString
			occurredAt int64
		)
		if err := rows.Scan(&ev.ID, &typ, &severity, &ev.Message, &ev.Asset, &ev.Price, &ev.PreviousPrice,
			&ev.ChangePercent, &ev.AmountUSD, &ev.TxHash, &metadata, &occurredAt); err != nil {
			return nil, fmt.Errorf("解析告警记录失败: %w", err)
		}
		ev.Type = alerting.Type(typ)
		ev.Severity = xerrors.Severity(severity)
		ev.OccurredAt = time.UnixMilli(occurredAt).UTC()
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &ev.Metadata); err != nil {
				return nil, fmt.Errorf("解析告警 metadata 失败: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历告警记录失败: %w", err)
	}
	return events, nil
}

// Close 关闭底层数据库连接。
func (s *SQLAlertRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func marshalMetadata(values map[string]string) (sql.NullString, error) {
	if len(values) == 0 {
		return sql.NullString{}, nil
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

var (
	_ AlertRepository = (*MemoryAlertRepository)(nil)
	_ AlertRepository = (*SQLAlertRepository)(nil)
)
