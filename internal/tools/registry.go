// Package tools 将对外暴露的工具名映射到链上查询、价格查询与订阅能力。
//
// 每个工具接收 JSON 参数并返回可序列化的结果。上游调用统一经过 Guard：
// 先查缓存，未命中时申请限流配额，再在重试循环内经过熔断器。
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	xerrors "ChainMCP/internal/errors"
	"ChainMCP/pkg/logger"
)

// Handler 执行一次工具调用。
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Tool 是一个具名工具。
type Tool struct {
	Name        string
	Description string
	Handler     Handler
}

// Descriptor 是工具的公开描述。
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Registry 保存所有已注册的工具，启动后只读。
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *slog.Logger
}

// NewRegistry 创建空的工具注册表。
func NewRegistry() *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger.Named("tools"),
	}
}

// Register 注册工具，重名时返回错误。
func (r *Registry) Register(tool Tool) error {
	if tool.Name == "" || tool.Handler == nil {
		return fmt.Errorf("工具名称与处理函数不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("工具 %s 已注册", tool.Name)
	}
	r.tools[tool.Name] = tool
	return nil
}

// List 按名称排序返回所有工具。
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Descriptor{Name: t.Name, Description: t.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call 执行指定工具。返回的错误总是分类错误。
func (r *Registry) Call(ctx context.Context, name string, params json.RawMessage) (any, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.KindNotFound, fmt.Sprintf("未知工具 %s", name),
			xerrors.WithMetadata("tool", name))
	}

	started := time.Now()
	result, err := tool.Handler(ctx, params)
	if err != nil {
		classified := xerrors.Classify(err).Annotate(map[string]string{"tool": name})
		r.logger.Warn("工具调用失败",
			slog.String("tool", name),
			slog.String("kind", string(classified.Kind())),
			slog.Duration("elapsed", time.Since(started)),
			slog.Any("error", err))
		return nil, classified
	}
	r.logger.Debug("工具调用完成", slog.String("tool", name), slog.Duration("elapsed", time.Since(started)))
	return result, nil
}

// decodeParams 严格解析参数，未知字段视为调用方错误。空参数保持零值。
func decodeParams(raw json.RawMessage, dst any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.KindValidation, err, "参数解析失败: "+err.Error())
	}
	return nil
}
