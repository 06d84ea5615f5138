package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/zhouchongyu/work-assistant-sub001/internal/model"

	"gorm.io/gorm"
)

// Kind 标识被版本管理的实体类型。
type Kind string

const (
	KindDemand Kind = "demand"
	KindSupply Kind = "supply"
)

var (
	// ErrConflict 表示 CAS 前置版本已失效，调用方需要重读后重试。
	ErrConflict = errors.New("version conflict")
	// ErrNotFound 表示实体不存在或已被软删除。
	ErrNotFound = errors.New("entity not found")
)

// DefaultAttempts 是回调侧合并的默认重试上限。
const DefaultAttempts = 3

// Ledger 是 Demand/Supply 的版本账本。
// 所有对版本化实体的写入都必须经过 Bump 的 compare-and-swap，
// 并发写者会退化成重试而不是互相覆盖。
type Ledger struct {
	db *gorm.DB
}

// New 创建账本。
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// CurrentVersion 读取实体当前版本。
func (l *Ledger) CurrentVersion(ctx context.Context, kind Kind, id uint) (int, error) {
	var version int
	err := l.db.WithContext(ctx).
		Model(kind.target()).
		Where("id = ? AND active = ?", id, true).
		Pluck("version", &version).Error
	if err != nil {
		return 0, fmt.Errorf("read %s %d version: %w", kind, id, err)
	}
	if version == 0 {
		return 0, ErrNotFound
	}
	return version, nil
}

// Bump 以 expected 为前置条件写入 updates 并把版本推进到 expected+1。
// 版本不匹配时返回 ErrConflict，一行都不会被修改。
func (l *Ledger) Bump(ctx context.Context, kind Kind, id uint, expected int, updates map[string]any) (int, error) {
	next := expected + 1
	values := make(map[string]any, len(updates)+1)
	for k, v := range updates {
		values[k] = v
	}
	values["version"] = next

	tx := l.db.WithContext(ctx).
		Model(kind.target()).
		Where("id = ? AND version = ? AND active = ?", id, expected, true).
		Updates(values)
	if tx.Error != nil {
		return 0, fmt.Errorf("bump %s %d: %w", kind, id, tx.Error)
	}
	if tx.RowsAffected == 0 {
		if _, err := l.CurrentVersion(ctx, kind, id); err != nil {
			return 0, err
		}
		return 0, ErrConflict
	}
	return next, nil
}

// Apply 执行有界重试的读-改-写：每轮读取当前版本，由 mutate 基于
// 该版本给出字段变更，再走 Bump。mutate 返回 nil 表示无需写入。
func (l *Ledger) Apply(ctx context.Context, kind Kind, id uint, attempts int, mutate func(version int) (map[string]any, error)) (int, error) {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		version, err := l.CurrentVersion(ctx, kind, id)
		if err != nil {
			return 0, err
		}

		updates, err := mutate(version)
		if err != nil {
			return 0, err
		}
		if updates == nil {
			return version, nil
		}

		next, err := l.Bump(ctx, kind, id, version, updates)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrConflict) {
			return 0, err
		}
		lastErr = err
	}
	return 0, fmt.Errorf("apply %s %d after %d attempts: %w", kind, id, attempts, lastErr)
}

func (k Kind) target() any {
	if k == KindSupply {
		return &model.Supply{}
	}
	return &model.Demand{}
}
