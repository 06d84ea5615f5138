package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zhouchongyu/work-assistant-sub001/internal/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store 封装业务库访问：需求/简历实体、原始回调审计、匹配结果、
// 案件、通知与任务日志。核心部件不在 Store 之外缓存实体状态。
type Store struct {
	db *gorm.DB
}

// NoticeQuery 描述通知筛选条件。
type NoticeQuery struct {
	ReceiverID uint
	UnreadOnly bool
	Limit      int
}

// TaskLogQuery 描述任务日志筛选条件。
type TaskLogQuery struct {
	TaskID string
	Limit  int
}

// NewStore 创建 Store 并自动迁移数据表。
func NewStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.AutoMigrate(
		&model.Demand{},
		&model.Supply{},
		&model.SupplyAI{},
		&model.LlmData{},
		&model.MatchResult{},
		&model.Case{},
		&model.CaseStatus{},
		&model.Notice{},
		&model.TaskLog{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate models: %w", err)
	}

	return &Store{db: db}, nil
}

// DB 暴露底层连接，供版本账本复用同一个库。
func (s *Store) DB() *gorm.DB { return s.db }

// Close 关闭底层数据库连接。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql DB: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close db: %w", err)
	}
	return nil
}

// ---- 实体读写 ----

// CreateDemand 新增需求。
func (s *Store) CreateDemand(ctx context.Context, d *model.Demand) error {
	if err := s.db.WithContext(ctx).Create(d).Error; err != nil {
		return fmt.Errorf("create demand: %w", err)
	}
	return nil
}

// CreateSupply 新增简历。
func (s *Store) CreateSupply(ctx context.Context, sp *model.Supply) error {
	if err := s.db.WithContext(ctx).Create(sp).Error; err != nil {
		return fmt.Errorf("create supply: %w", err)
	}
	return nil
}

// GetDemand 按 ID 读取未删除的需求。
func (s *Store) GetDemand(ctx context.Context, id uint) (*model.Demand, error) {
	var d model.Demand
	if err := s.db.WithContext(ctx).First(&d, "id = ? AND active = ?", id, true).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get demand: %w", err)
	}
	return &d, nil
}

// GetSupply 按 ID 读取未删除的简历。
func (s *Store) GetSupply(ctx context.Context, id uint) (*model.Supply, error) {
	var sp model.Supply
	if err := s.db.WithContext(ctx).First(&sp, "id = ? AND active = ?", id, true).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get supply: %w", err)
	}
	return &sp, nil
}

// GetSupplyAI 读取简历的 AI 结构化数据，不存在时返回 nil。
func (s *Store) GetSupplyAI(ctx context.Context, supplyID uint) (*model.SupplyAI, error) {
	var ai model.SupplyAI
	err := s.db.WithContext(ctx).First(&ai, "supply_id = ?", supplyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get supply ai: %w", err)
	}
	return &ai, nil
}

// SaveSupplyAI 覆盖写简历 AI 数据，每份简历最多一行。
func (s *Store) SaveSupplyAI(ctx context.Context, ai *model.SupplyAI) error {
	tx := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "supply_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"basic",
			"work_experience",
			"x_raw", "y_raw", "z_raw",
			"x_data", "y_data", "z_data",
			"updated_at",
		}),
	}).Create(ai)
	if tx.Error != nil {
		return fmt.Errorf("save supply ai: %w", tx.Error)
	}
	return nil
}

// SetDemandHaveMatch 标记需求已产生匹配。不经过版本账本：
// 该标记是匹配流水线的投影，不代表需求内容变更。
func (s *Store) SetDemandHaveMatch(ctx context.Context, demandID uint, have bool) error {
	tx := s.db.WithContext(ctx).Model(&model.Demand{}).
		Where("id = ?", demandID).
		Update("have_match", have)
	if tx.Error != nil {
		return fmt.Errorf("set have_match: %w", tx.Error)
	}
	return nil
}

// ---- 原始回调审计 ----

// AppendLlmData 追加一条不可变审计记录。
func (s *Store) AppendLlmData(ctx context.Context, raw *model.LlmData) error {
	if err := s.db.WithContext(ctx).Create(raw).Error; err != nil {
		return fmt.Errorf("append llm data: %w", err)
	}
	return nil
}

// HasLlmEvent 按去重键 (实体, event_type, third_id) 判断事件是否已落库。
func (s *Store) HasLlmEvent(ctx context.Context, demandID, supplyID *uint, eventType string, thirdID int64) (bool, error) {
	query := s.db.WithContext(ctx).Model(&model.LlmData{}).
		Where("event_type = ? AND third_id = ?", eventType, thirdID)
	if demandID != nil {
		query = query.Where("demand_id = ?", *demandID)
	}
	if supplyID != nil {
		query = query.Where("supply_id = ?", *supplyID)
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return false, fmt.Errorf("count llm events: %w", err)
	}
	return count > 0, nil
}

// GetLlmData 按 ID 读取审计记录，用于人工回放。
func (s *Store) GetLlmData(ctx context.Context, id uint) (*model.LlmData, error) {
	var raw model.LlmData
	if err := s.db.WithContext(ctx).First(&raw, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get llm data: %w", err)
	}
	return &raw, nil
}

// ---- 匹配结果 ----

// UpsertMatchResult 按 (demand_id, supply_id) 覆盖写匹配结果。
// 版本戳只允许前进，守卫写在 upsert 自身的条件里：
// 调解器与匹配工作协程并发写同一配对时，旧版本戳不可能盖过新版本戳。
// 写入被守卫拦下时返回 false。
func (s *Store) UpsertMatchResult(ctx context.Context, res *model.MatchResult) (bool, error) {
	tx := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "demand_id"}, {Name: "supply_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"score", "warning_msg", "years_data", "demand_role",
			"demand_version", "supply_version",
			"reject_type", "reject_reason", "updated_at",
		}),
		Where: clause.Where{Exprs: []clause.Expression{clause.Expr{
			SQL: "match_results.demand_version <= excluded.demand_version AND match_results.supply_version <= excluded.supply_version",
		}}},
	}).Create(res)
	if tx.Error != nil {
		return false, fmt.Errorf("upsert match result: %w", tx.Error)
	}
	return tx.RowsAffected > 0, nil
}

// ListMatchResults 返回某需求的全部匹配结果，按得分倒序。
func (s *Store) ListMatchResults(ctx context.Context, demandID uint) ([]model.MatchResult, error) {
	var rows []model.MatchResult
	if err := s.db.WithContext(ctx).
		Where("demand_id = ?", demandID).
		Order("score DESC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list match results: %w", err)
	}
	return rows, nil
}

// ListMatchDemandIDsBySupply 返回与某简历存在匹配结果的需求 ID。
func (s *Store) ListMatchDemandIDsBySupply(ctx context.Context, supplyID uint) ([]uint, error) {
	var ids []uint
	if err := s.db.WithContext(ctx).Model(&model.MatchResult{}).
		Distinct("demand_id").
		Where("supply_id = ?", supplyID).
		Pluck("demand_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list demand ids by supply: %w", err)
	}
	return ids, nil
}

// ListCandidateSupplyIDs 返回可参与匹配的简历 ID（未删除且解析完成）。
func (s *Store) ListCandidateSupplyIDs(ctx context.Context) ([]uint, error) {
	var ids []uint
	if err := s.db.WithContext(ctx).Model(&model.Supply{}).
		Where("active = ? AND analysis_status = ?", true, model.AnalysisDone).
		Order("id ASC").
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list candidate supplies: %w", err)
	}
	return ids, nil
}

// ListRematchDemandIDs 返回需要（重新）匹配的需求：解析完成但尚未匹配，
// 或已有匹配结果的版本戳落后于需求或简历的当前版本。
// 简历侧单独查一遍：CRUD 路径改简历只推 supply 版本，没有回调兜底。
func (s *Store) ListRematchDemandIDs(ctx context.Context, limit int) ([]uint, error) {
	if limit <= 0 {
		limit = 50
	}

	var fresh []uint
	if err := s.db.WithContext(ctx).Model(&model.Demand{}).
		Where("active = ? AND analysis_status = ? AND have_match = ?", true, model.AnalysisDone, false).
		Limit(limit).
		Pluck("id", &fresh).Error; err != nil {
		return nil, fmt.Errorf("list unmatched demands: %w", err)
	}

	var stale []uint
	if err := s.db.WithContext(ctx).Model(&model.MatchResult{}).
		Distinct("match_results.demand_id").
		Joins("JOIN demands ON demands.id = match_results.demand_id").
		Where("demands.active = ? AND demands.analysis_status = ?", true, model.AnalysisDone).
		Where("match_results.demand_version <> demands.version").
		Limit(limit).
		Pluck("match_results.demand_id", &stale).Error; err != nil {
		return nil, fmt.Errorf("list stale demands: %w", err)
	}

	var supplyStale []uint
	if err := s.db.WithContext(ctx).Model(&model.MatchResult{}).
		Distinct("match_results.demand_id").
		Joins("JOIN demands ON demands.id = match_results.demand_id").
		Joins("JOIN supplies ON supplies.id = match_results.supply_id").
		Where("demands.active = ? AND demands.analysis_status = ?", true, model.AnalysisDone).
		Where("match_results.supply_version <> supplies.version").
		Limit(limit).
		Pluck("match_results.demand_id", &supplyStale).Error; err != nil {
		return nil, fmt.Errorf("list supply-stale demands: %w", err)
	}

	seen := make(map[uint]struct{}, len(fresh)+len(stale)+len(supplyStale))
	ids := make([]uint, 0, len(fresh)+len(stale)+len(supplyStale))
	for _, id := range append(append(fresh, stale...), supplyStale...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

// ---- 案件 ----

// CreateCaseIfAbsent 为配对建案，已存在同需求同简历的活跃案件时跳过。
func (s *Store) CreateCaseIfAbsent(ctx context.Context, c *model.Case) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.Case{}).
		Where("demand_id = ? AND supply_id = ? AND active = ?", c.DemandID, c.SupplyID, true).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("count cases: %w", err)
	}
	if count > 0 {
		return false, nil
	}
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return false, fmt.Errorf("create case: %w", err)
	}
	return true, nil
}

// AppendCaseStatus 追加案件状态历史，层级取自状态表。
func (s *Store) AppendCaseStatus(ctx context.Context, caseID uint, status, remark string) error {
	entry := model.CaseStatus{
		CaseID: caseID,
		Status: status,
		Level:  model.CaseStatusLevel(status),
		Remark: remark,
		Active: true,
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("append case status: %w", err)
	}
	return nil
}

// ListCaseStatuses 返回案件状态历史，层级相同的按时间排序。
func (s *Store) ListCaseStatuses(ctx context.Context, caseID uint) ([]model.CaseStatus, error) {
	var rows []model.CaseStatus
	if err := s.db.WithContext(ctx).
		Where("case_id = ?", caseID).
		Order("level ASC, created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list case statuses: %w", err)
	}
	return rows, nil
}

// ---- 通知与任务日志 ----

// CreateNotice 落库一条通知。
func (s *Store) CreateNotice(ctx context.Context, n *model.Notice) error {
	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("create notice: %w", err)
	}
	return nil
}

// ListNotices 返回某接收者的通知，按创建时间倒序。
func (s *Store) ListNotices(ctx context.Context, q NoticeQuery) ([]model.Notice, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	query := s.db.WithContext(ctx).
		Where("receiver_id = ?", q.ReceiverID).
		Order("created_at DESC").
		Limit(limit)
	if q.UnreadOnly {
		query = query.Where("is_read = ?", false)
	}
	var rows []model.Notice
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list notices: %w", err)
	}
	return rows, nil
}

// MarkNoticeRead 标记通知已读。
func (s *Store) MarkNoticeRead(ctx context.Context, id uint) error {
	tx := s.db.WithContext(ctx).Model(&model.Notice{}).
		Where("id = ?", id).
		Update("is_read", true)
	if tx.Error != nil {
		return fmt.Errorf("mark notice read: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("mark notice read: id %d not found", id)
	}
	return nil
}

// AppendTaskLog 追加任务执行日志。
func (s *Store) AppendTaskLog(ctx context.Context, entry *model.TaskLog) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("append task log: %w", err)
	}
	return nil
}

// ListTaskLogs 返回任务日志，按时间倒序。
func (s *Store) ListTaskLogs(ctx context.Context, q TaskLogQuery) ([]model.TaskLog, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	query := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if q.TaskID != "" {
		query = query.Where("task_id = ?", q.TaskID)
	}
	var rows []model.TaskLog
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list task logs: %w", err)
	}
	return rows, nil
}
