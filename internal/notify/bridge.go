package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zhouchongyu/work-assistant-sub001/internal/ledger"
	"github.com/zhouchongyu/work-assistant-sub001/internal/matcher"
	"github.com/zhouchongyu/work-assistant-sub001/internal/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 通知类型。
const (
	TypeAnalysis = "analysis"
	TypeMatch    = "match"
	TypeCase     = "case"
)

const matchJobName = "demand_match"

// Store 是通知桥依赖的存储面。
type Store interface {
	GetDemand(ctx context.Context, id uint) (*model.Demand, error)
	CreateNotice(ctx context.Context, n *model.Notice) error
	AppendTaskLog(ctx context.Context, entry *model.TaskLog) error
}

// Matcher 执行一次需求匹配。
type Matcher interface {
	MatchDemand(ctx context.Context, demandID uint) (matcher.Summary, error)
}

// Pusher 把通知推到外部通道。推送是尽力而为的，
// 失败只影响实时性，持久化的 Notice 仍然可查。
type Pusher interface {
	Push(ctx context.Context, topic string, payload []byte) error
}

// LogPusher 把推送写进日志，用于没有接入消息通道的部署。
type LogPusher struct {
	Logger *zap.Logger
}

// Push 实现 Pusher。
func (p *LogPusher) Push(_ context.Context, topic string, payload []byte) error {
	p.Logger.Info("push notice", zap.String("topic", topic), zap.ByteString("payload", payload))
	return nil
}

// Bridge 把业务完成事件转成持久化通知加即时推送，
// 并承接后台匹配任务的执行与留痕。
type Bridge struct {
	store  Store
	match  Matcher
	pusher Pusher
	logger *zap.Logger
}

// NewBridge 创建通知桥。pusher 为 nil 时只落库不推送。
func NewBridge(store Store, match Matcher, pusher Pusher, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{store: store, match: match, pusher: pusher, logger: logger}
}

// AnalysisDone 通知实体的 AI 解析进入终态。
func (b *Bridge) AnalysisDone(ctx context.Context, kind ledger.Kind, entityID, receiverID uint, failed bool) {
	content := fmt.Sprintf("%s %d 解析完成", kindLabel(kind), entityID)
	reason := "analysis_done"
	if failed {
		content = fmt.Sprintf("%s %d 解析失败，请检查原始数据", kindLabel(kind), entityID)
		reason = "analysis_failed"
	}
	b.deliver(ctx, &model.Notice{
		ReceiverID: receiverID,
		Type:       TypeAnalysis,
		Content:    content,
		Model:      string(kind),
		Reason:     reason,
	})
}

// MatchApplied 通知需求产生了新的匹配结果。
func (b *Bridge) MatchApplied(ctx context.Context, demandID, receiverID uint, count int) {
	b.deliver(ctx, &model.Notice{
		ReceiverID: receiverID,
		Type:       TypeMatch,
		Content:    fmt.Sprintf("需求 %d 新增 %d 条匹配结果", demandID, count),
		Model:      string(ledger.KindDemand),
		Reason:     "match_applied",
	})
}

// CaseStatusChanged 通知案件状态推进。
func (b *Bridge) CaseStatusChanged(ctx context.Context, caseID, receiverID uint, status string) {
	b.deliver(ctx, &model.Notice{
		ReceiverID: receiverID,
		Type:       TypeCase,
		Content:    fmt.Sprintf("案件 %d 状态变更为 %s", caseID, status),
		Model:      "case",
		Reason:     "case_status_changed",
	})
}

// deliver 先落库再推送，推送失败只记日志。
func (b *Bridge) deliver(ctx context.Context, n *model.Notice) {
	if err := b.store.CreateNotice(ctx, n); err != nil {
		b.logger.Error("create notice failed", zap.Error(err))
		return
	}
	if b.pusher == nil {
		return
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return
	}
	topic := fmt.Sprintf("notice/%d", n.ReceiverID)
	if err := b.pusher.Push(ctx, topic, payload); err != nil {
		b.logger.Warn("push notice failed", zap.String("topic", topic), zap.Error(err))
	}
}

// RunMatchJob 执行一次需求匹配并留任务日志。
// 成功时给需求负责人发匹配通知，失败时把错误写进日志详情。
func (b *Bridge) RunMatchJob(ctx context.Context, demandID uint) error {
	taskID := uuid.NewString()
	log := b.logger.With(zap.String("task_id", taskID), zap.Uint("demand_id", demandID))

	summary, err := b.match.MatchDemand(ctx, demandID)
	if err != nil {
		b.appendTaskLog(ctx, taskID, model.TaskStatusFailure,
			fmt.Sprintf("demand %d: %v", demandID, err))
		return fmt.Errorf("run match job: %w", err)
	}

	b.appendTaskLog(ctx, taskID, model.TaskStatusSuccess,
		fmt.Sprintf("demand %d: %d candidates, %d accepted, %d rejected",
			demandID, summary.Candidates, summary.Accepted, summary.Rejected))
	log.Info("match job finished",
		zap.Int("candidates", summary.Candidates),
		zap.Int("accepted", summary.Accepted),
		zap.Int("rejected", summary.Rejected))

	if summary.Accepted > 0 {
		if d, err := b.store.GetDemand(ctx, demandID); err == nil {
			b.MatchApplied(ctx, demandID, d.OwnerID, summary.Accepted)
		}
	}
	return nil
}

func (b *Bridge) appendTaskLog(ctx context.Context, taskID, status, detail string) {
	entry := &model.TaskLog{
		TaskID: taskID,
		Name:   matchJobName,
		Status: status,
		Detail: detail,
	}
	if err := b.store.AppendTaskLog(ctx, entry); err != nil {
		b.logger.Error("append task log failed", zap.Error(err))
	}
}

func kindLabel(kind ledger.Kind) string {
	if kind == ledger.KindSupply {
		return "简历"
	}
	return "需求"
}
