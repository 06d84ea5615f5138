package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/zhouchongyu/work-assistant-sub001/internal/ledger"
	"github.com/zhouchongyu/work-assistant-sub001/internal/model"

	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// ErrValidation 表示载荷缺少必要字段或无法解析，事件只留审计不重试。
var ErrValidation = errors.New("invalid callback payload")

// 处理结论。
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeLogged    = "logged"
)

// Outcome 描述一次回调的处理结果。
type Outcome struct {
	Status     string
	EventID    uint
	Kind       ledger.Kind
	EntityID   uint
	NewVersion int
}

// Store 是调解器依赖的存储面，便于测试替换。
type Store interface {
	GetDemand(ctx context.Context, id uint) (*model.Demand, error)
	GetSupply(ctx context.Context, id uint) (*model.Supply, error)
	SaveSupplyAI(ctx context.Context, ai *model.SupplyAI) error
	AppendLlmData(ctx context.Context, raw *model.LlmData) error
	HasLlmEvent(ctx context.Context, demandID, supplyID *uint, eventType string, thirdID int64) (bool, error)
	UpsertMatchResult(ctx context.Context, res *model.MatchResult) (bool, error)
	CreateCaseIfAbsent(ctx context.Context, c *model.Case) (bool, error)
	AppendCaseStatus(ctx context.Context, caseID uint, status, remark string) error
	SetDemandHaveMatch(ctx context.Context, demandID uint, have bool) error
	ListMatchDemandIDsBySupply(ctx context.Context, supplyID uint) ([]uint, error)
}

// Trigger 把"该实体需要重新匹配"交给后台队列。
type Trigger interface {
	EnqueueDemand(demandID uint) bool
}

// Notifier 把完成事件交给通知桥，失败不影响调解结果。
type Notifier interface {
	AnalysisDone(ctx context.Context, kind ledger.Kind, entityID, receiverID uint, failed bool)
	MatchApplied(ctx context.Context, demandID, receiverID uint, count int)
	CaseStatusChanged(ctx context.Context, caseID, receiverID uint, status string)
}

// Reconciler 把异步 AI 回调调解进业务库：
// 审计先行，去重短路，字段合并走版本账本的 CAS 重试。
type Reconciler struct {
	store    Store
	ledger   *ledger.Ledger
	trigger  Trigger
	notifier Notifier
	logger   *zap.Logger
	attempts int
}

// New 创建调解器。trigger 与 notifier 可以为 nil。
func New(store Store, lg *ledger.Ledger, trigger Trigger, notifier Notifier, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:    store,
		ledger:   lg,
		trigger:  trigger,
		notifier: notifier,
		logger:   logger,
		attempts: ledger.DefaultAttempts,
	}
}

// Reconcile 处理一条已解码的回调载荷。
// 返回错误时审计记录已经落库，事件可以从 Raw Event Store 回放。
func (r *Reconciler) Reconcile(ctx context.Context, p *Payload) (Outcome, error) {
	if p == nil || strings.TrimSpace(p.EventType) == "" {
		return Outcome{}, fmt.Errorf("%w: missing event_type", ErrValidation)
	}
	if p.ExtUniqueID <= 0 {
		return Outcome{}, fmt.Errorf("%w: missing ext_unique_id", ErrValidation)
	}

	kind, demandID, supplyID := route(p.EventType, uint(p.ExtUniqueID))

	log := r.logger.With(
		zap.String("event_type", p.EventType),
		zap.Int64("ext_unique_id", p.ExtUniqueID),
		zap.Int64("third_id", p.ThirdID),
	)

	// 去重键 (实体, event_type, third_id)：第三方重试直接短路。
	if p.ThirdID != 0 {
		dup, err := r.store.HasLlmEvent(ctx, demandID, supplyID, p.EventType, p.ThirdID)
		if err != nil {
			return Outcome{}, err
		}
		if dup {
			log.Info("duplicate callback ignored")
			return Outcome{Status: OutcomeDuplicate, Kind: kind, EntityID: uint(p.ExtUniqueID)}, nil
		}
	}

	// 审计先行：后续任何一步失败，事件都已持久化。
	raw := r.buildAudit(p, demandID, supplyID)
	if err := r.store.AppendLlmData(ctx, raw); err != nil {
		return Outcome{}, err
	}
	r.appendTraces(ctx, p, raw, log)

	out := Outcome{Status: OutcomeApplied, EventID: raw.ID, Kind: kind, EntityID: uint(p.ExtUniqueID)}

	var err error
	switch p.EventType {
	case EventResumeStart:
		out.NewVersion, err = r.markAnalyzing(ctx, ledger.KindSupply, uint(p.ExtUniqueID))
	case EventResume:
		out.NewVersion, err = r.applyResume(ctx, uint(p.ExtUniqueID), p)
	case EventResumeContact:
		out.NewVersion, err = r.applyContact(ctx, uint(p.ExtUniqueID), p)
	case EventDemandStart:
		out.NewVersion, err = r.markAnalyzing(ctx, ledger.KindDemand, uint(p.ExtUniqueID))
	case EventDemand:
		out.NewVersion, err = r.applyDemand(ctx, uint(p.ExtUniqueID), p)
	case EventMatch:
		out.NewVersion, err = r.applyMatch(ctx, uint(p.ExtUniqueID), p)
	default:
		log.Warn("unknown event type, audit only")
		out.Status = OutcomeLogged
	}
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// buildAudit 组装不可变审计行，版本戳取自请求侧回传。
func (r *Reconciler) buildAudit(p *Payload, demandID, supplyID *uint) *model.LlmData {
	raw := &model.LlmData{
		DemandID:  demandID,
		SupplyID:  supplyID,
		EventType: p.EventType,
		Model:     p.Model,
		ParentID:  p.ParentID,
	}
	if p.ThirdID != 0 {
		third := p.ThirdID
		raw.ThirdID = &third
	}
	if len(p.Analysis) > 0 {
		raw.Res = datatypes.JSON(p.Analysis)
	}
	if ctxData, err := json.Marshal(p.ExtraData); err == nil {
		raw.Context = ctxData
	}
	switch p.EventType {
	case EventResume, EventResumeStart, EventResumeContact:
		raw.SupplyVersion = p.ExtraData.Version
	case EventDemand, EventDemandStart:
		raw.DemandVersion = p.ExtraData.Version
	case EventMatch:
		raw.DemandVersion = p.ExtraData.DemandVersion
		// 触发本次匹配的简历记进审计血缘。
		if p.ExtraData.SupplyTrigger > 0 {
			trigger := uint(p.ExtraData.SupplyTrigger)
			raw.SupplyID = &trigger
		}
	}
	return raw
}

// appendTraces 落库中间调用痕迹，失败只记日志。
// 痕迹行带上主事件的版本戳，回放时能对回当时的实体版本。
func (r *Reconciler) appendTraces(ctx context.Context, p *Payload, parent *model.LlmData, log *zap.Logger) {
	for _, trace := range p.LlmRaws {
		row := &model.LlmData{
			DemandID:      parent.DemandID,
			SupplyID:      parent.SupplyID,
			EventType:     trace.EventType,
			Model:         trace.Model,
			ParentID:      trace.ParentID,
			ThirdID:       trace.ThirdID,
			DemandVersion: parent.DemandVersion,
			SupplyVersion: parent.SupplyVersion,
		}
		if len(trace.Res) > 0 {
			row.Res = datatypes.JSON(trace.Res)
		}
		if len(trace.Context) > 0 {
			row.Context = datatypes.JSON(trace.Context)
		}
		if err := r.store.AppendLlmData(ctx, row); err != nil {
			log.Warn("append trace failed", zap.Error(err))
		}
	}
}

func (r *Reconciler) applyResume(ctx context.Context, supplyID uint, p *Payload) (int, error) {
	a, err := decodeResume(p.Analysis)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	sp, err := r.store.GetSupply(ctx, supplyID)
	if err != nil {
		return 0, err
	}

	if p.Error != "" || a.StopErr {
		version, err := r.markFailed(ctx, ledger.KindSupply, supplyID)
		if err == nil {
			r.notifyAnalysis(ctx, ledger.KindSupply, supplyID, sp.UserID, true)
		}
		return version, err
	}

	// 归一化技能向量先落库，状态推进失败时可由回放补齐。
	if err := r.store.SaveSupplyAI(ctx, &model.SupplyAI{
		SupplyID:       supplyID,
		Basic:          mustMarshal(a.Basic),
		WorkExperience: jsonOrNil(a.WorkExperience),
		XRaw:           jsonOrNil(a.Skills.XRaw),
		YRaw:           jsonOrNil(a.Skills.YRaw),
		ZRaw:           jsonOrNil(a.Skills.ZRaw),
		XData:          jsonOrNil(a.Skills.XData),
		YData:          jsonOrNil(a.Skills.YData),
		ZData:          jsonOrNil(a.Skills.ZData),
	}); err != nil {
		return 0, err
	}

	version, err := r.ledger.Apply(ctx, ledger.KindSupply, supplyID, r.attempts, func(int) (map[string]any, error) {
		updates := map[string]any{"analysis_status": model.AnalysisDone}
		if p.VersionTag != "" {
			updates["analysis_version"] = p.VersionTag
		}
		setIfNotEmpty(updates, "supply_user_name", a.Basic.Name)
		setIfNotEmpty(updates, "citizenship", a.Basic.Citizenship)
		setIfNotEmpty(updates, "japanese_level", a.Basic.JapaneseLevel)
		setIfNotEmpty(updates, "english_level", a.Basic.EnglishLevel)
		setIfNotEmpty(updates, "role", a.Basic.Role)
		setIfNotEmpty(updates, "work_mode", a.Basic.WorkMode)
		setIfNotEmpty(updates, "skill_x", a.Skills.X)
		setIfNotEmpty(updates, "skill_y", a.Skills.Y)
		setIfNotEmpty(updates, "skill_z", a.Skills.Z)
		if a.Basic.YearsOfWork > 0 {
			updates["years_of_work"] = a.Basic.YearsOfWork
		}
		if a.Basic.Price > 0 {
			updates["price"] = a.Basic.Price
		}
		return updates, nil
	})
	if err != nil {
		return 0, err
	}

	r.notifyAnalysis(ctx, ledger.KindSupply, supplyID, sp.UserID, false)
	r.enqueueForSupply(ctx, supplyID)
	return version, nil
}

func (r *Reconciler) applyContact(ctx context.Context, supplyID uint, p *Payload) (int, error) {
	a, err := decodeContact(p.Analysis)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	status := model.AnalysisDone
	if p.Error != "" || a.StopErr {
		status = model.AnalysisFailed
	}

	return r.ledger.Apply(ctx, ledger.KindSupply, supplyID, r.attempts, func(int) (map[string]any, error) {
		sp, err := r.store.GetSupply(ctx, supplyID)
		if err != nil {
			return nil, err
		}
		if sp.ContactAnalysisStatus == status {
			return nil, nil
		}
		return map[string]any{"contact_analysis_status": status}, nil
	})
}

func (r *Reconciler) applyDemand(ctx context.Context, demandID uint, p *Payload) (int, error) {
	a, err := decodeDemand(p.Analysis)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	d, err := r.store.GetDemand(ctx, demandID)
	if err != nil {
		return 0, err
	}

	if p.Error != "" || a.StopErr {
		version, err := r.markFailed(ctx, ledger.KindDemand, demandID)
		if err == nil {
			r.notifyAnalysis(ctx, ledger.KindDemand, demandID, d.OwnerID, true)
		}
		return version, err
	}

	version, err := r.ledger.Apply(ctx, ledger.KindDemand, demandID, r.attempts, func(int) (map[string]any, error) {
		updates := map[string]any{"analysis_status": model.AnalysisDone}
		setIfNotEmpty(updates, "skill_x", a.Skills.X)
		setIfNotEmpty(updates, "skill_y", a.Skills.Y)
		setIfNotEmpty(updates, "skill_z", a.Skills.Z)
		setIfNotEmpty(updates, "japanese_level", a.JapaneseLevel)
		setIfNotEmpty(updates, "english_level", a.EnglishLevel)
		setIfNotEmpty(updates, "citizenship", a.Citizenship)
		setIfNotEmpty(updates, "role", a.Role)
		setIfNotEmpty(updates, "father_skill", a.FatherSkill)
		return updates, nil
	})
	if err != nil {
		return 0, err
	}

	r.notifyAnalysis(ctx, ledger.KindDemand, demandID, d.OwnerID, false)
	if r.trigger != nil {
		r.trigger.EnqueueDemand(demandID)
	}
	return version, nil
}

// applyMatch 落库第三方预计算的候选集：覆盖写匹配结果，
// 按角色限额建自动案件，最后把需求状态推进到 done。
func (r *Reconciler) applyMatch(ctx context.Context, demandID uint, p *Payload) (int, error) {
	a, err := decodeMatch(p.Analysis)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	d, err := r.store.GetDemand(ctx, demandID)
	if err != nil {
		return 0, err
	}

	if p.Error != "" || a.StopErr {
		version, err := r.markFailed(ctx, ledger.KindDemand, demandID)
		if err == nil {
			r.notifyAnalysis(ctx, ledger.KindDemand, demandID, d.OwnerID, true)
		}
		return version, err
	}

	demandVersion := p.ExtraData.DemandVersion
	if demandVersion == 0 {
		demandVersion = d.Version
	}

	applied := 0
	byRole := make(map[string][]MatchRow)
	for _, row := range a.Results {
		if row.SupplyID == 0 {
			continue
		}
		res := &model.MatchResult{
			DemandID:      demandID,
			SupplyID:      row.SupplyID,
			Score:         row.Score,
			DemandRole:    roleOrDefault(row.Role, d.Role),
			DemandVersion: demandVersion,
			SupplyVersion: row.SupplyVersion,
		}
		if warnings := row.Warnings(); len(warnings) > 0 {
			res.WarningMsg = mustMarshal(warnings)
		}
		if len(row.YearsData) > 0 {
			res.YearsData = datatypes.JSON(row.YearsData)
		}
		saved, err := r.store.UpsertMatchResult(ctx, res)
		if err != nil {
			return 0, err
		}
		if saved {
			applied++
		}
		role := roleOrDefault(row.Role, d.Role)
		byRole[role] = append(byRole[role], row)
	}

	if err := r.createAutoCases(ctx, d, byRole, a.RoleList, demandVersion); err != nil {
		return 0, err
	}

	if applied > 0 {
		if err := r.store.SetDemandHaveMatch(ctx, demandID, true); err != nil {
			return 0, err
		}
	}

	// 状态已是 done 时不再推版本，否则刚写入的版本戳立即过期。
	version, err := r.ledger.Apply(ctx, ledger.KindDemand, demandID, r.attempts, func(int) (map[string]any, error) {
		cur, err := r.store.GetDemand(ctx, demandID)
		if err != nil {
			return nil, err
		}
		if cur.AnalysisStatus == model.AnalysisDone {
			return nil, nil
		}
		return map[string]any{"analysis_status": model.AnalysisDone}, nil
	})
	if err != nil {
		return 0, err
	}

	if r.notifier != nil {
		r.notifier.MatchApplied(ctx, demandID, d.OwnerID, applied)
	}
	return version, nil
}

// createAutoCases 为每个角色按限额取得分最高的候选建案。
func (r *Reconciler) createAutoCases(ctx context.Context, d *model.Demand, byRole map[string][]MatchRow, limits map[string]int, demandVersion int) error {
	for role, rows := range byRole {
		limit := limits[role]
		if limit <= 0 {
			continue
		}
		sortRowsByScore(rows)
		if limit > len(rows) {
			limit = len(rows)
		}
		for _, row := range rows[:limit] {
			c := &model.Case{
				SupplyID:      row.SupplyID,
				DemandID:      d.ID,
				Status3:       model.CaseStatusInit,
				Status5:       model.CaseStatusAutoMatch,
				Score:         row.Score,
				DemandRole:    role,
				DemandVersion: demandVersion,
				SupplyVersion: row.SupplyVersion,
				OwnerID:       d.OwnerID,
				DepartmentID:  d.DepartmentID,
				Active:        true,
			}
			if warnings := row.Warnings(); len(warnings) > 0 {
				c.WarningMsg = mustMarshal(warnings)
			}
			created, err := r.store.CreateCaseIfAbsent(ctx, c)
			if err != nil {
				return err
			}
			if created {
				if err := r.store.AppendCaseStatus(ctx, c.ID, model.CaseStatusInit, "自动匹配建案"); err != nil {
					return err
				}
				if r.notifier != nil {
					r.notifier.CaseStatusChanged(ctx, c.ID, d.OwnerID, model.CaseStatusInit)
				}
			}
		}
	}
	return nil
}

// markAnalyzing 把状态从 pending 推进到 analyzing，终态不回退。
func (r *Reconciler) markAnalyzing(ctx context.Context, kind ledger.Kind, id uint) (int, error) {
	return r.ledger.Apply(ctx, kind, id, r.attempts, func(int) (map[string]any, error) {
		status, err := r.analysisStatus(ctx, kind, id)
		if err != nil {
			return nil, err
		}
		if model.AnalysisRank(status) >= model.AnalysisRank(model.AnalysisAnalyzing) {
			return nil, nil
		}
		return map[string]any{"analysis_status": model.AnalysisAnalyzing}, nil
	})
}

// markFailed 推进到 failed，已到终态时保持不动。
func (r *Reconciler) markFailed(ctx context.Context, kind ledger.Kind, id uint) (int, error) {
	return r.ledger.Apply(ctx, kind, id, r.attempts, func(int) (map[string]any, error) {
		status, err := r.analysisStatus(ctx, kind, id)
		if err != nil {
			return nil, err
		}
		if model.AnalysisRank(status) >= model.AnalysisRank(model.AnalysisFailed) {
			return nil, nil
		}
		return map[string]any{"analysis_status": model.AnalysisFailed}, nil
	})
}

func (r *Reconciler) analysisStatus(ctx context.Context, kind ledger.Kind, id uint) (string, error) {
	if kind == ledger.KindSupply {
		sp, err := r.store.GetSupply(ctx, id)
		if err != nil {
			return "", err
		}
		return sp.AnalysisStatus, nil
	}
	d, err := r.store.GetDemand(ctx, id)
	if err != nil {
		return "", err
	}
	return d.AnalysisStatus, nil
}

// enqueueForSupply 简历解析完成后，重新排队所有引用它的需求。
func (r *Reconciler) enqueueForSupply(ctx context.Context, supplyID uint) {
	if r.trigger == nil {
		return
	}
	ids, err := r.store.ListMatchDemandIDsBySupply(ctx, supplyID)
	if err != nil {
		r.logger.Warn("list demands for supply failed", zap.Uint("supply_id", supplyID), zap.Error(err))
		return
	}
	for _, id := range ids {
		r.trigger.EnqueueDemand(id)
	}
}

func (r *Reconciler) notifyAnalysis(ctx context.Context, kind ledger.Kind, entityID, receiverID uint, failed bool) {
	if r.notifier == nil {
		return
	}
	r.notifier.AnalysisDone(ctx, kind, entityID, receiverID, failed)
}

func route(eventType string, id uint) (ledger.Kind, *uint, *uint) {
	switch eventType {
	case EventResume, EventResumeStart, EventResumeContact:
		return ledger.KindSupply, nil, &id
	case EventDemand, EventDemandStart, EventMatch:
		return ledger.KindDemand, &id, nil
	default:
		return "", nil, nil
	}
}

func setIfNotEmpty(updates map[string]any, column, value string) {
	if strings.TrimSpace(value) != "" {
		updates[column] = value
	}
}

func roleOrDefault(role, fallback string) string {
	if role != "" {
		return role
	}
	return fallback
}

func sortRowsByScore(rows []MatchRow) {
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && rows[j].Score > rows[j-1].Score; j-- {
			rows[j], rows[j-1] = rows[j-1], rows[j]
		}
	}
}

func mustMarshal(v any) datatypes.JSON {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(data)
}

func jsonOrNil(raw json.RawMessage) datatypes.JSON {
	if len(raw) == 0 {
		return nil
	}
	return datatypes.JSON(raw)
}
