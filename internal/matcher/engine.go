package matcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/zhouchongyu/work-assistant-sub001/internal/model"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

// ErrNotAnalyzed 表示需求还没有完成 AI 解析，无法参与匹配。
var ErrNotAnalyzed = errors.New("demand not analyzed")

// 硬性过滤的拒绝类别。
const (
	RejectCitizenship = "citizenship"
	RejectWorkMode    = "work_mode"
	RejectLanguage    = "language"
	RejectPrice       = "price"
)

const (
	stampAttempts  = 3
	scoreScale     = 100.0
	maxConcurrency = 8
)

// Store 是匹配引擎依赖的存储面。
type Store interface {
	GetDemand(ctx context.Context, id uint) (*model.Demand, error)
	GetSupply(ctx context.Context, id uint) (*model.Supply, error)
	GetSupplyAI(ctx context.Context, supplyID uint) (*model.SupplyAI, error)
	ListCandidateSupplyIDs(ctx context.Context) ([]uint, error)
	UpsertMatchResult(ctx context.Context, res *model.MatchResult) (bool, error)
	SetDemandHaveMatch(ctx context.Context, demandID uint, have bool) error
}

// Summary 是一次需求匹配的统计结果。
type Summary struct {
	DemandID      uint
	DemandVersion int
	Candidates    int
	Accepted      int
	Rejected      int
}

// Engine 对单个需求执行两段式匹配：先硬性过滤再软性打分，
// 结果带上两侧实体的版本戳落库。
type Engine struct {
	store   Store
	weights Weights
	logger  *zap.Logger
}

// NewEngine 创建匹配引擎。
func NewEngine(store Store, weights Weights, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, weights: weights, logger: logger}
}

// MatchDemand 为一个需求计算全量候选集。
// 打分期间需求版本发生变化时整批作废重算，超过重试上限返回错误，
// 保证落库的版本戳与打分所用的输入一致。
func (e *Engine) MatchDemand(ctx context.Context, demandID uint) (Summary, error) {
	for attempt := 0; attempt < stampAttempts; attempt++ {
		d, err := e.store.GetDemand(ctx, demandID)
		if err != nil {
			return Summary{}, err
		}
		if d.AnalysisStatus != model.AnalysisDone {
			return Summary{}, fmt.Errorf("demand %d: %w", demandID, ErrNotAnalyzed)
		}

		candidateIDs, err := e.store.ListCandidateSupplyIDs(ctx)
		if err != nil {
			return Summary{}, err
		}

		results, err := e.evaluateAll(ctx, d, candidateIDs)
		if err != nil {
			return Summary{}, err
		}

		// 打分期间需求被改过就整批重来，避免把过期输入的结果
		// 打上新版本戳。
		current, err := e.store.GetDemand(ctx, demandID)
		if err != nil {
			return Summary{}, err
		}
		if current.Version != d.Version {
			e.logger.Info("demand changed during scoring, retrying",
				zap.Uint("demand_id", demandID),
				zap.Int("scored_version", d.Version),
				zap.Int("current_version", current.Version))
			continue
		}

		return e.persist(ctx, d, results)
	}
	return Summary{}, fmt.Errorf("match demand %d: version moved %d times during scoring", demandID, stampAttempts)
}

// evaluateAll 并发评估候选，每个候选独立失败不影响整批。
func (e *Engine) evaluateAll(ctx context.Context, d *model.Demand, candidateIDs []uint) ([]*model.MatchResult, error) {
	results := make([]*model.MatchResult, len(candidateIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)
	for i, supplyID := range candidateIDs {
		g.Go(func() error {
			sp, err := e.store.GetSupply(gctx, supplyID)
			if err != nil {
				return err
			}
			if sp.AnalysisStatus != model.AnalysisDone {
				return nil
			}
			ai, err := e.store.GetSupplyAI(gctx, supplyID)
			if err != nil {
				return err
			}
			results[i] = e.evaluate(d, sp, ai)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := results[:0]
	for _, res := range results {
		if res != nil {
			out = append(out, res)
		}
	}
	return out, nil
}

// evaluate 对一个配对执行硬性过滤与软性打分。
func (e *Engine) evaluate(d *model.Demand, sp *model.Supply, ai *model.SupplyAI) *model.MatchResult {
	res := &model.MatchResult{
		DemandID:      d.ID,
		SupplyID:      sp.ID,
		DemandRole:    d.Role,
		DemandVersion: d.Version,
		SupplyVersion: sp.Version,
	}

	if rejectType, reason := e.hardFilter(d, sp); rejectType != "" {
		res.RejectType = rejectType
		res.RejectReason = reason
		return res
	}

	score, warnings, matched := e.score(d, sp, ai)
	res.Score = score
	if len(warnings) > 0 {
		if data, err := json.Marshal(warnings); err == nil {
			res.WarningMsg = datatypes.JSON(data)
		}
	}
	yearsData := map[string]any{"years_of_work": sp.YearsOfWork}
	if len(matched) > 0 {
		yearsData["skills"] = matched
	}
	if data, err := json.Marshal(yearsData); err == nil {
		res.YearsData = datatypes.JSON(data)
	}
	return res
}

// hardFilter 返回第一个命中的拒绝类别，全部通过时返回空串。
func (e *Engine) hardFilter(d *model.Demand, sp *model.Supply) (string, string) {
	if d.Citizenship != "" && sp.Citizenship != "" && !strings.EqualFold(d.Citizenship, sp.Citizenship) {
		return RejectCitizenship, fmt.Sprintf("要求国籍 %s，候选人 %s", d.Citizenship, sp.Citizenship)
	}
	if d.WorkMode != "" && sp.WorkMode != "" && !strings.EqualFold(d.WorkMode, sp.WorkMode) {
		return RejectWorkMode, fmt.Sprintf("要求工作形态 %s，候选人 %s", d.WorkMode, sp.WorkMode)
	}
	if required := JapaneseRank(d.JapaneseLevel); required > 0 && JapaneseRank(sp.JapaneseLevel) < required {
		return RejectLanguage, fmt.Sprintf("日语要求 %s，候选人 %s", d.JapaneseLevel, sp.JapaneseLevel)
	}
	if required := EnglishRank(d.EnglishLevel); required > 0 && EnglishRank(sp.EnglishLevel) < required {
		return RejectLanguage, fmt.Sprintf("英语要求 %s，候选人 %s", d.EnglishLevel, sp.EnglishLevel)
	}
	if d.UnitPriceMax > 0 && sp.Price > float64(d.UnitPriceMax) {
		return RejectPrice, fmt.Sprintf("单价上限 %d，候选人报价 %.0f", d.UnitPriceMax, sp.Price)
	}
	return "", ""
}

// score 按维度计算需求技能的命中率，加权求和后放大到百分制。
// 简历侧优先用解析出的归一化向量，缺失时退回实体上的技能串。
// 第三个返回值是命中技能到年限的映射，落进 years_data。
func (e *Engine) score(d *model.Demand, sp *model.Supply, ai *model.SupplyAI) (float64, []string, map[string]float64) {
	var xData, yData, zData datatypes.JSON
	if ai != nil {
		xData, yData, zData = ai.XData, ai.YData, ai.ZData
	}
	dims := []struct {
		name     string
		weight   float64
		required string
		offered  map[string]float64
	}{
		{"x", e.weights.X, d.SkillX, supplyProfile(xData, sp.SkillX)},
		{"y", e.weights.Y, d.SkillY, supplyProfile(yData, sp.SkillY)},
		{"z", e.weights.Z, d.SkillZ, supplyProfile(zData, sp.SkillZ)},
	}

	total := 0.0
	var warnings []string
	matched := make(map[string]float64)
	for _, dim := range dims {
		sub := coverage(dim.required, dim.offered, matched)
		total += dim.weight * sub
		if dim.required != "" && sub < e.weights.WarnThreshold {
			warnings = append(warnings, fmt.Sprintf("%s 维度技能覆盖率偏低 (%.0f%%)", dim.name, sub*scoreScale))
		}
	}
	return total * scoreScale, warnings, matched
}

// coverage 返回需求技能被简历覆盖的比例，需求为空记满分。
// 命中的技能连同年限写入 matched。
func coverage(required string, offered map[string]float64, matched map[string]float64) float64 {
	reqSet := splitSkills(required)
	if len(reqSet) == 0 {
		return 1
	}
	hit := 0
	for skill := range reqSet {
		if years, ok := offered[skill]; ok {
			hit++
			matched[skill] = years
		}
	}
	return float64(hit) / float64(len(reqSet))
}

// skillEntry 是归一化技能向量里的一项。
type skillEntry struct {
	Name  string  `json:"name"`
	Years float64 `json:"years"`
}

// supplyProfile 把简历一侧的技能来源统一成 技能→年限 映射。
// 归一化向量解析失败或为空时退回技能串，年限记 0。
func supplyProfile(data datatypes.JSON, fallback string) map[string]float64 {
	if len(data) > 0 {
		var entries []skillEntry
		if err := json.Unmarshal(data, &entries); err == nil {
			out := make(map[string]float64, len(entries))
			for _, en := range entries {
				name := strings.ToLower(strings.TrimSpace(en.Name))
				if name != "" {
					out[name] = en.Years
				}
			}
			if len(out) > 0 {
				return out
			}
		}
	}
	out := make(map[string]float64)
	for skill := range splitSkills(fallback) {
		out[skill] = 0
	}
	return out
}

// splitSkills 把技能串按常见分隔符拆成小写集合。
func splitSkills(s string) map[string]struct{} {
	out := make(map[string]struct{})
	fields := strings.FieldsFunc(s, func(r rune) bool {
		switch r {
		case ',', '、', '，', ';', '；', '/', '|':
			return true
		}
		return false
	})
	for _, f := range fields {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" {
			out[f] = struct{}{}
		}
	}
	return out
}

// persist 串行落库一批结果并刷新 have_match 投影。
func (e *Engine) persist(ctx context.Context, d *model.Demand, results []*model.MatchResult) (Summary, error) {
	summary := Summary{DemandID: d.ID, DemandVersion: d.Version, Candidates: len(results)}
	for _, res := range results {
		saved, err := e.store.UpsertMatchResult(ctx, res)
		if err != nil {
			return Summary{}, err
		}
		if !saved {
			e.logger.Debug("stale match result dropped",
				zap.Uint("demand_id", res.DemandID),
				zap.Uint("supply_id", res.SupplyID))
			continue
		}
		if res.RejectType != "" {
			summary.Rejected++
		} else {
			summary.Accepted++
		}
	}

	if summary.Accepted > 0 {
		if err := e.store.SetDemandHaveMatch(ctx, d.ID, true); err != nil {
			return Summary{}, err
		}
	}
	return summary, nil
}
