package reconciler

import (
	"encoding/json"
	"fmt"
	"strings"
)

// 回调事件类型。resume/demand 带 _start 后缀的是进度事件，
// 其余未知类型按仅审计处理。
const (
	EventResumeStart   = "resume_start"
	EventResume        = "resume"
	EventResumeContact = "resume_contact"
	EventDemandStart   = "demand_start"
	EventDemand        = "demand"
	EventMatch         = "match"
)

// Payload 是边界层解码后的统一回调载荷。
// Analysis 的形状随 event_type 变化，由各自的 decode 函数二次解析。
type Payload struct {
	EventType   string          `json:"event_type"`
	ExtUniqueID int64           `json:"ext_unique_id"`
	ThirdID     int64           `json:"third_id"`
	ParentID    *int64          `json:"parent_id"`
	VersionTag  string          `json:"version_tag"`
	Model       string          `json:"model"`
	Error       string          `json:"error"`
	ExtraData   ExtraData       `json:"extra_data"`
	Analysis    json.RawMessage `json:"analysis"`
	LlmRaws     []RawTrace      `json:"llm_raws"`
}

// ExtraData 携带请求侧回传的关联信息。
type ExtraData struct {
	Version       int `json:"version"`
	DemandVersion int `json:"demand_version"`
	SupplyTrigger int `json:"supply_trigger"`
}

// RawTrace 是一次中间 AI 调用的原始输出，仅审计不落业务字段。
type RawTrace struct {
	EventType string          `json:"event_type"`
	Res       json.RawMessage `json:"res"`
	Model     string          `json:"model"`
	ParentID  *int64          `json:"parent_id"`
	ThirdID   *int64          `json:"third_id"`
	Context   json.RawMessage `json:"context"`
}

// ResumeAnalysis 对应 event_type=resume 的解析结果。
type ResumeAnalysis struct {
	StopErr        bool            `json:"stop_err"`
	Basic          BasicInfo       `json:"basic_info"`
	WorkExperience json.RawMessage `json:"work_experience"`
	Skills         SkillPayload    `json:"skills"`
}

// BasicInfo 是简历抽取出的个人信息。
type BasicInfo struct {
	Name          string      `json:"name"`
	Age           json.Number `json:"age"`
	Gender        string      `json:"gender"`
	Citizenship   string      `json:"nationality"`
	JapaneseLevel string      `json:"japanese_level"`
	EnglishLevel  string      `json:"english_level"`
	YearsOfWork   float64     `json:"years_of_work"`
	Role          string      `json:"role"`
	WorkMode      string      `json:"work_mode"`
	Price         float64     `json:"price"`
}

// SkillPayload 携带三套技能体系的原始与归一化输出。
type SkillPayload struct {
	X     string          `json:"x"`
	Y     string          `json:"y"`
	Z     string          `json:"z"`
	XRaw  json.RawMessage `json:"x_raw"`
	YRaw  json.RawMessage `json:"y_raw"`
	ZRaw  json.RawMessage `json:"z_raw"`
	XData json.RawMessage `json:"x_data"`
	YData json.RawMessage `json:"y_data"`
	ZData json.RawMessage `json:"z_data"`
}

// ContactAnalysis 对应 event_type=resume_contact。
type ContactAnalysis struct {
	StopErr bool `json:"stop_err"`
}

// DemandAnalysis 对应 event_type=demand。
type DemandAnalysis struct {
	StopErr       bool         `json:"stop_err"`
	Skills        SkillPayload `json:"skills"`
	JapaneseLevel string       `json:"japanese_level"`
	EnglishLevel  string       `json:"english_level"`
	Citizenship   string       `json:"citizenship"`
	Role          string       `json:"role"`
	FatherSkill   string       `json:"father_skill"`
}

// MatchAnalysis 对应 event_type=match：第三方预计算的候选集。
type MatchAnalysis struct {
	StopErr  bool           `json:"stop_err"`
	Results  []MatchRow     `json:"match_results"`
	RoleList map[string]int `json:"role_list"`
}

// MatchRow 是候选集中的一行。
type MatchRow struct {
	SupplyID      uint            `json:"supply_id"`
	Score         float64         `json:"score"`
	SupplyVersion int             `json:"version"`
	Role          string          `json:"role"`
	YearsData     json.RawMessage `json:"years_data"`
	ConditionMsg  []ConditionMsg  `json:"condition_msg"`
}

// ConditionMsg 兼容纯字符串与 {"zh": ...} 两种历史格式。
type ConditionMsg struct {
	Zh string `json:"zh"`
}

// UnmarshalJSON 同时接受 string 与对象形式。
func (c *ConditionMsg) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		return json.Unmarshal(data, &c.Zh)
	}
	type alias ConditionMsg
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*c = ConditionMsg(a)
	return nil
}

// Warnings 提取候选行的软性告警文案。
func (r MatchRow) Warnings() []string {
	out := make([]string, 0, len(r.ConditionMsg))
	for _, m := range r.ConditionMsg {
		if m.Zh != "" {
			out = append(out, m.Zh)
		}
	}
	return out
}

func decodeResume(raw json.RawMessage) (ResumeAnalysis, error) {
	var a ResumeAnalysis
	if len(raw) == 0 {
		return a, nil
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return a, fmt.Errorf("decode resume analysis: %w", err)
	}
	return a, nil
}

func decodeContact(raw json.RawMessage) (ContactAnalysis, error) {
	var a ContactAnalysis
	if len(raw) == 0 {
		return a, nil
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return a, fmt.Errorf("decode contact analysis: %w", err)
	}
	return a, nil
}

func decodeDemand(raw json.RawMessage) (DemandAnalysis, error) {
	var a DemandAnalysis
	if len(raw) == 0 {
		return a, nil
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return a, fmt.Errorf("decode demand analysis: %w", err)
	}
	return a, nil
}

func decodeMatch(raw json.RawMessage) (MatchAnalysis, error) {
	var a MatchAnalysis
	if len(raw) == 0 {
		return a, nil
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return a, fmt.Errorf("decode match analysis: %w", err)
	}
	return a, nil
}
