package model

import (
	"time"

	"gorm.io/datatypes"
)

// 分析状态机取值，只能向前推进（done/failed 为终态）。
const (
	AnalysisPending   = "pending"
	AnalysisAnalyzing = "analyzing"
	AnalysisDone      = "done"
	AnalysisFailed    = "failed"
)

// AnalysisRank 返回状态在状态机中的序号，用于乱序回调的幂等合并。
func AnalysisRank(status string) int {
	switch status {
	case AnalysisAnalyzing:
		return 1
	case AnalysisDone, AnalysisFailed:
		return 2
	default:
		return 0
	}
}

// Demand 表示一条用人需求（案件）。
// - SkillX/Y/Z: 三套独立技能体系的需求描述
// - Version: 乐观并发版本号，所有写入都要经过账本 CAS
// - AnalysisStatus: AI 解析状态机
type Demand struct {
	ID              uint              `gorm:"primaryKey" json:"id"`
	Code            string            `json:"code"`
	Name            string            `json:"name"`
	CustomerID      uint              `json:"customer_id"`
	Price           int               `json:"price"`
	UnitPriceMax    int               `json:"unit_price_max"`
	Remark          string            `json:"remark"`
	WorkLocation    string            `json:"work_location"`
	WorkMode        string            `json:"work_mode"`
	SkillX          string            `json:"skill_x"`
	SkillY          string            `json:"skill_y"`
	SkillZ          string            `json:"skill_z"`
	JapaneseLevel   string            `json:"japanese_level"`
	EnglishLevel    string            `json:"english_level"`
	Citizenship     string            `json:"citizenship"`
	Role            string            `json:"role"`
	FatherSkill     string            `json:"father_skill"`
	RoleList        datatypes.JSON    `json:"role_list"`
	Version         int               `gorm:"default:1" json:"version"`
	HaveMatch       bool              `gorm:"default:false" json:"have_match"`
	AnalysisStatus  string            `gorm:"default:pending" json:"analysis_status"`
	OwnerID         uint              `json:"owner_id"`
	DepartmentID    uint              `json:"department_id"`
	Active          bool              `gorm:"default:true" json:"active"`
	Extra           datatypes.JSONMap `json:"extra"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Supply 表示一份候选人简历。
type Supply struct {
	ID                    uint      `gorm:"primaryKey" json:"id"`
	Code                  string    `gorm:"uniqueIndex" json:"code"`
	Name                  string    `json:"name"`
	VendorID              uint      `gorm:"index" json:"vendor_id"`
	UserID                uint      `gorm:"index" json:"user_id"`
	SupplyUserName        string    `json:"supply_user_name"`
	Citizenship           string    `json:"citizenship"`
	Price                 float64   `json:"price"`
	WorkMode              string    `json:"work_mode"`
	YearsOfWork           float64   `json:"years_of_work"`
	AvailableDate         string    `json:"available_date"`
	SkillX                string    `json:"skill_x"`
	SkillY                string    `json:"skill_y"`
	SkillZ                string    `json:"skill_z"`
	JapaneseLevel         string    `json:"japanese_level"`
	EnglishLevel          string    `json:"english_level"`
	Role                  string    `json:"role"`
	AnalysisVersion       string    `json:"analysis_version"`
	Version               int       `gorm:"default:1" json:"version"`
	AnalysisStatus        string    `gorm:"default:pending" json:"analysis_status"`
	ContactAnalysisStatus string    `gorm:"default:pending" json:"contact_analysis_status"`
	OwnerID               uint      `json:"owner_id"`
	DepartmentID          uint      `json:"department_id"`
	Active                bool      `gorm:"default:true" json:"active"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// SupplyAI 保存简历解析出的结构化数据。
// Raw 列是 AI 原始输出，Data 列是打分用的归一化形式。
type SupplyAI struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	SupplyID       uint           `gorm:"uniqueIndex" json:"supply_id"`
	Basic          datatypes.JSON `json:"basic"`
	WorkExperience datatypes.JSON `json:"work_experience"`
	XRaw           datatypes.JSON `json:"x_raw"`
	YRaw           datatypes.JSON `json:"y_raw"`
	ZRaw           datatypes.JSON `json:"z_raw"`
	XData          datatypes.JSON `json:"x_data"`
	YData          datatypes.JSON `json:"y_data"`
	ZData          datatypes.JSON `json:"z_data"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// LlmData 是一次 AI 回调的不可变审计记录，只增不改。
// DemandID/SupplyID 允许为空，事件可能只属于其中一方。
// ParentID/ThirdID 串联多段 AI 调用的血缘。
type LlmData struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	DemandID      *uint          `gorm:"index" json:"demand_id"`
	SupplyID      *uint          `gorm:"index" json:"supply_id"`
	EventType     string         `gorm:"index" json:"event_type"`
	Res           datatypes.JSON `json:"res"`
	Model         string         `json:"model"`
	ParentID      *int64         `gorm:"index" json:"parent_id"`
	ThirdID       *int64         `gorm:"index" json:"third_id"`
	Context       datatypes.JSON `json:"context"`
	DemandVersion int            `json:"demand_version"`
	SupplyVersion int            `json:"supply_version"`
	CreatedAt     time.Time      `json:"created_at"`
}

// MatchResult 是一次需求×简历配对的计算结果，按 (demand_id, supply_id) 覆盖写。
// 版本戳等于实体当前版本时结果有效，否则视为过期。
type MatchResult struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	DemandID      uint           `gorm:"uniqueIndex:ux_match_pair,priority:1" json:"demand_id"`
	SupplyID      uint           `gorm:"uniqueIndex:ux_match_pair,priority:2" json:"supply_id"`
	Score         float64        `json:"score"`
	WarningMsg    datatypes.JSON `json:"warning_msg"`
	YearsData     datatypes.JSON `json:"years_data"`
	DemandRole    string         `json:"demand_role"`
	DemandVersion int            `gorm:"default:0" json:"demand_version"`
	SupplyVersion int            `gorm:"default:0" json:"supply_version"`
	RejectType    string         `json:"reject_type"`
	RejectReason  string         `json:"reject_reason"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Case 是人工跟进的供需配对（supply_demand_link），与自动打分互不干扰。
// 五个状态槽位对应人工流程的不同维度，Status5 标记自动匹配来源。
type Case struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	SupplyID      uint           `gorm:"index" json:"supply_id"`
	DemandID      uint           `gorm:"index" json:"demand_id"`
	Name          string         `json:"name"`
	Remark        string         `json:"remark"`
	Result        string         `json:"result"`
	Status1       string         `json:"status1"`
	Status2       string         `json:"status2"`
	Status3       string         `json:"status3"`
	Status4       string         `json:"status4"`
	Status5       string         `json:"status5"`
	Score         float64        `json:"score"`
	WarningMsg    datatypes.JSON `json:"warning_msg"`
	DemandRole    string         `json:"demand_role"`
	DemandVersion int            `gorm:"default:0" json:"demand_version"`
	SupplyVersion int            `gorm:"default:0" json:"supply_version"`
	OwnerID       uint           `json:"owner_id"`
	DepartmentID  uint           `json:"department_id"`
	Active        bool           `gorm:"default:true" json:"active"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// 自动匹配建案时的初始状态。
const (
	CaseStatusInit      = "待确认"
	CaseStatusAutoMatch = "自动匹配"
)

// caseStatusLevel 用于时间戳相同情况下的状态排序。
var caseStatusLevel = map[string]int{
	"待确认":   1,
	"提案可否确认": 2,
	"提案済":   3,
	"面试调整中": 6,
	"面试设定済": 9,
	"结果等待":  12,
	"条件交涉":  27,
	"受注":    28,
	"入場処理":  29,
	"退場処理":  31,
}

// CaseStatusLevel 返回状态的层级，未知状态返回 0。
func CaseStatusLevel(status string) int {
	return caseStatusLevel[status]
}

// CaseStatus 是案件状态历史，只追加不修改。
type CaseStatus struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CaseID    uint      `gorm:"index" json:"case_id"`
	Status    string    `json:"status"`
	Level     int       `json:"level"`
	Remark    string    `json:"remark"`
	Active    bool      `gorm:"default:true" json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Notice 是站内通知，推送失败时作为兜底的持久化记录。
type Notice struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	ReceiverID uint      `gorm:"index" json:"receiver_id"`
	Type       string    `json:"type"`
	Content    string    `json:"content"`
	Model      string    `json:"model"`
	Reason     string    `json:"reason"`
	IsRead     bool      `gorm:"default:false" json:"is_read"`
	CreatedAt  time.Time `json:"created_at"`
}

// 任务执行结果。
const (
	TaskStatusSuccess = "success"
	TaskStatusFailure = "failure"
)

// TaskLog 记录一次后台匹配任务的执行情况，只追加。
type TaskLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TaskID    string    `gorm:"index" json:"task_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}
