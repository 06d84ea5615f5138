package matcher

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/zhouchongyu/work-assistant-sub001/internal/model"
	"github.com/zhouchongyu/work-assistant-sub001/internal/storage"
)

func newTestEngine(t *testing.T) (*Engine, *storage.Store) {
	t.Helper()

	store, err := storage.NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return NewEngine(store, DefaultWeights(), nil), store
}

func TestMatchDemandScoring(t *testing.T) {
	t.Parallel()

	engine, store := newTestEngine(t)
	ctx := context.Background()

	d := &model.Demand{
		Name: "backend", SkillX: "go,mysql", SkillY: "docker",
		Version: 2, AnalysisStatus: model.AnalysisDone, Active: true,
	}
	if err := store.CreateDemand(ctx, d); err != nil {
		t.Fatalf("CreateDemand error: %v", err)
	}

	sp := &model.Supply{
		Code: "S-1", SkillX: "go", SkillY: "docker,k8s",
		Version: 3, AnalysisStatus: model.AnalysisDone, Active: true,
	}
	if err := store.CreateSupply(ctx, sp); err != nil {
		t.Fatalf("CreateSupply error: %v", err)
	}

	summary, err := engine.MatchDemand(ctx, d.ID)
	if err != nil {
		t.Fatalf("MatchDemand error: %v", err)
	}
	if summary.Accepted != 1 || summary.Rejected != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	rows, err := store.ListMatchResults(ctx, d.ID)
	if err != nil {
		t.Fatalf("ListMatchResults error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 result, got %d", len(rows))
	}

	// x 命中 1/2，y 命中 1/1，z 无要求：0.5*0.5 + 0.3*1 + 0.2*1 = 0.75。
	if math.Abs(rows[0].Score-75) > 1e-9 {
		t.Fatalf("expected score 75, got %v", rows[0].Score)
	}
	if rows[0].DemandVersion != 2 || rows[0].SupplyVersion != 3 {
		t.Fatalf("wrong version stamps: %+v", rows[0])
	}

	got, err := store.GetDemand(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDemand error: %v", err)
	}
	if !got.HaveMatch {
		t.Fatal("expected have_match after accepted results")
	}

	// 同样的输入再跑一遍结果必须一致。
	again, err := engine.MatchDemand(ctx, d.ID)
	if err != nil {
		t.Fatalf("second MatchDemand error: %v", err)
	}
	if again.Accepted != 1 {
		t.Fatalf("expected deterministic rerun, got %+v", again)
	}
	rows, _ = store.ListMatchResults(ctx, d.ID)
	if len(rows) != 1 || math.Abs(rows[0].Score-75) > 1e-9 {
		t.Fatalf("rerun changed results: %+v", rows)
	}
}

func TestMatchDemandHardFilters(t *testing.T) {
	t.Parallel()

	engine, store := newTestEngine(t)
	ctx := context.Background()

	d := &model.Demand{
		Name: "bilingual", JapaneseLevel: "N1", UnitPriceMax: 70,
		Version: 1, AnalysisStatus: model.AnalysisDone, Active: true,
	}
	if err := store.CreateDemand(ctx, d); err != nil {
		t.Fatalf("CreateDemand error: %v", err)
	}

	lowJapanese := &model.Supply{
		Code: "S-1", JapaneseLevel: "N3", Price: 50,
		Version: 1, AnalysisStatus: model.AnalysisDone, Active: true,
	}
	tooExpensive := &model.Supply{
		Code: "S-2", JapaneseLevel: "N1", Price: 90,
		Version: 1, AnalysisStatus: model.AnalysisDone, Active: true,
	}
	passes := &model.Supply{
		Code: "S-3", JapaneseLevel: "native", Price: 60,
		Version: 1, AnalysisStatus: model.AnalysisDone, Active: true,
	}
	for _, sp := range []*model.Supply{lowJapanese, tooExpensive, passes} {
		if err := store.CreateSupply(ctx, sp); err != nil {
			t.Fatalf("CreateSupply error: %v", err)
		}
	}

	summary, err := engine.MatchDemand(ctx, d.ID)
	if err != nil {
		t.Fatalf("MatchDemand error: %v", err)
	}
	if summary.Accepted != 1 || summary.Rejected != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	rows, err := store.ListMatchResults(ctx, d.ID)
	if err != nil {
		t.Fatalf("ListMatchResults error: %v", err)
	}
	bySupply := make(map[uint]model.MatchResult, len(rows))
	for _, row := range rows {
		bySupply[row.SupplyID] = row
	}
	if bySupply[lowJapanese.ID].RejectType != RejectLanguage {
		t.Fatalf("expected language reject, got %+v", bySupply[lowJapanese.ID])
	}
	if bySupply[tooExpensive.ID].RejectType != RejectPrice {
		t.Fatalf("expected price reject, got %+v", bySupply[tooExpensive.ID])
	}
	if bySupply[passes.ID].RejectType != "" {
		t.Fatalf("expected pass, got %+v", bySupply[passes.ID])
	}
}

func TestMatchDemandNotAnalyzed(t *testing.T) {
	t.Parallel()

	engine, store := newTestEngine(t)
	ctx := context.Background()

	d := &model.Demand{Name: "pending", Version: 1, AnalysisStatus: model.AnalysisPending, Active: true}
	if err := store.CreateDemand(ctx, d); err != nil {
		t.Fatalf("CreateDemand error: %v", err)
	}

	if _, err := engine.MatchDemand(ctx, d.ID); !errors.Is(err, ErrNotAnalyzed) {
		t.Fatalf("expected ErrNotAnalyzed, got %v", err)
	}
}

func TestMatchDemandNoCandidates(t *testing.T) {
	t.Parallel()

	engine, store := newTestEngine(t)
	ctx := context.Background()

	d := &model.Demand{Name: "lonely", Version: 1, AnalysisStatus: model.AnalysisDone, Active: true}
	if err := store.CreateDemand(ctx, d); err != nil {
		t.Fatalf("CreateDemand error: %v", err)
	}

	summary, err := engine.MatchDemand(ctx, d.ID)
	if err != nil {
		t.Fatalf("MatchDemand error: %v", err)
	}
	if summary.Candidates != 0 || summary.Accepted != 0 {
		t.Fatalf("expected empty summary, got %+v", summary)
	}

	got, err := store.GetDemand(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDemand error: %v", err)
	}
	if got.HaveMatch {
		t.Fatal("have_match must stay false with no candidates")
	}
}

func TestCoverage(t *testing.T) {
	t.Parallel()

	cases := []struct {
		required string
		offered  string
		want     float64
	}{
		{"", "anything", 1},
		{"go,mysql", "go,mysql", 1},
		{"go,mysql", "GO、redis", 0.5},
		{"go", "", 0},
		{"go / docker", "docker", 0.5},
	}
	for _, tc := range cases {
		offered := supplyProfile(nil, tc.offered)
		if got := coverage(tc.required, offered, map[string]float64{}); got != tc.want {
			t.Fatalf("coverage(%q, %q) = %v, want %v", tc.required, tc.offered, got, tc.want)
		}
	}
}

func TestMatchDemandUsesNormalizedVectors(t *testing.T) {
	t.Parallel()

	engine, store := newTestEngine(t)
	ctx := context.Background()

	d := &model.Demand{
		Name: "backend", SkillX: "go,mysql",
		Version: 1, AnalysisStatus: model.AnalysisDone, Active: true,
	}
	if err := store.CreateDemand(ctx, d); err != nil {
		t.Fatalf("CreateDemand error: %v", err)
	}

	// 技能串为空，命中只能来自解析出的归一化向量。
	sp := &model.Supply{
		Code: "S-1", YearsOfWork: 8,
		Version: 1, AnalysisStatus: model.AnalysisDone, Active: true,
	}
	if err := store.CreateSupply(ctx, sp); err != nil {
		t.Fatalf("CreateSupply error: %v", err)
	}
	if err := store.SaveSupplyAI(ctx, &model.SupplyAI{
		SupplyID: sp.ID,
		XData:    []byte(`[{"name":"Go","years":5},{"name":"MySQL","years":3}]`),
	}); err != nil {
		t.Fatalf("SaveSupplyAI error: %v", err)
	}

	summary, err := engine.MatchDemand(ctx, d.ID)
	if err != nil {
		t.Fatalf("MatchDemand error: %v", err)
	}
	if summary.Accepted != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	rows, err := store.ListMatchResults(ctx, d.ID)
	if err != nil {
		t.Fatalf("ListMatchResults error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 result, got %d", len(rows))
	}
	// x 全命中，y/z 无要求：满分。
	if math.Abs(rows[0].Score-100) > 1e-9 {
		t.Fatalf("expected score 100 from normalized vectors, got %v", rows[0].Score)
	}

	var years struct {
		YearsOfWork float64            `json:"years_of_work"`
		Skills      map[string]float64 `json:"skills"`
	}
	if err := json.Unmarshal(rows[0].YearsData, &years); err != nil {
		t.Fatalf("decode years_data: %v", err)
	}
	if years.YearsOfWork != 8 {
		t.Fatalf("expected years_of_work 8, got %v", years.YearsOfWork)
	}
	if years.Skills["go"] != 5 || years.Skills["mysql"] != 3 {
		t.Fatalf("expected per-skill years, got %v", years.Skills)
	}
}
