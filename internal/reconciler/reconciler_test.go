package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/zhouchongyu/work-assistant-sub001/internal/ledger"
	"github.com/zhouchongyu/work-assistant-sub001/internal/model"
	"github.com/zhouchongyu/work-assistant-sub001/internal/storage"
)

type stubTrigger struct {
	mu  sync.Mutex
	ids []uint
}

func (s *stubTrigger) EnqueueDemand(id uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
	return true
}

func (s *stubTrigger) enqueued() []uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint(nil), s.ids...)
}

type stubNotifier struct {
	mu       sync.Mutex
	analysis int
	failed   int
	matched  int
	cases    int
}

func (s *stubNotifier) AnalysisDone(_ context.Context, _ ledger.Kind, _, _ uint, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analysis++
	if failed {
		s.failed++
	}
}

func (s *stubNotifier) MatchApplied(_ context.Context, _, _ uint, _ int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matched++
}

func (s *stubNotifier) CaseStatusChanged(_ context.Context, _, _ uint, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cases++
}

func newTestReconciler(t *testing.T) (*Reconciler, *storage.Store, *stubTrigger, *stubNotifier) {
	t.Helper()

	store, err := storage.NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	trigger := &stubTrigger{}
	notifier := &stubNotifier{}
	rec := New(store, ledger.New(store.DB()), trigger, notifier, nil)
	return rec, store, trigger, notifier
}

func resumePayload(t *testing.T, supplyID uint, thirdID int64) *Payload {
	t.Helper()

	analysis, err := json.Marshal(ResumeAnalysis{
		Basic: BasicInfo{
			Name:          "张三",
			Citizenship:   "中国",
			JapaneseLevel: "N2",
			YearsOfWork:   5,
			Price:         60,
		},
		Skills: SkillPayload{X: "go,mysql", Y: "docker"},
	})
	if err != nil {
		t.Fatalf("marshal analysis: %v", err)
	}
	return &Payload{
		EventType:   EventResume,
		ExtUniqueID: int64(supplyID),
		ThirdID:     thirdID,
		VersionTag:  "v2",
		Model:       "test-model",
		ExtraData:   ExtraData{Version: 1},
		Analysis:    analysis,
	}
}

func TestReconcileResumeDone(t *testing.T) {
	t.Parallel()

	rec, store, _, notifier := newTestReconciler(t)
	ctx := context.Background()

	sp := &model.Supply{Code: "S-1", UserID: 11, Version: 1, AnalysisStatus: model.AnalysisPending, Active: true}
	if err := store.CreateSupply(ctx, sp); err != nil {
		t.Fatalf("CreateSupply error: %v", err)
	}

	out, err := rec.Reconcile(ctx, resumePayload(t, sp.ID, 100))
	if err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if out.Status != OutcomeApplied {
		t.Fatalf("expected applied, got %s", out.Status)
	}
	if out.NewVersion != 2 {
		t.Fatalf("expected version 2, got %d", out.NewVersion)
	}

	got, err := store.GetSupply(ctx, sp.ID)
	if err != nil {
		t.Fatalf("GetSupply error: %v", err)
	}
	if got.AnalysisStatus != model.AnalysisDone {
		t.Fatalf("expected status done, got %q", got.AnalysisStatus)
	}
	if got.SkillX != "go,mysql" || got.JapaneseLevel != "N2" || got.AnalysisVersion != "v2" {
		t.Fatalf("extracted fields not merged: %+v", got)
	}

	ai, err := store.GetSupplyAI(ctx, sp.ID)
	if err != nil {
		t.Fatalf("GetSupplyAI error: %v", err)
	}
	if ai == nil {
		t.Fatal("expected supply ai row")
	}

	if notifier.analysis != 1 || notifier.failed != 0 {
		t.Fatalf("expected 1 success notification, got %+v", notifier)
	}
}

func TestReconcileDuplicateTerminalEvent(t *testing.T) {
	t.Parallel()

	rec, store, _, notifier := newTestReconciler(t)
	ctx := context.Background()

	sp := &model.Supply{Code: "S-1", Version: 1, AnalysisStatus: model.AnalysisPending, Active: true}
	if err := store.CreateSupply(ctx, sp); err != nil {
		t.Fatalf("CreateSupply error: %v", err)
	}

	if _, err := rec.Reconcile(ctx, resumePayload(t, sp.ID, 100)); err != nil {
		t.Fatalf("first Reconcile error: %v", err)
	}
	out, err := rec.Reconcile(ctx, resumePayload(t, sp.ID, 100))
	if err != nil {
		t.Fatalf("second Reconcile error: %v", err)
	}
	if out.Status != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", out.Status)
	}

	got, err := store.GetSupply(ctx, sp.ID)
	if err != nil {
		t.Fatalf("GetSupply error: %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("duplicate must not bump the version again, got %d", got.Version)
	}
	if notifier.analysis != 1 {
		t.Fatalf("duplicate must not notify again, got %d notifications", notifier.analysis)
	}
}

func TestReconcileOutOfOrderStart(t *testing.T) {
	t.Parallel()

	rec, store, _, _ := newTestReconciler(t)
	ctx := context.Background()

	sp := &model.Supply{Code: "S-1", Version: 1, AnalysisStatus: model.AnalysisPending, Active: true}
	if err := store.CreateSupply(ctx, sp); err != nil {
		t.Fatalf("CreateSupply error: %v", err)
	}

	if _, err := rec.Reconcile(ctx, resumePayload(t, sp.ID, 100)); err != nil {
		t.Fatalf("done event error: %v", err)
	}

	// 迟到的进度事件不能把终态拉回 analyzing。
	out, err := rec.Reconcile(ctx, &Payload{
		EventType:   EventResumeStart,
		ExtUniqueID: int64(sp.ID),
		ThirdID:     101,
	})
	if err != nil {
		t.Fatalf("late start event error: %v", err)
	}
	if out.Status != OutcomeApplied {
		t.Fatalf("expected applied, got %s", out.Status)
	}

	got, err := store.GetSupply(ctx, sp.ID)
	if err != nil {
		t.Fatalf("GetSupply error: %v", err)
	}
	if got.AnalysisStatus != model.AnalysisDone {
		t.Fatalf("terminal status must not regress, got %q", got.AnalysisStatus)
	}
	if got.Version != 2 {
		t.Fatalf("no-op merge must not bump version, got %d", got.Version)
	}
}

func TestReconcileFailureEvent(t *testing.T) {
	t.Parallel()

	rec, store, _, notifier := newTestReconciler(t)
	ctx := context.Background()

	d := &model.Demand{Name: "backend", OwnerID: 5, Version: 1, AnalysisStatus: model.AnalysisAnalyzing, Active: true}
	if err := store.CreateDemand(ctx, d); err != nil {
		t.Fatalf("CreateDemand error: %v", err)
	}

	out, err := rec.Reconcile(ctx, &Payload{
		EventType:   EventDemand,
		ExtUniqueID: int64(d.ID),
		ThirdID:     200,
		Error:       "model timeout",
	})
	if err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if out.Status != OutcomeApplied {
		t.Fatalf("expected applied, got %s", out.Status)
	}

	got, err := store.GetDemand(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDemand error: %v", err)
	}
	if got.AnalysisStatus != model.AnalysisFailed {
		t.Fatalf("expected failed, got %q", got.AnalysisStatus)
	}
	if notifier.failed != 1 {
		t.Fatalf("expected 1 failure notification, got %d", notifier.failed)
	}
}

func TestReconcileMatchEvent(t *testing.T) {
	t.Parallel()

	rec, store, _, notifier := newTestReconciler(t)
	ctx := context.Background()

	roleList, _ := json.Marshal(map[string]int{"backend": 1})
	d := &model.Demand{
		Name: "backend", Role: "backend", OwnerID: 5, DepartmentID: 2,
		RoleList: roleList, Version: 3,
		AnalysisStatus: model.AnalysisDone, Active: true,
	}
	if err := store.CreateDemand(ctx, d); err != nil {
		t.Fatalf("CreateDemand error: %v", err)
	}

	analysis, _ := json.Marshal(MatchAnalysis{
		Results: []MatchRow{
			{SupplyID: 10, Score: 92, SupplyVersion: 1, Role: "backend"},
			{SupplyID: 11, Score: 75, SupplyVersion: 1, Role: "backend"},
		},
		RoleList: map[string]int{"backend": 1},
	})
	out, err := rec.Reconcile(ctx, &Payload{
		EventType:   EventMatch,
		ExtUniqueID: int64(d.ID),
		ThirdID:     300,
		ExtraData:   ExtraData{DemandVersion: 3, SupplyTrigger: 10},
		Analysis:    analysis,
		LlmRaws: []RawTrace{
			{EventType: "match_trace", Model: "test-model", Res: json.RawMessage(`{"step":1}`)},
		},
	})
	if err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if out.Status != OutcomeApplied {
		t.Fatalf("expected applied, got %s", out.Status)
	}

	rows, err := store.ListMatchResults(ctx, d.ID)
	if err != nil {
		t.Fatalf("ListMatchResults error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 match results, got %d", len(rows))
	}
	if rows[0].Score != 92 || rows[0].DemandVersion != 3 {
		t.Fatalf("unexpected top row: %+v", rows[0])
	}

	got, err := store.GetDemand(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDemand error: %v", err)
	}
	if !got.HaveMatch {
		t.Fatal("expected have_match to be set")
	}
	if got.AnalysisStatus != model.AnalysisDone {
		t.Fatalf("expected done, got %q", got.AnalysisStatus)
	}

	// 限额为 1，只给最高分建案。
	var cases []model.Case
	if err := store.DB().Find(&cases).Error; err != nil {
		t.Fatalf("list cases error: %v", err)
	}
	if len(cases) != 1 {
		t.Fatalf("expected 1 auto case, got %d", len(cases))
	}
	if cases[0].SupplyID != 10 || cases[0].Status3 != model.CaseStatusInit || cases[0].Status5 != model.CaseStatusAutoMatch {
		t.Fatalf("unexpected case: %+v", cases[0])
	}

	statuses, err := store.ListCaseStatuses(ctx, cases[0].ID)
	if err != nil {
		t.Fatalf("ListCaseStatuses error: %v", err)
	}
	if len(statuses) != 1 {
		t.Fatalf("expected 1 case status entry, got %d", len(statuses))
	}

	if notifier.matched != 1 {
		t.Fatalf("expected 1 match notification, got %d", notifier.matched)
	}
	if notifier.cases != 1 {
		t.Fatalf("expected 1 case notification, got %d", notifier.cases)
	}

	// 主事件与痕迹行都带版本戳，触发匹配的简历进审计血缘。
	var audits []model.LlmData
	if err := store.DB().Order("id ASC").Find(&audits).Error; err != nil {
		t.Fatalf("list llm data error: %v", err)
	}
	if len(audits) != 2 {
		t.Fatalf("expected main event plus 1 trace, got %d rows", len(audits))
	}
	main, trace := audits[0], audits[1]
	if main.SupplyID == nil || *main.SupplyID != 10 {
		t.Fatalf("expected trigger supply 10 on audit row, got %+v", main.SupplyID)
	}
	if trace.EventType != "match_trace" {
		t.Fatalf("unexpected trace row: %+v", trace)
	}
	if trace.DemandVersion != 3 {
		t.Fatalf("trace row must carry the demand version stamp, got %d", trace.DemandVersion)
	}
	if trace.SupplyID == nil || *trace.SupplyID != 10 {
		t.Fatalf("trace row must inherit the audit lineage, got %+v", trace.SupplyID)
	}
}

func TestReconcileSupplyDoneEnqueuesLinkedDemands(t *testing.T) {
	t.Parallel()

	rec, store, trigger, _ := newTestReconciler(t)
	ctx := context.Background()

	sp := &model.Supply{Code: "S-1", Version: 1, AnalysisStatus: model.AnalysisPending, Active: true}
	if err := store.CreateSupply(ctx, sp); err != nil {
		t.Fatalf("CreateSupply error: %v", err)
	}
	if _, err := store.UpsertMatchResult(ctx, &model.MatchResult{DemandID: 77, SupplyID: sp.ID, DemandVersion: 1, SupplyVersion: 1}); err != nil {
		t.Fatalf("UpsertMatchResult error: %v", err)
	}

	if _, err := rec.Reconcile(ctx, resumePayload(t, sp.ID, 100)); err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}

	ids := trigger.enqueued()
	if len(ids) != 1 || ids[0] != 77 {
		t.Fatalf("expected demand 77 enqueued, got %v", ids)
	}
}

func TestReconcileValidation(t *testing.T) {
	t.Parallel()

	rec, _, _, _ := newTestReconciler(t)
	ctx := context.Background()

	if _, err := rec.Reconcile(ctx, &Payload{ExtUniqueID: 1}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for missing event_type, got %v", err)
	}
	if _, err := rec.Reconcile(ctx, &Payload{EventType: EventResume}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for missing ext_unique_id, got %v", err)
	}

	out, err := rec.Reconcile(ctx, &Payload{EventType: "mystery", ExtUniqueID: 1})
	if err != nil {
		t.Fatalf("unknown event type must be audit-only, got %v", err)
	}
	if out.Status != OutcomeLogged {
		t.Fatalf("expected logged, got %s", out.Status)
	}
}
