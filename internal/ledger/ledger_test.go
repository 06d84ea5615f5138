package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/zhouchongyu/work-assistant-sub001/internal/model"
	"github.com/zhouchongyu/work-assistant-sub001/internal/storage"
)

func newTestLedger(t *testing.T) (*Ledger, *storage.Store) {
	t.Helper()

	store, err := storage.NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return New(store.DB()), store
}

func TestBumpAdvancesVersion(t *testing.T) {
	t.Parallel()

	lg, store := newTestLedger(t)
	ctx := context.Background()

	d := &model.Demand{Name: "backend", Version: 1, Active: true}
	if err := store.CreateDemand(ctx, d); err != nil {
		t.Fatalf("CreateDemand error: %v", err)
	}

	next, err := lg.Bump(ctx, KindDemand, d.ID, 1, map[string]any{"name": "backend v2"})
	if err != nil {
		t.Fatalf("Bump error: %v", err)
	}
	if next != 2 {
		t.Fatalf("expected version 2, got %d", next)
	}

	got, err := store.GetDemand(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDemand error: %v", err)
	}
	if got.Version != 2 || got.Name != "backend v2" {
		t.Fatalf("unexpected demand after bump: version=%d name=%q", got.Version, got.Name)
	}
}

func TestBumpConflictLeavesRowUntouched(t *testing.T) {
	t.Parallel()

	lg, store := newTestLedger(t)
	ctx := context.Background()

	d := &model.Demand{Name: "backend", Version: 2, Active: true}
	if err := store.CreateDemand(ctx, d); err != nil {
		t.Fatalf("CreateDemand error: %v", err)
	}

	_, err := lg.Bump(ctx, KindDemand, d.ID, 1, map[string]any{"name": "stale writer"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, err := store.GetDemand(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDemand error: %v", err)
	}
	if got.Version != 2 || got.Name != "backend" {
		t.Fatalf("conflicting bump must not modify the row: version=%d name=%q", got.Version, got.Name)
	}
}

func TestBumpMissingEntity(t *testing.T) {
	t.Parallel()

	lg, _ := newTestLedger(t)

	_, err := lg.Bump(context.Background(), KindSupply, 999, 1, map[string]any{"name": "ghost"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyRetriesOnInterleavedWrite(t *testing.T) {
	t.Parallel()

	lg, store := newTestLedger(t)
	ctx := context.Background()

	sp := &model.Supply{Code: "S-1", Version: 1, Active: true}
	if err := store.CreateSupply(ctx, sp); err != nil {
		t.Fatalf("CreateSupply error: %v", err)
	}

	// 第一轮读到版本后插队一次写入，迫使 Apply 走重试。
	interleaved := false
	next, err := lg.Apply(ctx, KindSupply, sp.ID, DefaultAttempts, func(version int) (map[string]any, error) {
		if !interleaved {
			interleaved = true
			if _, err := lg.Bump(ctx, KindSupply, sp.ID, version, map[string]any{"name": "sneaky"}); err != nil {
				t.Fatalf("interleaved bump error: %v", err)
			}
		}
		return map[string]any{"analysis_status": model.AnalysisDone}, nil
	})
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if next != 3 {
		t.Fatalf("expected version 3 after one conflict retry, got %d", next)
	}

	got, err := store.GetSupply(ctx, sp.ID)
	if err != nil {
		t.Fatalf("GetSupply error: %v", err)
	}
	if got.AnalysisStatus != model.AnalysisDone {
		t.Fatalf("expected status done, got %q", got.AnalysisStatus)
	}
	if got.Name != "sneaky" {
		t.Fatalf("interleaved write must survive, got name %q", got.Name)
	}
}

func TestApplyNilUpdatesSkipsWrite(t *testing.T) {
	t.Parallel()

	lg, store := newTestLedger(t)
	ctx := context.Background()

	sp := &model.Supply{Code: "S-2", Version: 5, Active: true}
	if err := store.CreateSupply(ctx, sp); err != nil {
		t.Fatalf("CreateSupply error: %v", err)
	}

	version, err := lg.Apply(ctx, KindSupply, sp.ID, DefaultAttempts, func(int) (map[string]any, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if version != 5 {
		t.Fatalf("expected version unchanged at 5, got %d", version)
	}
}
