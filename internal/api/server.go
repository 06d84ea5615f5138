package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/zhouchongyu/work-assistant-sub001/internal/model"
	"github.com/zhouchongyu/work-assistant-sub001/internal/reconciler"
	"github.com/zhouchongyu/work-assistant-sub001/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 回调鉴权头。
const callbackTokenHeader = "x-callback-token"

// 统一响应码。回调接口除鉴权与 JSON 解析错误外一律返回 200，
// 处理失败记日志等回放，不让第三方进入重试风暴。
const (
	codeOK    = 1000
	codeError = 1001
)

// Store 抽象存储接口。
type Store interface {
	GetDemand(ctx context.Context, id uint) (*model.Demand, error)
	GetSupply(ctx context.Context, id uint) (*model.Supply, error)
	GetLlmData(ctx context.Context, id uint) (*model.LlmData, error)
	ListMatchResults(ctx context.Context, demandID uint) ([]model.MatchResult, error)
	ListNotices(ctx context.Context, q storage.NoticeQuery) ([]model.Notice, error)
	MarkNoticeRead(ctx context.Context, id uint) error
	ListTaskLogs(ctx context.Context, q storage.TaskLogQuery) ([]model.TaskLog, error)
}

// Reconciler 处理回调载荷。
type Reconciler interface {
	Reconcile(ctx context.Context, p *reconciler.Payload) (reconciler.Outcome, error)
}

// Trigger 把需求排进匹配队列。
type Trigger interface {
	EnqueueDemand(demandID uint) bool
}

// Scheduler 抽象调度接口，用于手动触发一轮扫描。
type Scheduler interface {
	RunOnce(ctx context.Context) (int, error)
}

// Config 是 API 层配置。
type Config struct {
	// CallbackToken 为空时跳过回调鉴权，用于本地联调。
	CallbackToken string `mapstructure:"callback_token" yaml:"callback_token" json:"callback_token"`
}

// matchView 是匹配结果的对外视图，附带过期标记。
type matchView struct {
	model.MatchResult
	Stale bool `json:"stale"`
}

// NewHandler 构造 HTTP 多路复用器。
func NewHandler(store Store, rec Reconciler, trigger Trigger, sched Scheduler, cfg Config, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// 回调边界：鉴权失败 403，JSON 坏掉 400，其余一律 200 信封。
	mux.HandleFunc("POST /api/resume/analyze/callback", func(w http.ResponseWriter, r *http.Request) {
		if cfg.CallbackToken != "" && r.Header.Get(callbackTokenHeader) != cfg.CallbackToken {
			writeJSON(w, http.StatusForbidden, envelope(codeError, "invalid token", nil))
			return
		}

		var p reconciler.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeJSON(w, http.StatusBadRequest, envelope(codeError, "invalid json", nil))
			return
		}

		out, err := rec.Reconcile(r.Context(), &p)
		if err != nil {
			requestLogger(r, logger).Error("reconcile callback failed",
				zap.String("event_type", p.EventType),
				zap.Int64("ext_unique_id", p.ExtUniqueID),
				zap.Error(err))
			writeJSON(w, http.StatusOK, envelope(codeOK, "accepted", nil))
			return
		}
		writeJSON(w, http.StatusOK, envelope(codeOK, "success", map[string]any{
			"status":  out.Status,
			"version": out.NewVersion,
		}))
	})

	mux.HandleFunc("POST /api/demand/{id}/match", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		if _, err := store.GetDemand(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		enqueued := trigger.EnqueueDemand(id)
		writeJSON(w, http.StatusAccepted, map[string]any{"demand_id": id, "enqueued": enqueued})
	})

	mux.HandleFunc("GET /api/demand/{id}/matches", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		d, err := store.GetDemand(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		rows, err := store.ListMatchResults(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}

		// 两侧版本戳都要等于实体当前版本才算有效，
		// 简历侧被编辑过或已删除的结果一律标过期。
		supplyVersions := make(map[uint]int, len(rows))
		views := make([]matchView, 0, len(rows))
		for _, row := range rows {
			liveSupply, ok := supplyVersions[row.SupplyID]
			if !ok {
				sp, err := store.GetSupply(r.Context(), row.SupplyID)
				switch {
				case errors.Is(err, gorm.ErrRecordNotFound):
					liveSupply = -1
				case err != nil:
					writeError(w, err)
					return
				default:
					liveSupply = sp.Version
				}
				supplyVersions[row.SupplyID] = liveSupply
			}
			views = append(views, matchView{
				MatchResult: row,
				Stale:       row.DemandVersion != d.Version || row.SupplyVersion != liveSupply,
			})
		}
		writeJSON(w, http.StatusOK, views)
	})

	mux.HandleFunc("POST /api/sweep", func(w http.ResponseWriter, r *http.Request) {
		if sched == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scheduler disabled"})
			return
		}
		enqueued, err := sched.RunOnce(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"enqueued": enqueued})
	})

	mux.HandleFunc("GET /api/notices", func(w http.ResponseWriter, r *http.Request) {
		q := storage.NoticeQuery{
			UnreadOnly: r.URL.Query().Get("unread") == "true",
		}
		if v, err := strconv.Atoi(r.URL.Query().Get("receiver_id")); err == nil && v > 0 {
			q.ReceiverID = uint(v)
		}
		if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
			q.Limit = v
		}
		rows, err := store.ListNotices(r.Context(), q)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rows)
	})

	mux.HandleFunc("POST /api/notices/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		if err := store.MarkNoticeRead(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /api/tasks/logs", func(w http.ResponseWriter, r *http.Request) {
		q := storage.TaskLogQuery{TaskID: r.URL.Query().Get("task_id")}
		if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
			q.Limit = v
		}
		rows, err := store.ListTaskLogs(r.Context(), q)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rows)
	})

	// 人工回放：从审计记录重建载荷再走一遍调解。
	mux.HandleFunc("POST /api/llm/data/{id}/replay", func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		raw, err := store.GetLlmData(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}

		out, err := rec.Reconcile(r.Context(), replayPayload(raw))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, envelope(codeOK, "replayed", map[string]any{
			"status":  out.Status,
			"version": out.NewVersion,
		}))
	})

	return withRequestLog(mux, logger)
}

// replayPayload 从审计行重建回调载荷。
// 刻意不带 third_id，避免回放被去重短路。
func replayPayload(raw *model.LlmData) *reconciler.Payload {
	p := &reconciler.Payload{
		EventType: raw.EventType,
		Model:     raw.Model,
		ParentID:  raw.ParentID,
		Analysis:  json.RawMessage(raw.Res),
	}
	switch {
	case raw.DemandID != nil:
		p.ExtUniqueID = int64(*raw.DemandID)
	case raw.SupplyID != nil:
		p.ExtUniqueID = int64(*raw.SupplyID)
	}
	if len(raw.Context) > 0 {
		_ = json.Unmarshal(raw.Context, &p.ExtraData)
	}
	return p
}

// withRequestLog 给每个请求挂 request_id 并记访问日志。
func withRequestLog(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("x-request-id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("x-request-id", requestID)

		start := time.Now()
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))

		logger.Info("http request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

type requestIDKey struct{}

func requestLogger(r *http.Request, logger *zap.Logger) *zap.Logger {
	if id, ok := r.Context().Value(requestIDKey{}).(string); ok {
		return logger.With(zap.String("request_id", id))
	}
	return logger
}

func pathID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	v, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || v <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return 0, false
	}
	return uint(v), true
}

func envelope(code int, msg string, data any) map[string]any {
	out := map[string]any{"code": code, "msg": msg}
	if data != nil {
		out["data"] = data
	}
	return out
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, gorm.ErrRecordNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
