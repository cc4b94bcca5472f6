package generation

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"forma-3d-server/modules/common/credit"
	"forma-3d-server/modules/common/model"
	redisqueue "forma-3d-server/modules/common/redis"
)

// RedisEnqueuer - generation:queue에 LPUSH하는 기본 Enqueuer
type RedisEnqueuer struct {
	rdb *redis.Client
}

// NewRedisEnqueuer - RedisEnqueuer 생성
func NewRedisEnqueuer(rdb *redis.Client) *RedisEnqueuer {
	return &RedisEnqueuer{rdb: rdb}
}

// Enqueue - 큐 등록
func (e *RedisEnqueuer) Enqueue(ctx context.Context, generationID string) error {
	if err := e.rdb.LPush(ctx, redisqueue.GenerationQueue, generationID).Err(); err != nil {
		return err
	}
	queueLen, _ := e.rdb.LLen(ctx, redisqueue.GenerationQueue).Result()
	log.Printf("📥 Generation %s enqueued (position: %d)", generationID, queueLen)
	return nil
}

// Handler - 생성 API 핸들러
type Handler struct {
	orchestrator *Orchestrator
	store        Store
	ledger       Ledger
	queue        Enqueuer
}

// NewHandler - Handler 생성
func NewHandler(orchestrator *Orchestrator, store Store, ledger Ledger, queue Enqueuer) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		store:        store,
		ledger:       ledger,
		queue:        queue,
	}
}

// RegisterRoutes - 라우트 등록
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/generate", h.HandleGenerate).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/generate/status", h.HandleStatus).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/generate/retry", h.HandleRetry).Methods("POST", "OPTIONS")
	log.Println("✅ Generation routes registered: /api/generate, /api/generate/status, /api/generate/retry")
}

// HandleGenerate - POST /api/generate
// 검증 → 크레딧 예약 → draft 레코드 → 큐 등록, 즉시 응답
func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("❌ [Generate] Invalid request: %v", err)
		writeJSON(w, http.StatusBadRequest, GenerateResponse{
			Success:      false,
			ErrorMessage: "Invalid request format",
			ErrorCode:    ErrCodeInvalidRequest,
		})
		return
	}

	if strings.TrimSpace(req.UserID) == "" {
		writeJSON(w, http.StatusUnauthorized, GenerateResponse{
			Success:      false,
			ErrorMessage: "User ID is required. Please sign in.",
			ErrorCode:    ErrCodeUnauthorized,
		})
		return
	}

	if strings.TrimSpace(req.Photos[model.ViewFront]) == "" {
		writeJSON(w, http.StatusBadRequest, GenerateResponse{
			Success:      false,
			ErrorMessage: "Front photo is required",
			ErrorCode:    ErrCodeImageRequired,
		})
		return
	}

	opts := model.OptionsFromMap(req.Options)

	gen, err := h.orchestrator.Start(r.Context(), req.UserID, req.Photos, opts)
	if err != nil {
		switch {
		case errors.Is(err, credit.ErrInsufficientCredits):
			writeJSON(w, http.StatusPaymentRequired, GenerateResponse{
				Success:      false,
				ErrorMessage: "Not enough credits",
				ErrorCode:    ErrCodeInsufficientCredits,
			})
		case errors.Is(err, ErrFrontPhotoRequired):
			writeJSON(w, http.StatusBadRequest, GenerateResponse{
				Success:      false,
				ErrorMessage: "Front photo is required",
				ErrorCode:    ErrCodeImageRequired,
			})
		default:
			log.Printf("❌ [Generate] Start failed: %v", err)
			writeJSON(w, http.StatusBadRequest, GenerateResponse{
				Success:      false,
				ErrorMessage: err.Error(),
				ErrorCode:    ErrCodeInvalidRequest,
			})
		}
		return
	}

	if err := h.queue.Enqueue(r.Context(), gen.GenerationID); err != nil {
		// 큐에 못 넣으면 worker가 영영 안 돌므로 예약 원복
		log.Printf("❌ [Generate] Enqueue failed for %s: %v", gen.GenerationID, err)
		if refundErr := h.ledger.Refund(r.Context(), gen.MemberID, gen.GenerationID); refundErr != nil {
			log.Printf("❌ [Generate] Refund after enqueue failure also failed: %v", refundErr)
		}
		writeJSON(w, http.StatusInternalServerError, GenerateResponse{
			Success:      false,
			ErrorMessage: "Failed to enqueue generation job",
			ErrorCode:    ErrCodeInternalError,
		})
		return
	}

	resp := GenerateResponse{
		Success: true,
		JobID:   gen.GenerationID,
		Status:  "queued",
	}
	if account, accErr := h.ledger.GetOrCreate(r.Context(), req.UserID); accErr == nil {
		resp.CreditsRemaining = &account.MemberCredit
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleStatus - GET /api/generate/status?job_id=
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		writeJSON(w, http.StatusBadRequest, StatusResponse{
			Success:      false,
			ErrorMessage: "job_id is required",
			ErrorCode:    ErrCodeInvalidRequest,
		})
		return
	}

	gen, err := h.store.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, StatusResponse{
				Success:      false,
				ErrorMessage: "Generation not found",
				ErrorCode:    ErrCodeNotFound,
			})
			return
		}
		log.Printf("❌ [Status] Fetch failed for %s: %v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, StatusResponse{
			Success:      false,
			ErrorMessage: "Failed to fetch generation",
			ErrorCode:    ErrCodeInternalError,
		})
		return
	}

	resp := StatusResponse{
		Success: true,
		JobID:   gen.GenerationID,
		Status:  gen.Status(),
	}
	if gen.ModelURL != nil {
		resp.ModelURL = *gen.ModelURL
	}
	if gen.ErrorReason != nil {
		resp.ErrorReason = *gen.ErrorReason
	}
	if gen.PredictionID != nil {
		resp.PredictionID = *gen.PredictionID
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleRetry - POST /api/generate/retry
// failed → submitted 재진입 (아티팩트 재사용, 새 예약)
func (h *Handler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	var req RetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID == "" {
		writeJSON(w, http.StatusBadRequest, GenerateResponse{
			Success:      false,
			ErrorMessage: "job_id is required",
			ErrorCode:    ErrCodeInvalidRequest,
		})
		return
	}

	gen, err := h.orchestrator.Retry(r.Context(), req.JobID)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrNotFound):
			writeJSON(w, http.StatusNotFound, GenerateResponse{
				Success:      false,
				ErrorMessage: "Generation not found",
				ErrorCode:    ErrCodeNotFound,
			})
		case errors.Is(err, ErrNotRetryable):
			writeJSON(w, http.StatusConflict, GenerateResponse{
				Success:      false,
				ErrorMessage: "Generation is not in a retryable state",
				ErrorCode:    ErrCodeNotRetryable,
			})
		case errors.Is(err, credit.ErrInsufficientCredits):
			writeJSON(w, http.StatusPaymentRequired, GenerateResponse{
				Success:      false,
				ErrorMessage: "Not enough credits",
				ErrorCode:    ErrCodeInsufficientCredits,
			})
		case errors.Is(err, ErrFrontPhotoRequired):
			writeJSON(w, http.StatusBadRequest, GenerateResponse{
				Success:      false,
				ErrorMessage: "Original photos are no longer available",
				ErrorCode:    ErrCodeImageRequired,
			})
		default:
			log.Printf("❌ [Retry] Failed for %s: %v", req.JobID, err)
			writeJSON(w, http.StatusInternalServerError, GenerateResponse{
				Success:      false,
				ErrorMessage: "Retry failed",
				ErrorCode:    ErrCodeInternalError,
			})
		}
		return
	}

	// worker가 폴링을 이어받도록 큐 등록 (Process는 non-draft를 건너뜀)
	if err := h.queue.Enqueue(r.Context(), gen.GenerationID); err != nil {
		log.Printf("⚠️  [Retry] Enqueue failed for %s, sweep will pick it up: %v", gen.GenerationID, err)
	}

	writeJSON(w, http.StatusOK, GenerateResponse{
		Success: true,
		JobID:   gen.GenerationID,
		Status:  gen.Status(),
	})
}

// setCORS - CORS 헤더 설정
func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

// writeJSON - 상태 코드와 함께 JSON 응답
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
