package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"forma-3d-server/modules/provider"
	"forma-3d-server/modules/provider/trellis"
)

// Reconciler - 검증된 provider 상태를 로컬 레코드에 반영하는 최소 인터페이스
type Reconciler interface {
	ReconcileWithStatus(ctx context.Context, predictionID string, status *provider.JobStatus) error
}

// Verifier - webhook 서명 검증 (trellis.Service가 구현)
type Verifier interface {
	VerifyWebhookSignature(webhookID, timestamp, signatureHeader string, body []byte) error
}

// Handler - provider 완료 webhook 수신 핸들러
// webhook은 힌트일 뿐이고 폴링과 같은 reconcile로 수렴하므로 유실돼도 안전하다
type Handler struct {
	verifier   Verifier
	reconciler Reconciler
}

// NewHandler - Handler 생성
func NewHandler(verifier Verifier, reconciler Reconciler) *Handler {
	return &Handler{
		verifier:   verifier,
		reconciler: reconciler,
	}
}

// RegisterRoutes - 라우트 등록
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/webhooks/trellis", h.HandleTrellis).Methods("POST")
	log.Println("✅ Webhook routes registered: /api/webhooks/trellis")
}

// HandleTrellis - POST /api/webhooks/trellis
func (h *Handler) HandleTrellis(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("❌ [Webhook] Failed to read body: %v", err)
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if err := h.verifier.VerifyWebhookSignature(
		r.Header.Get("webhook-id"),
		r.Header.Get("webhook-timestamp"),
		r.Header.Get("webhook-signature"),
		body,
	); err != nil {
		log.Printf("⚠️  [Webhook] Signature verification failed: %v", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var prediction trellis.Prediction
	if err := json.Unmarshal(body, &prediction); err != nil {
		log.Printf("❌ [Webhook] Invalid payload: %v", err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if prediction.ID == "" {
		http.Error(w, "missing prediction id", http.StatusBadRequest)
		return
	}

	log.Printf("📥 [Webhook] Received %s event for prediction %s", prediction.Status, prediction.ID)

	// 서명이 확인된 페이로드는 그대로 믿는다 - provider 재조회 없이 반영
	// 실패해도 200: provider 재전송 폭주 대신 sweep이 회수한다
	status := trellis.MapPrediction(&prediction)
	if err := h.reconciler.ReconcileWithStatus(r.Context(), prediction.ID, status); err != nil {
		log.Printf("⚠️  [Webhook] Reconcile failed for prediction %s: %v", prediction.ID, err)
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"received":true}`))
}
