package generation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"forma-3d-server/modules/common/model"
	"forma-3d-server/modules/provider"
)

// Reconciler - 로컬 레코드를 provider의 최신 상태와 일치시킨다
// 폴링과 webhook이 같은 Reconcile로 수렴하므로 겹쳐 돌아도 안전해야 한다:
// 종료 전이는 전부 조건부 업데이트로 한 번만 일어난다
type Reconciler struct {
	store   Store
	ledger  Ledger
	storage ObjectStorage
	prov    provider.Client
	feed    Notifier

	maxAttempts int
	baseDelay   time.Duration
	sleep       func(time.Duration) // 테스트에서 교체
}

// NewReconciler - Reconciler 생성
func NewReconciler(store Store, ledger Ledger, storage ObjectStorage, prov provider.Client, feed Notifier, maxAttempts int, baseDelay time.Duration) *Reconciler {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	return &Reconciler{
		store:       store,
		ledger:      ledger,
		storage:     storage,
		prov:        prov,
		feed:        feed,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		sleep:       time.Sleep,
	}
}

// Reconcile - 레코드 1건 대사
// 이미 종료된 레코드는 no-op (중복 webhook / 겹친 폴링 방어)
func (r *Reconciler) Reconcile(ctx context.Context, gen *model.Generation) error {
	if model.IsTerminal(gen.Status()) {
		return nil
	}
	if gen.PredictionID == nil || *gen.PredictionID == "" {
		// 아직 제출 전 - 대사할 것이 없음
		return nil
	}

	predictionID := *gen.PredictionID

	var status *provider.JobStatus
	err := r.withBackoff(ctx, fmt.Sprintf("status check for %s", predictionID), func() error {
		st, stErr := r.prov.GetStatus(ctx, predictionID)
		if stErr != nil {
			return stErr
		}
		status = st
		return nil
	})
	if err != nil {
		// 재시도 예산 소진 - 강제 종료 실패 처리
		r.failOnce(ctx, gen, "status check exhausted retries")
		return nil
	}

	return r.apply(ctx, gen, status)
}

// ReconcileWithStatus - webhook 수신 경로
// 서명 검증을 거친 페이로드의 상태를 그대로 반영한다 - provider 재조회 없음.
// 로컬 레코드가 없으면 조용히 버린다 (삭제 후 도착한 webhook 등)
func (r *Reconciler) ReconcileWithStatus(ctx context.Context, predictionID string, status *provider.JobStatus) error {
	gen, err := r.store.GetByPredictionID(ctx, predictionID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			log.Printf("⏭️  No local record for prediction %s, dropping", predictionID)
			return nil
		}
		return err
	}
	if model.IsTerminal(gen.Status()) {
		return nil
	}
	return r.apply(ctx, gen, status)
}

// apply - provider 상태를 로컬 상태 머신에 반영
func (r *Reconciler) apply(ctx context.Context, gen *model.Generation, status *provider.JobStatus) error {
	generationID := gen.GenerationID

	switch status.State {
	case provider.StateQueued, provider.StateProcessing:
		// submitted → polling 은 한 번만 (관찰 표시)
		changed, err := r.store.UpdateIfStatusIn(ctx, generationID, map[string]interface{}{
			"generation_status": model.StatusPolling,
		}, model.StatusSubmitted)
		if err != nil {
			return err
		}
		if changed {
			r.feed.Publish(generationID, model.StatusPolling, "")
		}
		return nil

	case provider.StateSucceeded:
		// 이미 아티팩트가 저장돼 있으면 재다운로드 생략 (멱등)
		if gen.ModelURL != nil && *gen.ModelURL != "" {
			log.Printf("⏭️  Generation %s already has model URL, skipping", generationID)
			return nil
		}
		if status.ModelURL == "" {
			r.failOnce(ctx, gen, "provider returned no artifact")
			return nil
		}
		return r.persistArtifact(ctx, gen, status.ModelURL)

	case provider.StateFailed:
		detail := status.Detail
		if detail == "" {
			detail = "generation failed"
		}
		r.failOnce(ctx, gen, detail)
		return nil

	default:
		log.Printf("⚠️  Unknown provider state %q for %s", status.State, generationID)
		return nil
	}
}

// persistArtifact - 아티팩트를 영구 저장소로 복사한 뒤에만 completed로 전이
// model_url 설정과 상태 전이는 한 업데이트로 묶는다 (둘 중 하나만 보이는 상태 없음)
func (r *Reconciler) persistArtifact(ctx context.Context, gen *model.Generation, artifactURL string) error {
	generationID := gen.GenerationID

	var data []byte
	err := r.withBackoff(ctx, fmt.Sprintf("artifact download for %s", generationID), func() error {
		d, dlErr := r.storage.Download(ctx, artifactURL)
		if dlErr != nil {
			return dlErr
		}
		data = d
		return nil
	})
	if err != nil {
		r.failOnce(ctx, gen, "status check exhausted retries")
		return nil
	}

	// 경로가 generation id로 결정적이라 겹쳐 돌아도 객체는 하나
	modelPath := fmt.Sprintf("models/user-%s/model-%s.glb", gen.MemberID, generationID)

	var permanentURL string
	err = r.withBackoff(ctx, fmt.Sprintf("artifact upload for %s", generationID), func() error {
		url, upErr := r.storage.UploadModel(ctx, data, modelPath)
		if upErr != nil {
			return upErr
		}
		permanentURL = url
		return nil
	})
	if err != nil {
		r.failOnce(ctx, gen, "status check exhausted retries")
		return nil
	}

	changed, err := r.store.UpdateIfStatusIn(ctx, generationID, map[string]interface{}{
		"model_url":         permanentURL,
		"generation_status": model.StatusCompleted,
	}, model.StatusSubmitted, model.StatusPolling)
	if err != nil {
		return err
	}

	if !changed {
		// 다른 reconcile 경로가 먼저 끝냈음
		log.Printf("⏭️  Generation %s already finalized elsewhere", generationID)
		return nil
	}

	if err := r.ledger.IncrementGenerated(ctx, gen.MemberID); err != nil {
		log.Printf("⚠️  Failed to bump generation counter for %s: %v", gen.MemberID, err)
	}

	r.feed.Publish(generationID, model.StatusCompleted, "")
	log.Printf("🎉 Generation %s completed: %s", generationID, permanentURL)
	return nil
}

// failOnce - 종료 실패 전이 + 환불, 조건부 업데이트로 정확히 한 번만
func (r *Reconciler) failOnce(ctx context.Context, gen *model.Generation, reason string) {
	generationID := gen.GenerationID

	changed, err := r.store.UpdateIfStatusIn(ctx, generationID, map[string]interface{}{
		"generation_status": model.StatusFailed,
		"error_reason":      reason,
	}, model.StatusSubmitted, model.StatusPolling)
	if err != nil {
		log.Printf("❌ Failed to mark %s failed: %v", generationID, err)
		return
	}

	if !changed {
		// 이미 종료된 레코드 - 환불도 없음
		return
	}

	if refundErr := r.ledger.Refund(ctx, gen.MemberID, generationID); refundErr != nil {
		log.Printf("❌ Failed to refund member %s for %s: %v", gen.MemberID, generationID, refundErr)
	}

	r.feed.Publish(generationID, model.StatusFailed, reason)
	log.Printf("❌ Generation %s failed: %s", generationID, reason)
}

// withBackoff - 일시 오류용 제한된 지수 백오프 재시도
// 재귀 호출 대신 명시적 루프 (호출 스택과 무관하게 동작)
func (r *Reconciler) withBackoff(ctx context.Context, desc string, fn func() error) error {
	var lastErr error

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := fn(); err != nil {
			lastErr = err
			log.Printf("⚠️  %s failed (attempt %d/%d): %v", desc, attempt, r.maxAttempts, err)
			if attempt < r.maxAttempts {
				r.sleep(r.baseDelay * (1 << (attempt - 1)))
			}
			continue
		}
		return nil
	}

	return fmt.Errorf("%s exhausted %d attempts: %w", desc, r.maxAttempts, lastErr)
}
