package generation

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"forma-3d-server/modules/bgremoval"
	"forma-3d-server/modules/common/model"
	"forma-3d-server/modules/common/utils"
	"forma-3d-server/modules/provider"
)

var (
	// ErrFrontPhotoRequired - front 뷰 없이는 생성 시작 불가
	ErrFrontPhotoRequired = errors.New("front photo is required")
	// ErrNotRetryable - failed 상태가 아닌 레코드는 재시도 불가
	ErrNotRetryable = errors.New("generation is not in a retryable state")
)

// Orchestrator - 생성 요청 1건의 상태 머신을 진행시키는 본체
// 크레딧 규칙: 외부 부수효과 전에 예약, 종료 실패 시 환불 1회, 성공 시 환불 없음
type Orchestrator struct {
	store   Store
	ledger  Ledger
	storage ObjectStorage
	remover BackgroundRemover
	prov    provider.Client
	feed    Notifier
}

// NewOrchestrator - Orchestrator 생성 (의존성 주입)
func NewOrchestrator(store Store, ledger Ledger, storage ObjectStorage, remover BackgroundRemover, prov provider.Client, feed Notifier) *Orchestrator {
	return &Orchestrator{
		store:   store,
		ledger:  ledger,
		storage: storage,
		remover: remover,
		prov:    prov,
		feed:    feed,
	}
}

// Start - 생성 요청 접수: 검증 → 크레딧 예약 → draft 레코드 생성
// 잔액 부족이면 레코드도, 업로드도, 어떤 부수효과도 만들지 않는다
func (o *Orchestrator) Start(ctx context.Context, memberID string, photos map[string]string, opts model.GenerationOptions) (*model.Generation, error) {
	// 입력 검증 (예약 전 - 크레딧 영향 없음)
	if photos[model.ViewFront] == "" {
		return nil, ErrFrontPhotoRequired
	}
	for view, encoded := range photos {
		if !model.IsValidView(view) {
			return nil, fmt.Errorf("unknown photo view: %s", view)
		}
		if _, err := utils.DecodeBase64Image(encoded); err != nil {
			return nil, fmt.Errorf("invalid %s photo: %w", view, err)
		}
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	// 계정 준비 (최초 접근 시 기본 잔액으로 생성)
	if _, err := o.ledger.GetOrCreate(ctx, memberID); err != nil {
		return nil, err
	}

	generationID := uuid.NewString()

	// 크레딧 예약 - 여기가 유일한 차감 지점
	if err := o.ledger.Reserve(ctx, memberID, generationID); err != nil {
		return nil, err
	}

	gen := &model.Generation{
		GenerationID:     generationID,
		MemberID:         memberID,
		GenerationStatus: model.StatusDraft,
		PhotoURLs:        map[string]string{},
		ProcessedURLs:    map[string]string{},
		PhotoPayload:     photos,
		ProviderName:     o.prov.Name(),
		Options:          opts,
	}

	if err := o.store.Create(ctx, gen); err != nil {
		// 레코드를 못 만들었으니 예약 원복
		if refundErr := o.ledger.Refund(ctx, memberID, generationID); refundErr != nil {
			log.Printf("❌ Failed to refund after create failure for %s: %v", generationID, refundErr)
		}
		return nil, err
	}

	o.feed.Publish(generationID, model.StatusDraft, "")
	log.Printf("🎯 Generation %s accepted for member %s", generationID, memberID)
	return gen, nil
}

// Process - draft 레코드를 submitted까지 진행 (worker에서 호출)
// draft → uploading_photos → removing_background → submitted
func (o *Orchestrator) Process(ctx context.Context, generationID string) error {
	gen, err := o.store.Get(ctx, generationID)
	if err != nil {
		return err
	}

	status := gen.Status()
	if !model.CanTransition(status, model.StatusUploadingPhotos) {
		// 이미 진행 중이거나 끝난 레코드 - 중복 큐 수신은 무시
		log.Printf("⏭️  Generation %s already in status %s, skipping process", generationID, status)
		return nil
	}

	// Phase 1: payload 디코드
	frontEncoded := gen.PhotoPayload[model.ViewFront]
	if frontEncoded == "" {
		return o.failAndRefund(ctx, gen, "front photo missing")
	}

	photoBytes := make(map[string][]byte, len(gen.PhotoPayload))
	for view, encoded := range gen.PhotoPayload {
		data, decodeErr := utils.DecodeBase64Image(encoded)
		if decodeErr != nil {
			return o.failAndRefund(ctx, gen, fmt.Sprintf("invalid %s photo data", view))
		}
		photoBytes[view] = data
	}

	// Phase 2: 원본 사진 업로드
	// draft 클레임을 조건부 업데이트로 가져간다 - 같은 id가 큐에 두 번 들어와도 한 쪽만 통과
	claimed, err := o.store.UpdateIfStatusIn(ctx, generationID, map[string]interface{}{
		"generation_status": model.StatusUploadingPhotos,
	}, model.StatusDraft)
	if err != nil {
		return err
	}
	if !claimed {
		log.Printf("⏭️  Generation %s claimed by another worker, skipping", generationID)
		return nil
	}
	o.feed.Publish(generationID, model.StatusUploadingPhotos, "")

	photoURLs := map[string]string{}
	for _, view := range model.ViewOrder {
		data, ok := photoBytes[view]
		if !ok {
			continue
		}

		contentType := utils.DetectImageContentType(data)
		path := fmt.Sprintf("photos/user-%s/%s-%s%s", gen.MemberID, generationID, view, extFor(contentType))

		url, uploadErr := o.storage.UploadRaw(ctx, data, contentType, path)
		if uploadErr != nil {
			// 부분 업로드 상태를 남기지 않음 - draft로 되돌리고 환불
			log.Printf("❌ Upload failed for %s view %s: %v", generationID, view, uploadErr)
			if revertErr := o.store.Update(ctx, generationID, map[string]interface{}{
				"generation_status": model.StatusDraft,
			}); revertErr != nil {
				log.Printf("❌ Failed to revert %s to draft: %v", generationID, revertErr)
			}
			if refundErr := o.ledger.Refund(ctx, gen.MemberID, generationID); refundErr != nil {
				log.Printf("❌ Failed to refund after upload failure for %s: %v", generationID, refundErr)
			}
			o.feed.Publish(generationID, model.StatusDraft, "photo upload failed")
			return fmt.Errorf("photo upload failed: %w", uploadErr)
		}
		photoURLs[view] = url
	}

	// Phase 3: 배경 제거 (front 뷰만 - 나머지 뷰는 원본 그대로 provider로)
	if err := o.store.Update(ctx, generationID, map[string]interface{}{
		"generation_status": model.StatusRemovingBackground,
		"photo_urls":        photoURLs,
		"photo_payload":     nil, // 업로드 끝난 base64는 비움
	}); err != nil {
		return err
	}
	gen.PhotoURLs = photoURLs
	o.feed.Publish(generationID, model.StatusRemovingBackground, "")

	processed, err := o.remover.RemoveBackground(ctx, photoBytes[model.ViewFront])
	if err != nil {
		reason := "background removal failed"
		if errors.Is(err, bgremoval.ErrNoSubject) {
			reason = "no subject detected"
		}
		if failErr := o.failAndRefund(ctx, gen, reason); failErr != nil {
			return failErr
		}
		return fmt.Errorf("background removal: %w", err)
	}

	processedPath := fmt.Sprintf("processed/user-%s/%s-front.webp", gen.MemberID, generationID)
	processedURL, err := o.storage.UploadProcessed(ctx, processed, processedPath)
	if err != nil {
		if failErr := o.failAndRefund(ctx, gen, "failed to store processed image"); failErr != nil {
			return failErr
		}
		return fmt.Errorf("processed upload: %w", err)
	}

	processedURLs := map[string]string{model.ViewFront: processedURL}
	if err := o.store.Update(ctx, generationID, map[string]interface{}{
		"processed_urls": processedURLs,
	}); err != nil {
		return err
	}
	gen.ProcessedURLs = processedURLs

	// Phase 4: provider 제출
	predictionID, err := o.submit(ctx, gen)
	if err != nil {
		if failErr := o.failAndRefund(ctx, gen, "3d job submission failed"); failErr != nil {
			return failErr
		}
		return fmt.Errorf("provider submit: %w", err)
	}

	if err := o.store.Update(ctx, generationID, map[string]interface{}{
		"prediction_id":     predictionID,
		"generation_status": model.StatusSubmitted,
	}); err != nil {
		return err
	}

	o.feed.Publish(generationID, model.StatusSubmitted, "")
	log.Printf("✅ Generation %s submitted to %s: %s", generationID, o.prov.Name(), predictionID)
	return nil
}

// Retry - failed 레코드를 submitted로 재진입
// 저장된 아티팩트를 재사용하고, 새로 크레딧을 예약한다 (이전 실패분은 이미 환불됨)
func (o *Orchestrator) Retry(ctx context.Context, generationID string) (*model.Generation, error) {
	gen, err := o.store.Get(ctx, generationID)
	if err != nil {
		return nil, err
	}

	if gen.Status() != model.StatusFailed {
		return nil, ErrNotRetryable
	}
	if !gen.HasFrontPhoto() {
		// 원본 아티팩트가 없으면 처음부터 다시 시작해야 함
		return nil, ErrFrontPhotoRequired
	}

	// failed → submitted 클레임을 예약보다 먼저 가져간다 - 동시 재시도(더블클릭)는
	// 한 쪽만 통과하고 나머지는 ErrNotRetryable. prediction_id를 비워두므로
	// 제출 전에 sweep이 레코드를 잡아도 no-op이다
	claimed, err := o.store.UpdateIfStatusIn(ctx, generationID, map[string]interface{}{
		"generation_status": model.StatusSubmitted,
		"prediction_id":     nil,
	}, model.StatusFailed)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrNotRetryable
	}

	if err := o.ledger.Reserve(ctx, gen.MemberID, generationID); err != nil {
		// 예약을 못 했으니 클레임 원복
		if revertErr := o.store.Update(ctx, generationID, map[string]interface{}{
			"generation_status": model.StatusFailed,
		}); revertErr != nil {
			log.Printf("❌ Failed to revert retry claim for %s: %v", generationID, revertErr)
		}
		return nil, err
	}

	// 배경 제거본이 사라졌으면 원본에서 다시 생성
	if !gen.HasProcessedFront() {
		log.Printf("🔄 Retry %s: processed front missing, re-running background removal", generationID)

		raw, dlErr := o.storage.Download(ctx, gen.PhotoURLs[model.ViewFront])
		if dlErr != nil {
			return nil, o.abortRetry(ctx, gen, "failed to fetch original photo", dlErr)
		}

		processed, rmErr := o.remover.RemoveBackground(ctx, raw)
		if rmErr != nil {
			reason := "background removal failed"
			if errors.Is(rmErr, bgremoval.ErrNoSubject) {
				reason = "no subject detected"
			}
			return nil, o.abortRetry(ctx, gen, reason, rmErr)
		}

		processedPath := fmt.Sprintf("processed/user-%s/%s-front.webp", gen.MemberID, generationID)
		processedURL, upErr := o.storage.UploadProcessed(ctx, processed, processedPath)
		if upErr != nil {
			return nil, o.abortRetry(ctx, gen, "failed to store processed image", upErr)
		}

		if gen.ProcessedURLs == nil {
			gen.ProcessedURLs = map[string]string{}
		}
		gen.ProcessedURLs[model.ViewFront] = processedURL
		if err := o.store.Update(ctx, generationID, map[string]interface{}{
			"processed_urls": gen.ProcessedURLs,
		}); err != nil {
			return nil, err
		}
	}

	predictionID, err := o.submit(ctx, gen)
	if err != nil {
		return nil, o.abortRetry(ctx, gen, "3d job submission failed", err)
	}

	// 상태는 클레임에서 이미 submitted - 새 prediction과 사유 정리만 남음
	if err := o.store.Update(ctx, generationID, map[string]interface{}{
		"prediction_id": predictionID,
		"error_reason":  nil,
	}); err != nil {
		return nil, err
	}

	gen.GenerationStatus = model.StatusSubmitted
	gen.PredictionID = &predictionID
	gen.ErrorReason = nil

	o.feed.Publish(generationID, model.StatusSubmitted, "retry")
	log.Printf("✅ Generation %s resubmitted: %s", generationID, predictionID)
	return gen, nil
}

// submit - 현재 아티팩트로 provider에 제출
func (o *Orchestrator) submit(ctx context.Context, gen *model.Generation) (string, error) {
	otherViews := map[string]string{}
	for view, url := range gen.PhotoURLs {
		if view != model.ViewFront {
			otherViews[view] = url
		}
	}

	return o.prov.Submit(ctx, provider.SubmitInput{
		FrontURL:   gen.ProcessedURLs[model.ViewFront],
		OtherViews: otherViews,
	}, gen.Options)
}

// failAndRefund - 종료 실패 처리 + 환불 (조건부 전이로 중복 환불 방지)
func (o *Orchestrator) failAndRefund(ctx context.Context, gen *model.Generation, reason string) error {
	changed, err := o.store.UpdateIfStatusIn(ctx, gen.GenerationID, map[string]interface{}{
		"generation_status": model.StatusFailed,
		"error_reason":      reason,
	}, model.StatusDraft, model.StatusUploadingPhotos, model.StatusRemovingBackground)

	if err != nil {
		return err
	}

	if changed {
		if refundErr := o.ledger.Refund(ctx, gen.MemberID, gen.GenerationID); refundErr != nil {
			log.Printf("❌ Failed to refund member %s for %s: %v", gen.MemberID, gen.GenerationID, refundErr)
		}
		o.feed.Publish(gen.GenerationID, model.StatusFailed, reason)
	}

	log.Printf("❌ Generation %s failed: %s", gen.GenerationID, reason)
	return nil
}

// abortRetry - 재시도 실패 처리: 새 예약 환불, 클레임을 failed로 원복, 사유 갱신
func (o *Orchestrator) abortRetry(ctx context.Context, gen *model.Generation, reason string, cause error) error {
	if refundErr := o.ledger.Refund(ctx, gen.MemberID, gen.GenerationID); refundErr != nil {
		log.Printf("❌ Failed to refund retry reservation for %s: %v", gen.GenerationID, refundErr)
	}
	if updateErr := o.store.Update(ctx, gen.GenerationID, map[string]interface{}{
		"generation_status": model.StatusFailed,
		"error_reason":      reason,
	}); updateErr != nil {
		log.Printf("⚠️  Failed to revert retry for %s: %v", gen.GenerationID, updateErr)
	}
	return fmt.Errorf("%s: %w", reason, cause)
}

// extFor - Content-Type에 대응하는 파일 확장자
func extFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
