package model

import (
	"errors"
	"fmt"
	"time"

	"forma-3d-server/modules/common/fallback"
)

// 공용 sentinel 에러
var (
	ErrNotFound = errors.New("generation not found")
)

// 사진 뷰 이름 (front 필수, 나머지 선택)
const (
	ViewFront = "front"
	ViewLeft  = "left"
	ViewRight = "right"
	ViewBack  = "back"
)

// ViewOrder - 업로드/전송 시 뷰 순서 고정
var ViewOrder = []string{ViewFront, ViewLeft, ViewRight, ViewBack}

// IsValidView - 유효한 뷰 이름인지 확인
func IsValidView(view string) bool {
	for _, v := range ViewOrder {
		if v == view {
			return true
		}
	}
	return false
}

// Generation 상태 (canonical state machine)
const (
	StatusDraft              = "draft"
	StatusUploadingPhotos    = "uploading_photos"
	StatusRemovingBackground = "removing_background"
	StatusSubmitted          = "submitted"
	StatusPolling            = "polling"
	StatusCompleted          = "completed"
	StatusFailed             = "failed"
)

// legacyStatusMap - 과거 버전들이 저장한 상태값을 canonical 상태로 매핑
// (uploaded/bgr_removed/... 계열과 generating_3d_model 계열이 혼재했음)
var legacyStatusMap = map[string]string{
	"pending":             StatusDraft,
	"uploaded":            StatusUploadingPhotos,
	"bgr_removed":         StatusRemovingBackground,
	"job_created":         StatusSubmitted,
	"generating_3d_model": StatusPolling,
	"model_generated":     StatusPolling,
	"processing":          StatusPolling,
	"model_saved":         StatusCompleted,
	"error":               StatusFailed,
}

// NormalizeStatus - 저장된 상태값을 canonical 상태로 변환
// 쓰기는 항상 canonical 값만 사용하고, 읽기 시점에만 호출한다
func NormalizeStatus(status string) string {
	if mapped, ok := legacyStatusMap[status]; ok {
		return mapped
	}
	return status
}

// allowedTransitions - 상태 전이 테이블
// failed → submitted 는 명시적 재시도 경로
var allowedTransitions = map[string][]string{
	StatusDraft:              {StatusUploadingPhotos},
	StatusUploadingPhotos:    {StatusRemovingBackground},
	StatusRemovingBackground: {StatusSubmitted, StatusFailed},
	StatusSubmitted:          {StatusPolling, StatusFailed},
	StatusPolling:            {StatusCompleted, StatusFailed},
	StatusFailed:             {StatusSubmitted},
}

// CanTransition - from → to 전이가 허용되는지 확인
func CanTransition(from, to string) bool {
	for _, next := range allowedTransitions[NormalizeStatus(from)] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal - 종료 상태 여부 (completed / failed)
func IsTerminal(status string) bool {
	s := NormalizeStatus(status)
	return s == StatusCompleted || s == StatusFailed
}

// GenerationOptions - 3D 생성 옵션 (provider에 전달)
type GenerationOptions struct {
	EnablePBR         bool    `json:"enable_pbr"`
	ShouldRemesh      bool    `json:"should_remesh"`
	ShouldTexture     bool    `json:"should_texture"`
	TextureResolution int     `json:"texture_resolution,omitempty"`
	MeshSimplifyRatio float64 `json:"mesh_simplify_ratio,omitempty"`
}

// DefaultOptions - 기본 생성 옵션
func DefaultOptions() GenerationOptions {
	return GenerationOptions{
		ShouldTexture:     true,
		TextureResolution: 1024,
		MeshSimplifyRatio: 0.95,
	}
}

// OptionsFromMap - 클라이언트가 보낸 느슨한 옵션 JSON을 정규화
// 빠진 키, 문자열로 온 숫자, 음수는 전부 기본값으로 수렴한다
func OptionsFromMap(raw map[string]interface{}) GenerationOptions {
	defaults := DefaultOptions()
	if raw == nil {
		return defaults
	}
	return GenerationOptions{
		EnablePBR:         fallback.SafeBool(raw["enable_pbr"], defaults.EnablePBR),
		ShouldRemesh:      fallback.SafeBool(raw["should_remesh"], defaults.ShouldRemesh),
		ShouldTexture:     fallback.SafeBool(raw["should_texture"], defaults.ShouldTexture),
		TextureResolution: fallback.SafeInt(raw["texture_resolution"], defaults.TextureResolution),
		MeshSimplifyRatio: fallback.SafeFloat(raw["mesh_simplify_ratio"], defaults.MeshSimplifyRatio),
	}
}

// Validate - 옵션 값 검증
func (o *GenerationOptions) Validate() error {
	if o.TextureResolution != 0 {
		switch o.TextureResolution {
		case 512, 1024, 2048:
		default:
			return fmt.Errorf("invalid texture_resolution: %d (must be 512, 1024 or 2048)", o.TextureResolution)
		}
	}
	if o.MeshSimplifyRatio != 0 {
		if o.MeshSimplifyRatio <= 0 || o.MeshSimplifyRatio > 1 {
			return fmt.Errorf("invalid mesh_simplify_ratio: %f (must be in (0,1])", o.MeshSimplifyRatio)
		}
	}
	return nil
}

// Generation - forma_generation 테이블 구조 (생성 요청 1건)
type Generation struct {
	GenerationID     string            `json:"generation_id"`
	MemberID         string            `json:"member_id"`
	GenerationStatus string            `json:"generation_status"`
	PhotoURLs        map[string]string `json:"photo_urls"`
	ProcessedURLs    map[string]string `json:"processed_urls"`
	PhotoPayload     map[string]string `json:"photo_payload,omitempty"` // 업로드 전 base64 원본, 업로드 후 비움
	PredictionID     *string           `json:"prediction_id"`
	ProviderName     string            `json:"provider_name"`
	ModelURL         *string           `json:"model_url"`
	ErrorReason      *string           `json:"error_reason"`
	Options          GenerationOptions `json:"generation_options"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Status - legacy 값까지 정규화한 현재 상태
func (g *Generation) Status() string {
	return NormalizeStatus(g.GenerationStatus)
}

// HasFrontPhoto - front 뷰 URL이 저장돼 있는지 확인
func (g *Generation) HasFrontPhoto() bool {
	return g.PhotoURLs[ViewFront] != ""
}

// HasProcessedFront - 배경 제거된 front 뷰가 있는지 확인 (재시도 시 재처리 생략용)
func (g *Generation) HasProcessedFront() bool {
	return g.ProcessedURLs[ViewFront] != ""
}

// CreditAccount - forma_member 테이블의 크레딧 정보
type CreditAccount struct {
	MemberID       string `json:"member_id"`
	MemberCredit   int    `json:"member_credit"`
	TotalGenerated int    `json:"total_generated"`
}
