package generation

import (
	"context"

	"forma-3d-server/modules/common/model"
	"forma-3d-server/modules/provider"
)

// Store - Generation 레코드 저장소 (database.Client가 구현)
type Store interface {
	Get(ctx context.Context, generationID string) (*model.Generation, error)
	GetByPredictionID(ctx context.Context, predictionID string) (*model.Generation, error)
	ListByStatus(ctx context.Context, statuses ...string) ([]model.Generation, error)
	Create(ctx context.Context, gen *model.Generation) error
	Update(ctx context.Context, generationID string, fields map[string]interface{}) error
	UpdateIfStatusIn(ctx context.Context, generationID string, fields map[string]interface{}, allowed ...string) (bool, error)
}

// Ledger - 크레딧 원장 (credit.Client가 구현)
type Ledger interface {
	GetOrCreate(ctx context.Context, memberID string) (*model.CreditAccount, error)
	Reserve(ctx context.Context, memberID string, generationID string) error
	Refund(ctx context.Context, memberID string, generationID string) error
	IncrementGenerated(ctx context.Context, memberID string) error
}

// ObjectStorage - 파일 저장소 (storage.Client가 구현)
type ObjectStorage interface {
	UploadRaw(ctx context.Context, data []byte, contentType string, path string) (string, error)
	UploadProcessed(ctx context.Context, pngData []byte, path string) (string, error)
	UploadModel(ctx context.Context, data []byte, path string) (string, error)
	Download(ctx context.Context, url string) ([]byte, error)
}

// BackgroundRemover - 배경 제거 어댑터 (bgremoval.Service가 구현)
type BackgroundRemover interface {
	RemoveBackground(ctx context.Context, imageData []byte) ([]byte, error)
}

// Notifier - 상태 전이 push (statusfeed.Hub가 구현)
type Notifier interface {
	Publish(generationID, status, detail string)
}

// Enqueuer - 생성 작업 큐 등록
type Enqueuer interface {
	Enqueue(ctx context.Context, generationID string) error
}

// Provider - 외부 3D provider (re-export, 핸들러/워커에서 사용)
type Provider = provider.Client

// GenerateRequest - POST /api/generate 요청
// options는 클라이언트별 키 차이가 커서 느슨하게 받고 OptionsFromMap으로 정규화한다
type GenerateRequest struct {
	UserID  string                 `json:"userId"`
	Photos  map[string]string      `json:"photos"` // view name → base64 이미지
	Options map[string]interface{} `json:"options,omitempty"`
}

// GenerateResponse - POST /api/generate 응답
type GenerateResponse struct {
	Success          bool   `json:"success"`
	JobID            string `json:"jobId,omitempty"`
	Status           string `json:"status,omitempty"`
	CreditsRemaining *int   `json:"creditsRemaining,omitempty"`
	ErrorMessage     string `json:"errorMessage,omitempty"`
	ErrorCode        string `json:"errorCode,omitempty"`
}

// StatusResponse - GET /api/generate/status 응답
type StatusResponse struct {
	Success      bool   `json:"success"`
	JobID        string `json:"jobId,omitempty"`
	Status       string `json:"status,omitempty"`
	ModelURL     string `json:"modelUrl,omitempty"`
	ErrorReason  string `json:"errorReason,omitempty"`
	PredictionID string `json:"predictionId,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
}

// RetryRequest - POST /api/generate/retry 요청
type RetryRequest struct {
	JobID string `json:"job_id"`
}

// Error codes
const (
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeImageRequired       = "IMAGE_REQUIRED"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeNotRetryable        = "NOT_RETRYABLE"
	ErrCodeInternalError       = "INTERNAL_ERROR"
)
