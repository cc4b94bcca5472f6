package trellis

import "encoding/json"

// PredictionRequest - Replicate prediction 생성 요청
type PredictionRequest struct {
	Version             string                 `json:"version"`
	Input               map[string]interface{} `json:"input"`
	Webhook             string                 `json:"webhook,omitempty"`
	WebhookEventsFilter []string               `json:"webhook_events_filter,omitempty"`
}

// Prediction - Replicate prediction 응답 (생성/조회/webhook 공통)
type Prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"` // starting, processing, succeeded, failed, canceled
	Error  *string         `json:"error"`
	Output json.RawMessage `json:"output"`
}

// predictionOutput - Trellis output 오브젝트 형태
// 버전에 따라 output이 문자열 하나인 경우도 있어 별도 처리
type predictionOutput struct {
	ModelFile string `json:"model_file"`
}
