package trellis

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"forma-3d-server/modules/common/config"
	"forma-3d-server/modules/common/model"
	"forma-3d-server/modules/provider"
)

const predictionsURL = "https://api.replicate.com/v1/predictions"

// Service - Replicate에 호스팅된 Firtoz-Trellis 모델 클라이언트
type Service struct {
	apiToken      string
	version       string
	webhookURL    string
	webhookSecret string
	httpClient    *http.Client
}

// NewService - Trellis 클라이언트 생성
func NewService() *Service {
	cfg := config.GetConfig()

	// "owner/name:hash" 형태면 hash만 사용
	version := cfg.TrellisVersion
	if idx := strings.LastIndex(version, ":"); idx >= 0 {
		version = version[idx+1:]
	}

	webhookURL := ""
	if cfg.WebhookBaseURL != "" {
		webhookURL = strings.TrimRight(cfg.WebhookBaseURL, "/") + "/api/webhooks/trellis"
	}

	return &Service{
		apiToken:      cfg.ReplicateAPIToken,
		version:       version,
		webhookURL:    webhookURL,
		webhookSecret: cfg.WebhookSecret,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (s *Service) Name() string {
	return "trellis"
}

// Submit - prediction 생성, prediction id 즉시 반환
// webhook URL이 설정돼 있으면 완료 이벤트 push도 함께 등록 (폴링과 병행)
func (s *Service) Submit(ctx context.Context, input provider.SubmitInput, opts model.GenerationOptions) (string, error) {
	// 이미지 순서 고정: front(배경 제거본) 먼저, 나머지 뷰 순서대로
	images := []string{input.FrontURL}
	for _, view := range model.ViewOrder {
		if view == model.ViewFront {
			continue
		}
		if url := input.OtherViews[view]; url != "" {
			images = append(images, url)
		}
	}

	textureSize := opts.TextureResolution
	if textureSize == 0 {
		textureSize = 1024
	}

	modelInput := map[string]interface{}{
		"images":          images,
		"generate_model":  true,
		"generate_color":  opts.ShouldTexture,
		"generate_normal": opts.EnablePBR,
		"texture_size":    textureSize,
	}
	if opts.ShouldRemesh && opts.MeshSimplifyRatio > 0 {
		modelInput["mesh_simplify"] = opts.MeshSimplifyRatio
	}

	reqData := PredictionRequest{
		Version: s.version,
		Input:   modelInput,
	}
	if s.webhookURL != "" {
		reqData.Webhook = s.webhookURL
		reqData.WebhookEventsFilter = []string{"completed"}
	}

	reqBody, err := json.Marshal(reqData)
	if err != nil {
		return "", fmt.Errorf("failed to marshal prediction request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", predictionsURL, bytes.NewBuffer(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiToken)

	log.Printf("🚀 [Trellis] Creating prediction (%d images)...", len(images))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	log.Printf("📥 [Trellis] Response status: %d", resp.StatusCode)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("replicate returned status %d: %s", resp.StatusCode, string(body))
	}

	var prediction Prediction
	if err := json.Unmarshal(body, &prediction); err != nil {
		return "", fmt.Errorf("failed to unmarshal prediction: %w", err)
	}

	if prediction.ID == "" {
		return "", fmt.Errorf("replicate returned no prediction id: %s", string(body))
	}

	log.Printf("✅ [Trellis] Prediction created: %s", prediction.ID)
	return prediction.ID, nil
}

// GetStatus - prediction 상태 조회
func (s *Service) GetStatus(ctx context.Context, jobID string) (*provider.JobStatus, error) {
	statusURL := fmt.Sprintf("%s/%s", predictionsURL, jobID)

	req, err := http.NewRequestWithContext(ctx, "GET", statusURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+s.apiToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("replicate returned status %d: %s", resp.StatusCode, string(body))
	}

	var prediction Prediction
	if err := json.Unmarshal(body, &prediction); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prediction: %w", err)
	}

	return MapPrediction(&prediction), nil
}

// MapPrediction - Replicate prediction을 공통 JobStatus로 변환
// webhook handler도 같은 매핑을 사용한다
func MapPrediction(p *Prediction) *provider.JobStatus {
	switch p.Status {
	case "succeeded":
		return &provider.JobStatus{
			State:    provider.StateSucceeded,
			ModelURL: extractModelURL(p.Output),
		}
	case "failed", "canceled":
		detail := "generation failed"
		if p.Error != nil && *p.Error != "" {
			detail = *p.Error
		}
		return &provider.JobStatus{
			State:  provider.StateFailed,
			Detail: detail,
		}
	case "starting":
		return &provider.JobStatus{State: provider.StateQueued}
	default:
		// processing 및 미래에 추가될 중간 상태들
		return &provider.JobStatus{State: provider.StateProcessing}
	}
}

// extractModelURL - output에서 GLB URL 추출
// 버전에 따라 {"model_file": url} 오브젝트 또는 URL 문자열 하나
func extractModelURL(output json.RawMessage) string {
	if len(output) == 0 {
		return ""
	}

	var obj predictionOutput
	if err := json.Unmarshal(output, &obj); err == nil && obj.ModelFile != "" {
		return obj.ModelFile
	}

	var str string
	if err := json.Unmarshal(output, &str); err == nil {
		return str
	}

	return ""
}

// VerifyWebhookSignature - Replicate webhook 서명 검증
// signed content = "{webhook-id}.{webhook-timestamp}.{body}" 의 HMAC-SHA256
func (s *Service) VerifyWebhookSignature(webhookID, timestamp, signatureHeader string, body []byte) error {
	return VerifySignature(s.webhookSecret, webhookID, timestamp, signatureHeader, body)
}

// VerifySignature - 서명 검증 본체 (테스트에서 직접 사용)
func VerifySignature(secret, webhookID, timestamp, signatureHeader string, body []byte) error {
	if secret == "" {
		return fmt.Errorf("webhook secret not configured")
	}
	if webhookID == "" || timestamp == "" || signatureHeader == "" {
		return fmt.Errorf("missing webhook signature headers")
	}

	// 타임스탬프 허용 오차 5분
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid webhook timestamp: %w", err)
	}
	if diff := time.Since(time.Unix(ts, 0)); diff > 5*time.Minute || diff < -5*time.Minute {
		return fmt.Errorf("webhook timestamp outside tolerance")
	}

	// secret은 "whsec_<base64 key>" 형태
	keyPart := strings.TrimPrefix(secret, "whsec_")
	key, err := base64.StdEncoding.DecodeString(keyPart)
	if err != nil {
		// base64가 아니면 raw 문자열 키로 취급
		key = []byte(keyPart)
	}

	signedContent := fmt.Sprintf("%s.%s.%s", webhookID, timestamp, string(body))
	h := hmac.New(sha256.New, key)
	h.Write([]byte(signedContent))
	expected := base64.StdEncoding.EncodeToString(h.Sum(nil))

	// 헤더는 "v1,<sig>" 항목들이 공백으로 나열됨
	for _, entry := range strings.Fields(signatureHeader) {
		parts := strings.SplitN(entry, ",", 2)
		sig := parts[len(parts)-1]
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}

	return fmt.Errorf("webhook signature mismatch")
}
