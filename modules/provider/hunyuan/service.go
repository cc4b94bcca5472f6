package hunyuan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"forma-3d-server/modules/common/config"
	"forma-3d-server/modules/common/model"
	"forma-3d-server/modules/provider"
)

// Service - 초기 버전에서 쓰던 Hunyuan3D 직접 연동 클라이언트 (legacy)
// Trellis와 같은 Client 인터페이스를 구현해서 config로 교체 가능하게 유지
type Service struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// submitRequest - Hunyuan3D 작업 생성 요청
type submitRequest struct {
	ImageURLs     map[string]string `json:"image_urls"`
	EnablePBR     bool              `json:"enable_pbr"`
	ShouldRemesh  bool              `json:"should_remesh"`
	ShouldTexture bool              `json:"should_texture"`
	TextureSize   int               `json:"texture_size,omitempty"`
	SimplifyRatio float64           `json:"simplify_ratio,omitempty"`
}

// submitResponse - 작업 생성 응답
type submitResponse struct {
	JobID   string `json:"job_id"`
	Message string `json:"message,omitempty"`
}

// statusResponse - 작업 상태 응답
type statusResponse struct {
	Status   string `json:"status"` // queued, running, done, error
	ModelURL string `json:"model_url,omitempty"`
	Message  string `json:"message,omitempty"`
}

// NewService - Hunyuan3D 클라이언트 생성
func NewService() *Service {
	cfg := config.GetConfig()

	return &Service{
		endpoint: strings.TrimRight(cfg.HunyuanEndpoint, "/"),
		apiKey:   cfg.HunyuanAPIKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (s *Service) Name() string {
	return "hunyuan"
}

// Submit - 작업 생성, job id 즉시 반환
func (s *Service) Submit(ctx context.Context, input provider.SubmitInput, opts model.GenerationOptions) (string, error) {
	imageURLs := map[string]string{
		model.ViewFront: input.FrontURL,
	}
	for view, url := range input.OtherViews {
		if url != "" {
			imageURLs[view] = url
		}
	}

	reqData := submitRequest{
		ImageURLs:     imageURLs,
		EnablePBR:     opts.EnablePBR,
		ShouldRemesh:  opts.ShouldRemesh,
		ShouldTexture: opts.ShouldTexture,
		TextureSize:   opts.TextureResolution,
		SimplifyRatio: opts.MeshSimplifyRatio,
	}

	reqBody, err := json.Marshal(reqData)
	if err != nil {
		return "", fmt.Errorf("failed to marshal submit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.endpoint+"/v1/jobs", bytes.NewBuffer(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	log.Printf("🚀 [Hunyuan] Creating 3D job (%d views)...", len(imageURLs))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("hunyuan returned status %d: %s", resp.StatusCode, string(body))
	}

	var result submitResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if result.JobID == "" {
		return "", fmt.Errorf("hunyuan returned no job id: %s", string(body))
	}

	log.Printf("✅ [Hunyuan] Job created: %s", result.JobID)
	return result.JobID, nil
}

// GetStatus - 작업 상태 조회
func (s *Service) GetStatus(ctx context.Context, jobID string) (*provider.JobStatus, error) {
	statusURL := fmt.Sprintf("%s/v1/jobs/%s", s.endpoint, jobID)

	req, err := http.NewRequestWithContext(ctx, "GET", statusURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

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
		return nil, fmt.Errorf("hunyuan returned status %d: %s", resp.StatusCode, string(body))
	}

	var result statusResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status: %w", err)
	}

	switch result.Status {
	case "queued", "pending":
		return &provider.JobStatus{State: provider.StateQueued}, nil
	case "done", "succeeded":
		return &provider.JobStatus{
			State:    provider.StateSucceeded,
			ModelURL: result.ModelURL,
		}, nil
	case "error", "failed":
		detail := "generation failed"
		if result.Message != "" {
			detail = result.Message
		}
		return &provider.JobStatus{
			State:  provider.StateFailed,
			Detail: detail,
		}, nil
	default:
		return &provider.JobStatus{State: provider.StateProcessing}, nil
	}
}
