package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"forma-3d-server/modules/common/config"
	"forma-3d-server/modules/common/utils"
)

type Client struct {
	httpClient *http.Client
}

// NewClient - Storage 클라이언트 생성
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 120 * time.Second, // GLB 다운로드는 수십 MB까지 감안
		},
	}
}

// UploadRaw - 원본 사진 업로드 (변환 없이 그대로)
// 업로드 경로를 받아 공개 URL을 반환
func (c *Client) UploadRaw(ctx context.Context, data []byte, contentType string, path string) (string, error) {
	return c.upload(ctx, data, contentType, path)
}

// UploadProcessed - 배경 제거 결과 업로드 (WebP 변환 포함)
func (c *Client) UploadProcessed(ctx context.Context, pngData []byte, path string) (string, error) {
	webpData, err := utils.ConvertPNGToWebP(pngData, 90.0)
	if err != nil {
		return "", fmt.Errorf("failed to convert processed image to WebP: %w", err)
	}
	return c.upload(ctx, webpData, "image/webp", path)
}

// UploadModel - 생성된 3D 모델(GLB) 업로드
func (c *Client) UploadModel(ctx context.Context, data []byte, path string) (string, error) {
	return c.upload(ctx, data, "model/gltf-binary", path)
}

// upload - Supabase Storage API로 업로드하고 공개 URL 반환
func (c *Client) upload(ctx context.Context, data []byte, contentType string, path string) (string, error) {
	cfg := config.GetConfig()

	log.Printf("📤 Uploading to storage: %s (%d bytes, %s)", path, len(data), contentType)

	uploadURL := fmt.Sprintf("%s/storage/v1/object/%s/%s", cfg.SupabaseURL, cfg.StorageBucket, path)

	req, err := http.NewRequestWithContext(ctx, "POST", uploadURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+cfg.SupabaseServiceKey)
	req.Header.Set("Content-Type", contentType)
	// 같은 경로 재업로드 허용 (reconcile이 겹쳐 돌아도 객체는 하나)
	req.Header.Set("x-upsert", "true")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, string(body))
	}

	publicURL := c.PublicURL(path)
	log.Printf("✅ Uploaded successfully: %s", publicURL)
	return publicURL, nil
}

// PublicURL - 저장 경로의 공개 URL
func (c *Client) PublicURL(path string) string {
	cfg := config.GetConfig()
	return cfg.SupabaseStorageBaseURL + path
}

// Download - URL에서 바이너리 다운로드 (provider 아티팩트 수집용)
func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	log.Printf("📥 Downloading from: %s", url)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("download failed: status %d, body: %s", resp.StatusCode, string(body))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read download body: %w", err)
	}

	log.Printf("✅ Downloaded successfully: %d bytes", len(data))
	return data, nil
}
