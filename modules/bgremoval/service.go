package bgremoval

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"forma-3d-server/modules/common/config"
	"forma-3d-server/modules/common/utils"
)

// ErrNoSubject - 이미지에서 피사체를 찾지 못함 (콘텐츠 문제, 재시도 없이 종료)
var ErrNoSubject = errors.New("no subject detected")

// cutoutPrompt - 배경 제거 프롬프트
// 출력은 투명 배경 PNG 한 장이어야 함
const cutoutPrompt = `Remove the background from this product photo completely.
Keep only the main product subject, perfectly cut out with clean edges.
Output a single image of the product on a fully transparent background.
Do not add shadows, reflections, text or any other elements.`

// Service - Gemini 기반 배경 제거 어댑터
type Service struct {
	client    *genai.Client
	modelName string
}

// NewService - 배경 제거 서비스 생성
func NewService(ctx context.Context) *Service {
	cfg := config.GetConfig()

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.GeminiAPIKey))
	if err != nil {
		log.Printf("❌ [BgRemoval] Failed to create Genai client: %v", err)
		return nil
	}

	log.Printf("✅ [BgRemoval] Genai client initialized (model: %s)", cfg.GeminiModel)
	return &Service{
		client:    client,
		modelName: cfg.GeminiModel,
	}
}

// RemoveBackground - 원본 이미지에서 배경을 제거한 PNG 반환
// 429 등 일시 오류는 최대 3회 재시도, 피사체 미검출은 즉시 ErrNoSubject
func (s *Service) RemoveBackground(ctx context.Context, imageData []byte) ([]byte, error) {
	if len(imageData) == 0 {
		return nil, fmt.Errorf("empty image data")
	}

	format := utils.ImageFormat(imageData)
	gemModel := s.client.GenerativeModel(s.modelName)

	const maxAttempts = 3
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			log.Printf("🔄 [BgRemoval] Retry attempt %d/%d", attempt, maxAttempts)
		}

		resp, err := gemModel.GenerateContent(ctx,
			genai.ImageData(format, imageData),
			genai.Text(cutoutPrompt),
		)

		if err != nil {
			lastErr = err

			// 429/quota만 재시도, 나머지는 바로 반환
			if !isRateLimitError(err) {
				log.Printf("❌ [BgRemoval] Gemini call failed: %v", err)
				return nil, fmt.Errorf("background removal request failed: %w", err)
			}

			log.Printf("⚠️  [BgRemoval] Rate limited (attempt %d/%d)", attempt, maxAttempts)
			if attempt < maxAttempts {
				time.Sleep(2 * time.Second)
			}
			continue
		}

		// 응답에서 이미지 파트 추출
		processed := extractImage(resp)
		if processed == nil {
			// 모델이 이미지를 돌려주지 않음 = 피사체를 못 찾은 것으로 취급
			log.Printf("❌ [BgRemoval] No image in Gemini response")
			return nil, ErrNoSubject
		}

		log.Printf("✅ [BgRemoval] Background removed: %d bytes → %d bytes", len(imageData), len(processed))
		return processed, nil
	}

	return nil, fmt.Errorf("background removal exhausted %d attempts: %w", maxAttempts, lastErr)
}

// extractImage - 응답 후보에서 첫 번째 이미지 blob 추출
func extractImage(resp *genai.GenerateContentResponse) []byte {
	if resp == nil {
		return nil
	}
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if blob, ok := part.(genai.Blob); ok && len(blob.Data) > 0 {
				return blob.Data
			}
		}
	}
	return nil
}

// isRateLimitError - 429 Rate Limit 에러인지 확인
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "quota")
}
