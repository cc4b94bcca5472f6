package utils

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg" // JPEG 디코더 등록
	"image/png"
	"log"
	"net/http"
	"strings"

	"github.com/kolesa-team/go-webp/encoder"
	_ "github.com/kolesa-team/go-webp/decoder" // WebP 디코더 등록
	"github.com/kolesa-team/go-webp/webp"
)

// DecodeBase64Image - base64 문자열을 이미지 바이너리로 변환
// data URL 프리픽스(data:image/png;base64,...)가 붙어 있어도 처리
func DecodeBase64Image(encoded string) ([]byte, error) {
	if idx := strings.Index(encoded, ";base64,"); idx >= 0 {
		encoded = encoded[idx+len(";base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 image: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image data")
	}
	return data, nil
}

// DetectImageContentType - 이미지 바이너리의 Content-Type 판별
func DetectImageContentType(imageData []byte) string {
	return http.DetectContentType(imageData)
}

// ImageFormat - genai.ImageData에 넘길 포맷 문자열 ("png", "jpeg", "webp")
func ImageFormat(imageData []byte) string {
	switch DetectImageContentType(imageData) {
	case "image/jpeg":
		return "jpeg"
	case "image/webp":
		return "webp"
	default:
		return "png"
	}
}

// ConvertPNGToWebP - PNG 바이너리를 WebP로 변환
func ConvertPNGToWebP(pngData []byte, quality float32) ([]byte, error) {
	log.Printf("🔄 Converting PNG to WebP (quality: %.1f)", quality)

	// PNG 디코딩 (JPEG/WebP도 자동 감지)
	img, _, err := image.Decode(bytes.NewReader(pngData))
	if err != nil {
		// image.Decode 실패 시 png 디코더로 한 번 더
		img, err = png.Decode(bytes.NewReader(pngData))
		if err != nil {
			return nil, fmt.Errorf("failed to decode image: %w", err)
		}
	}

	// WebP 인코딩
	options, err := encoder.NewLossyEncoderOptions(encoder.PresetDefault, quality)
	if err != nil {
		return nil, fmt.Errorf("failed to create WebP encoder options: %w", err)
	}

	var webpBuffer bytes.Buffer
	err = webp.Encode(&webpBuffer, img, options)
	if err != nil {
		return nil, fmt.Errorf("failed to encode WebP: %w", err)
	}

	webpData := webpBuffer.Bytes()

	log.Printf("✅ PNG converted to WebP: %d bytes → %d bytes", len(pngData), len(webpData))
	return webpData, nil
}
