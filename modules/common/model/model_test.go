package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		name   string
		stored string
		want   string
	}{
		{"canonical passes through", StatusSubmitted, StatusSubmitted},
		{"legacy pending", "pending", StatusDraft},
		{"legacy uploaded", "uploaded", StatusUploadingPhotos},
		{"legacy bgr_removed", "bgr_removed", StatusRemovingBackground},
		{"legacy job_created", "job_created", StatusSubmitted},
		{"legacy generating_3d_model", "generating_3d_model", StatusPolling},
		{"legacy model_generated", "model_generated", StatusPolling},
		{"legacy processing", "processing", StatusPolling},
		{"legacy model_saved", "model_saved", StatusCompleted},
		{"legacy error", "error", StatusFailed},
		{"unknown stays as-is", "something_else", "something_else"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeStatus(tt.stored))
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from string
		to   string
		want bool
	}{
		{"draft to uploading", StatusDraft, StatusUploadingPhotos, true},
		{"uploading to removing", StatusUploadingPhotos, StatusRemovingBackground, true},
		{"removing to submitted", StatusRemovingBackground, StatusSubmitted, true},
		{"submitted to polling", StatusSubmitted, StatusPolling, true},
		{"polling to completed", StatusPolling, StatusCompleted, true},
		{"polling to failed", StatusPolling, StatusFailed, true},
		{"failed to submitted is the retry path", StatusFailed, StatusSubmitted, true},
		{"completed is terminal", StatusCompleted, StatusSubmitted, false},
		{"no skipping ahead", StatusDraft, StatusSubmitted, false},
		{"no going backwards", StatusPolling, StatusDraft, false},
		{"legacy from value is normalized", "job_created", StatusPolling, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(StatusCompleted))
	assert.True(t, IsTerminal(StatusFailed))
	assert.True(t, IsTerminal("model_saved"))
	assert.True(t, IsTerminal("error"))
	assert.False(t, IsTerminal(StatusDraft))
	assert.False(t, IsTerminal(StatusPolling))
	assert.False(t, IsTerminal("generating_3d_model"))
}

func TestGenerationOptionsValidate(t *testing.T) {
	opts := DefaultOptions()
	assert.NoError(t, opts.Validate())

	opts.TextureResolution = 2048
	assert.NoError(t, opts.Validate())

	opts.TextureResolution = 999
	assert.Error(t, opts.Validate())

	opts = DefaultOptions()
	opts.MeshSimplifyRatio = 1.5
	assert.Error(t, opts.Validate())

	opts.MeshSimplifyRatio = -0.1
	assert.Error(t, opts.Validate())

	// zero values fall back to provider defaults
	opts = GenerationOptions{}
	assert.NoError(t, opts.Validate())
}

func TestOptionsFromMap(t *testing.T) {
	t.Run("nil map gives defaults", func(t *testing.T) {
		assert.Equal(t, DefaultOptions(), OptionsFromMap(nil))
	})

	t.Run("loose client values are normalized", func(t *testing.T) {
		opts := OptionsFromMap(map[string]interface{}{
			"enable_pbr":          true,
			"should_texture":      "false",
			"texture_resolution":  float64(2048), // JSON 숫자는 float64로 들어온다
			"mesh_simplify_ratio": "0.5",
		})

		assert.True(t, opts.EnablePBR)
		assert.False(t, opts.ShouldTexture)
		assert.Equal(t, 2048, opts.TextureResolution)
		assert.Equal(t, 0.5, opts.MeshSimplifyRatio)
	})

	t.Run("garbage falls back to defaults", func(t *testing.T) {
		opts := OptionsFromMap(map[string]interface{}{
			"texture_resolution":  "lots",
			"mesh_simplify_ratio": -3,
		})

		defaults := DefaultOptions()
		assert.Equal(t, defaults.TextureResolution, opts.TextureResolution)
		assert.Equal(t, defaults.MeshSimplifyRatio, opts.MeshSimplifyRatio)
	})
}

func TestGenerationStatusHelpers(t *testing.T) {
	gen := &Generation{
		GenerationStatus: "generating_3d_model",
		PhotoURLs:        map[string]string{ViewFront: "https://cdn/front.png"},
	}

	assert.Equal(t, StatusPolling, gen.Status())
	assert.True(t, gen.HasFrontPhoto())
	assert.False(t, gen.HasProcessedFront())

	gen.ProcessedURLs = map[string]string{ViewFront: "https://cdn/front.webp"}
	assert.True(t, gen.HasProcessedFront())
}

func TestIsValidView(t *testing.T) {
	for _, view := range ViewOrder {
		assert.True(t, IsValidView(view))
	}
	assert.False(t, IsValidView("top"))
	assert.False(t, IsValidView(""))
}
