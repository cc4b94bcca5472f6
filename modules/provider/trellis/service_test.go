package trellis

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forma-3d-server/modules/provider"
)

func TestMapPrediction(t *testing.T) {
	errMsg := "CUDA out of memory"

	tests := []struct {
		name       string
		prediction Prediction
		wantState  provider.State
		wantModel  string
		wantDetail string
	}{
		{
			name: "succeeded with object output",
			prediction: Prediction{
				Status: "succeeded",
				Output: json.RawMessage(`{"model_file":"https://replicate.test/out.glb"}`),
			},
			wantState: provider.StateSucceeded,
			wantModel: "https://replicate.test/out.glb",
		},
		{
			name: "succeeded with bare string output",
			prediction: Prediction{
				Status: "succeeded",
				Output: json.RawMessage(`"https://replicate.test/out.glb"`),
			},
			wantState: provider.StateSucceeded,
			wantModel: "https://replicate.test/out.glb",
		},
		{
			name:       "succeeded with no output",
			prediction: Prediction{Status: "succeeded"},
			wantState:  provider.StateSucceeded,
			wantModel:  "",
		},
		{
			name:       "failed with error message",
			prediction: Prediction{Status: "failed", Error: &errMsg},
			wantState:  provider.StateFailed,
			wantDetail: "CUDA out of memory",
		},
		{
			name:       "canceled maps to failed",
			prediction: Prediction{Status: "canceled"},
			wantState:  provider.StateFailed,
			wantDetail: "generation failed",
		},
		{
			name:       "starting maps to queued",
			prediction: Prediction{Status: "starting"},
			wantState:  provider.StateQueued,
		},
		{
			name:       "processing maps to processing",
			prediction: Prediction{Status: "processing"},
			wantState:  provider.StateProcessing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := MapPrediction(&tt.prediction)
			assert.Equal(t, tt.wantState, status.State)
			assert.Equal(t, tt.wantModel, status.ModelURL)
			assert.Equal(t, tt.wantDetail, status.Detail)
		})
	}
}

func sign(t *testing.T, key []byte, webhookID, timestamp string, body []byte) string {
	t.Helper()
	h := hmac.New(sha256.New, key)
	h.Write([]byte(fmt.Sprintf("%s.%s.%s", webhookID, timestamp, string(body))))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	key := []byte("test-signing-key")
	secret := "whsec_" + base64.StdEncoding.EncodeToString(key)
	body := []byte(`{"id":"pred-1","status":"succeeded"}`)
	webhookID := "msg_123"
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	valid := "v1," + sign(t, key, webhookID, timestamp, body)

	t.Run("valid signature", func(t *testing.T) {
		require.NoError(t, VerifySignature(secret, webhookID, timestamp, valid, body))
	})

	t.Run("multiple signature entries", func(t *testing.T) {
		header := "v1,bogus " + valid
		require.NoError(t, VerifySignature(secret, webhookID, timestamp, header, body))
	})

	t.Run("tampered body", func(t *testing.T) {
		assert.Error(t, VerifySignature(secret, webhookID, timestamp, valid, []byte(`{"id":"pred-2"}`)))
	})

	t.Run("wrong key", func(t *testing.T) {
		otherSecret := "whsec_" + base64.StdEncoding.EncodeToString([]byte("other-key"))
		assert.Error(t, VerifySignature(otherSecret, webhookID, timestamp, valid, body))
	})

	t.Run("stale timestamp", func(t *testing.T) {
		old := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)
		sig := "v1," + sign(t, key, webhookID, old, body)
		assert.Error(t, VerifySignature(secret, webhookID, old, sig, body))
	})

	t.Run("missing headers", func(t *testing.T) {
		assert.Error(t, VerifySignature(secret, "", timestamp, valid, body))
		assert.Error(t, VerifySignature(secret, webhookID, "", valid, body))
		assert.Error(t, VerifySignature(secret, webhookID, timestamp, "", body))
	})

	t.Run("no secret configured", func(t *testing.T) {
		assert.Error(t, VerifySignature("", webhookID, timestamp, valid, body))
	})

	t.Run("raw string secret", func(t *testing.T) {
		rawSecret := "whsec_not!base64!!"
		sig := "v1," + sign(t, []byte("not!base64!!"), webhookID, timestamp, body)
		require.NoError(t, VerifySignature(rawSecret, webhookID, timestamp, sig, body))
	})
}
