// internal/utils/utils_test.go
package utils

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"The Lighthouse Keeper", "the-lighthouse-keeper"},
		{"  Café   Noir!! ", "cafe-noir"},
		{"a--b__c", "a-b__c"},
		{"***", ""},
		{"Über-Plot 2", "uber-plot-2"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Slugify(tt.in))
		})
	}
}

func TestEncryptSecretRoundTrip(t *testing.T) {
	enc, err := EncryptSecret("sk-test-123456", "hunter2")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(enc, "enc:"))

	plain, err := DecryptSecret(enc, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "sk-test-123456", plain)

	_, err = DecryptSecret(enc, "")
	assert.Error(t, err)

	same, err := EncryptSecret("sk-plain", "")
	require.NoError(t, err)
	assert.Equal(t, "sk-plain", same)
}

func TestMaskAPIKey(t *testing.T) {
	assert.Equal(t, "(not set)", MaskAPIKey(""))
	assert.Equal(t, "*****", MaskAPIKey("short"))
	assert.Equal(t, "sk-a****wxyz", MaskAPIKey("sk-a1234wxyz"))
}

func TestLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, DEBUG)

	logger.Info("stage accepted", map[string]interface{}{"story_id": "abc", "stage": 4})
	logger.Debugf("chunk %d", 3)

	out := buf.String()
	assert.Contains(t, out, "stage accepted")
	assert.Contains(t, out, "story_id=abc")
	assert.Contains(t, out, "stage=4")
	assert.Contains(t, out, "chunk 3")

	buf.Reset()
	logger.SetLogLevel(ERROR)
	logger.Info("hidden", nil)
	assert.Empty(t, buf.String())
}

func TestMetricsCollector(t *testing.T) {
	m := NewMetricsCollector()

	m.CountFanOutItem(9, "accepted")
	m.CountFanOutItem(9, "accepted")
	m.CountFanOutItem(9, "failed")
	m.CountGenerationFailure("RateLimited")
	m.ObserveGeneration(4, "ok", 2*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.fanOutItems.WithLabelValues("9", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fanOutItems.WithLabelValues("9", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.generationFailures.WithLabelValues("RateLimited")))
	assert.NotNil(t, m.Handler())
}
