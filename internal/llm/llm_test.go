// internal/llm/llm_test.go
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	apperrors "github.com/Corphon/StoryForge/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepairJSONStrategies(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		strategy string
		want     string
	}{
		{"valid", `{"a": 1}`, "identity", `{"a": 1}`},
		{"fenced", "```json\n{\"a\": 1}\n```", "strip_fences", `{"a": 1}`},
		{"fenced with commentary", "```json\n{\"a\": \"x\", \"b\": [1, 2]}\n```\nLet me know if you'd like changes!", "strip_fences", `{"a": "x", "b": [1, 2]}`},
		{"bracketed preamble", `Here is the [revised] JSON: {"a": 1}`, "slice_outer", `{"a": 1}`},
		{"escaped apostrophe", `{"title": "It\'s late"}`, "single_quotes", `{"title": "It's late"}`},
		{"prose", "Here you go:\n{\"a\": [1, 2]}\nHope it helps!", "slice_outer", `{"a": [1, 2]}`},
		{"single quotes", `{'name': 'Mara', 'role': "it's hers"}`, "single_quotes", `{"name": "Mara", "role": "it's hers"}`},
		{"trailing comma", "[{\"a\": 1,},\n]", "trailing_commas", "[{\"a\": 1}\n]"},
		{"python", `{'ok': True, 'missing': None, 'pair': (1, 2)}`, "python_literals", `{"ok": true, "missing": null, "pair": [1, 2]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, strategy, err := RepairJSON(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.strategy, strategy)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRepairJSONIsIdempotentOnValidInput(t *testing.T) {
	inputs := []string{`[1,2,3]`, `{"k": "v (with parens), True"}`, `"just a string"`}
	for _, in := range inputs {
		got, strategy, err := RepairJSON(in)
		require.NoError(t, err)
		assert.Equal(t, "identity", strategy)
		assert.Equal(t, in, got)
	}
}

func TestRepairJSONPreservesStringContents(t *testing.T) {
	raw := "```\n{\"note\": \"keep True, (this) and trailing ,}\",}\n```"
	got, _, err := RepairJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"note": "keep True, (this) and trailing ,}"}`, got)
}

func TestRepairJSONFailure(t *testing.T) {
	_, _, err := RepairJSON("the model refused to answer")
	require.Error(t, err)
	assert.True(t, apperrors.IsUnparseable(err))
	assert.Equal(t, "UnparseableOutput", apperrors.KindName(err))
}

func TestUnmarshalRepairedShapeMismatch(t *testing.T) {
	var out map[string]string
	_, err := UnmarshalRepaired(`["a", "b"]`, &out)
	assert.True(t, apperrors.IsUnparseable(err))

	strategy, err := UnmarshalRepaired("```json\n{\"Alice\": \"hero\"}\n```", &out)
	require.NoError(t, err)
	assert.Equal(t, "strip_fences", strategy)
	assert.Equal(t, "hero", out["Alice"])
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind apperrors.FailureKind
	}{
		{"unauthorized", NewStatusError("OpenAI", http.StatusUnauthorized, nil), apperrors.FailureAuth},
		{"forbidden", NewStatusError("OpenAI", http.StatusForbidden, nil), apperrors.FailureAuth},
		{"rate limited", NewStatusError("Anthropic", http.StatusTooManyRequests, nil), apperrors.FailureRateLimited},
		{"bad gateway", NewStatusError("OpenRouter", http.StatusBadGateway, nil), apperrors.FailureNetwork},
		{"bad request", NewStatusError("OpenAI", http.StatusBadRequest, []byte("bad")), apperrors.FailureOther},
		{"timeout", fmt.Errorf("post: %w", timeoutErr{}), apperrors.FailureNetwork},
		{"deadline", context.DeadlineExceeded, apperrors.FailureNetwork},
		{"other", errors.New("boom"), apperrors.FailureOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify(tt.err)
			kind, ok := apperrors.FailureKindOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.kind, kind)
		})
	}

	assert.ErrorIs(t, Classify(context.Canceled), context.Canceled)
	assert.Nil(t, Classify(nil))
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMultiplier: 2, MaxBackoff: 5 * time.Millisecond}
}

func TestRetryTransientThenSuccess(t *testing.T) {
	calls := 0
	got, attempts, err := Retry(context.Background(), fastRetry(), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", apperrors.NewGenerationFailure(apperrors.FailureRateLimited, "slow down", nil)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsOnPermanentFailure(t *testing.T) {
	calls := 0
	_, attempts, err := Retry(context.Background(), fastRetry(), func(context.Context) (string, error) {
		calls++
		return "", apperrors.NewGenerationFailure(apperrors.FailureAuth, "bad key", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
}

func TestRetryExhausted(t *testing.T) {
	_, attempts, err := Retry(context.Background(), fastRetry(), func(context.Context) (int, error) {
		return 0, apperrors.NewGenerationFailure(apperrors.FailureNetwork, "down", nil)
	})
	assert.True(t, apperrors.IsTransient(err))
	assert.Equal(t, 3, attempts)
}

func TestBackoffCapped(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.Jitter = false
	assert.Equal(t, 2*time.Second, cfg.Backoff(1))
	assert.Equal(t, 4*time.Second, cfg.Backoff(2))
	assert.Equal(t, 30*time.Second, cfg.Backoff(10))
}

func TestRegistry(t *testing.T) {
	Register("test-fake", func() Provider { return &fakeProvider{} })
	assert.Contains(t, ListProviders(), "test-fake")
	assert.Equal(t, []string{"fake-model"}, GetSupportedModelsForProvider("test-fake"))

	p, err := GetProvider("test-fake", map[string]string{"api_key": "k"})
	require.NoError(t, err)
	assert.Equal(t, "Fake", p.GetName())

	_, err = GetProvider("missing", nil)
	assert.Error(t, err)
}

type fakeProvider struct{}

func (f *fakeProvider) Initialize(map[string]string) error { return nil }
func (f *fakeProvider) GetName() string                    { return "Fake" }
func (f *fakeProvider) GetSupportedModels() []string       { return []string{"fake-model"} }
func (f *fakeProvider) CompleteText(context.Context, CompletionRequest) (*CompletionResponse, error) {
	return &CompletionResponse{Text: "hi"}, nil
}
func (f *fakeProvider) StreamCompletion(context.Context, CompletionRequest) (<-chan StreamResponse, error) {
	ch := make(chan StreamResponse)
	close(ch)
	return ch, nil
}
