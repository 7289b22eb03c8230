package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExprEvaluator_Evaluate(t *testing.T) {
	e := NewExprEvaluator()

	tests := []struct {
		name       string
		expression string
		vars       map[string]interface{}
		want       bool
		wantErr    bool
	}{
		{
			name:       "simple true",
			expression: "orders > 0",
			vars:       map[string]interface{}{"orders": 3},
			want:       true,
		},
		{
			name:       "simple false",
			expression: "total > 100.0",
			vars:       map[string]interface{}{"total": 50.0},
			want:       false,
		},
		{
			name:       "string comparison",
			expression: `customer == "acme"`,
			vars:       map[string]interface{}{"customer": "acme"},
			want:       true,
		},
		{
			name:       "non-boolean result",
			expression: "orders + 1",
			vars:       map[string]interface{}{"orders": 3},
			wantErr:    true,
		},
		{
			name:       "invalid expression",
			expression: "orders >",
			vars:       map[string]interface{}{"orders": 3},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(tt.expression, tt.vars)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExprEvaluator_CacheReuse(t *testing.T) {
	e := NewExprEvaluator()

	vars := map[string]interface{}{"n": 1}
	_, err := e.Evaluate("n > 0", vars)
	assert.NoError(t, err)

	e.mu.RLock()
	_, cached := e.cache["n > 0"]
	e.mu.RUnlock()
	assert.True(t, cached, "compiled program should be cached")

	// Second run hits the cache and still evaluates correctly.
	got, err := e.Evaluate("n > 0", map[string]interface{}{"n": -5})
	assert.NoError(t, err)
	assert.False(t, got)
}

func TestEvaluateAll(t *testing.T) {
	e := NewExprEvaluator()
	vars := map[string]interface{}{"orders": 3, "total": 50.0}

	failed, err := EvaluateAll(e, []string{"orders > 0", "total > 100.0", "total > 10.0"}, vars)
	assert.NoError(t, err)
	assert.Equal(t, []string{"total > 100.0"}, failed)

	failed, err = EvaluateAll(e, []string{"orders > 0"}, vars)
	assert.NoError(t, err)
	assert.Empty(t, failed)

	_, err = EvaluateAll(e, []string{"orders >"}, vars)
	assert.Error(t, err)
}
