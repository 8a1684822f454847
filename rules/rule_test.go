package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateEmptyCondition(t *testing.T) {
	e := NewExprEvaluator()

	ok, err := e.Evaluate("", nil)
	assert.NoError(t, err)
	assert.True(t, ok, "empty condition is an unconditional edge")
}

func TestEvaluateDecisionEnvironment(t *testing.T) {
	e := NewExprEvaluator()

	tests := []struct {
		name      string
		condition string
		env       map[string]interface{}
		want      bool
	}{
		{"approved true", `approved == true`, map[string]interface{}{"approved": true}, true},
		{"approved false", `approved == true`, map[string]interface{}{"approved": false}, false},
		{"amount threshold", `amount > 1000`, map[string]interface{}{"amount": 2500}, true},
		{"string decision", `decision == "escalate"`, map[string]interface{}{"decision": "escalate"}, true},
		{"missing variable", `approved == true`, map[string]interface{}{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(tt.condition, tt.env)
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateNonBoolean(t *testing.T) {
	e := NewExprEvaluator()

	_, err := e.Evaluate(`1 + 1`, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "want bool")
}

func TestEvaluateInvalidExpression(t *testing.T) {
	e := NewExprEvaluator()

	_, err := e.Evaluate(`approved ==`, map[string]interface{}{"approved": true})
	assert.Error(t, err)
}

func TestEvaluateCachesPrograms(t *testing.T) {
	e := NewExprEvaluator()

	ok, err := e.Evaluate(`approved == true`, map[string]interface{}{"approved": true})
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, e.cache, 1)

	// Same condition with a different environment reuses the program.
	ok, err = e.Evaluate(`approved == true`, map[string]interface{}{"approved": false})
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, e.cache, 1)
}
