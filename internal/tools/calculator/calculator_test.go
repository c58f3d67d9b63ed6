package calculator

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func evaluate(t *testing.T, expr string) (string, error) {
	t.Helper()
	params, err := json.Marshal(map[string]string{"expression": expr})
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return New().Execute(context.Background(), params)
}

func TestExecuteExpressions(t *testing.T) {
	tests := []struct {
		expr string
		want string
	}{
		{"2 + 2", "4"},
		{"1 + 2", "3"},
		{"2 * 3 + 4", "10"},
		{"2 * (3 + 4)", "14"},
		{"10 / 4", "2.5"},
		{"7 % 3", "1"},
		{"2 ^ 10", "1024"},
		{"2 ^ 3 ^ 2", "512"}, // right associative
		{"-5 + 3", "-2"},
		{"--4", "4"},
		{"sqrt(16)", "4"},
		{"abs(-3.5)", "3.5"},
		{"floor(2.9)", "2"},
		{"ceil(2.1)", "3"},
		{"round(2.5)", "3"},
		{"1.5e2", "150"},
		{"pi - pi", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := evaluate(t, tt.expr)
			if err != nil {
				t.Fatalf("Execute(%q) error = %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("Execute(%q) = %q, want %q", tt.expr, got, tt.want)
			}
		})
	}
}

func TestExecuteRejectsInvalidExpressions(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"empty", ""},
		{"division by zero", "1 / 0"},
		{"modulo by zero", "1 % 0"},
		{"unbalanced parens", "(1 + 2"},
		{"trailing garbage", "1 + 2 $"},
		{"unknown function", "cbrt(8)"},
		{"unknown identifier", "x + 1"},
		{"sqrt of negative", "sqrt(-1)"},
		{"dangling operator", "3 +"},
		{"too long", strings.Repeat("1+", maxExpressionLength) + "1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := evaluate(t, tt.expr); err == nil {
				t.Errorf("Execute(%q) succeeded, want error", tt.expr)
			}
		})
	}
}

func TestExecuteRejectsNonFiniteResults(t *testing.T) {
	if _, err := evaluate(t, "10 ^ 10000"); err == nil {
		t.Error("Execute() succeeded for overflow, want error")
	}
}

func TestDefinition(t *testing.T) {
	def := New().Definition()
	if def.Name != "calculate" {
		t.Errorf("Name = %q, want calculate", def.Name)
	}
	var schema map[string]any
	if err := json.Unmarshal(def.Schema, &schema); err != nil {
		t.Fatalf("schema is not valid JSON: %v", err)
	}
	if len(def.Permissions) != 0 {
		t.Errorf("Permissions = %v, want none", def.Permissions)
	}
}
