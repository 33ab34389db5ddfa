package enrich

import (
	"reflect"
	"testing"
)

func TestParseInsightsCleanJSON(t *testing.T) {
	got := parseInsights(`{"summary": "fix the parser", "related_ids": ["B", "C"], "context_notes": ["blocks release"]}`)
	if got.Summary != "fix the parser" {
		t.Errorf("summary mismatch: %q", got.Summary)
	}
	if !reflect.DeepEqual(got.RelatedIDs, []string{"B", "C"}) {
		t.Errorf("related ids mismatch: %v", got.RelatedIDs)
	}
	if !reflect.DeepEqual(got.ContextNotes, []string{"blocks release"}) {
		t.Errorf("context notes mismatch: %v", got.ContextNotes)
	}
}

func TestParseInsightsWrappedInProse(t *testing.T) {
	reply := "Here is the analysis:\n```json\n{\"summary\": \"short note\"}\n```\nLet me know if you need more."
	got := parseInsights(reply)
	if got.Summary != "short note" {
		t.Errorf("expected embedded JSON extracted, got %q", got.Summary)
	}
}

func TestParseInsightsFallsBackToBareSummary(t *testing.T) {
	got := parseInsights("  This item duplicates an existing task.  ")
	if got.Summary != "This item duplicates an existing task." {
		t.Errorf("expected trimmed reply as summary, got %q", got.Summary)
	}
	if got.RelatedIDs != nil || got.ContextNotes != nil {
		t.Errorf("fallback must carry only a summary, got %+v", got)
	}
}

func TestParseInsightsEmptySummaryFallsBack(t *testing.T) {
	reply := `{"summary": "", "related_ids": ["B"]}`
	got := parseInsights(reply)
	if got.Summary != reply {
		t.Errorf("object without summary must fall back to raw reply, got %q", got.Summary)
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bare object", `{"a": 1}`, `{"a": 1}`},
		{"nested", `{"a": {"b": 2}}`, `{"a": {"b": 2}}`},
		{"prose around", `sure: {"a": 1} done`, `{"a": 1}`},
		{"brace in string", `{"a": "x } y"}`, `{"a": "x } y"}`},
		{"escaped quote in string", `{"a": "he said \"}\""}`, `{"a": "he said \"}\""}`},
		{"no object", "nothing here", ""},
		{"unbalanced", `{"a": 1`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractJSON(tt.input); got != tt.want {
				t.Errorf("extractJSON(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
