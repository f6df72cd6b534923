package pipeline

import (
	"math"
	"testing"
)

func TestNewDataCleaner(t *testing.T) {
	cleaner := NewDataCleaner(3, nil)
	if cleaner == nil {
		t.Fatal("NewDataCleaner returned nil")
	}

	if len(cleaner.rules) == 0 {
		t.Error("No default rules added")
	}
}

func TestFiniteValueRule(t *testing.T) {
	rule := NewFiniteValueRule()

	tests := []struct {
		name    string
		record  *Record
		wantErr bool
	}{
		{name: "valid record", record: &Record{Line: 1, Features: []float64{1.5, -2, 0}}},
		{name: "nan", record: &Record{Line: 2, Features: []float64{1, math.NaN()}}, wantErr: true},
		{name: "positive inf", record: &Record{Line: 3, Features: []float64{math.Inf(1)}}, wantErr: true},
		{name: "negative inf", record: &Record{Line: 4, Features: []float64{math.Inf(-1), 2}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rule.Apply(tt.record)
			if (err != nil) != tt.wantErr {
				t.Errorf("FiniteValueRule.Apply() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLabelRangeRule(t *testing.T) {
	tests := []struct {
		name       string
		numClasses int
		label      int
		wantErr    bool
	}{
		{name: "in range", numClasses: 3, label: 2},
		{name: "negative", numClasses: 3, label: -1, wantErr: true},
		{name: "too large", numClasses: 3, label: 3, wantErr: true},
		{name: "unbounded", numClasses: 0, label: 99},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := NewLabelRangeRule(tt.numClasses)
			_, err := rule.Apply(&Record{Features: []float64{1}, Label: tt.label})
			if (err != nil) != tt.wantErr {
				t.Errorf("LabelRangeRule.Apply() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFeatureCountRule(t *testing.T) {
	rule := NewFeatureCountRule(0)
	if _, err := rule.Apply(&Record{Line: 1, Features: []float64{1, 2, 3}}); err != nil {
		t.Fatalf("first record rejected: %v", err)
	}
	if rule.Expected != 3 {
		t.Fatalf("expected width 3, got %d", rule.Expected)
	}
	if _, err := rule.Apply(&Record{Line: 2, Features: []float64{1, 2}}); err == nil {
		t.Error("short record accepted")
	}
	if _, err := rule.Apply(&Record{Line: 3}); err == nil {
		t.Error("empty record accepted")
	}
}

func TestDataCleaner_Clean(t *testing.T) {
	cleaner := NewDataCleaner(2, nil)

	records := []*Record{
		{Line: 1, Features: []float64{1, 2}, Label: 0},
		{Line: 2, Features: []float64{3, 4}, Label: 1},
		{Line: 3, Features: []float64{5}, Label: 1},
		{Line: 4, Features: []float64{math.NaN(), 4}, Label: 0},
		{Line: 5, Features: []float64{7, 8}, Label: 2},
	}

	cleaned, issues := cleaner.Clean(records)

	if len(cleaned) != 2 {
		t.Fatalf("expected 2 cleaned records, got %d", len(cleaned))
	}
	if len(issues) != 3 {
		t.Fatalf("expected 3 issues, got %d", len(issues))
	}
	for i, want := range []string{"feature_count", "finite_value", "label_range"} {
		if issues[i].Type != want || issues[i].Line != i+3 {
			t.Errorf("issue %d = %+v, want type %s", i, issues[i], want)
		}
	}

	stats := cleaner.GetStats()
	if stats.TotalProcessed != 5 || stats.Passed != 2 || stats.Rejected != 3 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.Issues["label_range"] != 1 {
		t.Errorf("expected one label_range issue, got %d", stats.Issues["label_range"])
	}
	if stats.Issues["feature_count"] != 1 || stats.Issues["finite_value"] != 1 {
		t.Errorf("unexpected issue counts %v", stats.Issues)
	}
}
