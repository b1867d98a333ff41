package domain

import (
	"errors"
	"math"
	"strings"
	"testing"

	apperrors "github.com/louisbranch/waypost/internal/platform/errors"
)

func TestValidateMetricPointAcceptsFinite(t *testing.T) {
	point, err := ValidateMetricPoint(MetricPoint{Name: " train/loss ", Step: 3, Value: 0.42})
	if err != nil {
		t.Fatalf("validate point: %v", err)
	}
	if point.Name != "train/loss" {
		t.Fatalf("name = %q, want trimmed", point.Name)
	}
}

func TestValidateMetricPointRejectsNonFinite(t *testing.T) {
	for _, value := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := ValidateMetricPoint(MetricPoint{Name: "loss", Step: 0, Value: value})
		if err == nil {
			t.Fatalf("expected rejection for %v", value)
		}
		if code := apperrors.CodeOf(err); code != apperrors.CodeMetricValueInvalid {
			t.Fatalf("code = %q, want METRIC_VALUE_INVALID", code)
		}
	}
}

func TestValidateMetricPointRejectsBadNamesAndSteps(t *testing.T) {
	if _, err := ValidateMetricPoint(MetricPoint{Name: "  ", Value: 1}); !errors.Is(err, ErrMetricNameInvalid) {
		t.Fatalf("expected name error, got %v", err)
	}
	if _, err := ValidateMetricPoint(MetricPoint{Name: "a\x00b", Value: 1}); err == nil {
		t.Fatal("expected control character rejection")
	}
	if _, err := ValidateMetricPoint(MetricPoint{Name: strings.Repeat("m", maxMetricNameRunes+1), Value: 1}); err == nil {
		t.Fatal("expected overlong name rejection")
	}
	_, err := ValidateMetricPoint(MetricPoint{Name: "loss", Step: -1, Value: 1})
	if code := apperrors.CodeOf(err); code != apperrors.CodeMetricStepInvalid {
		t.Fatalf("code = %q, want METRIC_STEP_INVALID", code)
	}
}

func TestNormalizeMetricBatchLastWriteWins(t *testing.T) {
	batch, err := NormalizeMetricBatch([]MetricPoint{
		{Name: "loss", Step: 1, Value: 0.9},
		{Name: "acc", Step: 1, Value: 0.1},
		{Name: "loss", Step: 1, Value: 0.8},
	})
	if err != nil {
		t.Fatalf("normalize batch: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("batch length = %d, want 2", len(batch))
	}
	if batch[0].Name != "loss" || batch[0].Value != 0.8 {
		t.Fatalf("first point = %+v, want collapsed loss@1=0.8", batch[0])
	}
	if batch[1].Name != "acc" {
		t.Fatalf("second point = %+v, want acc", batch[1])
	}
}

func TestNormalizeMetricBatchKeepsDistinctSteps(t *testing.T) {
	batch, err := NormalizeMetricBatch([]MetricPoint{
		{Name: "loss", Step: 1, Value: 0.9},
		{Name: "loss", Step: 2, Value: 0.7},
	})
	if err != nil {
		t.Fatalf("normalize batch: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("batch length = %d, want 2", len(batch))
	}
}

func TestNormalizeMetricBatchRejectsEmpty(t *testing.T) {
	if _, err := NormalizeMetricBatch(nil); !errors.Is(err, ErrMetricBatchEmpty) {
		t.Fatalf("expected empty batch error, got %v", err)
	}
}
