package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	apperrors "github.com/louisbranch/waypost/internal/platform/errors"
)

const maxMetricNameRunes = 200

var (
	// ErrMetricBatchEmpty indicates a log request without any points.
	ErrMetricBatchEmpty = apperrors.New(apperrors.CodeMetricBatchEmpty, "metric batch is empty")
	// ErrMetricNameInvalid indicates a missing or malformed metric name.
	ErrMetricNameInvalid = apperrors.New(apperrors.CodeMetricNameInvalid, "metric name is required")
	// ErrMetricStepInvalid indicates a negative step.
	ErrMetricStepInvalid = apperrors.New(apperrors.CodeMetricStepInvalid, "metric step must be >= 0")
)

// MetricPoint is one scalar observation for a named series at a step.
type MetricPoint struct {
	RunID    string
	Name     string
	Step     int64
	Value    float64
	LoggedAt time.Time
}

// NormalizeMetricName trims and validates a metric series name such as
// "train/loss".
func NormalizeMetricName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrMetricNameInvalid
	}
	if len([]rune(name)) > maxMetricNameRunes {
		return "", apperrors.WithMetadata(apperrors.CodeMetricNameInvalid,
			fmt.Sprintf("metric name exceeds %d characters", maxMetricNameRunes),
			map[string]string{"metric": name})
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", apperrors.WithMetadata(apperrors.CodeMetricNameInvalid,
				"metric name must not contain control characters",
				map[string]string{"metric": name})
		}
	}
	return name, nil
}

// ValidateMetricPoint checks one point for storage.
func ValidateMetricPoint(point MetricPoint) (MetricPoint, error) {
	name, err := NormalizeMetricName(point.Name)
	if err != nil {
		return MetricPoint{}, err
	}
	point.Name = name
	if point.Step < 0 {
		return MetricPoint{}, apperrors.WithMetadata(apperrors.CodeMetricStepInvalid,
			"metric step must be >= 0",
			map[string]string{"metric": point.Name, "step": strconv.FormatInt(point.Step, 10)})
	}
	if math.IsNaN(point.Value) || math.IsInf(point.Value, 0) {
		return MetricPoint{}, apperrors.WithMetadata(apperrors.CodeMetricValueInvalid,
			"metric value must be finite",
			map[string]string{"metric": point.Name, "step": strconv.FormatInt(point.Step, 10)})
	}
	return point, nil
}

// NormalizeMetricBatch validates a batch and collapses duplicate (name, step)
// pairs to the last value, preserving first-seen order.
func NormalizeMetricBatch(points []MetricPoint) ([]MetricPoint, error) {
	if len(points) == 0 {
		return nil, ErrMetricBatchEmpty
	}

	type seriesKey struct {
		name string
		step int64
	}
	index := make(map[seriesKey]int, len(points))
	normalized := make([]MetricPoint, 0, len(points))
	for _, point := range points {
		validated, err := ValidateMetricPoint(point)
		if err != nil {
			return nil, err
		}
		key := seriesKey{name: validated.Name, step: validated.Step}
		if at, ok := index[key]; ok {
			normalized[at] = validated
			continue
		}
		index[key] = len(normalized)
		normalized = append(normalized, validated)
	}
	return normalized, nil
}
