package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCollector_RecordOperation(t *testing.T) {
	collector := NewCollector()
	ctx := context.Background()

	collector.RecordOperation(ctx, "create_entity", "success", 12)
	collector.RecordOperation(ctx, "create_entity", "success", 8)
	collector.RecordOperation(ctx, "create_entity", "error", 3)
	collector.RecordOperation(ctx, "resolve", "success", 1)

	if got := testutil.CollectAndCount(collector.operationsTotal); got != 3 {
		t.Errorf("expected 3 metric series, got %d", got)
	}

	created := testutil.ToFloat64(collector.operationsTotal.WithLabelValues("create_entity", "success"))
	if created != 2 {
		t.Errorf("expected 2 create_entity/success operations, got %f", created)
	}

	failed := testutil.ToFloat64(collector.operationsTotal.WithLabelValues("create_entity", "error"))
	if failed != 1 {
		t.Errorf("expected 1 create_entity/error operation, got %f", failed)
	}
}

func TestMetricsCollector_RecordError(t *testing.T) {
	collector := NewCollector()
	ctx := context.Background()

	collector.RecordError(ctx, "create_entity", "already_exists")
	collector.RecordError(ctx, "create_entity", "already_exists")
	collector.RecordError(ctx, "resolve", "invalid_path")

	dupes := testutil.ToFloat64(collector.errorsTotal.WithLabelValues("create_entity", "already_exists"))
	if dupes != 2 {
		t.Errorf("expected 2 already_exists errors, got %f", dupes)
	}

	badPaths := testutil.ToFloat64(collector.errorsTotal.WithLabelValues("resolve", "invalid_path"))
	if badPaths != 1 {
		t.Errorf("expected 1 invalid_path error, got %f", badPaths)
	}
}

func TestMetricsCollector_SetStorageCount(t *testing.T) {
	collector := NewCollector()
	ctx := context.Background()

	collector.SetStorageCount(ctx, "entities", 42)
	collector.SetStorageCount(ctx, "associations", 41)

	entities := testutil.ToFloat64(collector.storageCount.WithLabelValues("entities"))
	if entities != 42 {
		t.Errorf("expected 42 entities, got %f", entities)
	}

	collector.SetStorageCount(ctx, "entities", 50)
	entities = testutil.ToFloat64(collector.storageCount.WithLabelValues("entities"))
	if entities != 50 {
		t.Errorf("expected 50 entities after update, got %f", entities)
	}
}

func TestMetricsCollector_UsageAndPressure(t *testing.T) {
	collector := NewCollector()
	ctx := context.Background()

	collector.SetUsageRatio(ctx, 0.87)
	if got := testutil.ToFloat64(collector.usageRatio); got != 0.87 {
		t.Errorf("expected usage ratio 0.87, got %f", got)
	}

	collector.RecordPressure(ctx, "warning")
	collector.RecordPressure(ctx, "warning")
	collector.RecordPressure(ctx, "critical")

	warnings := testutil.ToFloat64(collector.pressureTotal.WithLabelValues("warning"))
	if warnings != 2 {
		t.Errorf("expected 2 warning pressure events, got %f", warnings)
	}
}

func TestMetricsCollector_Registry(t *testing.T) {
	collector := NewCollector()
	ctx := context.Background()

	collector.RecordOperation(ctx, "get_entity", "success", 2)
	collector.RecordError(ctx, "get_entity", "not_found")
	collector.SetStorageCount(ctx, "entities", 10)
	collector.SetUsageRatio(ctx, 0.5)
	collector.RecordPressure(ctx, "warning")

	registry := collector.Registry()
	if registry == nil {
		t.Fatal("expected non-nil registry")
	}

	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	expectedFamilies := 6
	if len(metricFamilies) != expectedFamilies {
		t.Errorf("expected %d metric families, got %d", expectedFamilies, len(metricFamilies))
	}
}

// Payload data must never reach metric labels, only operation names and
// coarse error categories.
func TestMetricsCollector_NoPayloadLeakage(t *testing.T) {
	collector := NewCollector()
	ctx := context.Background()

	collector.RecordOperation(ctx, "update_entity", "success", 5)
	collector.RecordError(ctx, "update_entity", "integrity")

	metricFamilies, err := collector.Registry().Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	forbiddenTerms := []string{"title", "body", "semantic_name", "api_key", "Bearer"}
	for _, mf := range metricFamilies {
		for _, m := range mf.GetMetric() {
			for _, label := range m.GetLabel() {
				value := label.GetValue()
				for _, term := range forbiddenTerms {
					if value == term {
						t.Errorf("found forbidden term %q in metric label", term)
					}
				}
			}
		}
	}
}
