package tasks

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ent0n29/tasksync/internal/apperr"
)

func TestMutationSpansCarryResult(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	f := newFixture(t, WithTracerProvider(tp))
	exporter.Reset()

	if _, err := f.mgr.ChangeStatus(context.Background(), owner, f.task.ID, "Completed"); err != nil {
		t.Fatalf("ChangeStatus() error = %v", err)
	}
	_, _ = f.mgr.ChangeStatus(context.Background(), stranger, f.task.ID, "Pending")

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("len(spans) = %d, want 2", len(spans))
	}
	if spans[0].Name != "tasks.task_status_updated" {
		t.Fatalf("span name = %q", spans[0].Name)
	}
	if got := resultOf(spans[0].Attributes); got != "ok" {
		t.Fatalf("first result = %q, want ok", got)
	}
	if got := resultOf(spans[1].Attributes); got != apperr.CodeForbidden {
		t.Fatalf("second result = %q, want %q", got, apperr.CodeForbidden)
	}
	if spans[1].Status.Code != codes.Error {
		t.Fatalf("second status = %v, want Error", spans[1].Status.Code)
	}
}

func resultOf(attrs []attribute.KeyValue) string {
	for _, kv := range attrs {
		if kv.Key == "mutation.result" {
			return kv.Value.AsString()
		}
	}
	return ""
}
