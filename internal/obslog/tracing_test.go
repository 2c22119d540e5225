package obslog

import (
	"context"
	"errors"
	"testing"
)

func TestStartNodeSpanNoopWhenTraceOff(t *testing.T) {
	ctx, span := StartNodeSpan(context.Background(), false, "n1")
	defer span.End()
	if span.IsRecording() {
		t.Fatal("expected a non-recording span when trace is off")
	}
	if ctx == nil {
		t.Fatal("expected a non-nil context")
	}
}

func TestRecordSpanErrorIgnoresNil(t *testing.T) {
	// Must not panic with no span in context.
	RecordSpanError(context.Background(), nil)
	RecordSpanError(context.Background(), errors.New("boom"))
}
