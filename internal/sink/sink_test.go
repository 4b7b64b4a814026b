package sink

import (
	"context"
	"testing"

	"github.com/sealedledger/assure/internal/svcerr"
)

func TestNullSinkReturnsNotSupportedWithCustomReason(t *testing.T) {
	n := Null{Reason: "no query sink registered for this topic"}

	_, err := n.Publish(context.Background(), "access", map[string]any{})
	if svcerr.Reason(err) != svcerr.ReasonNotSupported {
		t.Fatalf("expected NotSupported, got %v", err)
	}

	_, err = n.Read(context.Background(), "access", "1")
	if svcerr.Reason(err) != svcerr.ReasonNotSupported {
		t.Fatalf("expected NotSupported, got %v", err)
	}

	_, err = n.Query(context.Background(), "access", nil, func(Result) bool { return false })
	if svcerr.Reason(err) != svcerr.ReasonNotSupported {
		t.Fatalf("expected NotSupported, got %v", err)
	}
}

func TestNullSinkDefaultsReasonWhenUnset(t *testing.T) {
	n := Null{}
	_, err := n.Read(context.Background(), "access", "1")
	if err == nil {
		t.Fatalf("expected an error")
	}
}

func TestNullSinkLifecycleIsNoOp(t *testing.T) {
	n := Null{}
	if err := n.Configure(map[string]any{"x": 1}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := n.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if err := n.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
