package authz

import (
	"context"
	"testing"
)

func TestPermissiveAlwaysAllows(t *testing.T) {
	p := Permissive{}
	decision, err := p.Authorize(context.Background(), "anyone", "create", "access")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !decision.Allow {
		t.Fatalf("expected Permissive to always allow")
	}
}

func TestRegoAuthorizerDefaultPolicyAllowsCreateOnly(t *testing.T) {
	a, err := NewRegoAuthorizer(context.Background(), "")
	if err != nil {
		t.Fatalf("NewRegoAuthorizer: %v", err)
	}

	decision, err := a.Authorize(context.Background(), "u1", "create", "access")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !decision.Allow {
		t.Fatalf("expected create to be allowed by the default policy")
	}

	decision, err = a.Authorize(context.Background(), "u1", "delete", "access")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if decision.Allow {
		t.Fatalf("expected delete to be denied by the default deny-by-default policy")
	}
}

func TestRegoAuthorizerCustomPolicyOverridesDefault(t *testing.T) {
	module := `
package assure.authz

default allow = false

allow {
	input.subject == "admin"
}
`
	a, err := NewRegoAuthorizer(context.Background(), module)
	if err != nil {
		t.Fatalf("NewRegoAuthorizer: %v", err)
	}

	decision, err := a.Authorize(context.Background(), "admin", "delete", "access")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !decision.Allow {
		t.Fatalf("expected admin subject to be allowed by the custom policy")
	}

	decision, err = a.Authorize(context.Background(), "guest", "create", "access")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if decision.Allow {
		t.Fatalf("expected non-admin subject to be denied by the custom policy")
	}
}

func TestNewRegoAuthorizerRejectsMalformedModule(t *testing.T) {
	if _, err := NewRegoAuthorizer(context.Background(), "not valid rego"); err == nil {
		t.Fatalf("expected a compile error for a malformed module")
	}
}
