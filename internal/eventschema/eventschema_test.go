package eventschema

import "testing"

func TestNewSchemaPrependsMandatoryFieldsInOrder(t *testing.T) {
	s := NewSchema("access", "userId", "resource")
	want := []string{"_id", "timestamp", "transactionId", "userId", "resource"}
	if len(s.Fields) != len(want) {
		t.Fatalf("expected %d fields, got %d: %v", len(want), len(s.Fields), s.Fields)
	}
	for i, f := range want {
		if s.Fields[i] != f {
			t.Fatalf("field %d: expected %q, got %q", i, f, s.Fields[i])
		}
	}
	if s.Topic != "access" {
		t.Fatalf("expected topic %q, got %q", "access", s.Topic)
	}
}

func TestAccessSchemaFieldOrder(t *testing.T) {
	s := AccessSchema()
	want := []string{"_id", "timestamp", "transactionId", "userId", "client.ip", "resource", "action", "outcome"}
	if len(s.Fields) != len(want) {
		t.Fatalf("expected %d fields, got %d: %v", len(want), len(s.Fields), s.Fields)
	}
	for i, f := range want {
		if s.Fields[i] != f {
			t.Fatalf("field %d: expected %q, got %q", i, f, s.Fields[i])
		}
	}
}

func TestBuilderAssignsSuppliedTransactionID(t *testing.T) {
	event := NewBuilder("tx-1").With("userId", "u1").Build()
	if event["transactionId"] != "tx-1" {
		t.Fatalf("expected transactionId tx-1, got %v", event["transactionId"])
	}
	if event["userId"] != "u1" {
		t.Fatalf("expected userId u1, got %v", event["userId"])
	}
}

func TestBuilderWithIDOverridesAssignedID(t *testing.T) {
	event := NewBuilder("tx-1").WithID("explicit-id").Build()
	if event["_id"] != "explicit-id" {
		t.Fatalf("expected _id explicit-id, got %v", event["_id"])
	}
}

func TestWithAccessFieldsExtendsBuilderWithoutSubclassing(t *testing.T) {
	b := NewBuilder("tx-2")
	b = WithAccessFields(b, "u1", "10.0.0.1", "/widgets", "read", "allow")
	event := b.Build()

	for k, want := range map[string]string{
		"userId":    "u1",
		"client.ip": "10.0.0.1",
		"resource":  "/widgets",
		"action":    "read",
		"outcome":   "allow",
	} {
		if event[k] != want {
			t.Fatalf("field %q: expected %q, got %v", k, want, event[k])
		}
	}
}
