package scenario

import (
	"errors"
	"testing"
)

func TestResolveInjectsCallerAsAdmin(t *testing.T) {
	doc := &Document{
		ID:   "admin_doc",
		Mode: ModeSafe,
		Steps: []Step{
			{Actor: "admin", Action: Action{Kind: ActionAdvanceTime, Advance: &AdvanceParams{Seconds: 60}}},
		},
	}

	res, err := Resolve(doc, "caller-7", Resolution{RoleAdmin: "impostor"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if res[RoleAdmin] != "caller-7" {
		t.Errorf("admin resolved to %q, want caller identity", res[RoleAdmin])
	}
}

func TestResolveReportsAllMissingRoles(t *testing.T) {
	doc := validDoc()

	_, err := Resolve(doc, "caller-1", nil)
	var unresolved *UnresolvedRolesError
	if !errors.As(err, &unresolved) {
		t.Fatalf("expected *UnresolvedRolesError, got %v", err)
	}
	if len(unresolved.Missing) != 2 {
		t.Fatalf("missing %v, want both employee roles", unresolved.Missing)
	}
	if unresolved.Missing[0] != "employee_1" || unresolved.Missing[1] != "employee_2" {
		t.Errorf("missing roles not sorted: %v", unresolved.Missing)
	}
}

func TestResolveRejectsEmptyCaller(t *testing.T) {
	if _, err := Resolve(validDoc(), "", nil); err == nil {
		t.Fatal("expected error for empty caller identity")
	}
}

func TestResolveRejectsEmptyIdentityValue(t *testing.T) {
	supplied := Resolution{"employee_1": "id-1", "employee_2": ""}
	_, err := Resolve(validDoc(), "caller-1", supplied)
	var unresolved *UnresolvedRolesError
	if !errors.As(err, &unresolved) {
		t.Fatalf("expected *UnresolvedRolesError, got %v", err)
	}
	if len(unresolved.Missing) != 1 || unresolved.Missing[0] != "employee_2" {
		t.Errorf("missing %v, want [employee_2]", unresolved.Missing)
	}
}

func TestResolvePositionalAssignsInOrder(t *testing.T) {
	doc := NewCatalog().docs["ring_probe"]

	res, err := ResolvePositional(doc, "caller-1", []string{"alice", "bob", "carol"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if res["employee_1"] != "alice" || res["employee_2"] != "bob" || res["employee_3"] != "carol" {
		t.Errorf("positional assignment wrong: %v", res)
	}
}

func TestVerifyDetectsIncompleteResolution(t *testing.T) {
	doc := validDoc()

	full := Resolution{"employee_1": "a", "employee_2": "b"}
	if err := full.Verify(doc); err != nil {
		t.Errorf("complete resolution rejected: %v", err)
	}

	partial := Resolution{"employee_1": "a"}
	if err := partial.Verify(doc); err == nil {
		t.Error("expected error for incomplete resolution")
	}
}
