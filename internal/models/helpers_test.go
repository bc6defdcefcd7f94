package models

import (
	"testing"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

func TestRecordIDString(t *testing.T) {
	got, err := RecordIDString(surrealmodels.NewRecordID("conversation", "c-123"))
	if err != nil {
		t.Fatalf("RecordIDString: %v", err)
	}
	if got != "c-123" {
		t.Errorf("RecordIDString = %q, want %q", got, "c-123")
	}

	if _, err := RecordIDString(surrealmodels.NewRecordID("conversation", 42)); err == nil {
		t.Error("RecordIDString with int id: expected error")
	}
}

func TestRoleValid(t *testing.T) {
	tests := []struct {
		role Role
		want bool
	}{
		{RoleUser, true},
		{RoleAssistant, true},
		{"system", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := tt.role.Valid(); got != tt.want {
			t.Errorf("Role(%q).Valid() = %v, want %v", tt.role, got, tt.want)
		}
	}
}
