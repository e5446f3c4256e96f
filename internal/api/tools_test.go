package api

import (
	"testing"

	"github.com/ShayCichocki/spectree/pkg/models"
)

func TestToolsForRole(t *testing.T) {
	tests := []struct {
		role     models.Role
		expected []string
	}{
		{models.RoleImplementer, []string{"Read", "Write", "Edit", "Bash", "Glob", "Grep", "ListDir"}},
		{models.RoleVerifier, []string{"Read", "Bash", "Glob", "Grep", "ListDir"}},
		{models.RoleCritic, []string{"Read", "Glob", "Grep", "ListDir"}},
		{models.RoleCoordinator, []string{"Read", "Glob", "ListDir"}},
	}

	for _, tc := range tests {
		t.Run(string(tc.role), func(t *testing.T) {
			tools := ToolsForRole(tc.role)
			if len(tools) != len(tc.expected) {
				t.Fatalf("got %d tools, want %d", len(tools), len(tc.expected))
			}
			for i, name := range tc.expected {
				if tools[i].OfTool == nil || tools[i].OfTool.Name != name {
					t.Errorf("tool %d = %+v, want %s", i, tools[i].OfTool, name)
				}
			}
		})
	}
}

func TestToolsForRole_OnlyImplementerWrites(t *testing.T) {
	roles := []models.Role{
		models.RoleProposer, models.RoleCritic, models.RoleVerifier,
		models.RoleResearcher, models.RoleCoordinator,
	}
	for _, role := range roles {
		for _, name := range ToolNamesForRole(role) {
			if name == ToolWrite || name == ToolEdit {
				t.Errorf("%s should not get %s", role, name)
			}
		}
	}
}

func TestToolSchemas_RequiredFields(t *testing.T) {
	for name, tool := range toolSchemas() {
		if tool.OfTool == nil || tool.OfTool.Name != name {
			t.Fatalf("%s has a mismatched tool param", name)
		}
		if len(tool.OfTool.InputSchema.Required) == 0 {
			t.Errorf("%s has no required fields", name)
		}
	}
}
