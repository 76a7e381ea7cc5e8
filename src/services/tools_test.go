package services

import "testing"

func TestCallControlTools(t *testing.T) {
	tools := CallControlTools()
	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}

	names := map[string]bool{}
	for _, tool := range tools {
		if tool.Type != "function" {
			t.Errorf("tool %s type = %q, want function", tool.Function.Name, tool.Type)
		}
		if tool.Function.Description == "" {
			t.Errorf("tool %s has no description", tool.Function.Name)
		}
		names[tool.Function.Name] = true
	}
	if !names[TransferCallToolName] || !names[EndCallToolName] {
		t.Errorf("tool names = %v, want transfer_call and end_call", names)
	}
}

func TestIsCallControlTool(t *testing.T) {
	for name, want := range map[string]bool{
		TransferCallToolName: true,
		EndCallToolName:      true,
		"check_weather":      false,
		"":                   false,
	} {
		if got := IsCallControlTool(name); got != want {
			t.Errorf("IsCallControlTool(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestToolReason(t *testing.T) {
	cases := []struct {
		name string
		args interface{}
		want string
	}{
		{"parsed map", map[string]interface{}{"reason": "caller asked"}, "caller asked"},
		{"raw json", `{"reason":"goodbye"}`, "goodbye"},
		{"missing", map[string]interface{}{}, "unspecified"},
		{"nil", nil, "unspecified"},
		{"bad json", `{reason`, "unspecified"},
	}
	for _, tc := range cases {
		if got := toolReason(tc.args); got != tc.want {
			t.Errorf("%s: toolReason = %q, want %q", tc.name, got, tc.want)
		}
	}
}
