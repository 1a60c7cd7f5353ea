package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadProfiles_BuiltinsAndFallback(t *testing.T) {
	profiles, err := LoadProfiles("")
	if err != nil {
		t.Fatalf("LoadProfiles failed: %v", err)
	}

	def := profiles.Get(ProfileDefault)
	if def.SystemPrompt == "" {
		t.Fatal("default profile has no system prompt")
	}
	var hasWait bool
	for _, name := range def.Tools {
		if name == ToolWaitOnLPT {
			hasWait = true
		}
	}
	if !hasWait {
		t.Error("default profile does not expose WAIT_ON_LPT")
	}

	// Unknown names fall back to default.
	if got := profiles.Get("no-such-profile"); got.SystemPrompt != def.SystemPrompt {
		t.Error("unknown profile did not fall back to default")
	}
	if task := profiles.Get(ProfileTask); task.Temperature != 0 {
		t.Errorf("task temperature = %v, want 0", task.Temperature)
	}
}

func TestLoadProfiles_FileOverridesByName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	content := `profiles:
  default:
    system_prompt: "Custom prompt for {{company_id}}."
    temperature: 0.5
  reviewer:
    system_prompt: "Review the ledger."
    tools: [GET_JOBS_DATA]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	profiles, err := LoadProfiles(path)
	if err != nil {
		t.Fatalf("LoadProfiles failed: %v", err)
	}

	def := profiles.Get(ProfileDefault)
	if def.Temperature != 0.5 || !strings.Contains(def.SystemPrompt, "Custom prompt") {
		t.Errorf("default not overridden: %+v", def)
	}

	reviewer := profiles.Get("reviewer")
	if len(reviewer.Tools) != 1 || reviewer.Tools[0] != ToolGetJobsData {
		t.Errorf("reviewer tools = %v", reviewer.Tools)
	}

	// Built-ins not named in the file survive.
	backend := profiles.Get(ProfileBackend)
	if !strings.Contains(backend.SystemPrompt, "away from the chat") {
		t.Error("builtin backend profile was lost")
	}
}

func TestLoadProfiles_MissingFile(t *testing.T) {
	if _, err := LoadProfiles("/nonexistent/profiles.yaml"); err == nil {
		t.Fatal("expected error for a missing profiles file")
	}
}

func TestRenderSystemPrompt(t *testing.T) {
	prof := Profile{SystemPrompt: "Company {{company_id}}, date {{current_date}}.\nContext:\n{{user_context}}"}

	got := prof.RenderSystemPrompt("acme-42", map[string]any{
		"fiscal_year": 2026,
		"company":     "Acme",
	})
	if !strings.Contains(got, "Company acme-42") {
		t.Errorf("company id not substituted: %q", got)
	}
	if !strings.Contains(got, time.Now().UTC().Format("2006-01-02")) {
		t.Errorf("date not substituted: %q", got)
	}
	// Context lines come out key-sorted.
	if !strings.Contains(got, "- company: Acme\n- fiscal_year: 2026") {
		t.Errorf("context block wrong: %q", got)
	}

	empty := prof.RenderSystemPrompt("acme-42", nil)
	if !strings.Contains(empty, "(none)") {
		t.Errorf("empty context placeholder missing: %q", empty)
	}
}
