package agent

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile names used by the runtime.
const (
	ProfileDefault = "default"
	ProfileBackend = "backend"
	ProfileTask    = "task"
)

// Profile is one agent configuration: the system prompt template, the tools
// the model may call and the sampling parameters.
type Profile struct {
	Model        string   `yaml:"model,omitempty"`
	SystemPrompt string   `yaml:"system_prompt"`
	Tools        []string `yaml:"tools,omitempty"`
	Temperature  float64  `yaml:"temperature,omitempty"`
	MaxTokens    int      `yaml:"max_tokens,omitempty"`
}

// Profiles is the loaded profile table.
type Profiles struct {
	byName map[string]Profile
}

type profilesFile struct {
	Profiles map[string]Profile `yaml:"profiles"`
}

const defaultSystemPrompt = `You are the accounting assistant for {{company_id}}.
Today is {{current_date}}.

You help the user review bookkeeping jobs, answer questions about invoices,
expenses and payroll, and launch long-processing tasks when heavier work is
needed. When you dispatch a long-processing task you must immediately call
WAIT_ON_LPT so the conversation suspends until the executor reports back.

User context:
{{user_context}}`

var builtinProfiles = map[string]Profile{
	ProfileDefault: {
		SystemPrompt: defaultSystemPrompt,
		Tools:        []string{ToolWaitOnLPT, ToolDispatchLPT, ToolGetUserContext, ToolGetJobsData},
		Temperature:  0.2,
	},
	ProfileBackend: {
		SystemPrompt: defaultSystemPrompt + "\n\nThe user is away from the chat. Work autonomously and keep answers short.",
		Tools:        []string{ToolWaitOnLPT, ToolDispatchLPT, ToolGetUserContext, ToolGetJobsData},
		Temperature:  0.1,
	},
	ProfileTask: {
		SystemPrompt: defaultSystemPrompt + "\n\nYou are executing a scheduled task. Follow the task instructions exactly and report the outcome.",
		Tools:        []string{ToolWaitOnLPT, ToolDispatchLPT, ToolGetJobsData},
		Temperature:  0,
	},
}

// LoadProfiles reads the profile table from a YAML file. An empty path keeps
// the built-in table; file entries override built-ins by name.
func LoadProfiles(path string) (*Profiles, error) {
	table := make(map[string]Profile, len(builtinProfiles))
	for name, p := range builtinProfiles {
		table[name] = p
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("agent: read profiles: %w", err)
		}
		var file profilesFile
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return nil, fmt.Errorf("agent: parse profiles: %w", err)
		}
		for name, p := range file.Profiles {
			table[name] = p
		}
	}
	if _, ok := table[ProfileDefault]; !ok {
		return nil, fmt.Errorf("agent: profiles missing %q", ProfileDefault)
	}
	return &Profiles{byName: table}, nil
}

// Get returns the named profile, falling back to default.
func (p *Profiles) Get(name string) Profile {
	if prof, ok := p.byName[name]; ok {
		return prof
	}
	return p.byName[ProfileDefault]
}

// RenderSystemPrompt expands the template placeholders.
func (prof Profile) RenderSystemPrompt(companyID string, userContext map[string]any) string {
	contextText := "(none)"
	if len(userContext) > 0 {
		keys := make([]string, 0, len(userContext))
		for k := range userContext {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("- %s: %v", k, userContext[k]))
		}
		contextText = strings.Join(parts, "\n")
	}
	replacer := strings.NewReplacer(
		"{{company_id}}", companyID,
		"{{current_date}}", time.Now().UTC().Format("2006-01-02"),
		"{{user_context}}", contextText,
	)
	return replacer.Replace(prof.SystemPrompt)
}
