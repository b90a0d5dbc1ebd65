package orchestrator

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/YASSERRMD/AiMesh/engine/errors"
	"github.com/YASSERRMD/AiMesh/engine/protocol"
)

// refPattern constrains template message references to identifier-safe names.
var refPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// =============================================================================
// Graph Templates
// =============================================================================

// TemplateMessage is one declarative message in a graph template. DependsOn
// names other template messages by ref, not message IDs; instantiation maps
// refs to fresh IDs.
type TemplateMessage struct {
	Ref          string            `yaml:"ref" json:"ref"`
	AgentID      string            `yaml:"agent_id" json:"agent_id"`
	Payload      string            `yaml:"payload" json:"payload"`
	Priority     int               `yaml:"priority" json:"priority"`
	BudgetTokens int64             `yaml:"budget_tokens" json:"budget_tokens"`
	DedupContext string            `yaml:"dedup_context" json:"dedup_context"`
	DependsOn    []string          `yaml:"depends_on" json:"depends_on"`
	Metadata     map[string]string `yaml:"metadata" json:"metadata"`
}

// Template is a reusable task-graph definition loaded from YAML.
type Template struct {
	Name     string            `yaml:"name" json:"name"`
	Messages []TemplateMessage `yaml:"messages" json:"messages"`
}

// ParseTemplate decodes and validates a YAML graph template.
func ParseTemplate(data []byte) (*Template, error) {
	var tpl Template
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return nil, errors.Wrap(errors.KindValidation, "parse graph template", err)
	}
	if err := tpl.Validate(); err != nil {
		return nil, err
	}
	return &tpl, nil
}

// LoadTemplate reads and parses a graph template file.
func LoadTemplate(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.KindValidation, "read graph template", err)
	}
	return ParseTemplate(data)
}

// Validate checks the template for structural problems: missing or
// duplicate refs, unknown dependency references, invalid field values, and
// dependency cycles.
func (t *Template) Validate() error {
	if t.Name == "" {
		return errors.Validation("name", "must not be empty")
	}
	if len(t.Messages) == 0 {
		return errors.Validation("messages", "must contain at least one message")
	}

	refs := make(map[string]bool, len(t.Messages))
	for i, m := range t.Messages {
		if m.Ref == "" {
			return errors.Validation("ref", fmt.Sprintf("message %d has no ref", i))
		}
		if !refPattern.MatchString(m.Ref) {
			return errors.Validation("ref", fmt.Sprintf("%q must match ^[a-z0-9_-]+$", m.Ref))
		}
		if refs[m.Ref] {
			return errors.Validation("ref", fmt.Sprintf("%q appears more than once", m.Ref))
		}
		refs[m.Ref] = true
	}

	deps := make(map[string][]string, len(t.Messages))
	for _, m := range t.Messages {
		if m.AgentID == "" {
			return errors.Validation("agent_id", fmt.Sprintf("message %q has no agent_id", m.Ref))
		}
		if m.Priority < 0 || m.Priority > 100 {
			return errors.Validation("priority", fmt.Sprintf("message %q must be within [0, 100]", m.Ref))
		}
		if m.BudgetTokens < 0 {
			return errors.Validation("budget_tokens", fmt.Sprintf("message %q must not be negative", m.Ref))
		}
		for _, dep := range m.DependsOn {
			if dep == m.Ref {
				return errors.CycleDetected([]string{m.Ref})
			}
			if !refs[dep] {
				return errors.InvalidDependencies(
					fmt.Sprintf("message %q depends on unknown ref %q", m.Ref, dep))
			}
		}
		deps[m.Ref] = m.DependsOn
	}

	if cycle := findCycle(deps); cycle != nil {
		return errors.CycleDetected(cycle)
	}
	return nil
}

// Instantiate materializes the template into concrete messages sharing a
// fresh task_graph_id, with refs resolved to generated message IDs. The
// returned slice preserves template order, which is a valid submission
// order only when combined with the orchestrator's dependency parking.
func (t *Template) Instantiate() ([]*protocol.Message, string) {
	graphID := protocol.NewID()

	ids := make(map[string]string, len(t.Messages))
	for _, m := range t.Messages {
		ids[m.Ref] = protocol.NewID()
	}

	messages := make([]*protocol.Message, 0, len(t.Messages))
	for _, m := range t.Messages {
		msg := protocol.NewMessage(m.AgentID, []byte(m.Payload))
		msg.MessageID = ids[m.Ref]
		msg.TaskGraphID = graphID
		msg.DedupContext = m.DedupContext
		if m.Priority > 0 {
			msg.Priority = m.Priority
		}
		if m.BudgetTokens > 0 {
			msg.BudgetTokens = m.BudgetTokens
		}
		if len(m.Metadata) > 0 {
			msg.Metadata = make(map[string]string, len(m.Metadata))
			for k, v := range m.Metadata {
				msg.Metadata[k] = v
			}
		}
		for _, dep := range m.DependsOn {
			msg.Dependencies = append(msg.Dependencies, ids[dep])
		}
		messages = append(messages, msg)
	}
	return messages, graphID
}
