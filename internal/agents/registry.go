// Package agents defines the closed set of content-generation agent kinds and
// the fixed document specs each kind produces.
package agents

import (
	_ "embed"

	"github.com/mverbitski/consulting-agents/internal/llm"
)

// Kind identifies one agent in the fixed agent set.
type Kind string

// The complete agent set. Adding a kind means adding a registry entry,
// a prompt template, and (for JSON output) a schema.
const (
	KindBAConsultant         Kind = "ba_consultant"
	KindQAConsultant         Kind = "qa_consultant"
	KindAutomationConsultant Kind = "automation_consultant"
)

//go:embed requirements_matrix.schema.json
var requirementsMatrixSchema string

// Document describes one artifact an agent produces: its prompt and the
// metadata the recorder persists alongside the generated content.
type Document struct {
	ArtifactType string
	ContentType  string
	Title        string
	PromptKey    string
	Tier         llm.ModelTier
	// JSONSchema, when non-empty, is validated against the generated content
	// before the artifact is recorded.
	JSONSchema string
}

// Spec is the fixed behavior of one agent kind. Secondary, when set, is a
// second document derived in the same step from the same context.
type Spec struct {
	Kind      Kind
	Label     string
	Primary   Document
	Secondary *Document
}

var registry = map[Kind]Spec{
	KindBAConsultant: {
		Kind:  KindBAConsultant,
		Label: "Analyzing requirements",
		Primary: Document{
			ArtifactType: "requirements_matrix",
			ContentType:  "application/json",
			Title:        "Requirements Matrix",
			PromptKey:    "ba_consultant",
			Tier:         llm.TierAdvanced,
			JSONSchema:   requirementsMatrixSchema,
		},
	},
	KindQAConsultant: {
		Kind:  KindQAConsultant,
		Label: "Designing test strategy",
		Primary: Document{
			ArtifactType: "test_plan",
			ContentType:  "text/markdown",
			Title:        "Test Plan",
			PromptKey:    "qa_consultant",
			Tier:         llm.TierStandard,
		},
		Secondary: &Document{
			ArtifactType: "bdd_scenarios",
			ContentType:  "text/markdown",
			Title:        "BDD Scenarios",
			PromptKey:    "qa_consultant_bdd",
			Tier:         llm.TierStandard,
		},
	},
	KindAutomationConsultant: {
		Kind:  KindAutomationConsultant,
		Label: "Planning test automation",
		Primary: Document{
			ArtifactType: "automation_strategy",
			ContentType:  "text/markdown",
			Title:        "Automation Strategy",
			PromptKey:    "automation_consultant",
			Tier:         llm.TierStandard,
		},
	},
}

// SpecFor returns the spec for a kind, reporting whether the kind is known.
func SpecFor(kind Kind) (Spec, bool) {
	spec, ok := registry[kind]
	return spec, ok
}

// ParseKind converts a stored string to a Kind, reporting whether it is known.
func ParseKind(s string) (Kind, bool) {
	kind := Kind(s)
	_, ok := registry[kind]
	return kind, ok
}

// AllKinds returns the agent set in a fixed presentation order.
func AllKinds() []Kind {
	return []Kind{KindBAConsultant, KindQAConsultant, KindAutomationConsultant}
}
