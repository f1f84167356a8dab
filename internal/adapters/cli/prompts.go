package cli

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"text/template"
)

//go:embed prompts/*.md.tmpl
var promptsFS embed.FS

const forbiddenActionsClause = `Do not run tests, builds, or dev servers. Do not execute any scripts.
Do not run any version-control commands (git add/commit/push/checkout,
etc.) — the orchestrator handles committing and pushing your changes
once you are done.`

// PromptVariant names one of the five prompt templates the runner picks
// between for a given agent invocation.
type PromptVariant string

const (
	PromptVariantTask          PromptVariant = "task"
	PromptVariantResume        PromptVariant = "resume"
	PromptVariantEmptyRepo     PromptVariant = "empty-repo"
	PromptVariantPlanOnly      PromptVariant = "plan-only"
	PromptVariantImplementPlan PromptVariant = "implement-plan"
)

// PromptParams carries everything a template might need. Not every field
// applies to every variant; SelectVariant decides which one is used.
type PromptParams struct {
	Title        string
	Description  string
	UserInput    string
	ContextFiles []string
	BuildCommand string

	IsResume       bool
	ReviewFeedback string

	IsEmptyRepo bool

	PlanOnly     bool
	ApprovedPlan string

	AgentType string
}

// SelectVariant applies the trigger table from the runner's prompt-template
// selection rule, in priority order: an approved plan always means
// implement-plan, regardless of the other flags.
func SelectVariant(p PromptParams) PromptVariant {
	switch {
	case p.ApprovedPlan != "":
		return PromptVariantImplementPlan
	case p.PlanOnly:
		return PromptVariantPlanOnly
	case p.IsEmptyRepo:
		return PromptVariantEmptyRepo
	case p.IsResume && p.ReviewFeedback != "":
		return PromptVariantResume
	default:
		return PromptVariantTask
	}
}

// PromptBuilder renders the five prompt-template variants from embedded
// text/template files, one per variant.
type PromptBuilder struct {
	mu        sync.RWMutex
	templates map[PromptVariant]*template.Template
}

// NewPromptBuilder loads and parses every template under prompts/.
func NewPromptBuilder() (*PromptBuilder, error) {
	b := &PromptBuilder{templates: make(map[PromptVariant]*template.Template)}
	if err := b.loadTemplates(); err != nil {
		return nil, fmt.Errorf("loading prompt templates: %w", err)
	}
	return b, nil
}

func (b *PromptBuilder) loadTemplates() error {
	return fs.WalkDir(promptsFS, "prompts", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".md.tmpl") {
			return nil
		}
		content, err := promptsFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		name := strings.TrimSuffix(strings.TrimPrefix(path, "prompts/"), ".md.tmpl")
		tmpl, err := template.New(name).Parse(string(content))
		if err != nil {
			return fmt.Errorf("parsing template %s: %w", name, err)
		}
		b.templates[PromptVariant(name)] = tmpl
		return nil
	})
}

// templateData is the shape fed to the templates; Forbidden is precomputed
// here rather than left to a template func, since plan-only omits it.
type templateData struct {
	PromptParams
	Forbidden string
}

// Build picks the variant per SelectVariant and renders it.
func (b *PromptBuilder) Build(p PromptParams) (string, error) {
	variant := SelectVariant(p)

	b.mu.RLock()
	tmpl, ok := b.templates[variant]
	b.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("prompt template %q not registered", variant)
	}

	data := templateData{PromptParams: p}
	if variant != PromptVariantPlanOnly {
		data.Forbidden = forbiddenActionsClause
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("executing prompt template %s: %w", variant, err)
	}
	return strings.TrimSpace(buf.String()) + "\n", nil
}
