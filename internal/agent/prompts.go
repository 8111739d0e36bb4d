package agent

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

//go:embed templates/*.md
var templateFS embed.FS

// IssueComment is a single issue comment rendered into a prompt.
type IssueComment struct {
	Author    string
	CreatedAt string
	Body      string
}

// PlanData holds the context for rendering the planning prompt.
type PlanData struct {
	IssueNumber int
	Title       string
	Body        string
	Comments    []IssueComment
}

// ImplementData holds the context for rendering the implementation prompt.
type ImplementData struct {
	IssueNumber int
	Title       string
	Body        string
	Plan        string
	Branch      string
	ProgressPath string
}

// FeedbackComment is a single PR review comment rendered into the update
// prompt.
type FeedbackComment struct {
	Path   string
	Line   int
	Author string
	Body   string
}

// UpdatePRData holds the context for rendering the review-response prompt.
// The original issue rides along so the agent can judge which feedback is
// in scope.
type UpdatePRData struct {
	IssueNumber int
	Title       string
	Body        string
	PRNumber    int
	Comments    []FeedbackComment
}

// RenderPlan renders the planning prompt. If overrideDir is non-empty and
// contains plan.md, that file is used instead of the embedded template.
func RenderPlan(data PlanData, overrideDir string) (string, error) {
	return render("templates/plan.md", data, overrideDir)
}

// RenderImplement renders the implementation prompt.
func RenderImplement(data ImplementData, overrideDir string) (string, error) {
	return render("templates/implement.md", data, overrideDir)
}

// RenderUpdatePR renders the review-response prompt.
func RenderUpdatePR(data UpdatePRData, overrideDir string) (string, error) {
	return render("templates/update_pr.md", data, overrideDir)
}

func render(name string, data any, overrideDir string) (string, error) {
	content, err := readTemplate(name, overrideDir)
	if err != nil {
		return "", err
	}

	tmpl, err := template.New(name).Parse(string(content))
	if err != nil {
		return "", fmt.Errorf("parsing template %s: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("executing template %s: %w", name, err)
	}

	return buf.String(), nil
}

// readTemplate returns the template content, preferring an override file on
// disk (overrideDir/<filename>) and falling back to the embedded version.
func readTemplate(name, overrideDir string) ([]byte, error) {
	filename := filepath.Base(name)

	if overrideDir != "" {
		overridePath := filepath.Join(overrideDir, filename)
		if content, err := os.ReadFile(overridePath); err == nil {
			return content, nil
		}
	}

	content, err := templateFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("reading template %s: %w", name, err)
	}
	return content, nil
}
