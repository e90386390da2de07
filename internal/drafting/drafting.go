// Package drafting produces the content of automated changes.
//
// The daemon never decides on its own what to change. A Drafter turns a
// short task description into a Markdown plan that the orchestrator commits
// under docs/autopilot/.
package drafting

import (
	"context"
	"strings"
)

// EmptyDraft is committed when a drafter returns no content.
const EmptyDraft = "# Autopilot\n\n(No content)\n"

// Drafter turns a task into Markdown.
type Drafter interface {
	Draft(ctx context.Context, task string) (string, error)
}

// Passage is one retrieved grounding snippet.
type Passage struct {
	Source string `json:"source"`
	Chunk  string `json:"chunk"`
}

// Retriever finds passages relevant to a query. Implementations live outside
// this module.
type Retriever interface {
	Search(ctx context.Context, query string, k int) ([]Passage, error)
}

// Static returns the same draft for every task.
type Static string

// Draft implements Drafter.
func (s Static) Draft(ctx context.Context, task string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return string(s), nil
}

// DrafterFunc adapts a function to Drafter.
type DrafterFunc func(ctx context.Context, task string) (string, error)

// Draft implements Drafter.
func (f DrafterFunc) Draft(ctx context.Context, task string) (string, error) {
	return f(ctx, task)
}

// formatPassages renders passages as a numbered list for a prompt.
func formatPassages(passages []Passage) string {
	var b strings.Builder
	for i, p := range passages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("[")
		b.WriteString(strings.TrimSpace(p.Source))
		b.WriteString("]\n")
		b.WriteString(strings.TrimSpace(p.Chunk))
	}
	return b.String()
}
