package tasks

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const frontmatterDelim = "---"

// Encode renders a task as a markdown document: a YAML frontmatter block
// holding every field, followed by a human-readable body.
func Encode(t *Task) ([]byte, error) {
	meta, err := yaml.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal frontmatter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(frontmatterDelim + "\n")
	buf.Write(meta)
	buf.WriteString(frontmatterDelim + "\n\n")
	buf.WriteString(renderBody(t))
	return buf.Bytes(), nil
}

// Decode parses the frontmatter of a record. The body is derived data and is ignored.
func Decode(data []byte) (*Task, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if !strings.HasPrefix(text, frontmatterDelim+"\n") {
		return nil, fmt.Errorf("%w: missing frontmatter", ErrMalformedRecord)
	}
	rest := text[len(frontmatterDelim)+1:]

	end := strings.Index(rest, "\n"+frontmatterDelim+"\n")
	var meta string
	switch {
	case end >= 0:
		meta = rest[:end+1]
	case strings.HasSuffix(rest, "\n"+frontmatterDelim):
		meta = strings.TrimSuffix(rest, frontmatterDelim)
	case strings.HasPrefix(rest, frontmatterDelim+"\n"):
		meta = ""
	default:
		return nil, fmt.Errorf("%w: unterminated frontmatter", ErrMalformedRecord)
	}

	var t Task
	if err := yaml.Unmarshal([]byte(meta), &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if t.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedRecord)
	}
	if t.MaxIterations <= 0 {
		return nil, fmt.Errorf("%w: max_iterations must be positive, got %d", ErrMalformedRecord, t.MaxIterations)
	}
	if t.CurrentIteration < 0 || t.CurrentIteration > t.MaxIterations {
		return nil, fmt.Errorf("%w: current_iteration %d outside 0..%d", ErrMalformedRecord, t.CurrentIteration, t.MaxIterations)
	}
	return &t, nil
}

func renderBody(t *Task) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Task: %s\n\n", t.Description)
	fmt.Fprintf(&b, "## Objective\n%s\n\n", t.Description)

	b.WriteString("## Steps to Complete\n")
	if len(t.Steps) == 0 {
		b.WriteString("_No steps._\n")
	}
	for i, s := range t.Steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s.Description)
	}

	b.WriteString("\n## Current Progress\n")
	for _, s := range t.Steps {
		mark := " "
		if s.Done {
			mark = "x"
		}
		fmt.Fprintf(&b, "- [%s] %s\n", mark, s.Description)
	}

	b.WriteString("\n## Current Status\n")
	fmt.Fprintf(&b, "- Status: %s\n", t.Status)
	fmt.Fprintf(&b, "- Priority: %s\n", t.Priority)
	fmt.Fprintf(&b, "- Iteration: %d/%d\n", t.CurrentIteration, t.MaxIterations)
	fmt.Fprintf(&b, "- Steps Completed: %d/%d\n", t.DoneSteps(), len(t.Steps))

	if len(t.Notes) > 0 {
		b.WriteString("\n## Notes\n")
		for _, n := range t.Notes {
			fmt.Fprintf(&b, "- %s: %s\n", n.Ts.Format("2006-01-02 15:04:05"), n.Text)
		}
	}

	if t.Status == TaskCompleted && t.CompletedAt != nil {
		b.WriteString("\n## Task Completion\n")
		fmt.Fprintf(&b, "- **Completed at**: %s\n", t.CompletedAt.Format("2006-01-02T15:04:05Z07:00"))
		fmt.Fprintf(&b, "- **Iterations used**: %d/%d\n", t.CurrentIteration, t.MaxIterations)
	}

	return b.String()
}
