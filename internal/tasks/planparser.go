package tasks

import (
	"regexp"
	"strings"
)

// numberedItemRe matches numbered list items like "1. " or "2) ".
var numberedItemRe = regexp.MustCompile(`(?m)^\s*(\d+)[.)]\s+(.+)`)

// headerStepRe matches markdown headers like "### Step 1: Title" or "### 1. Title".
var headerStepRe = regexp.MustCompile(`(?m)^###\s+(?:Step\s+)?(\d+)[.:]?\s*(.+)`)

// checkboxRe matches checklist items like "- [ ] Title" or "- [x] Title".
var checkboxRe = regexp.MustCompile(`(?m)^\s*[-*]\s+\[[ xX]\]\s+(.+)`)

// ParseSteps extracts an ordered step list from a markdown plan.
// Header steps win over numbered items, which win over checklist items.
// Returns nil if nothing recognizable is found.
func ParseSteps(markdown string) []string {
	if steps := collect(headerStepRe, markdown, 2); len(steps) > 0 {
		return steps
	}
	if steps := collect(numberedItemRe, markdown, 2); len(steps) > 0 {
		return steps
	}
	return collect(checkboxRe, markdown, 1)
}

func collect(re *regexp.Regexp, markdown string, group int) []string {
	var steps []string
	seen := make(map[string]bool)
	for _, m := range re.FindAllStringSubmatch(markdown, -1) {
		title := strings.TrimSpace(m[group])
		if title == "" || seen[title] {
			continue
		}
		seen[title] = true
		steps = append(steps, title)
	}
	return steps
}
