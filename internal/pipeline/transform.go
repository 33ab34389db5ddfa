package pipeline

import (
	"regexp"
	"sort"
	"strings"

	"github.com/chittyos/todosync/internal/todo"
)

// tagPattern matches inline #hashtags in todo content.
var tagPattern = regexp.MustCompile(`#([a-zA-Z0-9_-]+)`)

// priorityKeywords maps content keywords to priorities, checked most
// urgent first. 0=critical .. 4=backlog; unmatched content stays at 2.
var priorityKeywords = []struct {
	words    []string
	priority int
}{
	{[]string{"urgent", "critical", "asap", "outage", "p0"}, 0},
	{[]string{"important", "blocker", "high priority", "p1"}, 1},
	{[]string{"low priority", "minor", "p3"}, 3},
	{[]string{"someday", "backlog", "nice to have", "p4"}, 4},
}

// transform normalizes a single todo in place.
//
// This stage is pure and deterministic: it trims and collapses whitespace,
// extracts #tags, derives a keyword priority and estimates effort. It makes
// no external calls and cannot fail except on programmer error.
func transform(t *todo.Todo) {
	t.Content = strings.Join(strings.Fields(t.Content), " ")
	t.Tags = extractTags(t.Content)
	t.Priority = derivePriority(t.Content)
	t.EstimatedEffort = estimateEffort(t.Content)
}

// extractTags returns the deduplicated, sorted set of #hashtags.
func extractTags(content string) []string {
	matches := tagPattern.FindAllStringSubmatch(content, -1)
	seen := make(map[string]bool)
	tags := []string{}
	for _, m := range matches {
		tag := strings.ToLower(m[1])
		if seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// derivePriority scans content for urgency keywords.
func derivePriority(content string) int {
	lower := strings.ToLower(content)
	for _, group := range priorityKeywords {
		for _, word := range group.words {
			if strings.Contains(lower, word) {
				return group.priority
			}
		}
	}
	return 2
}

// estimateEffort returns a rough effort estimate in minutes keyed on
// content length. Coarse buckets are good enough for queue ordering.
func estimateEffort(content string) int {
	words := len(strings.Fields(content))
	switch {
	case words < 10:
		return 15
	case words < 50:
		return 60
	case words < 200:
		return 240
	default:
		return 480
	}
}
