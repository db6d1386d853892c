package retrieval

import (
	"fmt"
	"strings"

	"rae-backend/internal/domain"
)

// BuildContext renders the retrieval outcome as a markdown block an agent
// can paste straight into a prompt. Sections appear in fixed order so the
// output is stable for identical inputs: retrieved memories, graph context
// when a traversal contributed, then statistics.
func BuildContext(results []domain.ScoredMemory, summary *domain.TraversalSummary, candidates int) string {
	var sb strings.Builder

	sb.WriteString("### Retrieved Memories\n")
	if len(results) == 0 {
		sb.WriteString("(none)\n")
	}
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. [%s] (score %.3f) %s\n",
			i+1, r.Memory.Layer, r.FinalScore, flattenContent(r.Memory.Content))
	}

	if summary != nil && summary.GraphNodes > 0 {
		sb.WriteString("\n### Graph Context\n")
		fmt.Fprintf(&sb, "Traversed %d nodes and %d edges to depth %d from %d seed memories.\n",
			summary.GraphNodes, summary.GraphEdges, summary.Depth, summary.SeedMemories)
		if len(summary.Entities) > 0 {
			fmt.Fprintf(&sb, "Entities: %s\n", strings.Join(summary.Entities, ", "))
		}
	}

	sb.WriteString("\n### Statistics\n")
	fmt.Fprintf(&sb, "Returned %d of %d candidates.\n", len(results), candidates)

	return sb.String()
}

// flattenContent collapses newlines so each memory stays on one list line.
func flattenContent(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
