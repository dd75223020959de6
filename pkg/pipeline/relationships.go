package pipeline

import (
	"regexp"
	"strings"

	"github.com/handshake-core/handshake/pkg/idgen"
)

// Edge is one extracted import relationship.
type Edge struct {
	RelationshipType string
	SourceID         string
	TargetID         string
	Imported         string
}

const relationshipImport = "import"

var (
	rustUseRe = regexp.MustCompile(`^\s*use\s+([A-Za-z0-9_:.]+)`)
	jsImportRe = regexp.MustCompile(`^\s*import\s+.*\sfrom\s+["']([^"']+)["']`)
)

// TargetID derives the §4.9 deterministic target_id for an imported
// module/crate/path.
func TargetID(imported string) string {
	return "ent_" + idgen.DeterministicUUIDFrom("import:"+imported).String()
}

// ExtractImportEdges line-scans source for `use ` (Rust) and
// `import ... from "..."` (TypeScript/JavaScript) statements, deduplicating
// per sourceID and producing deterministic target IDs.
func ExtractImportEdges(source, sourceID string) []Edge {
	seen := make(map[string]bool)
	var edges []Edge

	for _, line := range strings.Split(source, "\n") {
		var imported string
		if m := rustUseRe.FindStringSubmatch(line); m != nil {
			imported = m[1]
		} else if m := jsImportRe.FindStringSubmatch(line); m != nil {
			imported = m[1]
		}
		if imported == "" || seen[imported] {
			continue
		}
		seen[imported] = true
		edges = append(edges, Edge{
			RelationshipType: relationshipImport,
			SourceID:         sourceID,
			TargetID:         TargetID(imported),
			Imported:         imported,
		})
	}
	return edges
}
