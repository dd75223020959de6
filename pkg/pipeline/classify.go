package pipeline

import (
	"path/filepath"
	"strings"
)

// ContentClass is the §4.9 classification of an ingested path.
type ContentClass string

const (
	ClassSupportedRust       ContentClass = "supported_rust"
	ClassSupportedTypeScript ContentClass = "supported_typescript"
	ClassSupportedJavaScript ContentClass = "supported_javascript"
	ClassUnsupportedCode     ContentClass = "unsupported_code"
	ClassNotCode             ContentClass = "not_code"
)

// IsSupportedCode reports whether c is one of the Supported(lang) variants
// eligible for AST-aware chunking.
func (c ContentClass) IsSupportedCode() bool {
	switch c {
	case ClassSupportedRust, ClassSupportedTypeScript, ClassSupportedJavaScript:
		return true
	default:
		return false
	}
}

var notCodeExtensions = map[string]bool{
	".md": true, ".markdown": true, ".txt": true, ".rst": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true,
	".html": true, ".htm": true, ".xml": true, ".csv": true,
}

var unsupportedCodeExtensions = map[string]bool{
	".go": true, ".py": true, ".java": true, ".c": true, ".h": true,
	".cpp": true, ".cc": true, ".hpp": true, ".rb": true, ".php": true,
	".cs": true, ".kt": true, ".swift": true, ".scala": true, ".sh": true,
}

// Classify maps a rel_path's extension to the §4.9 content class.
func Classify(relPath string) ContentClass {
	ext := strings.ToLower(filepath.Ext(relPath))
	switch ext {
	case ".rs":
		return ClassSupportedRust
	case ".ts", ".tsx":
		return ClassSupportedTypeScript
	case ".js", ".jsx", ".mjs", ".cjs":
		return ClassSupportedJavaScript
	}
	if notCodeExtensions[ext] {
		return ClassNotCode
	}
	if unsupportedCodeExtensions[ext] {
		return ClassUnsupportedCode
	}
	return ClassNotCode
}
