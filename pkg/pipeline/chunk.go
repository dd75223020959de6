package pipeline

import (
	"strings"

	"github.com/handshake-core/handshake/internal/apperrors"
)

// StrategyCodeASTTreesitterV1 is the chunking strategy applied to
// Supported(lang) source — a brace/indent-aware scanner that approximates
// tree-sitter top-level-declaration boundaries without a real grammar.
const StrategyCodeASTTreesitterV1 = "code_ast_treesitter_v1"

// StrategyDocHeaderRecursiveV1 is the chunking strategy applied to NotCode
// documents — langchaingo's markdown splitter, header-boundary aware.
const StrategyDocHeaderRecursiveV1 = "doc_header_recursive_v1"

// RawChunk is one chunk produced by a chunker, before silver_id assignment.
type RawChunk struct {
	Text       string
	ByteStart  int
	ByteEnd    int
	LineStart  int
	LineEnd    int
	TokenCount int
}

// estimateTokens approximates token_count as a whitespace-delimited word
// count, the same coarse estimate §4.9's embedding step reuses for
// was_truncated.
func estimateTokens(s string) int {
	return len(strings.Fields(s))
}

// ChunkCode splits source into top-level-declaration-sized chunks by
// scanning brace nesting depth: a chunk boundary falls every time depth
// returns to zero after having gone positive, which for brace-delimited
// languages (Rust, TypeScript, JavaScript) approximates function/impl/class
// boundaries without parsing a real grammar.
func ChunkCode(source string) ([]RawChunk, error) {
	if strings.Count(source, "{") != strings.Count(source, "}") {
		return nil, apperrors.NewValidationError("chunking: unbalanced braces").WithCode(apperrors.CodeValidation)
	}

	var chunks []RawChunk
	depth := 0
	chunkStart := 0
	lineStart := 1
	line := 1
	sawBrace := false

	flush := func(end int, endLine int) {
		text := source[chunkStart:end]
		if strings.TrimSpace(text) == "" {
			return
		}
		chunks = append(chunks, RawChunk{
			Text: text, ByteStart: chunkStart, ByteEnd: end,
			LineStart: lineStart, LineEnd: endLine, TokenCount: estimateTokens(text),
		})
	}

	for i := 0; i < len(source); i++ {
		switch source[i] {
		case '\n':
			line++
		case '{':
			depth++
			sawBrace = true
		case '}':
			depth--
			if depth == 0 && sawBrace {
				flush(i+1, line)
				chunkStart = i + 1
				lineStart = line
				sawBrace = false
			}
		}
	}
	if chunkStart < len(source) {
		flush(len(source), line)
	}
	if len(chunks) == 0 {
		chunks = append(chunks, RawChunk{
			Text: source, ByteStart: 0, ByteEnd: len(source),
			LineStart: 1, LineEnd: line, TokenCount: estimateTokens(source),
		})
	}
	return chunks, nil
}

// ChunkDoc splits non-code content on markdown header boundaries via
// langchaingo's markdown-aware splitter, then maps each returned chunk
// string back onto the original byte/line range by sequential search —
// the splitter itself only returns text, not offsets.
func ChunkDoc(source string) ([]RawChunk, error) {
	texts, err := markdownSplit(source)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "chunking: doc_header_recursive_v1")
	}
	if len(texts) == 0 {
		texts = []string{source}
	}

	var chunks []RawChunk
	cursor := 0
	line := 1
	for _, t := range texts {
		if strings.TrimSpace(t) == "" {
			continue
		}
		idx := strings.Index(source[cursor:], t)
		if idx < 0 {
			// Splitter may have trimmed/re-wrapped whitespace; fall back to
			// appending immediately after the previous chunk.
			idx = 0
		}
		start := cursor + idx
		lineStart := line + strings.Count(source[cursor:start], "\n")
		end := start + len(t)
		lineEnd := lineStart + strings.Count(t, "\n")

		chunks = append(chunks, RawChunk{
			Text: t, ByteStart: start, ByteEnd: end,
			LineStart: lineStart, LineEnd: lineEnd, TokenCount: estimateTokens(t),
		})
		cursor = end
		line = lineEnd
	}
	if len(chunks) == 0 {
		chunks = append(chunks, RawChunk{
			Text: source, ByteStart: 0, ByteEnd: len(source),
			LineStart: 1, LineEnd: 1 + strings.Count(source, "\n"), TokenCount: estimateTokens(source),
		})
	}
	return chunks, nil
}
