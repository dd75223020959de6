package pipeline

import (
	"github.com/tmc/langchaingo/textsplitter"
)

// docChunkSize bounds each markdown-split chunk, in characters, before the
// chunker's own token estimate re-measures it.
const docChunkSize = 800

// markdownSplit delegates to langchaingo's markdown-aware splitter, which
// keeps header hierarchy intact when it breaks a document into pieces —
// the "recursive" half of doc_header_recursive_v1.
func markdownSplit(source string) ([]string, error) {
	splitter := textsplitter.NewMarkdownTextSplitter(
		textsplitter.WithChunkSize(docChunkSize),
		textsplitter.WithChunkOverlap(0),
	)
	return splitter.SplitText(source)
}
