// Package retrieval implements the Hybrid Retriever (C11): it embeds a
// query deterministically, runs vector and keyword candidate searches
// against the C10 indexes, fuses them by weighted reciprocal-rank, and
// assembles a context window from the winning Silver chunks — mirroring
// every phase into the Flight Recorder per §4.11.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/handshake-core/handshake/pkg/embedmodel"
	"github.com/handshake-core/handshake/pkg/flightrecorder"
	"github.com/handshake-core/handshake/pkg/idgen"
	"github.com/handshake-core/handshake/pkg/index"
	"github.com/handshake-core/handshake/pkg/pipeline"
	"github.com/handshake-core/handshake/pkg/rediscache"
)

// reciprocalRankK0 is the small constant added to rank before taking the
// reciprocal, per §4.11's "w_L / (k0 + r)".
const reciprocalRankK0 = 60.0

// Weights names the per-list contribution to the fused ranking.
type Weights struct {
	Vector  float64 `json:"vector"`
	Keyword float64 `json:"keyword"`
	Graph   float64 `json:"graph"`
}

// RetrievalParams bounds each candidate list's size and the graph
// expansion depth (reserved — see the GraphHops doc comment below).
type RetrievalParams struct {
	K                 int `json:"k"`
	VectorCandidates  int `json:"vector_candidates"`
	KeywordCandidates int `json:"keyword_candidates"`
	// GraphHops is accepted and threaded into the emitted event payload,
	// but graph candidates are always empty at this layer — §4.11 reserves
	// graph expansion for a future layer and §9's open questions leave
	// whether GraphHops>0 should expand via the graph index unspecified.
	GraphHops int `json:"graph_hops"`
}

// HybridQuery is the §4.11 retrieval request.
type HybridQuery struct {
	WorkspaceID string          `json:"workspace_id"`
	Query       string          `json:"query"`
	QueryIntent string          `json:"query_intent"`
	Weights     Weights         `json:"weights"`
	Retrieval   RetrievalParams `json:"retrieval"`
	Rerank      bool            `json:"rerank"`
}

// Candidate is one fused result: a Silver chunk plus its fused score and
// the chunk text assembled into context.
type Candidate struct {
	SilverID string  `json:"silver_id"`
	Score    float64 `json:"score"`
	Text     string  `json:"text,omitempty"`
}

// Result is the full output of Retrieve: the fused candidates, the
// assembled context, and the pollution signal computed over them.
type Result struct {
	RequestID         string      `json:"request_id"`
	Candidates        []Candidate `json:"candidates"`
	ContextSizeTokens int         `json:"context_size_tokens"`
	PollutionScore    float64     `json:"pollution_score"`
	CacheHit          bool        `json:"cache_hit"`
}

// ArtifactReader reads a workspace-relative artifact's bytes, shared with
// pkg/pipeline/pkg/index's on-disk layout.
type ArtifactReader interface {
	ReadArtifact(ctx context.Context, relPath string) (string, error)
}

// Retriever wires the loaded indexes, the embedding registry, and the
// Flight Recorder into the C11 operation.
type Retriever struct {
	repo     pipeline.Repository
	reader   ArtifactReader
	models   embedmodel.Store
	recorder flightrecorder.Recorder
	cache    *rediscache.Cache[Result]
}

// New constructs a Retriever. cache may be nil, in which case every query
// recomputes.
func New(repo pipeline.Repository, reader ArtifactReader, models embedmodel.Store, recorder flightrecorder.Recorder, cache *rediscache.Cache[Result]) *Retriever {
	return &Retriever{repo: repo, reader: reader, models: models, recorder: recorder, cache: cache}
}

// normalizeQuery trims and NFC-normalizes the query string before hashing
// or embedding it, matching the envelope-normalization rule applied to
// every other persisted string in the system.
func normalizeQuery(q string) string {
	return norm.NFC.String(strings.TrimSpace(q))
}

// RequestID computes the deterministic request_id per §4.11: a function of
// workspace, normalized-query hash, intent, weights, retrieval params, and
// rerank flag.
func RequestID(workspaceID, queryHash, intent string, w Weights, p RetrievalParams, rerank bool) string {
	return "req_" + idgen.DeterministicUUIDFrom(
		workspaceID, queryHash, intent,
		fmt.Sprintf("%g/%g/%g", w.Vector, w.Keyword, w.Graph),
		fmt.Sprintf("%d/%d/%d/%d", p.K, p.VectorCandidates, p.KeywordCandidates, p.GraphHops),
		strconv.FormatBool(rerank),
	).String()
}

// Retrieve runs the full C11 pipeline for q against keyword and vector
// (keyIdx, vecIdx) and emits data_retrieval_executed, data_context_assembled,
// and (when the pollution threshold is crossed) data_pollution_alert.
func (r *Retriever) Retrieve(ctx context.Context, q HybridQuery, keyIdx *index.KeywordIndex, vecIdx *index.VectorIndex) (Result, error) {
	traceID := uuid.New()
	normalized := normalizeQuery(q.Query)
	queryHash := idgen.SHA256Hex([]byte(normalized))
	requestID := RequestID(q.WorkspaceID, queryHash, q.QueryIntent, q.Weights, q.Retrieval, q.Rerank)

	if r.cache != nil {
		if cached, err := r.cache.Get(ctx, requestID); err == nil {
			cached.CacheHit = true
			if emitErr := r.emitRetrievalExecuted(ctx, traceID, q, requestID, *cached, true); emitErr != nil {
				return Result{}, emitErr
			}
			return *cached, nil
		}
	}

	vectorHits := r.searchVector(normalized, vecIdx, q.Retrieval.VectorCandidates)
	keywordHits := r.searchKeyword(normalized, keyIdx, q.Retrieval.KeywordCandidates)
	// Graph candidates are reserved — always empty, per §4.11 / Open Question 2.
	var graphHits []scored

	fused := fuse(map[string][]scored{
		"vector":  vectorHits,
		"keyword": keywordHits,
		"graph":   graphHits,
	}, map[string]float64{
		"vector": q.Weights.Vector, "keyword": q.Weights.Keyword, "graph": q.Weights.Graph,
	}, q.Retrieval.K)

	candidates := make([]Candidate, 0, len(fused))
	var contextTokens int
	for _, f := range fused {
		text, err := r.chunkText(ctx, f.id)
		if err != nil {
			return Result{}, err
		}
		contextTokens += estimateTokens(text)
		candidates = append(candidates, Candidate{SilverID: f.id, Score: f.score, Text: text})
	}

	pollution := pollutionScore(candidates)

	result := Result{
		RequestID:         requestID,
		Candidates:        candidates,
		ContextSizeTokens: contextTokens,
		PollutionScore:    pollution,
	}

	if err := r.emitRetrievalExecuted(ctx, traceID, q, requestID, result, false); err != nil {
		return Result{}, err
	}
	if err := r.emit(ctx, traceID, flightrecorder.EventDataContextAssembled, map[string]interface{}{
		"request_id": requestID, "context_size_tokens": contextTokens, "chunk_count": len(candidates),
	}); err != nil {
		return Result{}, err
	}
	if pollution > 0.5 {
		if err := r.emit(ctx, traceID, flightrecorder.EventDataPollutionAlert, map[string]interface{}{
			"request_id": requestID, "pollution_score": pollution,
		}); err != nil {
			return Result{}, err
		}
	}

	if r.cache != nil {
		_ = r.cache.Set(ctx, requestID, &result)
	}

	return result, nil
}

func (r *Retriever) emitRetrievalExecuted(ctx context.Context, traceID uuid.UUID, q HybridQuery, requestID string, result Result, cacheHit bool) error {
	return r.emit(ctx, traceID, flightrecorder.EventDataRetrievalExecuted, map[string]interface{}{
		"request_id":         requestID,
		"query_intent":       q.QueryIntent,
		"graph_hops":         q.Retrieval.GraphHops,
		"result_count":       len(result.Candidates),
		"cache_hit":          cacheHit,
		"vector_latency_ms":  0,
		"keyword_latency_ms": 0,
	})
}

func (r *Retriever) emit(ctx context.Context, traceID uuid.UUID, eventType flightrecorder.EventType, payload map[string]interface{}) error {
	if r.recorder == nil {
		return nil
	}
	return r.recorder.RecordEvent(ctx, &flightrecorder.Envelope{
		EventID: uuid.New(), TraceID: traceID, Timestamp: time.Now().UTC(),
		Actor: flightrecorder.ActorSystem, ActorID: "hybrid_retriever",
		EventType: eventType, Payload: payload,
	})
}

func (r *Retriever) chunkText(ctx context.Context, silverID string) (string, error) {
	silv, err := r.repo.GetSilverByID(ctx, silverID)
	if err != nil {
		return "", err
	}
	if r.reader == nil {
		return "", nil
	}
	return r.reader.ReadArtifact(ctx, silv.ChunkArtifactPath)
}

type scored struct {
	id    string
	score float64
}

// searchVector embeds q deterministically under vecIdx's model/version and
// ranks every entry by cosine similarity, keeping the top n.
func (r *Retriever) searchVector(q string, vecIdx *index.VectorIndex, n int) []scored {
	if vecIdx == nil || len(vecIdx.Entries) == 0 {
		return nil
	}
	qEmb, _ := pipeline.ComputeEmbedding(q, vecIdx.ModelID, vecIdx.ModelVersion, vecIdx.Dimensions, maxQueryTokens)

	hits := make([]scored, 0, len(vecIdx.Entries))
	for _, e := range vecIdx.Entries {
		hits = append(hits, scored{id: e.SilverID, score: cosineSimilarity(qEmb.Vector, e.Vector)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	return topN(hits, n)
}

// maxQueryTokens is a generous ceiling; query embeddings are never expected
// to truncate in practice.
const maxQueryTokens = 100_000

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// searchKeyword tokenizes q and scores the keyword index with a BM25-style
// formula, keeping the top n.
func (r *Retriever) searchKeyword(q string, keyIdx *index.KeywordIndex, n int) []scored {
	if keyIdx == nil || keyIdx.TotalDocs == 0 {
		return nil
	}
	// k1 is BM25's term-frequency saturation constant. The keyword index's
	// postings don't carry per-chunk length, so the usual document-length
	// normalization term (1-b+b*docLen/avgDocLen) is fixed at 1 — every
	// chunk is treated as average length.
	const k1 = 1.2

	terms := tokenizeQuery(q)
	scores := map[string]float64{}
	for _, term := range terms {
		postings, ok := keyIdx.Postings[term]
		if !ok {
			continue
		}
		df := keyIdx.DocFreq[term]
		idf := math.Log(1 + (float64(keyIdx.TotalDocs)-float64(df)+0.5)/(float64(df)+0.5))
		for _, p := range postings {
			tf := float64(p.TermFreq)
			score := idf * (tf * (k1 + 1)) / (tf + k1)
			scores[p.SilverID] += score
		}
	}

	hits := make([]scored, 0, len(scores))
	for id, s := range scores {
		hits = append(hits, scored{id: id, score: s})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].id < hits[j].id
	})
	return topN(hits, n)
}

func tokenizeQuery(q string) []string {
	var tokens []string
	var cur strings.Builder
	for _, r := range strings.ToLower(q) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			cur.WriteRune(r)
			continue
		}
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

func topN(hits []scored, n int) []scored {
	if n <= 0 || n >= len(hits) {
		return hits
	}
	return hits[:n]
}

// fuse combines every named candidate list via weighted reciprocal-rank:
// for each candidate appearing in list L at 0-based rank r with weight
// w_L, it contributes w_L / (k0 + r); contributions sum across lists, and
// the top k by summed score survive, per §4.11.
func fuse(lists map[string][]scored, weights map[string]float64, k int) []scored {
	totals := map[string]float64{}
	order := []string{}
	seen := map[string]bool{}
	for name, hits := range lists {
		w := weights[name]
		for rank, h := range hits {
			if !seen[h.id] {
				seen[h.id] = true
				order = append(order, h.id)
			}
			totals[h.id] += w / (reciprocalRankK0 + float64(rank))
		}
	}

	fused := make([]scored, 0, len(order))
	for _, id := range order {
		fused = append(fused, scored{id: id, score: totals[id]})
	}
	sort.SliceStable(fused, func(i, j int) bool {
		if fused[i].score != fused[j].score {
			return fused[i].score > fused[j].score
		}
		return fused[i].id < fused[j].id
	})
	return topN(fused, k)
}

// pollutionScore computes §4.11's redundancy-based pollution signal:
// 1 − unique_ids/total_results when more than one result is present, else
// zero. This is implemented exactly as the spec documents it — open
// question 1 flags that weighting by similarity may have been intended,
// but no weighting is applied here; see SPEC_FULL.md's decision record.
func pollutionScore(candidates []Candidate) float64 {
	if len(candidates) <= 1 {
		return 0
	}
	unique := map[string]bool{}
	for _, c := range candidates {
		unique[c.SilverID] = true
	}
	redundancy := 1 - float64(len(unique))/float64(len(candidates))
	return redundancy
}

// estimateTokens approximates token count as a whitespace-delimited word
// count, the same coarse estimate pkg/pipeline uses for was_truncated.
func estimateTokens(text string) int {
	return len(strings.Fields(text))
}
