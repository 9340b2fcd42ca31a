package siftsdk

import (
	"encoding/json"
)

// Defaults applied by the server when the corresponding request field is
// absent. The telemetry aggregators compare against these to report whether
// a caller customized the behavior.
const (
	DefaultSearchLimit      uint64  = 20
	DefaultCropLength       uint64  = 10
	DefaultCropMarker       string  = "…"
	DefaultHighlightPreTag  string  = "<em>"
	DefaultHighlightPostTag string  = "</em>"
	DefaultSemanticRatio    float64 = 0.5
)

// MatchingStrategy controls how query terms are matched against documents.
type MatchingStrategy string

const (
	MatchingStrategyLast      MatchingStrategy = "last"
	MatchingStrategyAll       MatchingStrategy = "all"
	MatchingStrategyFrequency MatchingStrategy = "frequency"
)

// Locale is a BCP 47 language tag a caller can pin query tokenization to.
type Locale string

// HybridQuery enables mixed keyword/semantic search.
type HybridQuery struct {
	Embedder string `json:"embedder"`
	// SemanticRatio weighs the semantic results against the keyword ones.
	// Nil means DefaultSemanticRatio.
	SemanticRatio *float64 `json:"semanticRatio,omitempty"`
}

// Ratio returns the effective semantic ratio.
func (h HybridQuery) Ratio() float64 {
	if h.SemanticRatio == nil {
		return DefaultSemanticRatio
	}
	return *h.SemanticRatio
}

// SearchRequest is the body of a search on a single index. The GET route
// accepts the same fields as query parameters.
type SearchRequest struct {
	Query  *string   `json:"q,omitempty"`
	Vector []float64 `json:"vector,omitempty"`

	Offset      uint64  `json:"offset"`
	Limit       uint64  `json:"limit"`
	Page        *uint64 `json:"page,omitempty"`
	HitsPerPage *uint64 `json:"hitsPerPage,omitempty"`

	AttributesToRetrieve []string `json:"attributesToRetrieve,omitempty"`
	RetrieveVectors      bool     `json:"retrieveVectors,omitempty"`

	// Filter is either a filter expression string or a (possibly nested)
	// array of expressions, so it is kept raw until evaluated.
	Filter   json.RawMessage `json:"filter,omitempty"`
	Sort     []string        `json:"sort,omitempty"`
	Distinct *string         `json:"distinct,omitempty"`
	Facets   []string        `json:"facets,omitempty"`

	AttributesToCrop      []string `json:"attributesToCrop,omitempty"`
	CropLength            uint64   `json:"cropLength,omitempty"`
	CropMarker            string   `json:"cropMarker,omitempty"`
	AttributesToHighlight []string `json:"attributesToHighlight,omitempty"`
	HighlightPreTag       string   `json:"highlightPreTag,omitempty"`
	HighlightPostTag      string   `json:"highlightPostTag,omitempty"`
	ShowMatchesPosition   bool     `json:"showMatchesPosition,omitempty"`

	MatchingStrategy     MatchingStrategy `json:"matchingStrategy,omitempty"`
	AttributesToSearchOn []string         `json:"attributesToSearchOn,omitempty"`

	Hybrid *HybridQuery `json:"hybrid,omitempty"`

	ShowRankingScore        bool     `json:"showRankingScore,omitempty"`
	ShowRankingScoreDetails bool     `json:"showRankingScoreDetails,omitempty"`
	RankingScoreThreshold   *float64 `json:"rankingScoreThreshold,omitempty"`

	Locales []Locale `json:"locales,omitempty"`
}

// FinitePagination reports whether the caller asked for exhaustive,
// page-based pagination instead of the estimated offset/limit kind.
func (r SearchRequest) FinitePagination() bool {
	return r.Page != nil || r.HitsPerPage != nil
}

// EffectiveMatchingStrategy returns the matching strategy the server will
// actually use for this request.
func (r SearchRequest) EffectiveMatchingStrategy() MatchingStrategy {
	if r.MatchingStrategy == "" {
		return MatchingStrategyLast
	}
	return r.MatchingStrategy
}

// SearchResponse is the result of a search on a single index.
type SearchResponse struct {
	Hits             []map[string]any `json:"hits"`
	Query            string           `json:"query"`
	ProcessingTimeMs int64            `json:"processingTimeMs"`

	// Estimated pagination.
	EstimatedTotalHits *uint64 `json:"estimatedTotalHits,omitempty"`
	// Exhaustive pagination.
	Page        *uint64 `json:"page,omitempty"`
	HitsPerPage *uint64 `json:"hitsPerPage,omitempty"`
	TotalHits   *uint64 `json:"totalHits,omitempty"`
	TotalPages  *uint64 `json:"totalPages,omitempty"`

	FacetDistribution map[string]map[string]uint64 `json:"facetDistribution,omitempty"`
	SemanticHitCount  *uint64                      `json:"semanticHitCount,omitempty"`

	// Degraded is set when the search was cut short by the time budget.
	Degraded             bool `json:"degraded,omitempty"`
	UsedNegativeOperator bool `json:"usedNegativeOperator,omitempty"`
}

// FederationOptions are the per-query knobs of a federated multi-search.
type FederationOptions struct {
	Weight float64 `json:"weight"`
}

// Federation merges the results of every query of a multi-search into one
// ranked result list.
type Federation struct {
	Limit  uint64 `json:"limit"`
	Offset uint64 `json:"offset"`
}

// SearchRequestWithIndex is one entry of a multi-search: a regular search
// request targeted at a named index.
type SearchRequestWithIndex struct {
	IndexUID string `json:"indexUid"`
	SearchRequest
	FederationOptions *FederationOptions `json:"federationOptions,omitempty"`
}

// MultiSearchRequest runs several search queries in one request, optionally
// federating their results.
type MultiSearchRequest struct {
	Federation *Federation              `json:"federation,omitempty"`
	Queries    []SearchRequestWithIndex `json:"queries"`
}
