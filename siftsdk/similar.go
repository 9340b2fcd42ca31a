package siftsdk

import (
	"encoding/json"
)

// SimilarRequest asks for documents resembling the one identified by ID,
// ranked by embedding distance.
type SimilarRequest struct {
	ID       string `json:"id"`
	Embedder string `json:"embedder"`

	Offset uint64 `json:"offset"`
	Limit  uint64 `json:"limit"`

	AttributesToRetrieve []string `json:"attributesToRetrieve,omitempty"`
	RetrieveVectors      bool     `json:"retrieveVectors,omitempty"`

	Filter json.RawMessage `json:"filter,omitempty"`

	ShowRankingScore        bool     `json:"showRankingScore,omitempty"`
	ShowRankingScoreDetails bool     `json:"showRankingScoreDetails,omitempty"`
	RankingScoreThreshold   *float64 `json:"rankingScoreThreshold,omitempty"`
}

// SimilarResponse is the result of a similar-documents request.
type SimilarResponse struct {
	ID               string           `json:"id"`
	Hits             []map[string]any `json:"hits"`
	ProcessingTimeMs int64            `json:"processingTimeMs"`

	Offset             uint64  `json:"offset"`
	Limit              uint64  `json:"limit"`
	EstimatedTotalHits *uint64 `json:"estimatedTotalHits,omitempty"`
}
