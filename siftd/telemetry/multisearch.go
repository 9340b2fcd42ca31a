package telemetry

import (
	"github.com/siftsearch/sift/siftsdk"
)

// MultiSearchAggregator accumulates usage statistics over multi-search
// requests within a flush interval.
type MultiSearchAggregator struct {
	// requests
	totalReceived  uint64
	totalSucceeded uint64

	// sum of the number of distinct indexes per request, averaged against
	// totalReceived at export
	totalDistinctIndexCount uint64
	// number of requests targeting a single index
	totalSingleIndex uint64

	// sum of the number of queries per request
	totalSearchCount uint64

	// scoring
	showRankingScore        bool
	showRankingScoreDetails bool

	// federation
	useFederation bool
}

// NewMultiSearchAggregator captures the statistics of a single incoming
// multi-search request.
func NewMultiSearchAggregator(req *siftsdk.MultiSearchRequest) *MultiSearchAggregator {
	distinct := make(map[string]struct{}, len(req.Queries))
	a := &MultiSearchAggregator{
		totalReceived:    1,
		totalSearchCount: uint64(len(req.Queries)),
		useFederation:    req.Federation != nil,
	}
	for i := range req.Queries {
		query := &req.Queries[i]
		distinct[query.IndexUID] = struct{}{}
		a.showRankingScore = a.showRankingScore || query.ShowRankingScore
		a.showRankingScoreDetails = a.showRankingScoreDetails || query.ShowRankingScoreDetails
	}
	a.totalDistinctIndexCount = uint64(len(distinct))
	if len(distinct) == 1 {
		a.totalSingleIndex = 1
	}
	return a
}

// Succeed records that the request completed.
func (a *MultiSearchAggregator) Succeed() {
	a.totalSucceeded = saturatingAdd(a.totalSucceeded, 1)
}

func (a *MultiSearchAggregator) Kind() Kind {
	return KindMultiSearch
}

func (a *MultiSearchAggregator) Name() string {
	return "Documents Searched by Multi-Search POST"
}

// Merge folds incoming into a, combining every field of the payload.
func (a *MultiSearchAggregator) Merge(incoming *MultiSearchAggregator) *MultiSearchAggregator {
	a.totalReceived = saturatingAdd(a.totalReceived, incoming.totalReceived)
	a.totalSucceeded = saturatingAdd(a.totalSucceeded, incoming.totalSucceeded)
	a.totalDistinctIndexCount = saturatingAdd(a.totalDistinctIndexCount, incoming.totalDistinctIndexCount)
	a.totalSingleIndex = saturatingAdd(a.totalSingleIndex, incoming.totalSingleIndex)
	a.totalSearchCount = saturatingAdd(a.totalSearchCount, incoming.totalSearchCount)
	a.showRankingScore = a.showRankingScore || incoming.showRankingScore
	a.showRankingScoreDetails = a.showRankingScoreDetails || incoming.showRankingScoreDetails
	a.useFederation = a.useFederation || incoming.useFederation
	return a
}

func (a *MultiSearchAggregator) Export() Properties {
	return Properties{
		"requests": Properties{
			"total_succeeded": a.totalSucceeded,
			"total_failed":    saturatingSub(a.totalReceived, a.totalSucceeded),
			"total_received":  a.totalReceived,
		},
		"indexes": Properties{
			"total_single_index":         a.totalSingleIndex,
			"total_distinct_index_count": a.totalDistinctIndexCount,
			"avg_distinct_index_count":   avgRatio(a.totalDistinctIndexCount, a.totalReceived),
		},
		"searches": Properties{
			"total_search_count": a.totalSearchCount,
			"avg_search_count":   avgRatio(a.totalSearchCount, a.totalReceived),
		},
		"scoring": Properties{
			"show_ranking_score":         a.showRankingScore,
			"show_ranking_score_details": a.showRankingScoreDetails,
		},
		"federation": Properties{
			"use_federation": a.useFederation,
		},
	}
}
