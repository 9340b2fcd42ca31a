package telemetry

import (
	"github.com/siftsearch/sift/siftsdk"
)

// SimilarMethod distinguishes the route variants of the similar-documents
// endpoint.
type SimilarMethod struct {
	kind Kind
	name string
}

var (
	SimilarGET  = SimilarMethod{KindSimilarGET, "Similar GET"}
	SimilarPOST = SimilarMethod{KindSimilarPOST, "Similar POST"}
)

// SimilarAggregator accumulates usage statistics over similar-documents
// requests of one route variant within a flush interval.
type SimilarAggregator struct {
	method SimilarMethod

	// requests
	totalReceived  uint64
	totalSucceeded uint64
	timeSpent      []int64

	// filter
	filterWithGeoRadius         bool
	filterWithGeoBoundingBox    bool
	filterSumOfCriteriaTerms    uint64
	filterTotalNumberOfCriteria uint64
	usedSyntax                  map[string]uint64

	retrieveVectors bool

	// pagination
	maxLimit  uint64
	maxOffset uint64

	// formatting
	maxAttributesToRetrieve uint64

	// scoring
	showRankingScore        bool
	showRankingScoreDetails bool
	rankingScoreThreshold   bool
}

// NewSimilarAggregator captures the statistics of a single incoming
// similar-documents request.
func NewSimilarAggregator(method SimilarMethod, req *siftsdk.SimilarRequest) *SimilarAggregator {
	a := &SimilarAggregator{
		method:        method,
		totalReceived: 1,
		usedSyntax:    make(map[string]uint64),
	}

	if facts, ok := analyzeFilter(req.Filter); ok {
		a.filterTotalNumberOfCriteria = 1
		a.filterSumOfCriteriaTerms = facts.terms
		a.filterWithGeoRadius = facts.geoRadius
		a.filterWithGeoBoundingBox = facts.geoBoundingBox
		a.usedSyntax[facts.syntax] = 1
	}

	a.maxLimit = req.Limit
	a.maxOffset = req.Offset
	a.maxAttributesToRetrieve = uint64(len(req.AttributesToRetrieve))
	a.retrieveVectors = req.RetrieveVectors

	a.showRankingScore = req.ShowRankingScore
	a.showRankingScoreDetails = req.ShowRankingScoreDetails
	a.rankingScoreThreshold = req.RankingScoreThreshold != nil

	return a
}

// Succeed records that the request completed, with its result facts.
func (a *SimilarAggregator) Succeed(resp *siftsdk.SimilarResponse) {
	a.totalSucceeded = saturatingAdd(a.totalSucceeded, 1)
	a.timeSpent = append(a.timeSpent, resp.ProcessingTimeMs)
}

func (a *SimilarAggregator) Kind() Kind {
	return a.method.kind
}

func (a *SimilarAggregator) Name() string {
	return a.method.name
}

// Merge folds incoming into a, combining every field of the payload.
func (a *SimilarAggregator) Merge(incoming *SimilarAggregator) *SimilarAggregator {
	// requests
	a.totalReceived = saturatingAdd(a.totalReceived, incoming.totalReceived)
	a.totalSucceeded = saturatingAdd(a.totalSucceeded, incoming.totalSucceeded)
	a.timeSpent = append(a.timeSpent, incoming.timeSpent...)

	// filter
	a.filterWithGeoRadius = a.filterWithGeoRadius || incoming.filterWithGeoRadius
	a.filterWithGeoBoundingBox = a.filterWithGeoBoundingBox || incoming.filterWithGeoBoundingBox
	a.filterSumOfCriteriaTerms = saturatingAdd(a.filterSumOfCriteriaTerms, incoming.filterSumOfCriteriaTerms)
	a.filterTotalNumberOfCriteria = saturatingAdd(a.filterTotalNumberOfCriteria, incoming.filterTotalNumberOfCriteria)
	a.usedSyntax = mergeFrequencies(a.usedSyntax, incoming.usedSyntax)

	a.retrieveVectors = a.retrieveVectors || incoming.retrieveVectors

	// pagination
	a.maxLimit = max(a.maxLimit, incoming.maxLimit)
	a.maxOffset = max(a.maxOffset, incoming.maxOffset)

	// formatting
	a.maxAttributesToRetrieve = max(a.maxAttributesToRetrieve, incoming.maxAttributesToRetrieve)

	// scoring
	a.showRankingScore = a.showRankingScore || incoming.showRankingScore
	a.showRankingScoreDetails = a.showRankingScoreDetails || incoming.showRankingScoreDetails
	a.rankingScoreThreshold = a.rankingScoreThreshold || incoming.rankingScoreThreshold

	return a
}

func (a *SimilarAggregator) Export() Properties {
	var responseTime99th any
	if v, ok := percentile99(a.timeSpent); ok {
		responseTime99th = v
	}
	a.timeSpent = nil

	var usedSyntax any
	if k, ok := mostUsed(a.usedSyntax); ok {
		usedSyntax = k
	}

	return Properties{
		"requests": Properties{
			"99th_response_time": responseTime99th,
			"total_succeeded":    a.totalSucceeded,
			"total_failed":       saturatingSub(a.totalReceived, a.totalSucceeded),
			"total_received":     a.totalReceived,
		},
		"filter": Properties{
			"with_geoRadius":      a.filterWithGeoRadius,
			"with_geoBoundingBox": a.filterWithGeoBoundingBox,
			"avg_criteria_number": avgRatio(a.filterSumOfCriteriaTerms, a.filterTotalNumberOfCriteria),
			"most_used_syntax":    usedSyntax,
		},
		"vector": Properties{
			"retrieve_vectors": a.retrieveVectors,
		},
		"pagination": Properties{
			"max_limit":  a.maxLimit,
			"max_offset": a.maxOffset,
		},
		"formatting": Properties{
			"max_attributes_to_retrieve": a.maxAttributesToRetrieve,
		},
		"scoring": Properties{
			"show_ranking_score":         a.showRankingScore,
			"show_ranking_score_details": a.showRankingScoreDetails,
			"ranking_score_threshold":    a.rankingScoreThreshold,
		},
	}
}
