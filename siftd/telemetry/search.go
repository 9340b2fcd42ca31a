package telemetry

import (
	"sort"
	"strings"

	"github.com/siftsearch/sift/siftsdk"
)

// SearchMethod distinguishes the route variants of the search endpoint;
// each variant rolls up under its own event.
type SearchMethod struct {
	kind Kind
	name string
}

var (
	SearchGET  = SearchMethod{KindSearchGET, "Documents Searched GET"}
	SearchPOST = SearchMethod{KindSearchPOST, "Documents Searched POST"}
)

// SearchAggregator accumulates usage statistics over every search request
// of one route variant within a flush interval.
type SearchAggregator struct {
	method SearchMethod

	// requests
	totalReceived             uint64
	totalSucceeded            uint64
	totalDegraded             uint64
	totalUsedNegativeOperator uint64
	// timeSpent collects the processing time of every successful request,
	// in milliseconds. Sorted once, at export.
	timeSpent []int64

	// sort
	sortWithGeoPoint bool
	// incremented by the number of terms every time a request sorts
	sortSumOfCriteriaTerms uint64
	// incremented by one every time a request sorts
	sortTotalNumberOfCriteria uint64

	// distinct
	distinct bool

	// filter
	filterWithGeoRadius         bool
	filterWithGeoBoundingBox    bool
	filterSumOfCriteriaTerms    uint64
	filterTotalNumberOfCriteria uint64
	usedSyntax                  map[string]uint64

	// attributes_to_search_on
	attributesToSearchOnTotalNumberOfUses uint64

	// q
	// The maximum number of terms in a q request
	maxTermsNumber uint64

	// vector
	// The maximum number of floats in a vector request
	maxVectorSize uint64
	// Whether a hybrid request customized the semantic ratio.
	semanticRatio   bool
	hybrid          bool
	retrieveVectors bool

	// incremented per request for the matching strategy it used
	matchingStrategy map[string]uint64

	// distinct locales requested
	locales map[siftsdk.Locale]struct{}

	// pagination
	maxLimit         uint64
	maxOffset        uint64
	finitePagination uint64

	// formatting
	maxAttributesToRetrieve  uint64
	maxAttributesToHighlight uint64
	highlightPreTag          bool
	highlightPostTag         bool
	maxAttributesToCrop      uint64
	cropMarker               bool
	showMatchesPosition      bool
	cropLength               bool

	// facets
	facetsSumOfTerms          uint64
	facetsTotalNumberOfFacets uint64

	// scoring
	showRankingScore        bool
	showRankingScoreDetails bool
	rankingScoreThreshold   bool
}

// NewSearchAggregator captures the statistics of a single incoming search
// request. The result folds into the hourly rollup through Merge.
func NewSearchAggregator(method SearchMethod, req *siftsdk.SearchRequest) *SearchAggregator {
	a := &SearchAggregator{
		method:           method,
		totalReceived:    1,
		usedSyntax:       make(map[string]uint64),
		matchingStrategy: make(map[string]uint64),
		locales:          make(map[siftsdk.Locale]struct{}),
	}

	if req.Sort != nil {
		a.sortTotalNumberOfCriteria = 1
		a.sortSumOfCriteriaTerms = uint64(len(req.Sort))
		for _, criterion := range req.Sort {
			if strings.Contains(criterion, "_geoPoint(") {
				a.sortWithGeoPoint = true
				break
			}
		}
	}

	a.distinct = req.Distinct != nil

	if facts, ok := analyzeFilter(req.Filter); ok {
		a.filterTotalNumberOfCriteria = 1
		a.filterSumOfCriteriaTerms = facts.terms
		a.filterWithGeoRadius = facts.geoRadius
		a.filterWithGeoBoundingBox = facts.geoBoundingBox
		a.usedSyntax[facts.syntax] = 1
	}

	if len(req.AttributesToSearchOn) > 0 {
		a.attributesToSearchOnTotalNumberOfUses = 1
	}

	if req.Query != nil {
		a.maxTermsNumber = uint64(len(strings.Fields(*req.Query)))
	}

	a.maxVectorSize = uint64(len(req.Vector))
	a.retrieveVectors = req.RetrieveVectors
	if req.Hybrid != nil {
		a.hybrid = true
		a.semanticRatio = req.Hybrid.Ratio() != siftsdk.DefaultSemanticRatio
	}

	if req.FinitePagination() {
		limit := siftsdk.DefaultSearchLimit
		if req.HitsPerPage != nil {
			limit = *req.HitsPerPage
		}
		page := uint64(1)
		if req.Page != nil && *req.Page > 0 {
			page = *req.Page
		}
		a.maxLimit = limit
		a.maxOffset = (page - 1) * limit
		a.finitePagination = 1
	} else {
		a.maxLimit = req.Limit
		a.maxOffset = req.Offset
	}

	a.matchingStrategy[string(req.EffectiveMatchingStrategy())] = 1

	for _, locale := range req.Locales {
		a.locales[locale] = struct{}{}
	}

	a.maxAttributesToRetrieve = uint64(len(req.AttributesToRetrieve))
	a.maxAttributesToHighlight = uint64(len(req.AttributesToHighlight))
	a.maxAttributesToCrop = uint64(len(req.AttributesToCrop))
	a.highlightPreTag = req.HighlightPreTag != "" && req.HighlightPreTag != siftsdk.DefaultHighlightPreTag
	a.highlightPostTag = req.HighlightPostTag != "" && req.HighlightPostTag != siftsdk.DefaultHighlightPostTag
	a.cropMarker = req.CropMarker != "" && req.CropMarker != siftsdk.DefaultCropMarker
	a.cropLength = req.CropLength != 0 && req.CropLength != siftsdk.DefaultCropLength
	a.showMatchesPosition = req.ShowMatchesPosition

	if req.Facets != nil {
		a.facetsTotalNumberOfFacets = 1
		a.facetsSumOfTerms = uint64(len(req.Facets))
	}

	a.showRankingScore = req.ShowRankingScore
	a.showRankingScoreDetails = req.ShowRankingScoreDetails
	a.rankingScoreThreshold = req.RankingScoreThreshold != nil

	return a
}

// Succeed records that the request completed, with its result facts.
func (a *SearchAggregator) Succeed(resp *siftsdk.SearchResponse) {
	a.totalSucceeded = saturatingAdd(a.totalSucceeded, 1)
	if resp.Degraded {
		a.totalDegraded = saturatingAdd(a.totalDegraded, 1)
	}
	if resp.UsedNegativeOperator {
		a.totalUsedNegativeOperator = saturatingAdd(a.totalUsedNegativeOperator, 1)
	}
	a.timeSpent = append(a.timeSpent, resp.ProcessingTimeMs)
}

func (a *SearchAggregator) Kind() Kind {
	return a.method.kind
}

func (a *SearchAggregator) Name() string {
	return a.method.name
}

// Merge folds incoming into a. Every field of the payload is combined
// here; skipping one would drop its data at the next flush.
func (a *SearchAggregator) Merge(incoming *SearchAggregator) *SearchAggregator {
	// requests
	a.totalReceived = saturatingAdd(a.totalReceived, incoming.totalReceived)
	a.totalSucceeded = saturatingAdd(a.totalSucceeded, incoming.totalSucceeded)
	a.totalDegraded = saturatingAdd(a.totalDegraded, incoming.totalDegraded)
	a.totalUsedNegativeOperator = saturatingAdd(a.totalUsedNegativeOperator, incoming.totalUsedNegativeOperator)
	a.timeSpent = append(a.timeSpent, incoming.timeSpent...)

	// sort
	a.sortWithGeoPoint = a.sortWithGeoPoint || incoming.sortWithGeoPoint
	a.sortSumOfCriteriaTerms = saturatingAdd(a.sortSumOfCriteriaTerms, incoming.sortSumOfCriteriaTerms)
	a.sortTotalNumberOfCriteria = saturatingAdd(a.sortTotalNumberOfCriteria, incoming.sortTotalNumberOfCriteria)

	// distinct
	a.distinct = a.distinct || incoming.distinct

	// filter
	a.filterWithGeoRadius = a.filterWithGeoRadius || incoming.filterWithGeoRadius
	a.filterWithGeoBoundingBox = a.filterWithGeoBoundingBox || incoming.filterWithGeoBoundingBox
	a.filterSumOfCriteriaTerms = saturatingAdd(a.filterSumOfCriteriaTerms, incoming.filterSumOfCriteriaTerms)
	a.filterTotalNumberOfCriteria = saturatingAdd(a.filterTotalNumberOfCriteria, incoming.filterTotalNumberOfCriteria)
	a.usedSyntax = mergeFrequencies(a.usedSyntax, incoming.usedSyntax)

	// attributes_to_search_on
	a.attributesToSearchOnTotalNumberOfUses = saturatingAdd(
		a.attributesToSearchOnTotalNumberOfUses, incoming.attributesToSearchOnTotalNumberOfUses)

	// q
	a.maxTermsNumber = max(a.maxTermsNumber, incoming.maxTermsNumber)

	// vector
	a.maxVectorSize = max(a.maxVectorSize, incoming.maxVectorSize)
	a.retrieveVectors = a.retrieveVectors || incoming.retrieveVectors
	a.semanticRatio = a.semanticRatio || incoming.semanticRatio
	a.hybrid = a.hybrid || incoming.hybrid

	// matching strategy
	a.matchingStrategy = mergeFrequencies(a.matchingStrategy, incoming.matchingStrategy)

	// locales
	for locale := range incoming.locales {
		a.locales[locale] = struct{}{}
	}

	// pagination
	a.maxLimit = max(a.maxLimit, incoming.maxLimit)
	a.maxOffset = max(a.maxOffset, incoming.maxOffset)
	a.finitePagination = saturatingAdd(a.finitePagination, incoming.finitePagination)

	// formatting
	a.maxAttributesToRetrieve = max(a.maxAttributesToRetrieve, incoming.maxAttributesToRetrieve)
	a.maxAttributesToHighlight = max(a.maxAttributesToHighlight, incoming.maxAttributesToHighlight)
	a.maxAttributesToCrop = max(a.maxAttributesToCrop, incoming.maxAttributesToCrop)
	a.highlightPreTag = a.highlightPreTag || incoming.highlightPreTag
	a.highlightPostTag = a.highlightPostTag || incoming.highlightPostTag
	a.cropMarker = a.cropMarker || incoming.cropMarker
	a.showMatchesPosition = a.showMatchesPosition || incoming.showMatchesPosition
	a.cropLength = a.cropLength || incoming.cropLength

	// facets
	a.facetsSumOfTerms = saturatingAdd(a.facetsSumOfTerms, incoming.facetsSumOfTerms)
	a.facetsTotalNumberOfFacets = saturatingAdd(a.facetsTotalNumberOfFacets, incoming.facetsTotalNumberOfFacets)

	// scoring
	a.showRankingScore = a.showRankingScore || incoming.showRankingScore
	a.showRankingScoreDetails = a.showRankingScoreDetails || incoming.showRankingScoreDetails
	a.rankingScoreThreshold = a.rankingScoreThreshold || incoming.rankingScoreThreshold

	return a
}

func (a *SearchAggregator) Export() Properties {
	var responseTime99th any
	if v, ok := percentile99(a.timeSpent); ok {
		responseTime99th = v
	}
	a.timeSpent = nil

	var usedSyntax any
	if k, ok := mostUsed(a.usedSyntax); ok {
		usedSyntax = k
	}
	var usedStrategy any
	if k, ok := mostUsed(a.matchingStrategy); ok {
		usedStrategy = k
	}

	navigation := "estimated"
	if a.finitePagination > a.totalReceived/2 {
		navigation = "exhaustive"
	}

	locales := make([]string, 0, len(a.locales))
	for locale := range a.locales {
		locales = append(locales, string(locale))
	}
	sort.Strings(locales)

	return Properties{
		"requests": Properties{
			"99th_response_time":           responseTime99th,
			"total_succeeded":              a.totalSucceeded,
			"total_failed":                 saturatingSub(a.totalReceived, a.totalSucceeded),
			"total_received":               a.totalReceived,
			"total_degraded":               a.totalDegraded,
			"total_used_negative_operator": a.totalUsedNegativeOperator,
		},
		"sort": Properties{
			"with_geoPoint":       a.sortWithGeoPoint,
			"avg_criteria_number": avgRatio(a.sortSumOfCriteriaTerms, a.sortTotalNumberOfCriteria),
		},
		"distinct": a.distinct,
		"filter": Properties{
			"with_geoRadius":      a.filterWithGeoRadius,
			"with_geoBoundingBox": a.filterWithGeoBoundingBox,
			"avg_criteria_number": avgRatio(a.filterSumOfCriteriaTerms, a.filterTotalNumberOfCriteria),
			"most_used_syntax":    usedSyntax,
		},
		"attributes_to_search_on": Properties{
			"total_number_of_uses": a.attributesToSearchOnTotalNumberOfUses,
		},
		"q": Properties{
			"max_terms_number": a.maxTermsNumber,
		},
		"vector": Properties{
			"max_vector_size":  a.maxVectorSize,
			"retrieve_vectors": a.retrieveVectors,
		},
		"hybrid": Properties{
			"enabled":        a.hybrid,
			"semantic_ratio": a.semanticRatio,
		},
		"pagination": Properties{
			"max_limit":            a.maxLimit,
			"max_offset":           a.maxOffset,
			"most_used_navigation": navigation,
		},
		"formatting": Properties{
			"max_attributes_to_retrieve":  a.maxAttributesToRetrieve,
			"max_attributes_to_highlight": a.maxAttributesToHighlight,
			"highlight_pre_tag":           a.highlightPreTag,
			"highlight_post_tag":          a.highlightPostTag,
			"max_attributes_to_crop":      a.maxAttributesToCrop,
			"crop_marker":                 a.cropMarker,
			"show_matches_position":       a.showMatchesPosition,
			"crop_length":                 a.cropLength,
		},
		"facets": Properties{
			"avg_facets_number": avgRatio(a.facetsSumOfTerms, a.facetsTotalNumberOfFacets),
		},
		"matching_strategy": Properties{
			"most_used_strategy": usedStrategy,
		},
		"locales": locales,
		"scoring": Properties{
			"show_ranking_score":         a.showRankingScore,
			"show_ranking_score_details": a.showRankingScoreDetails,
			"ranking_score_threshold":    a.rankingScoreThreshold,
		},
	}
}
