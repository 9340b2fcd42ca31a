package telemetry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/siftsearch/sift/siftsdk"
)

func multiSearchFixture(indexes ...string) *siftsdk.MultiSearchRequest {
	req := &siftsdk.MultiSearchRequest{}
	for _, index := range indexes {
		req.Queries = append(req.Queries, siftsdk.SearchRequestWithIndex{IndexUID: index})
	}
	return req
}

func TestMultiSearchAggregatorRollup(t *testing.T) {
	t.Parallel()

	a := NewMultiSearchAggregator(multiSearchFixture("movies", "books", "movies"))
	a.Succeed()
	b := NewMultiSearchAggregator(multiSearchFixture("movies"))
	b.Succeed()
	c := NewMultiSearchAggregator(multiSearchFixture("movies", "books"))

	properties := a.Merge(b).Merge(c).Export()

	requests := properties["requests"].(Properties)
	require.EqualValues(t, 3, requests["total_received"])
	require.EqualValues(t, 2, requests["total_succeeded"])
	require.EqualValues(t, 1, requests["total_failed"])

	indexes := properties["indexes"].(Properties)
	require.EqualValues(t, 1, indexes["total_single_index"])
	require.EqualValues(t, 5, indexes["total_distinct_index_count"])
	require.Equal(t, "1.67", indexes["avg_distinct_index_count"])

	searches := properties["searches"].(Properties)
	require.EqualValues(t, 6, searches["total_search_count"])
	require.Equal(t, "2.00", searches["avg_search_count"])

	federation := properties["federation"].(Properties)
	require.Equal(t, false, federation["use_federation"])
}

func TestMultiSearchAggregatorFederation(t *testing.T) {
	t.Parallel()

	req := multiSearchFixture("movies", "books")
	req.Federation = &siftsdk.Federation{Limit: 20}
	req.Queries[0].ShowRankingScore = true

	properties := NewMultiSearchAggregator(req).Export()
	require.Equal(t, true, properties["federation"].(Properties)["use_federation"])
	require.Equal(t, true, properties["scoring"].(Properties)["show_ranking_score"])
	require.Equal(t, false, properties["scoring"].(Properties)["show_ranking_score_details"])
}

func TestMultiSearchAggregatorMergeCommutative(t *testing.T) {
	t.Parallel()

	mkA := func() *MultiSearchAggregator {
		a := NewMultiSearchAggregator(multiSearchFixture("movies", "books"))
		a.Succeed()
		return a
	}
	mkB := func() *MultiSearchAggregator {
		req := multiSearchFixture("songs")
		req.Federation = &siftsdk.Federation{}
		return NewMultiSearchAggregator(req)
	}

	require.Equal(t, mkA().Merge(mkB()).Export(), mkB().Merge(mkA()).Export())
}
