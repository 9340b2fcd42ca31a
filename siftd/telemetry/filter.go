package telemetry

import (
	"encoding/json"
	"regexp"
	"strings"
)

// filterTokens splits a filter expression into its criteria terms. The
// spacing is deliberate: it matches the expression syntax, not the words.
var filterTokens = regexp.MustCompile(`AND | OR`)

// filterFacts summarizes a raw filter expression for aggregation.
type filterFacts struct {
	// syntax is "string", "array", "mixed" (array entries carrying
	// expression operators) or "none".
	syntax         string
	terms          uint64
	geoRadius      bool
	geoBoundingBox bool
}

// analyzeFilter inspects a request's filter. ok is false when the request
// carried no filter at all.
func analyzeFilter(raw json.RawMessage) (filterFacts, bool) {
	if len(raw) == 0 {
		return filterFacts{}, false
	}
	syntax := "none"
	var value any
	if err := json.Unmarshal(raw, &value); err == nil {
		switch v := value.(type) {
		case string:
			syntax = "string"
		case []any:
			syntax = "array"
			for _, elem := range v {
				text, err := json.Marshal(elem)
				if err == nil && filterTokens.Match(text) {
					syntax = "mixed"
					break
				}
			}
		}
	}
	text := string(raw)
	return filterFacts{
		syntax:         syntax,
		terms:          uint64(len(filterTokens.Split(text, -1))),
		geoRadius:      strings.Contains(text, "_geoRadius("),
		geoBoundingBox: strings.Contains(text, "_geoBoundingBox("),
	}, true
}
