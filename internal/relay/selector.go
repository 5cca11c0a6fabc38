package relay

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// sourceQuality is the unscaled "source" rendition identifier.
const sourceQuality = "chunked"

// qualityPattern matches legitimate quality identifiers: "chunked",
// "audio_only", or resolution/framerate pairs like "720p60". Anything else
// is treated as an advertisement variant.
var qualityPattern = regexp.MustCompile(`^(chunked|audio_only|\d+p\d+)$`)

// adURLMarkers are URL substrings associated with advertisement delivery
// paths. Matching is best effort; see isAdVariant.
var adURLMarkers = []string{"/ads/", "_ad_", "-ad-", "/commercial/", "_commercial_"}

// SelectVariant picks the rendition to mirror from a parsed variant list:
// the unscaled source rendition if present, otherwise the highest-bandwidth
// candidate, after dropping variants without a bandwidth attribute and
// heuristically detected advertisement variants. A nil return means no
// suitable rendition, which is not an error.
func SelectVariant(variants []Variant) *Variant {
	candidates := make([]Variant, 0, len(variants))
	for _, v := range variants {
		if v.Stream == nil {
			continue
		}
		if _, ok := v.Stream["BANDWIDTH"]; !ok {
			continue
		}
		if isAdVariant(v) {
			continue
		}
		candidates = append(candidates, v)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		iSource := candidates[i].Stream["VIDEO"] == sourceQuality
		jSource := candidates[j].Stream["VIDEO"] == sourceQuality
		if iSource != jSource {
			return iSource
		}
		return bandwidth(candidates[i]) > bandwidth(candidates[j])
	})
	return &candidates[0]
}

func bandwidth(v Variant) int64 {
	n, err := strconv.ParseInt(v.Stream["BANDWIDTH"], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// isAdVariant reports whether a variant is likely an advertisement stream:
// its URL contains a known ad delivery marker, or its quality identifier
// (stream VIDEO or media GROUP-ID) is not a recognized quality name.
func isAdVariant(v Variant) bool {
	lower := strings.ToLower(v.URL)
	for _, marker := range adURLMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	if video, ok := v.Stream["VIDEO"]; ok && !qualityPattern.MatchString(video) {
		return true
	}
	if v.Media != nil {
		if group, ok := v.Media["GROUP-ID"]; ok && !qualityPattern.MatchString(group) {
			return true
		}
	}
	return false
}
