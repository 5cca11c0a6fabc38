package relay

import (
	"errors"
	"regexp"
	"strings"
)

// MagicHeader is the first line every valid playlist body must carry.
const MagicHeader = "#EXTM3U"

// ErrMalformedPlaylist is returned when a playlist body does not start with
// the #EXTM3U magic header.
var ErrMalformedPlaylist = errors.New("malformed playlist")

// attrPattern matches one key=value attribute in a tag line. Values may be
// quoted, in which case they can contain commas.
var attrPattern = regexp.MustCompile(`([a-zA-Z0-9-]+)=(("[^"]*")|([^,]*))(,|$)`)

// ParseTag extracts the key=value attributes from a single playlist tag line
// such as #EXT-X-STREAM-INF:BANDWIDTH=2000000,VIDEO="chunked". Quoted values
// keep embedded commas; the surrounding quotes are stripped. Unknown or
// malformed lines yield an empty map, never an error.
func ParseTag(line string) map[string]string {
	attrs := make(map[string]string)
	_, tags, ok := strings.Cut(line, ":")
	if !ok {
		return attrs
	}
	for _, m := range attrPattern.FindAllStringSubmatch(tags, -1) {
		key := strings.TrimSpace(m[1])
		value := strings.TrimSpace(m[2])
		if strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) && len(value) >= 2 {
			value = value[1 : len(value)-1]
		}
		attrs[key] = value
	}
	return attrs
}

// ParsePlaylist parses a master playlist body into its ordered variant list.
// A variant is one #EXT-X-STREAM-INF tag, any preceding #EXT-X-MEDIA tag, and
// the following non-tag line carrying the URL; the builder resets after each
// URL line so consecutive variants are never merged.
func ParsePlaylist(text string) ([]Variant, error) {
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != MagicHeader {
		return nil, ErrMalformedPlaylist
	}

	var variants []Variant
	var current Variant
	for _, raw := range lines[1:] {
		line := strings.TrimSpace(raw)
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "#EXT-X-MEDIA"):
			current.Media = ParseTag(line)
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF"):
			current.Stream = ParseTag(line)
		case !strings.HasPrefix(line, "#"):
			current.URL = line
			variants = append(variants, current)
			current = Variant{}
		}
	}
	return variants, nil
}
