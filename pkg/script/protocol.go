package script

import (
	"strings"
)

// Scripts talk back to the supervisor through marker lines on stdout.
// A marker occupies a whole line:
//
//	::stepwise:decision::
//	::stepwise:export NAME=VALUE::
//
// Marker lines are consumed by the scanner and recorded on the run result;
// they are not re-emitted as output chunks. Anything that does not parse as
// a marker is ordinary output, including lines that merely resemble one.
const (
	markerPrefix   = "::stepwise:"
	markerSuffix   = "::"
	decisionMarker = "::stepwise:decision::"
	exportMarker   = "::stepwise:export "
)

// MarkerKind identifies a parsed protocol marker.
type MarkerKind string

const (
	// MarkerDecision signals that the script reached its decision point.
	MarkerDecision MarkerKind = "decision"
	// MarkerExport publishes a NAME=VALUE pair for later steps.
	MarkerExport MarkerKind = "export"
)

// Marker is one parsed protocol line.
type Marker struct {
	Kind  MarkerKind
	Name  string
	Value string
}

// ParseMarker inspects a single stdout line. It reports ok=false for
// ordinary output, including malformed near-markers, which pass through
// untouched rather than failing the run.
func ParseMarker(line string) (Marker, bool) {
	trimmed := strings.TrimRight(line, "\r")
	if !strings.HasPrefix(trimmed, markerPrefix) {
		return Marker{}, false
	}
	if trimmed == decisionMarker {
		return Marker{Kind: MarkerDecision}, true
	}
	if strings.HasPrefix(trimmed, exportMarker) && strings.HasSuffix(trimmed, markerSuffix) {
		body := strings.TrimSuffix(strings.TrimPrefix(trimmed, exportMarker), markerSuffix)
		name, value, found := strings.Cut(body, "=")
		if !found || !validExportName(name) {
			return Marker{}, false
		}
		return Marker{Kind: MarkerExport, Name: name, Value: value}, true
	}
	return Marker{}, false
}

func validExportName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_':
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
