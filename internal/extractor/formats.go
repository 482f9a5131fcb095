package extractor

import (
	"sort"
	"strings"
)

// Format is one candidate stream reported by the extraction tool.
type Format struct {
	ID          string
	URL         string
	ManifestURL string
	Protocol    string
	Ext         string
	Height      int
}

// Stream classes in ascending preference.
const (
	classUnusable = iota
	classProgressive
	classHLS
)

func (f Format) class() int {
	p := strings.ToLower(f.Protocol)
	switch {
	case f.URL == "":
		return classUnusable
	case strings.HasPrefix(p, "m3u8"):
		return classHLS
	case p == "http" || p == "https":
		return classProgressive
	default:
		// DASH, RTMP and friends cannot be served through the HLS rewriter.
		return classUnusable
	}
}

// IsHLS reports whether f is an HLS stream.
func (f Format) IsHLS() bool { return f.class() == classHLS }

// PlaylistURL returns the URL to hand to clients: the master manifest when
// the tool reported one, else the format URL.
func (f Format) PlaylistURL() string {
	if f.IsHLS() && f.ManifestURL != "" {
		return f.ManifestURL
	}
	return f.URL
}

// less ranks a before b: HLS over progressive, https over http, then height.
func less(a, b Format) bool {
	if ca, cb := a.class(), b.class(); ca != cb {
		return ca > cb
	}
	if sa, sb := isSecure(a), isSecure(b); sa != sb {
		return sa
	}
	return a.Height > b.Height
}

func isSecure(f Format) bool {
	return strings.HasPrefix(strings.ToLower(f.PlaylistURL()), "https://")
}

// Rank returns the usable formats ordered best first. Progressive formats are
// dropped unless allowProgressive is set.
func Rank(formats []Format, allowProgressive bool) []Format {
	out := make([]Format, 0, len(formats))
	for _, f := range formats {
		switch f.class() {
		case classHLS:
			out = append(out, f)
		case classProgressive:
			if allowProgressive {
				out = append(out, f)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// Select returns the best format, or false when none is acceptable.
func Select(formats []Format, allowProgressive bool) (Format, bool) {
	ranked := Rank(formats, allowProgressive)
	if len(ranked) == 0 {
		return Format{}, false
	}
	return ranked[0], true
}
