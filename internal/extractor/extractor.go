// Package extractor resolves a source identifier (a video id or page URL)
// into a directly playable media URL.
package extractor

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"strings"
)

var (
	// ErrNoStream is returned when extraction succeeded but yielded no
	// acceptable stream.
	ErrNoStream = errors.New("no playable stream found")

	// ErrInvalidID is returned for identifiers that are neither a video id
	// nor an http(s) URL.
	ErrInvalidID = errors.New("invalid source identifier")
)

// ExtractionResult is a resolved source. HLS is false for progressive
// (single file) results.
type ExtractionResult struct {
	MediaURL *url.URL
	Title    string
	HLS      bool
}

// Extractor resolves source identifiers.
type Extractor interface {
	Extract(ctx context.Context, id string) (*ExtractionResult, error)
}

var videoID = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// SourceURL turns id into the page URL handed to the extraction tool. Bare
// YouTube ids are expanded; http(s) URLs pass through.
func SourceURL(id string) (string, error) {
	id = strings.TrimSpace(id)
	if videoID.MatchString(id) {
		return "https://www.youtube.com/watch?v=" + id, nil
	}
	u, err := url.Parse(id)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", ErrInvalidID
	}
	return u.String(), nil
}
