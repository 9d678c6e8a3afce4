package resolver

import (
	"errors"
	"regexp"
	"strings"

	"stokbro/internal/models"
)

// ErrNotRecognized is returned when no platform matcher accepts the URL
var ErrNotRecognized = errors.New("unrecognized link")

type matcher struct {
	platform models.Platform
	pattern  *regexp.Regexp
}

// Matchers are tried in this order and the first match wins. Flaticon comes
// first because the freepik pattern is loose enough to accept a flaticon
// page with an .htm suffix. Both only look at the path; ids in the query
// or fragment are ignored.
var matchers = []matcher{
	{platform: models.Flaticon, pattern: regexp.MustCompile(`(?i)flaticon\.com/[^?#]*_(\d+)(?:[./?#]|$)`)},
	{platform: models.Freepik, pattern: regexp.MustCompile(`^[^?#]*_(\d+)\.htm`)},
}

// Resolve parses a pasted asset-page URL into a ResourceRef
func Resolve(rawURL string) (models.ResourceRef, error) {
	s := strings.TrimSpace(rawURL)
	if s == "" {
		return models.ResourceRef{}, ErrNotRecognized
	}

	for _, m := range matchers {
		if match := m.pattern.FindStringSubmatch(s); match != nil {
			return models.ResourceRef{ID: match[1], Platform: m.platform}, nil
		}
	}

	return models.ResourceRef{}, ErrNotRecognized
}

// Platforms returns the platforms in matcher order
func Platforms() []models.Platform {
	out := make([]models.Platform, len(matchers))
	for i, m := range matchers {
		out[i] = m.platform
	}
	return out
}
