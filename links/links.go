// Package links finds shareable short-video URLs in free-form message text.
package links

import "regexp"

// Platform identifies a supported video platform.
type Platform string

const (
	TikTok    Platform = "tiktok"
	Instagram Platform = "instagram"
)

// Label returns the display name of the platform.
func (p Platform) Label() string {
	switch p {
	case TikTok:
		return "TikTok"
	case Instagram:
		return "Instagram"
	default:
		return string(p)
	}
}

// Link is a URL detected in a message.
type Link struct {
	Platform Platform
	URL      string
}

type matcher struct {
	platform Platform
	re       *regexp.Regexp
}

// matchers are checked in order; the first platform with a match wins.
var matchers = []matcher{
	{TikTok, regexp.MustCompile(`https?://(?:www\.|vm\.|vt\.|m\.|t\.)?tiktok\.com/[^\s]+`)},
	{Instagram, regexp.MustCompile(`https?://(?:www\.)?instagram\.com/(?:reel|p|t|v)/[^\s]+`)},
}

// Classify returns the first supported link in text. When a message carries
// links for several platforms only the highest priority one is returned, so a
// message triggers at most one analysis.
func Classify(text string) (Link, bool) {
	for _, m := range matchers {
		if url := m.re.FindString(text); url != "" {
			return Link{Platform: m.platform, URL: url}, true
		}
	}
	return Link{}, false
}

// Platforms lists the supported platforms in priority order.
func Platforms() []Platform {
	out := make([]Platform, 0, len(matchers))
	for _, m := range matchers {
		out = append(out, m.platform)
	}
	return out
}
