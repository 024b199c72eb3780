package utils

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var hrefPattern = regexp.MustCompile(`(?i)(<a\s[^>]*?href\s*=\s*)(["'])(https?://[^"']+)(["'])`)

// OpenTrackingURL is the pixel URL recorded against a SENT log.
func OpenTrackingURL(baseURL string, logID uint) string {
	return fmt.Sprintf("%s/t/o/%d", strings.TrimRight(baseURL, "/"), logID)
}

// ClickTrackingURL wraps target in a redirect recorded against a SENT log.
func ClickTrackingURL(baseURL string, logID uint, target string) string {
	return fmt.Sprintf("%s/t/c/%d?url=%s", strings.TrimRight(baseURL, "/"), logID, url.QueryEscape(target))
}

// InjectTracking rewrites http(s) anchors through the click redirect and
// appends the open pixel. Other links (mailto:, anchors) are left alone.
func InjectTracking(htmlContent, baseURL string, logID uint) string {
	tracked := hrefPattern.ReplaceAllStringFunc(htmlContent, func(match string) string {
		m := hrefPattern.FindStringSubmatch(match)
		target := unescapeHref(m[3])
		return m[1] + m[2] + ClickTrackingURL(baseURL, logID, target) + m[4]
	})

	pixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`, OpenTrackingURL(baseURL, logID))

	if idx := strings.LastIndex(strings.ToLower(tracked), "</body>"); idx >= 0 {
		return tracked[:idx] + pixel + tracked[idx:]
	}
	return tracked + pixel
}

func unescapeHref(s string) string {
	return strings.ReplaceAll(s, "&amp;", "&")
}

// IsTrackableURL reports whether a click redirect may send the browser to s.
func IsTrackableURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
