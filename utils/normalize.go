package utils

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"
)

const SnippetLength = 500

// NormalizeEmail lower-cases an address and, for Gmail, drops dots and
// +tags from the local part so aliases match the same lead.
func NormalizeEmail(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return email
	}
	local, domain := email[:at], email[at+1:]

	if domain == "gmail.com" || domain == "googlemail.com" {
		if plus := strings.Index(local, "+"); plus >= 0 {
			local = local[:plus]
		}
		local = strings.ReplaceAll(local, ".", "")
		domain = "gmail.com"
	}
	return local + "@" + domain
}

// NormalizeMessageID strips whitespace and angle brackets from a Message-ID.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

var tagPattern = regexp.MustCompile(`(?is)<style.*?</style>|<script.*?</script>|<[^>]+>`)

// Snippet reduces an HTML or text body to at most SnippetLength runes of
// plain text.
func Snippet(body string) string {
	text := tagPattern.ReplaceAllString(body, " ")
	text = strings.Join(strings.Fields(html.UnescapeString(text)), " ")
	return Truncate(text, SnippetLength)
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
