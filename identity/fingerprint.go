package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// TrackingParams are query parameters that vary per visit and must not affect
// an item's identity.
var TrackingParams = []string{"r0y", "r0x"}

var multiSpaceRegex = regexp.MustCompile(`\s+`)

// ItemKey derives a stable key for a watched item from its kind and locator.
func ItemKey(kind, locator string) string {
	input := fmt.Sprintf("%s|%s", strings.ToLower(kind), NormalizeLocator(locator))
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:16])
}

// NormalizeLocator lowercases scheme and host, drops tracking parameters and
// sorts the query so equivalent URLs compare equal. Non-URL locators are
// trimmed and lowercased.
func NormalizeLocator(locator string) string {
	locator = strings.TrimSpace(locator)
	u, err := url.Parse(locator)
	if err != nil || u.Host == "" {
		return strings.ToLower(multiSpaceRegex.ReplaceAllString(locator, " "))
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	q := u.Query()
	for _, p := range TrackingParams {
		q.Del(p)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// StripParams removes the given query parameters, keeping everything else in
// its original order.
func StripParams(rawURL string, params ...string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if len(params) == 0 {
		params = TrackingParams
	}
	remove := make(map[string]bool, len(params))
	for _, p := range params {
		remove[p] = true
	}

	var kept []string
	for _, pair := range strings.Split(u.RawQuery, "&") {
		if pair == "" {
			continue
		}
		key := pair
		if i := strings.IndexByte(pair, '='); i >= 0 {
			key = pair[:i]
		}
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		if !remove[key] {
			kept = append(kept, pair)
		}
	}
	u.RawQuery = strings.Join(kept, "&")
	return u.String()
}

// ShortHash is a short stable identifier for free text.
func ShortHash(text string) string {
	text = strings.ToLower(strings.TrimSpace(multiSpaceRegex.ReplaceAllString(text, " ")))
	hash := sha256.Sum256([]byte(text))
	return strings.ToUpper(hex.EncodeToString(hash[:6]))
}
