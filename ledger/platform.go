package ledger

import (
	"net/url"
	"strings"
)

// Platform is the closed set of retail platforms a click can point at.
// Shared by the ledger, attribution, alerts, and the catalog tables.
type Platform string

const (
	PlatformAmazon   Platform = "amazon"
	PlatformFlipkart Platform = "flipkart"
	PlatformMyntra   Platform = "myntra"
	PlatformAjio     Platform = "ajio"
	PlatformOther    Platform = "other"
)

// Platforms lists every supported platform in display order.
var Platforms = []Platform{PlatformAmazon, PlatformFlipkart, PlatformMyntra, PlatformAjio, PlatformOther}

// Valid reports whether p is in the supported set.
func (p Platform) Valid() bool {
	switch p {
	case PlatformAmazon, PlatformFlipkart, PlatformMyntra, PlatformAjio, PlatformOther:
		return true
	}
	return false
}

// ParsePlatform normalizes s and checks it against the supported set.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", &ValidationError{Field: "platform", Message: "unsupported platform " + s}
	}
	return p, nil
}

// AffiliateTags holds the partner tags appended to outbound product links.
type AffiliateTags struct {
	Amazon   string
	Flipkart string
}

// AffiliateLink returns productURL with the platform's affiliate parameter
// appended. Platforms without a partner program pass through unchanged.
func (t AffiliateTags) AffiliateLink(p Platform, productURL string) string {
	var key, value string
	switch p {
	case PlatformAmazon:
		key, value = "tag", t.Amazon
	case PlatformFlipkart:
		key, value = "affid", t.Flipkart
	default:
		return productURL
	}
	if value == "" {
		return productURL
	}
	sep := "?"
	if strings.Contains(productURL, "?") {
		sep = "&"
	}
	return productURL + sep + key + "=" + url.QueryEscape(value)
}
