package iplookup

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Provider is one public endpoint that echoes the caller's IP as JSON.
type Provider struct {
	Name string
	URL  string
	// Extract pulls the IP out of the response body; "" means not found.
	Extract func(body []byte) string
}

// FieldExtractor returns an extractor reading the string at a gjson path.
func FieldExtractor(path string) func(body []byte) string {
	return func(body []byte) string {
		if !gjson.ValidBytes(body) {
			return ""
		}
		result := gjson.GetBytes(body, path)
		if result.Type != gjson.String {
			return ""
		}
		return strings.TrimSpace(result.Str)
	}
}

// DefaultProviders returns the public endpoints in priority order.
func DefaultProviders() []Provider {
	return []Provider{
		{Name: "ipify", URL: "https://api.ipify.org?format=json", Extract: FieldExtractor("ip")},
		{Name: "ipify64", URL: "https://api64.ipify.org?format=json", Extract: FieldExtractor("ip")},
		{Name: "ipapi", URL: "https://ipapi.co/json/", Extract: FieldExtractor("ip")},
		{Name: "seeip", URL: "https://api.seeip.org/jsonip", Extract: FieldExtractor("ip")},
	}
}
