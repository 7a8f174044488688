package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// BotKey is the gin context key BotFilter sets for crawler requests.
const BotKey = "is_bot"

// botPatterns are known bot User-Agent substrings (lowercase).
var botPatterns = []string{
	"googlebot", "bingbot", "slurp", "duckduckbot",
	"baiduspider", "yandexbot", "facebookexternalhit",
	"twitterbot", "rogerbot", "linkedinbot", "embedly",
	"quora link preview", "showyoubot", "outbrain",
	"pinterest", "applebot", "semrushbot", "ahrefsbot",
	"mj12bot", "dotbot", "petalbot", "bytespider",
	"headlesschrome", "lighthouse",
}

// BotFilter sets BotKey for known bot user agents and for requests without
// one. Handlers check the flag to skip tracking while still answering.
func BotFilter() gin.HandlerFunc {
	return func(c *gin.Context) {
		ua := c.Request.UserAgent()
		if ua == "" || IsBot(ua) {
			c.Set(BotKey, true)
		}
		c.Next()
	}
}

// IsBot reports whether ua matches a known crawler.
func IsBot(ua string) bool {
	ua = strings.ToLower(ua)
	for _, pattern := range botPatterns {
		if strings.Contains(ua, pattern) {
			return true
		}
	}
	return false
}
