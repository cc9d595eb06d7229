package integrity

import (
	"regexp"
	"strings"
)

// =============================================================================
// User-Agent parsing
// =============================================================================

// UserAgentInfo is the automation verdict extracted from a User-Agent string
type UserAgentInfo struct {
	IsBot      bool
	IsHeadless bool
	BotName    string
}

var headlessUAPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)headless`),
	regexp.MustCompile(`(?i)phantomjs`),
	regexp.MustCompile(`(?i)selenium`),
	regexp.MustCompile(`(?i)webdriver`),
	regexp.MustCompile(`(?i)puppeteer`),
	regexp.MustCompile(`(?i)playwright`),
	regexp.MustCompile(`(?i)cypress`),
	regexp.MustCompile(`(?i)nightwatch`),
	regexp.MustCompile(`(?i)electron`),
}

var botUAPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bot\b`),
	regexp.MustCompile(`(?i)spider`),
	regexp.MustCompile(`(?i)crawler`),
	regexp.MustCompile(`(?i)scraper`),
	regexp.MustCompile(`(?i)curl`),
	regexp.MustCompile(`(?i)wget`),
	regexp.MustCompile(`(?i)python`),
	regexp.MustCompile(`(?i)java/`),
	regexp.MustCompile(`(?i)httpie`),
	regexp.MustCompile(`(?i)postman`),
	regexp.MustCompile(`(?i)insomnia`),
	regexp.MustCompile(`(?i)axios`),
	regexp.MustCompile(`(?i)node-fetch`),
	regexp.MustCompile(`(?i)go-http`),
	regexp.MustCompile(`(?i)okhttp`),
	regexp.MustCompile(`(?i)libwww`),
	regexp.MustCompile(`(?i)apache-httpclient`),
}

// ParseUserAgent reports whether ua names a scripted client or an automated
// browser.
func ParseUserAgent(ua string) UserAgentInfo {
	info := UserAgentInfo{}

	// Scripted clients first; they rarely look like a browser at all
	for _, pattern := range botUAPatterns {
		if match := pattern.FindString(ua); match != "" {
			info.IsBot = true
			info.BotName = strings.ToLower(match)
			return info
		}
	}

	for _, pattern := range headlessUAPatterns {
		if match := pattern.FindString(ua); match != "" {
			info.IsHeadless = true
			info.BotName = strings.ToLower(match)
			break
		}
	}

	return info
}
