package main

import (
	"context"
	"net/http"
	"regexp"
	"strings"
)

// jsCookieName is set to "1" by the front-end script once it runs.
const jsCookieName = "spamxpert_js"

var automationUAPatterns = compilePatterns(
	`(?i)headless`,
	`(?i)phantomjs`,
	`(?i)selenium`,
	`(?i)webdriver`,
	`(?i)puppeteer`,
	`(?i)playwright`,
)

var botUAPatterns = compilePatterns(
	`(?i)bot`,
	`(?i)crawler`,
	`(?i)spider`,
	`(?i)scraper`,
	`(?i)curl`,
	`(?i)wget`,
)

// Headers that should be present in a real browser.
var expectedBrowserHeaders = []string{"Accept", "Accept-Language", "Accept-Encoding"}

func compilePatterns(patterns ...string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(p))
	}
	return compiled
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// ClientScore rates how little a submission looks like it came from a
// browser, 0 to 100.
func ClientScore(sub Submission) int {
	score := 0

	switch ua := sub.UserAgent; {
	case ua == "":
		score += 20
	case matchesAny(automationUAPatterns, ua):
		score += 30
	case matchesAny(botUAPatterns, ua):
		score += 10
	}

	if sub.Headers == nil {
		return min(score, 100)
	}

	if sub.Headers.Get("Referer") == "" {
		score += 10
	}

	missing := 0
	for _, h := range expectedBrowserHeaders {
		if sub.Headers.Get(h) == "" {
			missing++
		}
	}
	if missing > 1 {
		score += 20
	}
	if lang := sub.Headers.Get("Accept-Language"); lang == "*" {
		score += 10
	}

	if !jsEnabled(sub.Headers) {
		score += 30
	}

	return min(score, 100)
}

func jsEnabled(h http.Header) bool {
	r := http.Request{Header: h}
	c, err := r.Cookie(jsCookieName)
	return err == nil && strings.TrimSpace(c.Value) == "1"
}

// ClientScoreRule rejects submissions whose ClientScore reaches the live
// client_score_threshold setting.
func ClientScoreRule(settings *Settings) Rule {
	return func(_ context.Context, sub Submission) *Rejection {
		threshold := settings.Current().ClientScoreThreshold
		if threshold <= 0 {
			return nil
		}
		if score := ClientScore(sub); score >= threshold {
			return &Rejection{Reason: "client heuristics", Score: score}
		}
		return nil
	}
}
