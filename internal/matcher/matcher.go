// Package matcher decides which campaigns an event triggers.
package matcher

import (
	"strings"

	"github.com/dm-agent/internal/models"
)

// Match returns the candidates whose trigger type and keyword rules accept
// the event. It has no side effects.
func Match(event *models.Event, candidates []*models.Campaign) []*models.Campaign {
	if event == nil {
		return nil
	}
	var matched []*models.Campaign
	for _, c := range candidates {
		if Accepts(event, c) {
			matched = append(matched, c)
		}
	}
	return matched
}

// Accepts reports whether a single campaign matches the event.
func Accepts(event *models.Event, c *models.Campaign) bool {
	if c == nil || !c.IsActive() || c.TriggerType != event.Type {
		return false
	}

	cfg := c.TriggerConfig

	if event.Type == models.TriggerComment && cfg.PostID != "" && cfg.PostID != event.PostID {
		return false
	}

	if event.Type == models.TriggerNewFollower {
		return true
	}

	body := normalize(event.Body, cfg.CaseSensitive)

	// Exclusions win over any positive match.
	for _, kw := range keywords(cfg.ExcludeKeywords, cfg.CaseSensitive) {
		if strings.Contains(body, kw) {
			return false
		}
	}

	positive := keywords(cfg.Keywords, cfg.CaseSensitive)
	if len(positive) == 0 {
		return true
	}

	if cfg.MatchAll {
		for _, kw := range positive {
			if !strings.Contains(body, kw) {
				return false
			}
		}
		return true
	}

	for _, kw := range positive {
		if strings.Contains(body, kw) {
			return true
		}
	}
	return false
}

// keywords trims the list, drops blanks and folds case when needed.
func keywords(list []string, caseSensitive bool) []string {
	out := make([]string, 0, len(list))
	for _, kw := range list {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		out = append(out, normalize(kw, caseSensitive))
	}
	return out
}

func normalize(s string, caseSensitive bool) string {
	if caseSensitive {
		return s
	}
	return strings.ToLower(s)
}
