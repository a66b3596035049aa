package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dm-agent/internal/models"
)

func campaign(id uint, tt models.TriggerType, cfg models.TriggerConfig) *models.Campaign {
	return &models.Campaign{ID: id, TriggerType: tt, TriggerConfig: cfg, Status: models.CampaignActive}
}

func comment(body string) *models.Event {
	return &models.Event{Type: models.TriggerComment, Body: body, PostID: "media-1", SourceID: "c1", ActorID: "u1"}
}

func TestKeywordMatching(t *testing.T) {
	c := campaign(1, models.TriggerComment, models.TriggerConfig{Keywords: []string{"sale", "promo"}})

	tests := []struct {
		name string
		body string
		want bool
	}{
		{"case folded keyword", "Tell me about your SALE", true},
		// Substring policy: "promo" is contained in "promotions".
		{"substring of a longer word", "tell me about your PROMOTIONS", true},
		{"no keyword", "nice picture", false},
		{"empty body", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Accepts(comment(tt.body), c))
		})
	}
}

func TestCaseSensitive(t *testing.T) {
	c := campaign(1, models.TriggerComment, models.TriggerConfig{Keywords: []string{"SALE"}, CaseSensitive: true})

	assert.True(t, Accepts(comment("big SALE today"), c))
	assert.False(t, Accepts(comment("big sale today"), c))
}

func TestExcludeKeywordsWin(t *testing.T) {
	c := campaign(1, models.TriggerComment, models.TriggerConfig{
		Keywords:        []string{"price"},
		ExcludeKeywords: []string{"spam"},
	})

	assert.False(t, Accepts(comment("what's the price, this looks like spam"), c))
	assert.True(t, Accepts(comment("what's the price?"), c))
}

func TestExcludeWithoutPositiveKeywords(t *testing.T) {
	c := campaign(1, models.TriggerDMKeyword, models.TriggerConfig{ExcludeKeywords: []string{"stop"}})
	dm := &models.Event{Type: models.TriggerDMKeyword, Body: "please STOP"}

	assert.False(t, Accepts(dm, c))
	dm.Body = "hello"
	assert.True(t, Accepts(dm, c))
}

func TestMatchAllIsFlagGated(t *testing.T) {
	or := campaign(1, models.TriggerComment, models.TriggerConfig{Keywords: []string{"red", "shoes"}})
	and := campaign(2, models.TriggerComment, models.TriggerConfig{Keywords: []string{"red", "shoes"}, MatchAll: true})

	assert.True(t, Accepts(comment("red hat"), or))
	assert.False(t, Accepts(comment("red hat"), and))
	assert.True(t, Accepts(comment("red shoes please"), and))
}

func TestPostIDFilter(t *testing.T) {
	c := campaign(1, models.TriggerComment, models.TriggerConfig{PostID: "media-2"})

	assert.False(t, Accepts(comment("anything"), c))
	ev := comment("anything")
	ev.PostID = "media-2"
	assert.True(t, Accepts(ev, c))
}

func TestUnconditionalTypes(t *testing.T) {
	follower := campaign(1, models.TriggerNewFollower, models.TriggerConfig{Keywords: []string{"ignored"}})
	dm := campaign(2, models.TriggerDMKeyword, models.TriggerConfig{})

	assert.True(t, Accepts(&models.Event{Type: models.TriggerNewFollower}, follower))
	assert.True(t, Accepts(&models.Event{Type: models.TriggerDMKeyword, Body: "hi"}, dm))
}

func TestBlankKeywordsIgnored(t *testing.T) {
	c := campaign(1, models.TriggerDMKeyword, models.TriggerConfig{Keywords: []string{"  ", ""}})
	assert.True(t, Accepts(&models.Event{Type: models.TriggerDMKeyword, Body: "hi"}, c))
}

func TestMatchFiltersStatusAndType(t *testing.T) {
	active := campaign(1, models.TriggerComment, models.TriggerConfig{})
	paused := campaign(2, models.TriggerComment, models.TriggerConfig{})
	paused.Status = models.CampaignPaused
	otherType := campaign(3, models.TriggerStoryReply, models.TriggerConfig{})

	got := Match(comment("hi"), []*models.Campaign{active, paused, otherType, nil})

	if assert.Len(t, got, 1) {
		assert.Equal(t, uint(1), got[0].ID)
	}
	assert.Nil(t, Match(nil, []*models.Campaign{active}))
}
