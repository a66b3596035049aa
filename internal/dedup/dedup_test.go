package dedup

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dm-agent/internal/models"
	"github.com/dm-agent/internal/storage"
	"github.com/dm-agent/internal/storage/gormdb"
	"github.com/dm-agent/pkg/logger"
)

func setup(t *testing.T) (*Deduplicator, *gormdb.Repository, *models.Campaign) {
	t.Helper()
	repo, err := gormdb.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	campaign := &models.Campaign{AccountID: 1, Name: "c", TriggerType: models.TriggerComment, Status: models.CampaignActive}
	require.NoError(t, repo.CreateCampaign(context.Background(), campaign))

	return New(repo, logger.Nop()), repo, campaign
}

func commentEvent(id string) *models.Event {
	return &models.Event{
		Type:     models.TriggerComment,
		SourceID: id,
		ActorID:  "user-1",
		Body:     "price?",
		PostID:   "media-1",
	}
}

func TestIdempotentCreation(t *testing.T) {
	d, repo, campaign := setup(t)
	ctx := context.Background()

	first, err := d.CreateTriggerIfNew(ctx, campaign, commentEvent("c-1"))
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, models.TriggerPending, first.Trigger.Status)
	assert.Equal(t, "price?", first.Trigger.SourceText)

	second, err := d.CreateTriggerIfNew(ctx, campaign, commentEvent("c-1"))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Trigger.ID, second.Trigger.ID)

	all, err := repo.ListTriggers(ctx, storage.TriggerFilter{CampaignID: &campaign.ID})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestConcurrentSubmissionsCreateOneRow(t *testing.T) {
	d, repo, campaign := setup(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	ids := map[uint]bool{}

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := d.CreateTriggerIfNew(ctx, campaign, commentEvent("c-race"))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[res.Trigger.ID] = true
			if res.Created {
				created++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)

	all, err := repo.ListTriggers(ctx, storage.TriggerFilter{CampaignID: &campaign.ID})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSameSourceDifferentCampaigns(t *testing.T) {
	d, repo, campaign := setup(t)
	ctx := context.Background()

	other := &models.Campaign{AccountID: 1, Name: "other", TriggerType: models.TriggerComment, Status: models.CampaignActive}
	require.NoError(t, repo.CreateCampaign(ctx, other))

	a, err := d.CreateTriggerIfNew(ctx, campaign, commentEvent("c-shared"))
	require.NoError(t, err)
	b, err := d.CreateTriggerIfNew(ctx, other, commentEvent("c-shared"))
	require.NoError(t, err)

	assert.True(t, a.Created)
	assert.True(t, b.Created)
	assert.NotEqual(t, a.Trigger.ID, b.Trigger.ID)
}

func TestFollowerEventsAlwaysCreate(t *testing.T) {
	d, repo, _ := setup(t)
	ctx := context.Background()

	followers := &models.Campaign{AccountID: 1, Name: "welcome", TriggerType: models.TriggerNewFollower, Status: models.CampaignActive}
	require.NoError(t, repo.CreateCampaign(ctx, followers))

	ev := &models.Event{Type: models.TriggerNewFollower, ActorID: "fan"}
	a, err := d.CreateTriggerIfNew(ctx, followers, ev)
	require.NoError(t, err)
	b, err := d.CreateTriggerIfNew(ctx, followers, ev)
	require.NoError(t, err)

	assert.True(t, a.Created)
	assert.True(t, b.Created)
	assert.Nil(t, a.Trigger.SourceID)
}

func TestRejectsMissingInput(t *testing.T) {
	d, _, campaign := setup(t)
	_, err := d.CreateTriggerIfNew(context.Background(), campaign, nil)
	assert.Error(t, err)
}
