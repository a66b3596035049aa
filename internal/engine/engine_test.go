package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dm-agent/internal/config"
	"github.com/dm-agent/internal/dispatch"
	"github.com/dm-agent/internal/events"
	"github.com/dm-agent/internal/failure"
	"github.com/dm-agent/internal/models"
	"github.com/dm-agent/internal/storage"
	"github.com/dm-agent/internal/storage/gormdb"
	"github.com/dm-agent/internal/tracker"
	"github.com/dm-agent/pkg/logger"
	"github.com/dm-agent/pkg/ratelimit"
)

const (
	delayNodes = `[
		{"id":"hi","type":"message","data":{"content":"Hi {{first_name}}, here is the guide"}},
		{"id":"wait","type":"delay","data":{"duration":10,"unit":"minutes"}},
		{"id":"bye","type":"end","data":{"content":"Did it help?"}}
	]`
	delayEdges = `[
		{"id":"a","source":"hi","target":"wait"},
		{"id":"b","source":"wait","target":"bye"}
	]`

	buttonNodes = `[
		{"id":"ask","type":"button","data":{"content":"Want the guide?","buttons":[{"id":"yes","title":"Yes"},{"id":"no","title":"No"}]}},
		{"id":"send","type":"message","data":{"content":"Here it is","url":"https://example.com/guide"}},
		{"id":"bye","type":"end","data":{"content":"No worries"}},
		{"id":"done","type":"end"}
	]`
	buttonEdges = `[
		{"id":"a","source":"ask","target":"send","sourceHandle":"yes"},
		{"id":"b","source":"ask","target":"bye","sourceHandle":"no"},
		{"id":"c","source":"send","target":"done"}
	]`

	captureNodes = `[
		{"id":"ask","type":"capture","data":{"prompt":"What's your email?","field":"email","validationType":"email"}},
		{"id":"thanks","type":"end","data":{"content":"Thanks!"}}
	]`
	captureEdges = `[{"id":"a","source":"ask","target":"thanks"}]`

	twoMessageNodes = `[
		{"id":"m1","type":"message","data":{"content":"one"}},
		{"id":"m2","type":"message","data":{"content":"two"}}
	]`
	twoMessageEdges = `[{"id":"a","source":"m1","target":"m2"}]`
)

type fakeSender struct {
	mu   sync.Mutex
	sent []*models.OutboundMessage
	errs []error
}

func (f *fakeSender) SendMessage(_ context.Context, _ *models.Account, msg *models.OutboundMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	cp := *msg
	f.sent = append(f.sent, &cp)
	return fmt.Sprintf("mid-%d", len(f.sent)), nil
}

func (f *fakeSender) contents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		out = append(out, m.Content)
	}
	return out
}

type leadRecorder struct {
	leads []tracker.Lead
}

func (l *leadRecorder) RecordLead(_ context.Context, lead tracker.Lead) error {
	l.leads = append(l.leads, lead)
	return nil
}

type testEnv struct {
	repo     *gormdb.Repository
	sender   *fakeSender
	engine   *Engine
	recorder *events.Recorder
	leads    *leadRecorder
	account  *models.Account
	now      time.Time
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	repo, err := gormdb.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	env := &testEnv{
		repo:     repo,
		sender:   &fakeSender{},
		recorder: &events.Recorder{},
		leads:    &leadRecorder{},
		now:      time.Date(2026, 3, 14, 9, 15, 0, 0, time.UTC),
	}
	clock := func() time.Time { return env.now }

	admitter := ratelimit.NewAdmitter(ratelimit.NewMemoryStore(), 0, time.Minute, ratelimit.WithClock(clock))
	dispatcher := dispatch.New(env.sender, admitter, repo, config.DispatchConfig{
		MaxRetries:  0,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
	}, logger.Nop(), dispatch.WithClock(clock))

	env.engine = New(repo, dispatcher, config.EngineConfig{ReplyTimeout: time.Hour}, logger.Nop(),
		WithClock(clock),
		WithPublisher(env.recorder),
		WithLeadSink(env.leads),
	)

	env.account = &models.Account{PlatformUserID: "17841400000000001", Username: "shop", AccessToken: "token"}
	require.NoError(t, repo.SaveAccount(context.Background(), env.account))
	return env
}

func (env *testEnv) campaign(t *testing.T, typ models.TriggerType, cfg models.TriggerConfig, nodes, edges string) *models.Campaign {
	t.Helper()
	ctx := context.Background()
	f := &models.Flow{AccountID: env.account.ID, Name: "flow", Nodes: models.RawJSON(nodes), Edges: models.RawJSON(edges)}
	require.NoError(t, env.repo.CreateFlow(ctx, f))
	c := &models.Campaign{
		AccountID:     env.account.ID,
		Name:          "campaign",
		TriggerType:   typ,
		TriggerConfig: cfg,
		Status:        models.CampaignActive,
		FlowID:        f.ID,
	}
	require.NoError(t, env.repo.CreateCampaign(ctx, c))
	return c
}

func (env *testEnv) comment(id, body string) *models.Event {
	return &models.Event{
		Type:              models.TriggerComment,
		AccountPlatformID: env.account.PlatformUserID,
		SourceID:          id,
		ActorID:           "igsid-9",
		ActorName:         "Ada Lovelace",
		ActorUsername:     "ada",
		Body:              body,
		PostID:            "media-1",
		OccurredAt:        env.now,
	}
}

func (env *testEnv) dm(id, body, payload string) *models.Event {
	return &models.Event{
		Type:              models.TriggerDMKeyword,
		AccountPlatformID: env.account.PlatformUserID,
		SourceID:          id,
		ActorID:           "igsid-9",
		ActorName:         "Ada Lovelace",
		Body:              body,
		ReplyPayload:      payload,
		OccurredAt:        env.now,
	}
}

// drainQueue plays the worker: claim, process, complete, until nothing is due.
func (env *testEnv) drainQueue(t *testing.T) int {
	t.Helper()
	ctx := context.Background()
	n := 0
	for i := 0; i < 50; i++ {
		items, err := env.repo.Claim(ctx, env.now, 1)
		require.NoError(t, err)
		if len(items) == 0 {
			return n
		}
		require.NoError(t, env.engine.Process(ctx, items[0]))
		require.NoError(t, env.repo.CompleteWork(ctx, items[0].ID))
		n++
	}
	t.Fatal("queue did not drain")
	return n
}

func (env *testEnv) trigger(t *testing.T, id uint) *models.Trigger {
	t.Helper()
	trig, err := env.repo.GetTriggerByID(context.Background(), id)
	require.NoError(t, err)
	return trig
}

func TestCommentTriggerRunsToCompletion(t *testing.T) {
	env := newEnv(t)
	env.campaign(t, models.TriggerComment, models.TriggerConfig{Keywords: []string{"guide"}}, delayNodes, delayEdges)
	ctx := context.Background()

	res, err := env.engine.Ingest(ctx, env.comment("c-1", "Please send the GUIDE"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matched)
	require.Len(t, res.Created, 1)
	id := res.Created[0]

	assert.Equal(t, 1, env.drainQueue(t))
	require.Len(t, env.sender.sent, 1)
	first := env.sender.sent[0]
	assert.Equal(t, "Hi Ada, here is the guide", first.Content)
	assert.Equal(t, "c-1", first.CommentID, "first message replies to the comment")
	assert.Equal(t, "igsid-9", first.RecipientID)

	trig := env.trigger(t, id)
	assert.Equal(t, models.TriggerProcessing, trig.Status)
	assert.Equal(t, models.AwaitDelay, trig.Awaiting)
	assert.Equal(t, 1, trig.MessagesSent)

	env.now = env.now.Add(5 * time.Minute)
	assert.Equal(t, 0, env.drainQueue(t), "delay not elapsed")

	env.now = env.now.Add(5 * time.Minute)
	assert.Equal(t, 1, env.drainQueue(t))
	require.Len(t, env.sender.sent, 2)
	assert.Equal(t, "Did it help?", env.sender.sent[1].Content)
	assert.Empty(t, env.sender.sent[1].CommentID)

	trig = env.trigger(t, id)
	assert.Equal(t, models.TriggerCompleted, trig.Status)
	assert.Equal(t, 2, trig.MessagesSent)
	assert.NotNil(t, trig.CompletedAt)

	assert.Equal(t, []events.Type{
		events.TriggerCreated,
		events.TriggerSuspended,
		events.MessageSent,
		events.TriggerCompleted,
		events.MessageSent,
	}, env.recorder.Types())
}

func TestDuplicateEventCreatesOneTrigger(t *testing.T) {
	env := newEnv(t)
	env.campaign(t, models.TriggerComment, models.TriggerConfig{Keywords: []string{"guide"}}, delayNodes, delayEdges)
	ctx := context.Background()

	first, err := env.engine.Ingest(ctx, env.comment("c-1", "guide please"))
	require.NoError(t, err)
	require.Len(t, first.Created, 1)

	second, err := env.engine.Ingest(ctx, env.comment("c-1", "guide please"))
	require.NoError(t, err)
	assert.Empty(t, second.Created)
	assert.Equal(t, 1, second.Duplicates)

	env.drainQueue(t)
	assert.Len(t, env.sender.sent, 1)

	triggers, err := env.repo.ListTriggers(ctx, storage.DefaultTriggerFilter())
	require.NoError(t, err)
	assert.Len(t, triggers, 1)
}

func TestIngestRejectsAndIgnores(t *testing.T) {
	env := newEnv(t)
	env.campaign(t, models.TriggerComment, models.TriggerConfig{}, delayNodes, delayEdges)
	ctx := context.Background()

	ev := env.comment("c-1", "hi")
	ev.AccountPlatformID = "unknown"
	_, err := env.engine.Ingest(ctx, ev)
	assert.Equal(t, failure.KindValidation, failure.KindOf(err))

	ev = env.comment("c-2", "hi")
	ev.ActorID = ""
	_, err = env.engine.Ingest(ctx, ev)
	assert.Equal(t, failure.KindValidation, failure.KindOf(err))

	ev = env.comment("", "hi")
	_, err = env.engine.Ingest(ctx, ev)
	assert.Equal(t, failure.KindValidation, failure.KindOf(err))

	ev = env.comment("c-3", "hi")
	ev.ActorID = env.account.PlatformUserID
	res, err := env.engine.Ingest(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, "own message", res.Ignored)
	assert.Empty(t, res.Created)

	res, err = env.engine.Ingest(ctx, env.dm("mid-1", "hello", ""))
	require.NoError(t, err)
	assert.Zero(t, res.Matched, "no DM campaign")
}

func TestReplyRoutedToWaitingTrigger(t *testing.T) {
	env := newEnv(t)
	env.campaign(t, models.TriggerDMKeyword, models.TriggerConfig{Keywords: []string{"guide"}}, buttonNodes, buttonEdges)
	ctx := context.Background()

	res, err := env.engine.Ingest(ctx, env.dm("mid-1", "guide", ""))
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	id := res.Created[0]

	env.drainQueue(t)
	require.Len(t, env.sender.sent, 1)
	assert.Equal(t, models.MessageButton, env.sender.sent[0].Type)
	assert.Empty(t, env.sender.sent[0].CommentID)
	assert.Equal(t, models.AwaitButton, env.trigger(t, id).Awaiting)

	env.now = env.now.Add(time.Minute)
	res, err = env.engine.Ingest(ctx, env.dm("mid-2", "Yes", "yes"))
	require.NoError(t, err)
	assert.Equal(t, id, res.RoutedTo)
	assert.Empty(t, res.Created, "a reply never starts a new trigger")

	env.drainQueue(t)
	require.Len(t, env.sender.sent, 2)
	assert.Equal(t, models.MessageLink, env.sender.sent[1].Type)
	assert.Equal(t, models.TriggerCompleted, env.trigger(t, id).Status)

	// Completed: the next "guide" DM starts over.
	res, err = env.engine.Ingest(ctx, env.dm("mid-3", "guide again", ""))
	require.NoError(t, err)
	assert.Len(t, res.Created, 1)
}

func TestCaptureExportsLead(t *testing.T) {
	env := newEnv(t)
	env.campaign(t, models.TriggerDMKeyword, models.TriggerConfig{Keywords: []string{"join"}}, captureNodes, captureEdges)
	ctx := context.Background()

	res, err := env.engine.Ingest(ctx, env.dm("mid-1", "join", ""))
	require.NoError(t, err)
	env.drainQueue(t)

	_, err = env.engine.Ingest(ctx, env.dm("mid-2", "ada@example.com", ""))
	require.NoError(t, err)
	env.drainQueue(t)

	assert.Equal(t, []string{"What's your email?", "Thanks!"}, env.sender.contents())
	trig := env.trigger(t, res.Created[0])
	assert.Equal(t, models.TriggerCompleted, trig.Status)
	assert.Equal(t, "ada@example.com", trig.FlowState["email"])

	require.Len(t, env.leads.leads, 1)
	assert.Equal(t, "ada@example.com", env.leads.leads[0].Fields["email"])
	assert.Contains(t, env.recorder.Types(), events.LeadCaptured)
}

func TestRateLimitDefersUntilNextHour(t *testing.T) {
	env := newEnv(t)
	c := env.campaign(t, models.TriggerComment, models.TriggerConfig{}, twoMessageNodes, twoMessageEdges)
	c.HourlyLimit = 1
	ctx := context.Background()
	require.NoError(t, env.repo.UpdateCampaign(ctx, c))

	res, err := env.engine.Ingest(ctx, env.comment("c-1", "anything"))
	require.NoError(t, err)
	id := res.Created[0]

	env.drainQueue(t)
	assert.Equal(t, []string{"one"}, env.sender.contents())

	trig := env.trigger(t, id)
	assert.Equal(t, models.TriggerCompleted, trig.Status)
	queued, err := env.repo.ListQueuedMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.NotNil(t, queued[0].ScheduledFor)
	assert.Equal(t, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC), queued[0].ScheduledFor.UTC())

	env.now = time.Date(2026, 3, 14, 9, 59, 0, 0, time.UTC)
	assert.Equal(t, 0, env.drainQueue(t))

	env.now = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, 1, env.drainQueue(t))
	assert.Equal(t, []string{"one", "two"}, env.sender.contents())
	assert.Equal(t, 2, env.trigger(t, id).MessagesSent)
}

func TestPausedCampaignSkipsTrigger(t *testing.T) {
	env := newEnv(t)
	c := env.campaign(t, models.TriggerComment, models.TriggerConfig{}, delayNodes, delayEdges)
	ctx := context.Background()

	res, err := env.engine.Ingest(ctx, env.comment("c-1", "hello"))
	require.NoError(t, err)

	c.Status = models.CampaignPaused
	require.NoError(t, env.repo.UpdateCampaign(ctx, c))

	env.drainQueue(t)
	assert.Empty(t, env.sender.sent)
	trig := env.trigger(t, res.Created[0])
	assert.Equal(t, models.TriggerSkipped, trig.Status)
	assert.Equal(t, "campaign is PAUSED", trig.FailureReason)
	assert.Contains(t, env.recorder.Types(), events.TriggerSkipped)
}

func TestPermanentFailureThenReplay(t *testing.T) {
	env := newEnv(t)
	env.campaign(t, models.TriggerComment, models.TriggerConfig{}, delayNodes, delayEdges)
	ctx := context.Background()

	env.sender.errs = []error{failure.New(failure.KindPermanentUpstream, "user cannot be messaged")}
	res, err := env.engine.Ingest(ctx, env.comment("c-1", "hello"))
	require.NoError(t, err)
	id := res.Created[0]

	env.drainQueue(t)
	assert.Empty(t, env.sender.sent)
	trig := env.trigger(t, id)
	assert.Equal(t, models.TriggerFailed, trig.Status)
	assert.Contains(t, trig.FailureReason, "user cannot be messaged")

	_, err = env.engine.Replay(ctx, id)
	require.NoError(t, err)
	trig = env.trigger(t, id)
	assert.Equal(t, models.TriggerProcessing, trig.Status)
	assert.Equal(t, 1, trig.RetryCount)

	env.drainQueue(t)
	require.Len(t, env.sender.sent, 1)
	assert.Equal(t, "c-1", env.sender.sent[0].CommentID)
	trig = env.trigger(t, id)
	assert.Equal(t, models.AwaitDelay, trig.Awaiting, "replay resumes where the flow stopped")

	_, err = env.engine.Replay(ctx, id)
	assert.Equal(t, failure.KindValidation, failure.KindOf(err))
}

func TestTokenExpiryFlagsAccount(t *testing.T) {
	env := newEnv(t)
	env.campaign(t, models.TriggerComment, models.TriggerConfig{}, delayNodes, delayEdges)
	ctx := context.Background()

	env.sender.errs = []error{failure.New(failure.KindTokenExpired, "session expired")}
	res, err := env.engine.Ingest(ctx, env.comment("c-1", "hello"))
	require.NoError(t, err)
	env.drainQueue(t)

	acct, err := env.repo.GetAccountByID(ctx, env.account.ID)
	require.NoError(t, err)
	assert.True(t, acct.NeedsReconnect)
	assert.Equal(t, models.TriggerFailed, env.trigger(t, res.Created[0]).Status)
}

func TestMarkDelivered(t *testing.T) {
	env := newEnv(t)
	env.campaign(t, models.TriggerComment, models.TriggerConfig{}, delayNodes, delayEdges)
	ctx := context.Background()

	res, err := env.engine.Ingest(ctx, env.comment("c-1", "hello"))
	require.NoError(t, err)
	env.drainQueue(t)

	n, err := env.engine.MarkDelivered(ctx, &models.DeliveryReceipt{MessageIDs: []string{"mid-1", "mid-unknown"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	messages, err := env.repo.ListMessages(ctx, res.Created[0])
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, models.MessageDelivered, messages[0].Status)

	n, err = env.engine.MarkDelivered(ctx, &models.DeliveryReceipt{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestResumeDue(t *testing.T) {
	env := newEnv(t)
	c := env.campaign(t, models.TriggerComment, models.TriggerConfig{}, delayNodes, delayEdges)
	ctx := context.Background()

	_, err := env.engine.Ingest(ctx, env.comment("c-1", "hello"))
	require.NoError(t, err)
	env.drainQueue(t)

	// A trigger whose first work item never made it to the queue.
	source := "c-orphan"
	orphan := &models.Trigger{CampaignID: c.ID, AccountID: env.account.ID, Type: models.TriggerComment,
		SourceID: &source, ActorID: "igsid-2", ActorName: "Grace Hopper", Status: models.TriggerPending}
	created, err := env.repo.InsertTriggerIfAbsent(ctx, orphan)
	require.NoError(t, err)
	require.True(t, created)

	env.now = env.now.Add(time.Hour)
	res, err := env.engine.ResumeDue(ctx, env.now)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Due)
	assert.Equal(t, 1, res.Pending)

	again, err := env.engine.ResumeDue(ctx, env.now)
	require.NoError(t, err)
	assert.Zero(t, again.Enqueued)

	env.drainQueue(t)
	assert.Equal(t, []string{"Hi Ada, here is the guide", "Did it help?", "Hi Grace, here is the guide"}, env.sender.contents())
}

func TestRepeatedFollowIgnored(t *testing.T) {
	env := newEnv(t)
	env.campaign(t, models.TriggerNewFollower, models.TriggerConfig{}, delayNodes, delayEdges)
	ctx := context.Background()

	follow := &models.Event{Type: models.TriggerNewFollower, AccountPlatformID: env.account.PlatformUserID, ActorID: "igsid-5"}
	res, err := env.engine.Ingest(ctx, follow)
	require.NoError(t, err)
	assert.Len(t, res.Created, 1)

	res, err = env.engine.Ingest(ctx, follow)
	require.NoError(t, err)
	assert.Equal(t, "known follower", res.Ignored)
	assert.Empty(t, res.Created)
}

func TestGivenUpResumeFailsTriggerUntilReplay(t *testing.T) {
	env := newEnv(t)
	env.campaign(t, models.TriggerComment, models.TriggerConfig{}, delayNodes, delayEdges)
	ctx := context.Background()

	res, err := env.engine.Ingest(ctx, env.comment("c-1", "hello"))
	require.NoError(t, err)
	id := res.Created[0]
	env.drainQueue(t)

	env.now = env.now.Add(time.Hour)
	items, err := env.repo.Claim(ctx, env.now, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, models.ReasonResume, items[0].Reason)
	require.NoError(t, env.repo.FailWork(ctx, items[0].ID, "database is locked"))
	require.NoError(t, env.engine.WorkFailed(ctx, items[0], fmt.Errorf("database is locked")))

	trig := env.trigger(t, id)
	assert.Equal(t, models.TriggerFailed, trig.Status)
	assert.Contains(t, trig.FailureReason, "database is locked")
	assert.Equal(t, models.AwaitDelay, trig.Awaiting, "wait state kept for replay")

	sweep, err := env.engine.ResumeDue(ctx, env.now)
	require.NoError(t, err)
	assert.Zero(t, sweep.Due, "failed triggers leave the due set")

	_, err = env.engine.Replay(ctx, id)
	require.NoError(t, err)
	sweep, err = env.engine.ResumeDue(ctx, env.now)
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Due)
	assert.Equal(t, 1, sweep.Enqueued, "a replayed wait is not blocked by the failed item")

	env.drainQueue(t)
	assert.Equal(t, []string{"Hi Ada, here is the guide", "Did it help?"}, env.sender.contents())
	assert.Equal(t, models.TriggerCompleted, env.trigger(t, id).Status)

	// Settling a finished trigger changes nothing.
	require.NoError(t, env.engine.WorkFailed(ctx, items[0], fmt.Errorf("late")))
	assert.Equal(t, models.TriggerCompleted, env.trigger(t, id).Status)
}

func TestDeferredSendKeepsReply(t *testing.T) {
	env := newEnv(t)
	c := env.campaign(t, models.TriggerDMKeyword, models.TriggerConfig{Keywords: []string{"guide"}}, buttonNodes, buttonEdges)
	c.HourlyLimit = 1
	ctx := context.Background()
	require.NoError(t, env.repo.UpdateCampaign(ctx, c))

	// The first actor uses up this hour's send.
	_, err := env.engine.Ingest(ctx, env.dm("mid-1", "guide", ""))
	require.NoError(t, err)
	env.drainQueue(t)
	require.Len(t, env.sender.sent, 1)

	second := env.dm("mid-2", "guide", "")
	second.ActorID = "igsid-7"
	res, err := env.engine.Ingest(ctx, second)
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	id := res.Created[0]
	env.drainQueue(t)
	assert.Equal(t, models.AwaitButton, env.trigger(t, id).Awaiting)

	env.now = env.now.Add(time.Minute)
	reply := env.dm("mid-3", "Yes", "yes")
	reply.ActorID = "igsid-7"
	res, err = env.engine.Ingest(ctx, reply)
	require.NoError(t, err)
	require.Equal(t, id, res.RoutedTo)
	env.drainQueue(t)

	// The button is still waiting on the cap, and so is the reply.
	env.now = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	env.drainQueue(t)
	env.now = time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC)
	env.drainQueue(t)

	trig := env.trigger(t, id)
	assert.Equal(t, models.TriggerCompleted, trig.Status)
	messages, err := env.repo.ListMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, models.MessageButton, messages[0].Type)
	assert.Equal(t, models.MessageLink, messages[1].Type)
	for _, m := range messages {
		assert.Equal(t, models.MessageSent, m.Status)
	}
}
