package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renderd/internal/domain"
)

var testNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

// fakeRepo is an in-memory ResourceRepository. InTx serializes through a
// mutex the way the row lock serializes concurrent admission in Postgres.
type fakeRepo struct {
	mu        sync.Mutex
	resources map[string]*domain.Resource
	tiers     map[string]domain.Tier
	events    []*domain.ResourceEvent
	seq       map[string]int64

	// missNextKeyLookup makes the next FindByIdempotencyKey miss, simulating
	// a concurrent commit that lands between the pre-check and the insert.
	missNextKeyLookup bool

	// afterFind runs once after the next Find, letting a test commit a
	// competing operation between a pre-transaction read and the tx re-read.
	afterFind func()
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		resources: make(map[string]*domain.Resource),
		tiers:     make(map[string]domain.Tier),
		seq:       make(map[string]int64),
	}
}

func rkey(kind domain.ResourceKind, id string) string { return string(kind) + "/" + id }

func (f *fakeRepo) Find(_ context.Context, kind domain.ResourceKind, id string) (*domain.Resource, error) {
	f.mu.Lock()
	r, ok := f.resources[rkey(kind, id)]
	if !ok {
		f.mu.Unlock()
		return nil, domain.ErrNotFound
	}
	cp := *r
	hook := f.afterFind
	f.afterFind = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return &cp, nil
}

func (f *fakeRepo) FindByIdempotencyKey(_ context.Context, kind domain.ResourceKind, triggeredBy, key string) (*domain.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missNextKeyLookup {
		f.missNextKeyLookup = false
		return nil, domain.ErrNotFound
	}
	for _, r := range f.resources {
		if r.Kind == kind && r.TriggeredBy == triggeredBy && r.IdempotencyKey != nil && *r.IdempotencyKey == key {
			cp := *r
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeRepo) InTx(ctx context.Context, fn func(tx domain.ResourceTx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn(&fakeTx{repo: f})
}

type fakeTx struct {
	repo *fakeRepo
}

func (t *fakeTx) Find(_ context.Context, kind domain.ResourceKind, id string) (*domain.Resource, error) {
	r, ok := t.repo.resources[rkey(kind, id)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (t *fakeTx) OwnerTier(_ context.Context, owner domain.OwnerRef) (domain.Tier, error) {
	if tier, ok := t.repo.tiers[owner.ID]; ok {
		return tier, nil
	}
	return domain.TierBase, nil
}

func (t *fakeTx) CountActiveForOwner(_ context.Context, kind domain.ResourceKind, owner domain.OwnerRef) (int, error) {
	n := 0
	for _, r := range t.repo.resources {
		if r.Kind == kind && r.Owner == owner && !r.Terminal() {
			n++
		}
	}
	return n, nil
}

func (t *fakeTx) Create(_ context.Context, r *domain.Resource) error {
	if r.IdempotencyKey != nil {
		for _, existing := range t.repo.resources {
			if existing.TriggeredBy == r.TriggeredBy && existing.IdempotencyKey != nil && *existing.IdempotencyKey == *r.IdempotencyKey {
				return domain.ErrDuplicateKey
			}
		}
	}
	cp := *r
	t.repo.resources[rkey(r.Kind, r.ID)] = &cp
	return nil
}

func (t *fakeTx) Update(_ context.Context, r *domain.Resource) error {
	if _, ok := t.repo.resources[rkey(r.Kind, r.ID)]; !ok {
		return domain.ErrNotFound
	}
	cp := *r
	t.repo.resources[rkey(r.Kind, r.ID)] = &cp
	return nil
}

func (t *fakeTx) AppendEvent(_ context.Context, ev *domain.ResourceEvent) error {
	t.repo.seq[ev.ResourceID]++
	ev.Seq = t.repo.seq[ev.ResourceID]
	cp := *ev
	t.repo.events = append(t.repo.events, &cp)
	return nil
}

type fakeHooks struct {
	hooks []*domain.Webhook
}

func (f *fakeHooks) Find(_ context.Context, id string) (*domain.Webhook, error) {
	for _, h := range f.hooks {
		if h.ID == id {
			return h, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeHooks) ListActiveForOwner(_ context.Context, owner domain.OwnerRef) ([]*domain.Webhook, error) {
	var out []*domain.Webhook
	for _, h := range f.hooks {
		if h.Owner == owner && h.Active {
			out = append(out, h)
		}
	}
	return out, nil
}

type fakeDeliveries struct {
	mu      sync.Mutex
	created []*domain.WebhookDelivery
}

func (f *fakeDeliveries) CreateBatch(_ context.Context, batch []*domain.WebhookDelivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, batch...)
	return nil
}

func (f *fakeDeliveries) Find(_ context.Context, id string) (*domain.WebhookDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.created {
		if d.ID == id {
			cp := *d
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeDeliveries) FindDue(_ context.Context, now time.Time, limit int) ([]*domain.WebhookDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.WebhookDelivery
	for _, d := range f.created {
		if len(out) >= limit {
			break
		}
		cp := *d
		switch d.Status {
		case domain.DeliveryStatusPending:
			out = append(out, &cp)
		case domain.DeliveryStatusRetrying:
			if d.NextRetryAt != nil && !d.NextRetryAt.After(now) {
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (f *fakeDeliveries) Update(_ context.Context, d *domain.WebhookDelivery, expectAttempts int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.created {
		if existing.ID == d.ID {
			if existing.AttemptCount != expectAttempts {
				return false, nil
			}
			cp := *d
			f.created[i] = &cp
			return true, nil
		}
	}
	return false, domain.ErrNotFound
}

type fakeEmitter struct {
	mu    sync.Mutex
	names []string
}

func (f *fakeEmitter) Emit(_ context.Context, name string, _ json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, name)
}

type fakeAuth struct {
	deny map[string]bool
}

func (f *fakeAuth) Can(_ context.Context, actor, action string, _ domain.OwnerRef) bool {
	return !f.deny[action]
}

func newTestService(repo *fakeRepo) (*Resources, *fakeDeliveries, *fakeEmitter) {
	deliveries := &fakeDeliveries{}
	emitter := &fakeEmitter{}
	hooks := &fakeHooks{}
	svc := NewResources(repo, hooks, deliveries, emitter, &fakeAuth{}, zerolog.Nop())
	svc.Now = func() time.Time { return testNow }
	n := 0
	var mu sync.Mutex
	svc.NewID = func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%04d", n)
	}
	return svc, deliveries, emitter
}

func createParams() CreateParams {
	return CreateParams{
		Kind:           domain.ResourceKindJob,
		Owner:          domain.OwnerRef{Kind: domain.OwnerUser, ID: "user-1"},
		TriggeredBy:    "user-1",
		Spec:           json.RawMessage(`{"scene":"intro"}`),
		CreditsCharged: 100,
	}
}

func TestCreateQueuesResource(t *testing.T) {
	repo := newFakeRepo()
	svc, _, emitter := newTestService(repo)

	r, created, err := svc.Create(context.Background(), createParams())
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, domain.ResourceStatusQueued, r.Status)

	stored, err := repo.Find(context.Background(), domain.ResourceKindJob, r.ID)
	require.NoError(t, err)
	require.Equal(t, r.ID, stored.ID)

	require.Len(t, repo.events, 1)
	require.Equal(t, "job.created", repo.events[0].Name)
	require.Equal(t, int64(1), repo.events[0].Seq)
	require.Equal(t, []string{"job.created"}, emitter.names)
}

func TestCreateRejectsMissingSpec(t *testing.T) {
	repo := newFakeRepo()
	svc, _, _ := newTestService(repo)

	p := createParams()
	p.Spec = nil
	_, _, err := svc.Create(context.Background(), p)
	require.True(t, domain.IsValidation(err))
}

func TestCreateIdempotencyReturnsExisting(t *testing.T) {
	repo := newFakeRepo()
	svc, _, _ := newTestService(repo)
	key := "req-42"

	p := createParams()
	p.IdempotencyKey = &key
	first, created, err := svc.Create(context.Background(), p)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := svc.Create(context.Background(), p)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)

	// Only one resource and one created event exist.
	require.Len(t, repo.resources, 1)
	require.Len(t, repo.events, 1)
}

func TestCreateIdempotencyUniqueViolationBackstop(t *testing.T) {
	repo := newFakeRepo()
	svc, _, _ := newTestService(repo)
	key := "req-7"

	p := createParams()
	p.Owner = domain.OwnerRef{Kind: domain.OwnerUser, ID: "user-2"}
	p.TriggeredBy = "user-2"
	p.IdempotencyKey = &key
	winner, _, err := svc.Create(context.Background(), p)
	require.NoError(t, err)
	// Free the admission slot so the replay reaches the insert.
	_, err = svc.Cancel(context.Background(), domain.ResourceKindJob, winner.ID, "user-2")
	require.NoError(t, err)

	// Simulate the race: the pre-check misses, the insert hits the unique
	// index, and the service re-reads the row the other request won with.
	repo.missNextKeyLookup = true
	loser, created, err := svc.Create(context.Background(), p)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, winner.ID, loser.ID)
}

func TestCreateAdmissionLimit(t *testing.T) {
	repo := newFakeRepo()
	svc, _, _ := newTestService(repo)

	_, _, err := svc.Create(context.Background(), createParams())
	require.NoError(t, err)

	_, _, err = svc.Create(context.Background(), createParams())
	require.True(t, domain.IsConflict(err))
	var limitErr *domain.LimitExceededError
	require.ErrorAs(t, err, &limitErr)
	require.Equal(t, "1 active (max 1)", limitErr.Error())
}

func TestCreateAdmissionProTier(t *testing.T) {
	repo := newFakeRepo()
	repo.tiers["user-1"] = domain.TierPro
	svc, _, _ := newTestService(repo)

	for i := 0; i < 5; i++ {
		_, _, err := svc.Create(context.Background(), createParams())
		require.NoError(t, err)
	}
	_, _, err := svc.Create(context.Background(), createParams())
	require.True(t, domain.IsConflict(err))
}

func TestCreateAdmissionFreesAfterTerminal(t *testing.T) {
	repo := newFakeRepo()
	svc, _, _ := newTestService(repo)
	ctx := context.Background()

	r, _, err := svc.Create(ctx, createParams())
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, domain.ResourceKindJob, r.ID, "user-1")
	require.NoError(t, err)

	_, created, err := svc.Create(ctx, createParams())
	require.NoError(t, err)
	require.True(t, created)
}

func TestConcurrentCreationsNeverExceedLimit(t *testing.T) {
	repo := newFakeRepo()
	repo.tiers["user-1"] = domain.TierPro
	svc, _, _ := newTestService(repo)
	ctx := context.Background()

	const attempts = 32
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := svc.Create(ctx, createParams())
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			require.True(t, domain.IsConflict(err))
		}
	}
	require.Equal(t, 5, succeeded)
	require.Len(t, repo.resources, 5)
}

func TestLifecycleOperationsAppendEvents(t *testing.T) {
	repo := newFakeRepo()
	svc, _, emitter := newTestService(repo)
	ctx := context.Background()

	r, _, err := svc.Create(ctx, createParams())
	require.NoError(t, err)

	_, err = svc.Start(ctx, domain.ResourceKindJob, r.ID, "user-1")
	require.NoError(t, err)
	_, err = svc.UpdateProgress(ctx, domain.ResourceKindJob, r.ID, "user-1", 40)
	require.NoError(t, err)
	out, err := svc.Complete(ctx, domain.ResourceKindJob, r.ID, "user-1", json.RawMessage(`{"url":"s3://out"}`), 2048)
	require.NoError(t, err)
	require.Equal(t, domain.ResourceStatusCompleted, out.Status)

	var names []string
	var seqs []int64
	for _, ev := range repo.events {
		names = append(names, ev.Name)
		seqs = append(seqs, ev.Seq)
	}
	assert.Equal(t, []string{"job.created", "job.started", "job.progress", "job.completed"}, names)
	assert.Equal(t, []int64{1, 2, 3, 4}, seqs)
	assert.Equal(t, names, emitter.names)
}

func TestFailRefundIsPersisted(t *testing.T) {
	repo := newFakeRepo()
	svc, _, _ := newTestService(repo)
	ctx := context.Background()

	r, _, err := svc.Create(ctx, createParams())
	require.NoError(t, err)
	_, err = svc.Start(ctx, domain.ResourceKindJob, r.ID, "user-1")
	require.NoError(t, err)
	_, err = svc.UpdateProgress(ctx, domain.ResourceKindJob, r.ID, "user-1", 40)
	require.NoError(t, err)

	out, err := svc.Fail(ctx, domain.ResourceKindJob, r.ID, "user-1", json.RawMessage(`{"message":"boom"}`), domain.FailureValidation)
	require.NoError(t, err)
	require.Equal(t, int64(60), out.CreditsRefunded)

	stored, err := repo.Find(ctx, domain.ResourceKindJob, r.ID)
	require.NoError(t, err)
	require.Equal(t, int64(60), stored.CreditsRefunded)
}

func TestInvalidTransitionSurfacesConflict(t *testing.T) {
	repo := newFakeRepo()
	svc, _, _ := newTestService(repo)
	ctx := context.Background()

	r, _, err := svc.Create(ctx, createParams())
	require.NoError(t, err)

	_, err = svc.Complete(ctx, domain.ResourceKindJob, r.ID, "user-1", json.RawMessage(`{}`), 1)
	require.True(t, domain.IsConflict(err))
}

func TestUnauthorizedMutation(t *testing.T) {
	repo := newFakeRepo()
	svc, _, _ := newTestService(repo)
	svc.Auth = &fakeAuth{deny: map[string]bool{"cancel": true}}
	ctx := context.Background()

	r, _, err := svc.Create(ctx, createParams())
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, domain.ResourceKindJob, r.ID, "someone-else")
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestWebhookFanOut(t *testing.T) {
	repo := newFakeRepo()
	svc, deliveries, _ := newTestService(repo)
	owner := domain.OwnerRef{Kind: domain.OwnerUser, ID: "user-1"}
	svc.Hooks = &fakeHooks{hooks: []*domain.Webhook{
		{ID: "wh-all", Owner: owner, Active: true},
		{ID: "wh-completed", Owner: owner, Active: true, Events: []string{"job.completed"}},
		{ID: "wh-inactive", Owner: owner, Active: false},
		{ID: "wh-other", Owner: domain.OwnerRef{Kind: domain.OwnerUser, ID: "user-9"}, Active: true},
	}}
	ctx := context.Background()

	r, _, err := svc.Create(ctx, createParams())
	require.NoError(t, err)
	require.Len(t, deliveries.created, 1) // only wh-all matches job.created
	require.Equal(t, "wh-all", deliveries.created[0].WebhookID)

	_, err = svc.Start(ctx, domain.ResourceKindJob, r.ID, "user-1")
	require.NoError(t, err)
	_, err = svc.Complete(ctx, domain.ResourceKindJob, r.ID, "user-1", json.RawMessage(`{"ok":1}`), 1)
	require.NoError(t, err)

	var events []string
	for _, d := range deliveries.created {
		events = append(events, d.WebhookID+":"+d.EventType)
		require.Equal(t, domain.DeliveryStatusPending, d.Status)
		require.Equal(t, domain.DefaultMaxDeliveryAttempts, d.MaxAttempts)
	}
	assert.Equal(t, []string{
		"wh-all:job.created",
		"wh-all:job.started",
		"wh-all:job.completed",
		"wh-completed:job.completed",
	}, events)
}

func TestCreateProjectBoundRequiresTeam(t *testing.T) {
	repo := newFakeRepo()
	svc, _, _ := newTestService(repo)
	projectID := "proj-1"

	p := createParams()
	p.ProjectID = &projectID
	_, _, err := svc.Create(context.Background(), p)
	require.True(t, domain.IsValidation(err))
	require.ErrorIs(t, err, domain.ErrOwnerNotTeam)

	p.Owner = domain.OwnerRef{Kind: domain.OwnerTeam, ID: "team-1"}
	p.TriggeredBy = "user-1"
	_, created, err := svc.Create(context.Background(), p)
	require.NoError(t, err)
	require.True(t, created)
}

func TestGenerationUsesSameLifecycle(t *testing.T) {
	repo := newFakeRepo()
	svc, _, _ := newTestService(repo)
	ctx := context.Background()

	p := createParams()
	p.Kind = domain.ResourceKindGeneration
	r, _, err := svc.Create(ctx, p)
	require.NoError(t, err)

	_, err = svc.Start(ctx, domain.ResourceKindGeneration, r.ID, "user-1")
	require.NoError(t, err)
	out, err := svc.Cancel(ctx, domain.ResourceKindGeneration, r.ID, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(90), out.CreditsRefunded)
	require.Equal(t, "generation.created", repo.events[0].Name)
}

func TestStaleTerminalTransitionLosesToCommittedOne(t *testing.T) {
	repo := newFakeRepo()
	svc, _, _ := newTestService(repo)
	ctx := context.Background()

	r, _, err := svc.Create(ctx, createParams())
	require.NoError(t, err)
	_, err = svc.Start(ctx, domain.ResourceKindJob, r.ID, "user-1")
	require.NoError(t, err)

	// Commit a cancel between Fail's pre-transaction read and its tx re-read.
	repo.afterFind = func() {
		_, err := svc.Cancel(ctx, domain.ResourceKindJob, r.ID, "user-1")
		require.NoError(t, err)
	}

	_, err = svc.Fail(ctx, domain.ResourceKindJob, r.ID, "user-1", json.RawMessage(`{"message":"boom"}`), domain.FailureSystem)
	require.True(t, domain.IsConflict(err))

	final, err := repo.Find(ctx, domain.ResourceKindJob, r.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ResourceStatusCanceled, final.Status)
	require.Equal(t, int64(90), final.CreditsRefunded)

	var names []string
	for _, ev := range repo.events {
		names = append(names, ev.Name)
	}
	require.Equal(t, []string{"job.created", "job.started", "job.canceled"}, names)
}

func TestConcurrentTerminalTransitionsExactlyOneWins(t *testing.T) {
	repo := newFakeRepo()
	svc, _, _ := newTestService(repo)
	ctx := context.Background()

	r, _, err := svc.Create(ctx, createParams())
	require.NoError(t, err)
	_, err = svc.Start(ctx, domain.ResourceKindJob, r.ID, "user-1")
	require.NoError(t, err)

	const attempts = 16
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, errs[i] = svc.Cancel(ctx, domain.ResourceKindJob, r.ID, "user-1")
			} else {
				_, errs[i] = svc.Fail(ctx, domain.ResourceKindJob, r.ID, "user-1", nil, domain.FailureSystem)
			}
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			require.True(t, domain.IsConflict(err))
		}
	}
	require.Equal(t, 1, succeeded)

	final, err := repo.Find(ctx, domain.ResourceKindJob, r.ID)
	require.NoError(t, err)
	require.True(t, final.Terminal())
	switch final.Status {
	case domain.ResourceStatusCanceled:
		require.Equal(t, int64(90), final.CreditsRefunded)
	case domain.ResourceStatusFailed:
		require.Equal(t, int64(100), final.CreditsRefunded)
	default:
		t.Fatalf("unexpected final status %q", final.Status)
	}
	// created, started, and exactly one terminal event.
	require.Len(t, repo.events, 3)
}
