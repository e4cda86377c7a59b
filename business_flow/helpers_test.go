package businessflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/amirphl/orochi-dispatch/app/services"
	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/repository"
	testingutil "github.com/amirphl/orochi-dispatch/testing"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// recordingQueue stores jobs instead of running them so tests drive Deliver directly
type recordingQueue struct {
	mu   sync.Mutex
	jobs []businessflow.DispatchJob
	err  error
}

func (q *recordingQueue) Enqueue(job businessflow.DispatchJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) Jobs() []businessflow.DispatchJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]businessflow.DispatchJob, len(q.jobs))
	copy(out, q.jobs)
	return out
}

func (q *recordingQueue) Last(t *testing.T) businessflow.DispatchJob {
	jobs := q.Jobs()
	require.NotEmpty(t, jobs)
	return jobs[len(jobs)-1]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []services.MessageStatusChanged
}

func (p *recordingPublisher) Publish(ctx context.Context, event services.MessageStatusChanged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Has(uuid string, status models.MessageStatus) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e.MessageUUID == uuid && e.NewStatus == status {
			return true
		}
	}
	return false
}

type harness struct {
	fixtures    *testingutil.TestFixtures
	accountRepo repository.AccountRepository
	messageRepo repository.MessageRepository
	ledgerRepo  repository.BalanceTransactionRepository
	policy      businessflow.AccountPolicy
	registry    *services.AdapterRegistry
	sms         *services.MockAdapter
	unofficial  *services.MockAdapter
	official    *services.MockAdapter
	queue       *recordingQueue
	publisher   *recordingPublisher
	clock       *clockwork.FakeClock
	flow        businessflow.DispatchFlow
	reconciler  businessflow.StatusReconciler
}

// newHarness wires the flows against testDB with mock adapters for the ready channels
func newHarness(t *testing.T, testDB *testingutil.TestDB, ready ...models.Channel) *harness {
	t.Helper()

	h := &harness{
		fixtures:    testingutil.NewTestFixtures(testDB),
		accountRepo: repository.NewAccountRepository(testDB.DB),
		messageRepo: repository.NewMessageRepository(testDB.DB),
		ledgerRepo:  repository.NewBalanceTransactionRepository(testDB.DB),
		registry:    services.NewAdapterRegistry(),
		sms:         services.NewMockAdapter(models.ChannelSMS),
		unofficial:  services.NewMockAdapter(models.ChannelWhatsappUnofficial),
		official:    services.NewMockAdapter(models.ChannelWhatsappOfficial),
		queue:       &recordingQueue{},
		publisher:   &recordingPublisher{},
		clock:       clockwork.NewFakeClockAt(time.Now().UTC()),
	}

	for _, ch := range ready {
		var adapter *services.MockAdapter
		switch ch {
		case models.ChannelSMS:
			adapter = h.sms
		case models.ChannelWhatsappUnofficial:
			adapter = h.unofficial
		case models.ChannelWhatsappOfficial:
			adapter = h.official
		}
		require.NoError(t, h.registry.Register(adapter, services.AdapterConfig{}))
	}

	logger := zerolog.Nop()
	locker := businessflow.NewLocalMessageLocker()
	h.policy = businessflow.NewAccountPolicy(h.accountRepo, h.messageRepo, h.ledgerRepo, testDB.DB, h.clock, time.UTC, logger)
	h.flow = businessflow.NewDispatchFlow(
		h.accountRepo,
		h.messageRepo,
		h.policy,
		h.registry,
		h.queue,
		locker,
		h.publisher,
		testDB.DB,
		h.clock,
		200*time.Millisecond,
		logger,
	)
	h.reconciler = businessflow.NewStatusReconciler(
		h.messageRepo,
		h.accountRepo,
		h.registry,
		locker,
		h.publisher,
		h.clock,
		businessflow.ReconcilerOptions{BatchSize: 100, BatchBudget: 5 * time.Second, LockWait: 200 * time.Millisecond},
		logger,
	)
	return h
}

func (h *harness) reloadAccount(t *testing.T, id uint) *models.Account {
	t.Helper()
	account, err := h.accountRepo.ByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, account)
	return account
}

func (h *harness) reloadMessage(t *testing.T, id uint) *models.Message {
	t.Helper()
	message, err := h.messageRepo.ByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, message)
	return message
}

func (h *harness) ledger(t *testing.T, accountID uint) []*models.BalanceTransaction {
	t.Helper()
	rows, err := h.ledgerRepo.ListByAccount(context.Background(), accountID, nil, nil)
	require.NoError(t, err)
	return rows
}

func failingSend(kind services.AdapterErrorKind, channel models.Channel) func(string, string, services.SendOptions) services.SendResult {
	return func(string, string, services.SendOptions) services.SendResult {
		return services.SendResult{Err: services.NewAdapterError(kind, channel, 503, "simulated", errors.New("upstream down"))}
	}
}

func withDB(t *testing.T, fn func(testDB *testingutil.TestDB)) {
	t.Helper()
	err := testingutil.TestWithDB(func(testDB *testingutil.TestDB) error {
		fn(testDB)
		return nil
	})
	require.NoError(t, err)
}
