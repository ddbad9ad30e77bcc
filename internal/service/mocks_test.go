package service

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/winpackhq/winpack/internal/core"
	"github.com/winpackhq/winpack/internal/data"
	"github.com/winpackhq/winpack/internal/domain/model"
)

// Hand-rolled mocks shared by the service tests. Zero values behave like a
// healthy repository; tests inject errors or canned rows per case.

type mockJobRepo struct {
	mu sync.Mutex

	createCalls int
	created     []*model.PackagingJob
	createErr   error

	jobs   map[string]*model.PackagingJob
	getErr error

	claimNextFn func(ctx context.Context, params core.ClaimNextParams) (*model.PackagingJob, error)

	recoverStaleCalls int
	recoverStaleCount int64
	recoverStaleErr   error

	heartbeatCalls    int
	heartbeatRejected bool
	heartbeatErr      error

	progressCalls   int
	progressUpdates []model.JobProgressUpdate
	progressErr     error

	finalizeCalls    int
	finalizeOutcomes []model.JobOutcome
	finalizeNoop     bool
	finalizeErr      error

	failCalls  int
	failParams []core.FailJobParams
	failNoop   bool
	failErr    error

	cancelCalls int
	cancelNoop  bool
	cancelErr   error

	stats    *model.JobStats
	statsErr error

	deleteCalls  int
	deleteMaxAge time.Duration
	deleteCount  int64
	deleteErr    error
}

func (m *mockJobRepo) Create(_ context.Context, req *model.CreatePackagingJobRequest) (*model.PackagingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	if m.createErr != nil {
		return nil, m.createErr
	}
	job := &model.PackagingJob{
		ID:            "job-" + strconv.Itoa(m.createCalls),
		UserID:        req.UserID,
		TenantID:      req.TenantID,
		WingetID:      req.WingetID,
		AppName:       req.AppName,
		TargetVersion: req.TargetVersion,
		BatchItemID:   req.BatchItemID,
		Status:        model.JobStatusQueued,
	}
	m.created = append(m.created, job)
	return job, nil
}

func (m *mockJobRepo) GetByID(_ context.Context, id string) (*model.PackagingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	if job, ok := m.jobs[id]; ok {
		return job, nil
	}
	return nil, data.ErrJobNotFound
}

func (m *mockJobRepo) ClaimNext(ctx context.Context, params core.ClaimNextParams) (*model.PackagingJob, error) {
	if m.claimNextFn != nil {
		return m.claimNextFn(ctx, params)
	}
	return nil, model.ErrNoJobsAvailable
}

func (m *mockJobRepo) RecoverStale(_ context.Context, _ time.Time, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoverStaleCalls++
	return m.recoverStaleCount, m.recoverStaleErr
}

func (m *mockJobRepo) Heartbeat(_ context.Context, _, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeatCalls++
	if m.heartbeatErr != nil {
		return false, m.heartbeatErr
	}
	return !m.heartbeatRejected, nil
}

func (m *mockJobRepo) UpdateProgress(_ context.Context, _ string, update model.JobProgressUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progressCalls++
	if m.progressErr != nil {
		return false, m.progressErr
	}
	m.progressUpdates = append(m.progressUpdates, update)
	return true, nil
}

func (m *mockJobRepo) Finalize(_ context.Context, outcome model.JobOutcome, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalizeCalls++
	if m.finalizeErr != nil {
		return false, m.finalizeErr
	}
	if m.finalizeNoop {
		return false, nil
	}
	m.finalizeOutcomes = append(m.finalizeOutcomes, outcome)
	return true, nil
}

func (m *mockJobRepo) Fail(_ context.Context, params core.FailJobParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCalls++
	if m.failErr != nil {
		return false, m.failErr
	}
	if m.failNoop {
		return false, nil
	}
	m.failParams = append(m.failParams, params)
	return true, nil
}

func (m *mockJobRepo) Cancel(_ context.Context, _ string, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelCalls++
	if m.cancelErr != nil {
		return false, m.cancelErr
	}
	return !m.cancelNoop, nil
}

func (m *mockJobRepo) Stats(_ context.Context, _ string) (*model.JobStats, error) {
	if m.statsErr != nil {
		return nil, m.statsErr
	}
	if m.stats != nil {
		return m.stats, nil
	}
	return &model.JobStats{}, nil
}

func (m *mockJobRepo) DeleteTerminalOlderThan(_ context.Context, maxAge time.Duration, _ int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls++
	m.deleteMaxAge = maxAge
	return m.deleteCount, m.deleteErr
}

type mockBatchRepo struct {
	createCalls int
	createErr   error

	batches map[string]*model.BatchDeployment
	getErr  error

	listByStatus map[model.BatchStatus][]*model.BatchDeployment
	listErr      error

	startCalls  int
	startTotals []int
	startNoop   bool
	startErr    error

	itemSeq       int
	createdItems  []*model.BatchItem
	createItemErr error

	attachCalls int
	attached    map[string]string
	attachErr   error

	itemsByBatch map[string][]*model.BatchItem

	recordCalls   int
	recordParams  []core.RecordItemOutcomeParams
	recordBatchID string
	recordErr     error

	failItemCalls    int
	failItemMessages []string
	failItemErr      error

	stuckItems []*model.BatchItem
	stuckErr   error

	completeCalls int
	completeNoop  bool
	completeErr   error

	failBatchCalls   int
	failBatchReasons []string
	failBatchErr     error

	auditEntries []*model.BatchAuditEntry
	auditErr     error
}

func (m *mockBatchRepo) Create(_ context.Context, req *model.CreateBatchRequest) (*model.BatchDeployment, error) {
	m.createCalls++
	if m.createErr != nil {
		return nil, m.createErr
	}
	batch := &model.BatchDeployment{
		ID:            "batch-" + strconv.Itoa(m.createCalls),
		UserID:        req.UserID,
		WingetID:      req.WingetID,
		AppName:       req.AppName,
		TargetVersion: req.TargetVersion,
		Status:        model.BatchStatusPending,
	}
	if m.batches == nil {
		m.batches = make(map[string]*model.BatchDeployment)
	}
	m.batches[batch.ID] = batch
	return batch, nil
}

func (m *mockBatchRepo) GetByID(_ context.Context, id string) (*model.BatchDeployment, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	if batch, ok := m.batches[id]; ok {
		return batch, nil
	}
	return nil, data.ErrBatchNotFound
}

func (m *mockBatchRepo) ListByStatus(_ context.Context, status model.BatchStatus, _ int) ([]*model.BatchDeployment, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.listByStatus[status], nil
}

func (m *mockBatchRepo) StartBatch(_ context.Context, _ string, totalTenants int) (bool, error) {
	m.startCalls++
	if m.startErr != nil {
		return false, m.startErr
	}
	if m.startNoop {
		return false, nil
	}
	m.startTotals = append(m.startTotals, totalTenants)
	return true, nil
}

func (m *mockBatchRepo) CreateItem(_ context.Context, item *model.BatchItem) (*model.BatchItem, error) {
	if m.createItemErr != nil {
		return nil, m.createItemErr
	}
	m.itemSeq++
	created := *item
	created.ID = "item-" + strconv.Itoa(m.itemSeq)
	m.createdItems = append(m.createdItems, &created)
	return &created, nil
}

func (m *mockBatchRepo) AttachJob(_ context.Context, itemID, jobID string) (bool, error) {
	m.attachCalls++
	if m.attachErr != nil {
		return false, m.attachErr
	}
	if m.attached == nil {
		m.attached = make(map[string]string)
	}
	m.attached[itemID] = jobID
	return true, nil
}

func (m *mockBatchRepo) ListItems(_ context.Context, batchID string) ([]*model.BatchItem, error) {
	return m.itemsByBatch[batchID], nil
}

func (m *mockBatchRepo) RecordItemOutcome(_ context.Context, params core.RecordItemOutcomeParams) (string, error) {
	m.recordCalls++
	if m.recordErr != nil {
		return "", m.recordErr
	}
	m.recordParams = append(m.recordParams, params)
	return m.recordBatchID, nil
}

func (m *mockBatchRepo) FailItem(_ context.Context, _, message string) (string, error) {
	m.failItemCalls++
	if m.failItemErr != nil {
		return "", m.failItemErr
	}
	m.failItemMessages = append(m.failItemMessages, message)
	return m.recordBatchID, nil
}

func (m *mockBatchRepo) ListStuckItems(_ context.Context, _ time.Time) ([]*model.BatchItem, error) {
	if m.stuckErr != nil {
		return nil, m.stuckErr
	}
	return m.stuckItems, nil
}

func (m *mockBatchRepo) CompleteBatch(_ context.Context, _ string, _ model.BatchStatus) (bool, error) {
	m.completeCalls++
	if m.completeErr != nil {
		return false, m.completeErr
	}
	return !m.completeNoop, nil
}

func (m *mockBatchRepo) FailBatch(_ context.Context, _, reason string) (bool, error) {
	m.failBatchCalls++
	if m.failBatchErr != nil {
		return false, m.failBatchErr
	}
	m.failBatchReasons = append(m.failBatchReasons, reason)
	return true, nil
}

func (m *mockBatchRepo) AppendAudit(_ context.Context, entry *model.BatchAuditEntry) error {
	if m.auditErr != nil {
		return m.auditErr
	}
	m.auditEntries = append(m.auditEntries, entry)
	return nil
}

type mockPolicyRepo struct {
	policies map[model.PolicyKey]*model.AppUpdatePolicy
	getErr   error

	listErr error

	recordCalls  int
	recordParams []core.RecordAutoUpdateParams
	recordErr    error
}

func (m *mockPolicyRepo) Upsert(_ context.Context, policy *model.AppUpdatePolicy) (*model.AppUpdatePolicy, error) {
	return policy, nil
}

func (m *mockPolicyRepo) GetByKey(_ context.Context, key model.PolicyKey) (*model.AppUpdatePolicy, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	if policy, ok := m.policies[key]; ok {
		return policy, nil
	}
	return nil, data.ErrPolicyNotFound
}

func (m *mockPolicyRepo) ListByTypes(_ context.Context, types []model.PolicyType) ([]*model.AppUpdatePolicy, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	wanted := make(map[model.PolicyType]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}
	var out []*model.AppUpdatePolicy
	for _, policy := range m.policies {
		if policy.IsEnabled && wanted[policy.PolicyType] {
			out = append(out, policy)
		}
	}
	return out, nil
}

func (m *mockPolicyRepo) RecordAutoUpdateResult(_ context.Context, params core.RecordAutoUpdateParams) error {
	m.recordCalls++
	if m.recordErr != nil {
		return m.recordErr
	}
	m.recordParams = append(m.recordParams, params)
	return nil
}

type mockResultRepo struct {
	upsertCalls int
	upserted    []*model.UpdateCheckResult
	upsertErr   error

	unnotified []*model.UpdateCheckResult
	listErr    error

	markCalls int
	markedIDs [][]string
	markedAt  time.Time
	markErr   error

	purgeCalls  int
	purgeCutoff time.Time
	purgeCount  int64
	purgeErr    error
}

func (m *mockResultRepo) Upsert(_ context.Context, result *model.UpdateCheckResult) (*model.UpdateCheckResult, error) {
	m.upsertCalls++
	if m.upsertErr != nil {
		return nil, m.upsertErr
	}
	stored := *result
	stored.ID = "det-" + strconv.Itoa(m.upsertCalls)
	m.upserted = append(m.upserted, &stored)
	return &stored, nil
}

func (m *mockResultRepo) ListUnnotified(_ context.Context, _ int) ([]*model.UpdateCheckResult, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.unnotified, nil
}

func (m *mockResultRepo) MarkNotified(_ context.Context, ids []string, now time.Time) error {
	m.markCalls++
	if m.markErr != nil {
		return m.markErr
	}
	m.markedIDs = append(m.markedIDs, ids)
	m.markedAt = now
	return nil
}

func (m *mockResultRepo) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.purgeCalls++
	m.purgeCutoff = cutoff
	return m.purgeCount, m.purgeErr
}

type mockTenantRepo struct {
	tenants map[string]*model.Tenant
	getErr  error

	deployable    map[string][]*model.Tenant
	deployableErr error

	appsByTenant map[string][]*model.DeployedApp
	appsErr      error

	candidateUserIDs []string
	candidatesErr    error
}

func (m *mockTenantRepo) GetByID(_ context.Context, id string) (*model.Tenant, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	if tenant, ok := m.tenants[id]; ok {
		return tenant, nil
	}
	return nil, data.ErrTenantNotFound
}

func (m *mockTenantRepo) ListDeployable(_ context.Context, userID string) ([]*model.Tenant, error) {
	if m.deployableErr != nil {
		return nil, m.deployableErr
	}
	return m.deployable[userID], nil
}

func (m *mockTenantRepo) ListDeployedApps(_ context.Context, _, tenantID string) ([]*model.DeployedApp, error) {
	if m.appsErr != nil {
		return nil, m.appsErr
	}
	return m.appsByTenant[tenantID], nil
}

func (m *mockTenantRepo) ListCandidateUserIDs(_ context.Context) ([]string, error) {
	if m.candidatesErr != nil {
		return nil, m.candidatesErr
	}
	return m.candidateUserIDs, nil
}

type mockWebhookRepo struct {
	mu sync.Mutex

	webhooks map[string]*model.WebhookConfiguration
	getErr   error

	enabledForEvent []*model.WebhookConfiguration
	listErr         error

	deliverySeq       int
	createdDeliveries []*model.WebhookDelivery
	createDeliveryErr error

	due        []*model.WebhookDelivery
	listDueErr error

	attemptParams []core.RecordDeliveryAttemptParams
	attemptErr    error
	maxAttempts   int

	deleteCalls int
	deleteCount int64
	deleteErr   error
}

func (m *mockWebhookRepo) Create(_ context.Context, cfg *model.WebhookConfiguration) (*model.WebhookConfiguration, error) {
	return cfg, nil
}

func (m *mockWebhookRepo) GetByID(_ context.Context, id string) (*model.WebhookConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	if webhook, ok := m.webhooks[id]; ok {
		return webhook, nil
	}
	return nil, data.ErrWebhookNotFound
}

func (m *mockWebhookRepo) ListEnabledForEvent(_ context.Context, _ string, _ model.WebhookEventType) ([]*model.WebhookConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.enabledForEvent, nil
}

func (m *mockWebhookRepo) CreateDelivery(_ context.Context, delivery *model.WebhookDelivery) (*model.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createDeliveryErr != nil {
		return nil, m.createDeliveryErr
	}
	m.deliverySeq++
	created := *delivery
	created.ID = "delivery-" + strconv.Itoa(m.deliverySeq)
	created.Status = model.DeliveryStatusPending
	created.MaxAttempts = m.maxAttemptsOrDefault()
	m.createdDeliveries = append(m.createdDeliveries, &created)
	return &created, nil
}

func (m *mockWebhookRepo) maxAttemptsOrDefault() int {
	if m.maxAttempts > 0 {
		return m.maxAttempts
	}
	return 3
}

func (m *mockWebhookRepo) GetDelivery(_ context.Context, id string) (*model.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, delivery := range m.createdDeliveries {
		if delivery.ID == id {
			return delivery, nil
		}
	}
	return nil, data.ErrDeliveryNotFound
}

func (m *mockWebhookRepo) ListDueDeliveries(_ context.Context, _ time.Time, _ int) ([]*model.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listDueErr != nil {
		return nil, m.listDueErr
	}
	return m.due, nil
}

func (m *mockWebhookRepo) RecordAttempt(_ context.Context, params core.RecordDeliveryAttemptParams) (*model.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attemptErr != nil {
		return nil, m.attemptErr
	}
	m.attemptParams = append(m.attemptParams, params)

	updated := &model.WebhookDelivery{
		ID:          params.DeliveryID,
		Attempts:    len(m.attemptParams),
		MaxAttempts: m.maxAttemptsOrDefault(),
		Status:      model.DeliveryStatusPending,
	}
	if params.Success {
		updated.Status = model.DeliveryStatusSuccess
	} else if updated.Attempts > updated.MaxAttempts {
		// Attempts 1..max schedule retries; the one after is terminal.
		updated.Status = model.DeliveryStatusFailed
	}
	return updated, nil
}

func (m *mockWebhookRepo) DeleteTerminalOlderThan(_ context.Context, _ time.Duration, _ int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls++
	return m.deleteCount, m.deleteErr
}

func (m *mockWebhookRepo) recordedAttempts() []core.RecordDeliveryAttemptParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.RecordDeliveryAttemptParams(nil), m.attemptParams...)
}

type mockNotificationRepo struct {
	records   []*model.NotificationRecord
	appendErr error

	pref    *model.NotificationPreference
	prefErr error
}

func (m *mockNotificationRepo) Append(_ context.Context, record *model.NotificationRecord) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.records = append(m.records, record)
	return nil
}

func (m *mockNotificationRepo) GetPreference(_ context.Context, _ string) (*model.NotificationPreference, error) {
	if m.prefErr != nil {
		return nil, m.prefErr
	}
	if m.pref != nil {
		return m.pref, nil
	}
	return &model.NotificationPreference{}, nil
}

type mockCatalog struct {
	latest    map[string]model.CatalogEntry
	latestErr error

	installers     map[string]*model.InstallerMetadata
	installerCalls int
	installerErr   error
}

func (m *mockCatalog) LatestVersions(_ context.Context) (map[string]model.CatalogEntry, error) {
	if m.latestErr != nil {
		return nil, m.latestErr
	}
	return m.latest, nil
}

func (m *mockCatalog) InstallerFor(_ context.Context, wingetID, version string) (*model.InstallerMetadata, error) {
	m.installerCalls++
	if m.installerErr != nil {
		return nil, m.installerErr
	}
	if installer, ok := m.installers[wingetID+"@"+version]; ok {
		return installer, nil
	}
	return nil, data.ErrInstallerNotFound
}

type mockMailer struct {
	sendCalls   int
	lastPref    *model.NotificationPreference
	lastPayload *model.WebhookPayload
	sendErr     error
}

func (m *mockMailer) SendUpdateDigest(_ context.Context, pref *model.NotificationPreference, payload *model.WebhookPayload) error {
	m.sendCalls++
	if m.sendErr != nil {
		return m.sendErr
	}
	m.lastPref = pref
	m.lastPayload = payload
	return nil
}

type mockJobHandler struct {
	mu        sync.Mutex
	calls     int
	executeFn func(ctx context.Context, job *model.PackagingJob, progress func(model.JobProgressUpdate)) error
}

func (m *mockJobHandler) Execute(ctx context.Context, job *model.PackagingJob, progress func(model.JobProgressUpdate)) error {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.executeFn != nil {
		return m.executeFn(ctx, job, progress)
	}
	return nil
}

func (m *mockJobHandler) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockBatchEvents struct {
	published []*model.BatchDeployment
}

func (m *mockBatchEvents) PublishBatchCompleted(_ context.Context, batch *model.BatchDeployment) {
	m.published = append(m.published, batch)
}
