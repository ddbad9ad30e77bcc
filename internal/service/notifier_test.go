package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/winpackhq/winpack/internal/data"
	"github.com/winpackhq/winpack/internal/domain/model"
)

var (
	testSunday = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	testMonday = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
)

type notifierFixture struct {
	results       *mockResultRepo
	webhooks      *mockWebhookRepo
	notifications *mockNotificationRepo
	tenants       *mockTenantRepo
	mailer        *mockMailer
	clock         *data.FixedTimeProvider
	svc           *NotifierService
}

func newNotifierFixture(t *testing.T, now time.Time) *notifierFixture {
	t.Helper()
	f := &notifierFixture{
		results:       &mockResultRepo{},
		webhooks:      &mockWebhookRepo{},
		notifications: &mockNotificationRepo{},
		tenants: &mockTenantRepo{
			tenants: map[string]*model.Tenant{
				"tenant-1": {ID: "tenant-1", UserID: "user-1", Name: "Contoso"},
			},
		},
		mailer: &mockMailer{},
		clock:  data.NewFixedTimeProvider(now),
	}

	delivery, err := NewWebhookDeliveryService(WebhookDeliveryServiceOptions{
		Repo:   f.webhooks,
		Config: notifierConfigForTest(),
	})
	require.NoError(t, err)

	svc, err := NewNotifierService(NotifierServiceOptions{
		Repos: NotifierRepos{
			Results:       f.results,
			Webhooks:      f.webhooks,
			Notifications: f.notifications,
			Tenants:       f.tenants,
		},
		Mailer:       f.mailer,
		Delivery:     delivery,
		Config:       notifierConfigForTest(),
		TimeProvider: f.clock,
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func detection(id, userID, tenantID string, critical bool) *model.UpdateCheckResult {
	return &model.UpdateCheckResult{
		ID:             id,
		UserID:         userID,
		TenantID:       tenantID,
		WingetID:       "Mozilla.Firefox",
		AppName:        "Firefox",
		IntuneAppID:    "intune-1",
		CurrentVersion: "129.0",
		LatestVersion:  "130.0",
		IsCritical:     critical,
	}
}

func TestGroupDetections(t *testing.T) {
	t.Run("buckets per user and tenant preserving order", func(t *testing.T) {
		groups := groupDetections([]*model.UpdateCheckResult{
			detection("det-1", "user-1", "tenant-1", false),
			detection("det-2", "user-2", "tenant-1", false),
			detection("det-3", "user-1", "tenant-1", true),
			detection("det-4", "user-1", "tenant-2", false),
		})

		require.Len(t, groups, 3)
		assert.Equal(t, "user-1", groups[0].userID)
		assert.Equal(t, "tenant-1", groups[0].tenantID)
		assert.Len(t, groups[0].results, 2)
		assert.Equal(t, "user-2", groups[1].userID)
		assert.Equal(t, "tenant-2", groups[2].tenantID)
	})
}

func TestNotifierService_DispatchPending(t *testing.T) {
	t.Run("delivers via webhook and marks notified", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		f := newNotifierFixture(t, testMonday)
		f.results.unnotified = []*model.UpdateCheckResult{
			detection("det-1", "user-1", "tenant-1", true),
			detection("det-2", "user-1", "tenant-1", false),
		}
		f.webhooks.enabledForEvent = []*model.WebhookConfiguration{
			{ID: "wh-1", UserID: "user-1", URL: server.URL, IsEnabled: true},
		}

		dispatched, err := f.svc.DispatchPending(context.Background())

		require.NoError(t, err)
		assert.Equal(t, 2, dispatched)
		require.Len(t, f.results.markedIDs, 1)
		assert.Equal(t, []string{"det-1", "det-2"}, f.results.markedIDs[0])
		assert.Equal(t, testMonday, f.results.markedAt)

		// One history row for the webhook channel.
		require.Len(t, f.notifications.records, 1)
		assert.Equal(t, model.NotificationChannelWebhook, f.notifications.records[0].Channel)
		assert.Equal(t, "sent", f.notifications.records[0].Status)
	})

	t.Run("sends the email digest when the preference allows", func(t *testing.T) {
		f := newNotifierFixture(t, testMonday)
		f.results.unnotified = []*model.UpdateCheckResult{
			detection("det-1", "user-1", "tenant-1", true),
		}
		f.notifications.pref = &model.NotificationPreference{
			UserID:         "user-1",
			Email:          "admin@contoso.com",
			EmailEnabled:   true,
			EmailFrequency: model.EmailFrequencyDaily,
		}

		dispatched, err := f.svc.DispatchPending(context.Background())

		require.NoError(t, err)
		assert.Equal(t, 1, dispatched)
		require.Equal(t, 1, f.mailer.sendCalls)
		assert.Equal(t, "Contoso", f.mailer.lastPayload.TenantName)
		assert.Equal(t, 1, f.mailer.lastPayload.Summary.Critical)
		assert.Equal(t, 1, f.results.markCalls)
	})

	t.Run("weekly digest waits for Sunday", func(t *testing.T) {
		f := newNotifierFixture(t, testMonday)
		f.results.unnotified = []*model.UpdateCheckResult{
			detection("det-1", "user-1", "tenant-1", false),
		}
		f.notifications.pref = &model.NotificationPreference{
			UserID:         "user-1",
			Email:          "admin@contoso.com",
			EmailEnabled:   true,
			EmailFrequency: model.EmailFrequencyWeekly,
		}

		dispatched, err := f.svc.DispatchPending(context.Background())

		require.NoError(t, err)
		assert.Zero(t, dispatched)
		assert.Zero(t, f.mailer.sendCalls)
		assert.Zero(t, f.results.markCalls)

		// The same run on a Sunday delivers and marks.
		f.clock.SetTime(testSunday)
		dispatched, err = f.svc.DispatchPending(context.Background())

		require.NoError(t, err)
		assert.Equal(t, 1, dispatched)
		assert.Equal(t, 1, f.mailer.sendCalls)
		assert.Equal(t, 1, f.results.markCalls)
	})

	t.Run("disabled email leaves detections pending", func(t *testing.T) {
		f := newNotifierFixture(t, testMonday)
		f.results.unnotified = []*model.UpdateCheckResult{
			detection("det-1", "user-1", "tenant-1", false),
		}
		f.notifications.pref = &model.NotificationPreference{
			UserID:       "user-1",
			Email:        "admin@contoso.com",
			EmailEnabled: false,
		}

		dispatched, err := f.svc.DispatchPending(context.Background())

		require.NoError(t, err)
		assert.Zero(t, dispatched)
		assert.Zero(t, f.results.markCalls)
	})

	t.Run("email failure records history and leaves pending", func(t *testing.T) {
		f := newNotifierFixture(t, testMonday)
		f.mailer.sendErr = errors.New("smtp unreachable")
		f.results.unnotified = []*model.UpdateCheckResult{
			detection("det-1", "user-1", "tenant-1", false),
		}
		f.notifications.pref = &model.NotificationPreference{
			UserID:         "user-1",
			Email:          "admin@contoso.com",
			EmailEnabled:   true,
			EmailFrequency: model.EmailFrequencyImmediate,
		}

		dispatched, err := f.svc.DispatchPending(context.Background())

		require.NoError(t, err)
		assert.Zero(t, dispatched)
		assert.Zero(t, f.results.markCalls)
		require.Len(t, f.notifications.records, 1)
		assert.Equal(t, "failed", f.notifications.records[0].Status)
		require.NotNil(t, f.notifications.records[0].ErrorMessage)
	})

	t.Run("no pending detections is a no-op", func(t *testing.T) {
		f := newNotifierFixture(t, testMonday)

		dispatched, err := f.svc.DispatchPending(context.Background())

		require.NoError(t, err)
		assert.Zero(t, dispatched)
	})
}

func TestNotifierService_frequencyAllows(t *testing.T) {
	t.Run("immediate and daily always send", func(t *testing.T) {
		f := newNotifierFixture(t, testMonday)

		assert.True(t, f.svc.frequencyAllows(model.EmailFrequencyImmediate))
		assert.True(t, f.svc.frequencyAllows(model.EmailFrequencyDaily))
	})

	t.Run("weekly sends only on Sundays", func(t *testing.T) {
		f := newNotifierFixture(t, testMonday)
		assert.False(t, f.svc.frequencyAllows(model.EmailFrequencyWeekly))

		f.clock.SetTime(testSunday)
		assert.True(t, f.svc.frequencyAllows(model.EmailFrequencyWeekly))
	})
}
