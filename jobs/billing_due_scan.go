package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hibiken/asynq"

	"github.com/coachdesk/coachdesk/internal/billing/reports"
	jobmetrics "github.com/coachdesk/coachdesk/internal/jobs"
)

// TaskBillingDueScan scans for plans coming due and queues reminder emails.
const TaskBillingDueScan = "billing:due_scan"

// DueScanPayload parameterises a due scan.
type DueScanPayload struct {
	WithinDays int `json:"within_days"`
}

// NewBillingDueScanTask builds the scan task.
func NewBillingDueScanTask(withinDays int) (*asynq.Task, error) {
	data, err := json.Marshal(DueScanPayload{WithinDays: withinDays})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBillingDueScan, data), nil
}

// DueLister lists plans due within a window. Today is the billing calendar
// date the window starts from.
type DueLister interface {
	DueSoon(ctx context.Context, days int) ([]reports.DueClient, error)
	Today() time.Time
}

// minReminderRetention keeps a delivered reminder's task id reserved at least this long.
const minReminderRetention = time.Hour

// EmailEnqueuer queues outgoing mail.
type EmailEnqueuer interface {
	EnqueueSendEmail(ctx context.Context, payload SendEmailPayload, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// DueScanJob turns upcoming due dates into reminder emails, at most one per client and due date.
type DueScanJob struct {
	Reports     DueLister
	Mail        EmailEnqueuer
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	DefaultDays int
	// Now defaults to time.Now. Used for task retention only.
	Now func() time.Time
}

// NewDueScanJob wires dependencies for the scan handler.
func NewDueScanJob(lister DueLister, mail EmailEnqueuer, logger *slog.Logger, metrics *jobmetrics.Metrics, defaultDays int) *DueScanJob {
	return &DueScanJob{Reports: lister, Mail: mail, Logger: logger, Metrics: metrics, DefaultDays: defaultDays}
}

// Handle processes TaskBillingDueScan tasks.
func (j *DueScanJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Reports == nil || j.Mail == nil {
		return errors.New("billing due scan: handler not configured")
	}
	var payload DueScanPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("billing due scan: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	if payload.WithinDays <= 0 {
		payload.WithinDays = j.DefaultDays
	}

	tracker := j.Metrics.Track(TaskBillingDueScan)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Int("within_days", payload.WithinDays))
	due, err := j.Reports.DueSoon(ctx, payload.WithinDays)
	if err != nil {
		logger.Error("list due plans", slog.Any("error", err))
		return err
	}

	today := j.Reports.Today()
	now := time.Now()
	if j.Now != nil {
		now = j.Now()
	}

	var enqueued, duplicates, overdue, failed int
	for _, client := range due {
		if client.NextDueDate.Before(today) {
			// Reminded before the due date; collection of overdue plans is not a mail concern.
			overdue++
			continue
		}
		msg := reminderEmail(client, today)
		_, err := j.Mail.EnqueueSendEmail(ctx, msg,
			asynq.TaskID(reminderTaskID(client)),
			asynq.Retention(reminderRetention(client.NextDueDate, now)),
			asynq.MaxRetry(5),
		)
		switch {
		case err == nil:
			enqueued++
		case errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask):
			duplicates++
		default:
			failed++
			logger.Warn("enqueue reminder", slog.Int64("client_id", client.ClientID), slog.Any("error", err))
		}
	}
	j.Metrics.AddReminders("enqueued", enqueued)
	j.Metrics.AddReminders("duplicate", duplicates)
	j.Metrics.AddReminders("failed", failed)
	j.Metrics.AddReminders("overdue", overdue)
	logger.Info("billing due scan completed",
		slog.Int("due", len(due)),
		slog.Int("enqueued", enqueued),
		slog.Int("duplicates", duplicates),
		slog.Int("overdue", overdue),
		slog.Int("failed", failed),
	)
	if failed > 0 {
		return fmt.Errorf("billing due scan: %d reminders not queued", failed)
	}
	return nil
}

func (j *DueScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func reminderTaskID(c reports.DueClient) string {
	return "billing-reminder:" + strconv.FormatInt(c.ClientID, 10) + ":" + c.NextDueDate.Format(time.DateOnly)
}

// reminderRetention keeps the task id taken until the due date is over in every timezone,
// so later scans inside the same window see a conflict instead of mailing again.
func reminderRetention(due, now time.Time) time.Duration {
	retention := due.Add(48 * time.Hour).Sub(now)
	if retention < minReminderRetention {
		return minReminderRetention
	}
	return retention
}

func reminderEmail(c reports.DueClient, today time.Time) SendEmailPayload {
	date := c.NextDueDate.Format(time.DateOnly)
	var when string
	switch {
	case !c.NextDueDate.After(today):
		when = "is due today (" + date + ")"
	case c.NextDueDate.Equal(today.AddDate(0, 0, 1)):
		when = "is due tomorrow (" + date + ")"
	default:
		when = "is due on " + date
	}
	return SendEmailPayload{
		To:      c.Email,
		Subject: "Payment reminder",
		Body: fmt.Sprintf("Hi %s,\n\nyour %s coaching payment of %s %s.\n",
			c.Name, c.Frequency, c.Amount.StringFixed(2), when),
	}
}
