package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachdesk/coachdesk/internal/billing"
	"github.com/coachdesk/coachdesk/internal/billing/reports"
	jobmetrics "github.com/coachdesk/coachdesk/internal/jobs"
)

type syncMailer struct {
	mu  sync.Mutex
	got []SendEmailPayload
}

func (m *syncMailer) Send(_ context.Context, msg SendEmailPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, msg)
	return nil
}

func (m *syncMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.got)
}

func TestDueScanRerunAfterDeliveryDoesNotMailAgain(t *testing.T) {
	if testing.Short() {
		t.Skip("runs an asynq server")
	}
	mr := miniredis.RunT(t)
	redisOpt := asynq.RedisClientOpt{Addr: mr.Addr()}

	mailer := &syncMailer{}
	emailJob := &EmailJob{Mailer: mailer, Logger: discard}
	worker, err := NewWorker(WorkerConfig{
		RedisOpts:   redisOpt,
		Logger:      discard,
		Concurrency: 1,
		Handlers:    []TaskHandler{{Type: TaskTypeSendEmail, Handler: emailJob.Handle}},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client, err := NewClient(redisOpt)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	inspector := asynq.NewInspector(redisOpt)
	t.Cleanup(func() { _ = inspector.Close() })

	today := billing.DateOf(time.Now(), time.UTC)
	due := dueClient(7, "a@example.com", today.AddDate(0, 0, 2).Format(time.DateOnly), 2)
	reg := prometheus.NewRegistry()
	job := NewDueScanJob(&stubLister{today: today, due: []reports.DueClient{due}}, client, discard, jobmetrics.NewMetrics(reg), 3)

	task, err := NewBillingDueScanTask(3)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	taskID := reminderTaskID(due)
	require.Eventually(t, func() bool {
		info, err := inspector.GetTaskInfo(QueueDefault, taskID)
		return err == nil && info.State == asynq.TaskStateCompleted
	}, 15*time.Second, 100*time.Millisecond)
	assert.Equal(t, 1, mailer.count())

	require.NoError(t, job.Handle(context.Background(), task))
	time.Sleep(2 * time.Second)
	assert.Equal(t, 1, mailer.count())
	assert.Equal(t, 1.0, reminderCount(t, reg, "enqueued"))
	assert.Equal(t, 1.0, reminderCount(t, reg, "duplicate"))
}
