package job

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// NotificationCleaner deletes read notifications past their retention
type NotificationCleaner interface {
	CleanupOldNotifications(ctx context.Context) (int64, error)
}

// MessageCleaner deletes archived chat messages older than retentionDays
type MessageCleaner interface {
	Cleanup(ctx context.Context, retentionDays int) (int64, error)
}

// CleanupJob prunes the notification and chat archives
type CleanupJob struct {
	notifications        NotificationCleaner
	messages             MessageCleaner
	messageRetentionDays int
	timeout              time.Duration
	logger               *zap.Logger
}

// NewCleanupJob creates a new CleanupJob instance. Either cleaner may be nil.
func NewCleanupJob(
	notifications NotificationCleaner,
	messages MessageCleaner,
	messageRetentionDays int,
	logger *zap.Logger,
) *CleanupJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CleanupJob{
		notifications:        notifications,
		messages:             messages,
		messageRetentionDays: messageRetentionDays,
		timeout:              5 * time.Minute,
		logger:               logger,
	}
}

// Run executes the cleanup job. It satisfies cron.Job.
func (j *CleanupJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	j.logger.Info("Starting cleanup job")

	var notificationsDeleted, messagesDeleted int64
	if j.notifications != nil {
		n, err := j.notifications.CleanupOldNotifications(ctx)
		if err != nil {
			j.logger.Error("Failed to clean up notifications", zap.Error(err))
		}
		notificationsDeleted = n
	}

	if j.messages != nil && j.messageRetentionDays > 0 {
		n, err := j.messages.Cleanup(ctx, j.messageRetentionDays)
		if err != nil {
			j.logger.Error("Failed to clean up chat messages", zap.Error(err))
		}
		messagesDeleted = n
	}

	j.logger.Info("Cleanup job completed",
		zap.Int64("notifications_deleted", notificationsDeleted),
		zap.Int64("messages_deleted", messagesDeleted),
	)
}

// NewScheduler registers job under a standard five field cron spec.
// The caller starts and stops the returned scheduler.
func NewScheduler(spec string, job cron.Job, logger *zap.Logger) (*cron.Cron, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger: logger.Sugar()}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddJob(spec, job); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", spec, err)
	}
	return c, nil
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
