package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"realtime-service/internal/channel"
	"realtime-service/internal/client"
	"realtime-service/internal/domain"
	"realtime-service/internal/notification"
)

func newNotificationsCommand(v *viper.Viper) *cobra.Command {
	var (
		limit   int
		read    []string
		readAll bool
		follow  bool
	)
	cmd := &cobra.Command{
		Use:     "notifications <workspace-id>",
		Aliases: []string{"notif"},
		Short:   "List your notifications and mark them read",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, v, true)
			if err != nil {
				return err
			}
			defer s.close()

			workspaceID := args[0]
			h, err := s.open(ctx, channel.NotificationTopic(workspaceID), "")
			if err != nil {
				return err
			}
			d := notification.NewDeliverer(h, s.store,
				notification.Scope{WorkspaceID: workspaceID, UserID: s.settings.UserID},
				s.logger, notification.WithPageSize(limit))

			if _, _, err := d.LoadInitial(ctx, workspaceID, s.settings.UserID); err != nil {
				return fmt.Errorf("failed to load notifications: %w", err)
			}
			for _, id := range read {
				if err := d.MarkRead(ctx, id); err != nil {
					return fmt.Errorf("failed to mark %s read: %w", id, err)
				}
			}
			if readAll {
				if err := d.MarkAllRead(ctx); err != nil {
					return fmt.Errorf("failed to mark all read: %w", err)
				}
			}

			out := cmd.OutOrStdout()
			printNotifications(out, d.Notifications(), d.UnreadCount())
			if !follow {
				return nil
			}

			changed := make(chan struct{}, 1)
			d.OnChange(func([]domain.Notification, int) {
				select {
				case changed <- struct{}{}:
				default:
				}
			})
			for {
				select {
				case <-changed:
					printNotifications(out, d.Notifications(), d.UnreadCount())
				case <-ctx.Done():
					return nil
				case <-s.conn.Done():
					return s.wait(ctx)
				}
			}
		},
	}
	cmd.Flags().IntVar(&limit, "limit", notification.DefaultPageSize, "number of notifications to load")
	cmd.Flags().StringSliceVar(&read, "read", nil, "notification ids to mark read")
	cmd.Flags().BoolVar(&readAll, "read-all", false, "mark every notification read")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing the list as notifications arrive")
	return cmd
}

func newNotifyCommand(v *viper.Viper) *cobra.Command {
	var (
		kind    string
		message string
		link    string
	)
	cmd := &cobra.Command{
		Use:   "notify <workspace-id> <user-id> <title>",
		Short: "Create a notification through the internal API",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := resolveSettings(v)
			if settings.InternalAPIKey == "" {
				return errors.New("an internal API key is required (--internal-api-key or RTCTL_INTERNAL_API_KEY)")
			}
			logger := newLogger(settings.Debug)
			defer func() { _ = logger.Sync() }()

			event := domain.NotificationEvent{
				WorkspaceID: args[0],
				UserID:      args[1],
				Type:        domain.NotificationType(kind),
				Title:       args[2],
			}
			if message != "" {
				event.Message = &message
			}
			if link != "" {
				event.Link = &link
			}

			store := client.NewStoreClient(settings.Server, "", settings.InternalAPIKey, settings.Timeout, logger)
			n, err := store.CreateNotification(cmd.Context(), event)
			if err != nil {
				return fmt.Errorf("failed to create notification: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", n.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "type", string(domain.NotificationSystem), "notification type")
	cmd.Flags().StringVar(&message, "message", "", "notification body")
	cmd.Flags().StringVar(&link, "link", "", "link opened from the notification")
	return cmd
}

func printNotifications(w io.Writer, list []domain.Notification, unread int) {
	fmt.Fprintf(w, "%d unread of %d\n", unread, len(list))
	for _, n := range list {
		marker := " "
		if !n.IsRead {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %s  %-14s %s (%s)\n", marker, n.CreatedAt.Local().Format(time.DateTime), n.Type, n.Title, n.ID)
	}
}
