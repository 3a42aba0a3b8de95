package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"realtime-service/internal/channel"
	"realtime-service/internal/domain"
	"realtime-service/internal/presence"
)

func newPresenceCommand(v *viper.Viper) *cobra.Command {
	var (
		status string
		watch  bool
	)
	cmd := &cobra.Command{
		Use:   "presence <workspace-id>",
		Short: "Announce yourself and list who is online in a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, v, true)
			if err != nil {
				return err
			}
			defer s.close()

			h, err := s.open(ctx, channel.PresenceTopic(args[0]), s.settings.UserID)
			if err != nil {
				return err
			}
			tracker := presence.NewTracker(h, s.logger)
			changed := make(chan struct{}, 1)
			tracker.OnChange(func(presence.View) {
				select {
				case changed <- struct{}{}:
				default:
				}
			})
			tracker.Resync()

			err = tracker.Join(ctx, domain.PresenceRecord{
				UserID:      s.settings.UserID,
				DisplayName: s.settings.Name,
				Status:      domain.PresenceStatus(status),
			})
			if err != nil {
				return fmt.Errorf("failed to join presence: %w", err)
			}
			defer func() {
				leaveCtx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
				defer cancel()
				_ = tracker.Leave(leaveCtx)
			}()

			out := cmd.OutOrStdout()
			if !watch {
				waitForSelf(ctx, tracker, changed, s.settings.UserID, s.settings.Timeout)
				printPresence(out, tracker.View())
				return nil
			}

			printPresence(out, tracker.View())
			for {
				select {
				case <-changed:
					printPresence(out, tracker.View())
				case <-ctx.Done():
					return nil
				case <-s.conn.Done():
					return s.wait(ctx)
				}
			}
		},
	}
	cmd.Flags().StringVar(&status, "status", string(domain.PresenceStatusOnline), "presence status (online, away, busy)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep printing the list until interrupted")
	return cmd
}

// waitForSelf gives the gateway a moment to echo the local announcement
func waitForSelf(ctx context.Context, tracker *presence.Tracker, changed <-chan struct{}, userID string, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if _, ok := tracker.View().Get(userID); ok {
			return
		}
		select {
		case <-changed:
		case <-deadline.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

func printPresence(w io.Writer, view presence.View) {
	counts := view.CountByStatus()
	fmt.Fprintf(w, "%d online (%d away, %d busy)\n", view.Len(),
		counts[domain.PresenceStatusAway], counts[domain.PresenceStatusBusy])
	for _, u := range view.Users() {
		fmt.Fprintf(w, "  %-7s %s (%s)\n", u.Status, u.DisplayName, u.UserID)
	}
}
