package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"realtime-service/internal/channel"
	"realtime-service/internal/chat"
	"realtime-service/internal/domain"
)

func newChatCommand(v *viper.Viper) *cobra.Command {
	var (
		history int
		send    string
		follow  bool
		project string
	)
	cmd := &cobra.Command{
		Use:   "chat <workspace-id>",
		Short: "Read the workspace chat and send messages",
		Long: "Prints the newest chat history. With --send the message is posted and rtctl exits;\n" +
			"with --follow every line read from stdin is sent and incoming messages are printed.\n" +
			"--project switches to the chat of one project in the workspace.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, v, true)
			if err != nil {
				return err
			}
			defer s.close()

			workspaceID := args[0]
			topic := channel.ChatTopic(workspaceID)
			if project != "" {
				topic = channel.ProjectChatTopic(workspaceID, project)
			}
			h, err := s.open(ctx, topic, "")
			if err != nil {
				return err
			}
			b := chat.NewBroadcaster(h, s.store, chat.Config{
				WorkspaceID: workspaceID,
				Author:      domain.Author{ID: s.settings.UserID, Name: s.settings.Name},
				PageSize:    history,
			}, s.logger)

			out := cmd.OutOrStdout()
			if history > 0 {
				if _, err := b.LoadOlder(ctx, "", history); err != nil {
					return fmt.Errorf("failed to load history: %w", err)
				}
				for _, msg := range b.Messages() {
					printMessage(out, msg)
				}
			}

			if send != "" {
				msg, err := b.Send(ctx, send)
				if err != nil {
					return fmt.Errorf("failed to send: %w", err)
				}
				printMessage(out, msg)
				return nil
			}
			if !follow {
				return nil
			}

			incoming := make(chan domain.ChatMessage, 64)
			b.OnMessage(func(msg domain.ChatMessage) {
				select {
				case incoming <- msg:
				default:
				}
			})

			lines := make(chan string)
			go scanLines(cmd.InOrStdin(), lines)

			for {
				select {
				case msg := <-incoming:
					printMessage(out, msg)
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					if _, err := b.Send(ctx, line); err != nil && !errors.Is(err, chat.ErrEmptyMessage) {
						fmt.Fprintln(cmd.ErrOrStderr(), "send failed:", err)
					}
				case <-ctx.Done():
					return nil
				case <-s.conn.Done():
					return s.wait(ctx)
				}
			}
		},
	}
	cmd.Flags().IntVar(&history, "history", 20, "number of past messages to print")
	cmd.Flags().StringVarP(&send, "send", "m", "", "send one message and exit")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream messages and send lines read from stdin")
	cmd.Flags().StringVar(&project, "project", "", "project id of a project chat")
	return cmd
}

func scanLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

func printMessage(w io.Writer, msg domain.ChatMessage) {
	fmt.Fprintf(w, "[%s] %s: %s\n", msg.CreatedAt.Local().Format("15:04:05"), msg.Author.Name, msg.Content)
}
