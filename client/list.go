package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mahaj/dupahar-chat/pkg/config"
	"github.com/mahaj/dupahar-chat/pkg/convlist"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/notify"
	"github.com/mahaj/dupahar-chat/pkg/realtime"
)

func newListCmd(opts *rootOptions, cfg *config.Client) *cobra.Command {
	var (
		watch bool
		kind  string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show your conversations, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := model.ConversationKind(strings.ToUpper(kind))
			if kind != "" && !filter.Valid() {
				return fmt.Errorf("unknown kind %q", kind)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			s, err := login(ctx, opts, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			render := func(agg *convlist.Aggregator) {
				list := agg.Conversations()
				if filter != "" {
					list = agg.FilterByKind(filter)
				}
				printConversations(s, list)
				unread := agg.UnreadByKind()
				s.printf("unread: %d direct, %d group, %d channel (%d total)\n",
					unread[model.KindDirect], unread[model.KindGroup], unread[model.KindChannel], agg.TotalUnread())
			}

			var agg *convlist.Aggregator
			agg = convlist.New(s.userID, s.api, s.log,
				convlist.WithMarker(s.api),
				convlist.WithOnChange(func([]model.Conversation) {
					if watch {
						s.printf("\n")
						render(agg)
					}
				}))
			defer agg.Close()

			if !watch {
				if err := agg.Reload(ctx); err != nil {
					return err
				}
				render(agg)
				return nil
			}

			if err := s.connect(ctx, opts.gatewayURL); err != nil {
				return err
			}
			h := realtime.NewHandlers()
			agg.Register(h)
			s.mgr.Open(ctx, realtime.ConversationListScope(s.userID), h)
			uh := realtime.NewHandlers()
			agg.RegisterUpdates(uh)
			s.mgr.Open(ctx, realtime.ConversationUpdatesScope(s.userID), uh)

			if err := agg.Reload(ctx); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
			case <-s.conn.Done():
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep the list updated in realtime")
	cmd.Flags().StringVar(&kind, "kind", "", "only show direct, group or channel conversations")
	return cmd
}

func printConversations(s *session, list []model.Conversation) {
	if len(list) == 0 {
		s.printf("no conversations\n")
		return
	}
	for _, c := range list {
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
		}
		preview := ""
		if c.LastMessage != nil {
			preview = fmt.Sprintf("  %s: %s", c.LastMessage.AuthorName, notify.Truncate(c.LastMessage.Content, 40))
		}
		s.printf("%-36s  %-7s  %s%s%s\n", c.ID, strings.ToLower(string(c.Kind)), c.DisplayTitle(s.userID), unread, preview)
	}
}
