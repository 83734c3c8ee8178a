package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mahaj/dupahar-chat/pkg/apiclient"
	"github.com/mahaj/dupahar-chat/pkg/config"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/store"
)

// parseMembers reads "id" or "id:Display Name" arguments.
func parseMembers(args []string) []store.Member {
	out := make([]store.Member, 0, len(args))
	for _, a := range args {
		id, name, _ := strings.Cut(a, ":")
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		out = append(out, store.Member{UserID: id, DisplayName: strings.TrimSpace(name)})
	}
	return out
}

func newCreateCmd(opts *rootOptions, cfg *config.Client) *cobra.Command {
	var (
		kind string
		name string
	)
	cmd := &cobra.Command{
		Use:   "create <member>...",
		Short: "Create a conversation with the given members (id or id:Name)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k := model.ConversationKind(strings.ToUpper(kind))
			if !k.Valid() {
				return fmt.Errorf("unknown kind %q", kind)
			}
			s, err := login(cmd.Context(), opts, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			req := apiclient.CreateConversationRequest{Kind: k, Members: parseMembers(args)}
			if name != "" {
				req.Name = &name
			}
			conv, err := s.api.CreateConversation(cmd.Context(), req)
			if err != nil {
				return err
			}
			s.printf("created %s %s with %d participants\n", strings.ToLower(string(conv.Kind)), conv.ID, len(conv.Participants))
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(model.KindDirect), "direct, group or channel")
	cmd.Flags().StringVar(&name, "name", "", "conversation name")
	return cmd
}

func newInviteCmd(opts *rootOptions, cfg *config.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "invite <conversation-id> <member>...",
		Short: "Add members to a group or channel",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := login(cmd.Context(), opts, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			added, err := s.api.AddParticipants(cmd.Context(), args[0], parseMembers(args[1:]))
			if err != nil {
				return err
			}
			s.printf("added %d participants\n", len(added))
			return nil
		},
	}
}

func newNotificationsCmd(opts *rootOptions, cfg *config.Client) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "Show your most recent notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := login(cmd.Context(), opts, cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			items, err := s.api.Notifications(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				s.printf("no notifications\n")
			}
			for _, n := range items {
				s.printf("%s  %-19s  %s: %s\n", n.CreatedAt.Local().Format("2006-01-02 15:04"), n.Kind, n.Title, n.Body)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of notifications to show")
	return cmd
}
