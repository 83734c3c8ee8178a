package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/mahaj/dupahar-chat/pkg/config"
	"github.com/mahaj/dupahar-chat/pkg/convlist"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/msgsync"
	"github.com/mahaj/dupahar-chat/pkg/realtime"
	"github.com/mahaj/dupahar-chat/pkg/typing"
)

const chatHelp = `commands: /typing  /read  /who  /list  /help  /quit`

func newChatCmd(opts *rootOptions, cfg *config.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <conversation-id>",
		Short: "Open an interactive session on one conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			s, err := login(ctx, opts, cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.connect(ctx, opts.gatewayURL); err != nil {
				return err
			}
			return runChat(ctx, s, args[0])
		},
	}
}

// view prints each confirmed message once and the typing line whenever it
// changes.
type view struct {
	s       *session
	mu      sync.Mutex
	printed map[string]struct{}
	typing  string
}

func (v *view) messages(items []msgsync.Item) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, it := range items {
		if it.Pending {
			continue
		}
		if _, ok := v.printed[it.Message.ID]; ok {
			continue
		}
		v.printed[it.Message.ID] = struct{}{}
		m := it.Message
		v.s.printf("\r[%s] %s: %s\n> ", m.CreatedAt.Local().Format("15:04:05"), m.AuthorName, m.Content)
	}
}

func (v *view) typingChanged(recs []model.TypingRecord) {
	names := make([]string, 0, len(recs))
	for _, r := range recs {
		names = append(names, r.DisplayName)
	}
	line := ""
	switch len(names) {
	case 0:
	case 1:
		line = names[0] + " is typing..."
	default:
		line = strings.Join(names, ", ") + " are typing..."
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if line == v.typing {
		return
	}
	v.typing = line
	if line != "" {
		v.s.printf("\r%s\n> ", line)
	}
}

func runChat(ctx context.Context, s *session, conversationID string) error {
	conv, err := s.api.FetchConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	v := &view{s: s, printed: make(map[string]struct{})}
	engine := msgsync.NewEngine(conversationID, s.userID, s.api, s.log, msgsync.WithOnChange(v.messages))
	defer engine.Close()

	var tracker *typing.Tracker
	tracker = typing.New(conversationID, s.userID, s.name, s.log, typing.WithOnChange(func() {
		v.typingChanged(tracker.Typing())
	}))

	h := realtime.NewHandlers()
	engine.Register(h)
	tracker.Register(h)
	h.OnStatus(func(state realtime.State, err error) {
		if state.Terminal() {
			s.printf("\r[channel %s] %v\n> ", strings.ToLower(string(state)), err)
		}
	})

	self := &model.PresenceRecord{UserID: s.userID, Username: s.name}
	sub := s.mgr.Open(ctx, realtime.ConversationScope(conversationID, self), h)
	defer sub.Close()
	engine.Attach(sub)
	tracker.Attach(sub)

	notes := s.mgr.Open(ctx, realtime.NotificationScope(s.userID), realtime.NewHandlers().
		OnBroadcast(model.EventNewNotification, func(raw json.RawMessage) {
			var n model.NotificationEvent
			if json.Unmarshal(raw, &n) != nil || n.Metadata.ConversationID == conversationID {
				return
			}
			s.printf("\r(!) %s: %s\n> ", n.Title, n.Body)
		}))
	defer notes.Close()

	s.printf("%s (%s), %d participants\n%s\n", conv.DisplayTitle(s.userID), conv.Kind, len(conv.Participants), chatHelp)
	engine.Load(conv.Messages)
	engine.Start(ctx)
	if err := s.api.MarkAsRead(ctx, conversationID); err != nil {
		s.log.Warn().Err(err).Msg("mark as read")
	}

	go sweep(ctx, tracker)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	s.printf("> ")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.conn.Done():
			return errors.New("gateway connection closed")
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, s, engine, tracker, conversationID, strings.TrimSpace(line)); quit {
				engine.Wait()
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, s *session, engine *msgsync.Engine, tracker *typing.Tracker, conversationID, line string) bool {
	switch line {
	case "":
	case "/quit":
		tracker.StopTyping(ctx)
		return true
	case "/help":
		s.printf("%s\n", chatHelp)
	case "/typing":
		tracker.StartTyping(ctx)
	case "/read":
		if err := s.api.MarkAsRead(ctx, conversationID); err != nil {
			s.printf("mark as read: %v\n", err)
		}
	case "/who":
		var names []string
		for _, p := range tracker.Online() {
			names = append(names, p.Username)
		}
		slices.Sort(names)
		s.printf("online: %s\n", strings.Join(names, ", "))
	case "/list":
		list, err := s.api.FetchUserConversations(ctx)
		if err != nil {
			s.printf("list: %v\n", err)
			break
		}
		convlist.SortByRecency(list)
		printConversations(s, list)
	default:
		tracker.StopTyping(ctx)
		p, err := engine.Send(ctx, line)
		if err != nil {
			s.printf("not sent: %v\n", err)
			break
		}
		go func() {
			if _, err := p.Result(ctx); err != nil {
				s.printf("\rnot sent: %v\n> ", err)
			}
		}()
	}
	s.printf("> ")
	return false
}

func sweep(ctx context.Context, tracker *typing.Tracker) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tracker.Sweep()
		}
	}
}
