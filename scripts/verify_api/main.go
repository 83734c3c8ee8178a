// verify_api walks a running API through the direct-message flow: two users
// log in, open a conversation, exchange a message and check unread counts and
// notifications.
package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-chat/pkg/apiclient"
	"github.com/mahaj/dupahar-chat/pkg/config"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/store"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	alice := apiclient.New(cfg.APIURL, cfg.Timeout)
	bob := apiclient.New(cfg.APIURL, cfg.Timeout)
	if _, err := alice.Login(ctx, "verify_alice", "Alice"); err != nil {
		log.Fatal().Err(err).Msg("login alice")
	}
	if _, err := bob.Login(ctx, "verify_bob", "Bob"); err != nil {
		log.Fatal().Err(err).Msg("login bob")
	}

	conv, err := alice.CreateConversation(ctx, apiclient.CreateConversationRequest{
		Kind:    model.KindDirect,
		Members: []store.Member{{UserID: "verify_bob", DisplayName: "Bob"}},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("create conversation")
	}
	log.Info().Str("conversation_id", conv.ID).Msg("Conversation created")

	msg, err := alice.SendMessage(ctx, conv.ID, "ping @bob")
	if err != nil {
		log.Fatal().Err(err).Msg("send message")
	}
	log.Info().Str("message_id", msg.ID).Time("created_at", msg.CreatedAt).Msg("Message sent")

	list, err := bob.FetchUserConversations(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("list conversations")
	}
	for _, c := range list {
		if c.ID == conv.ID {
			log.Info().Int("unread", c.UnreadCount).Msg("Bob's unread count")
		}
	}

	if err := bob.MarkAsRead(ctx, conv.ID); err != nil {
		log.Fatal().Err(err).Msg("mark as read")
	}

	// Notifications go through the change-feed, so give the worker a moment.
	time.Sleep(2 * time.Second)
	notes, err := bob.Notifications(ctx, 5)
	if err != nil {
		log.Fatal().Err(err).Msg("list notifications")
	}
	for _, n := range notes {
		log.Info().Str("kind", string(n.Kind)).Str("title", n.Title).Str("body", n.Body).Msg("Notification")
	}
}
