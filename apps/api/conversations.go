package main

import (
	"context"
	"net/http"

	"github.com/mahaj/dupahar-chat/pkg/apiclient"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/realtime"
	"github.com/mahaj/dupahar-chat/pkg/store"
)

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	c := claims(r)
	convs, err := s.store.FetchUserConversations(r.Context(), c.UserID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if convs == nil {
		convs = []model.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	c := claims(r)
	var req apiclient.CreateConversationRequest
	if !decode(w, r, &req) {
		return
	}
	conv, err := s.store.CreateConversation(r.Context(), store.NewConversation{
		Kind:    req.Kind,
		Name:    req.Name,
		Creator: member(c),
		Members: req.Members,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.announceUpdate(r.Context(), store.UserIDs(conv.Participants), model.ConversationUpdate{
		ConversationID: conv.ID,
		Reason:         "created",
	})
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	c := claims(r)
	conv, err := s.store.FetchConversation(r.Context(), r.PathValue("id"), c.UserID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleAddParticipants(w http.ResponseWriter, r *http.Request) {
	c := claims(r)
	var req apiclient.AddParticipantsRequest
	if !decode(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	added, err := s.store.AddParticipants(r.Context(), id, c.UserID, req.Members)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if added == nil {
		added = []model.Participant{}
	}
	if len(added) > 0 {
		if conv, err := s.store.ConversationWithParticipants(r.Context(), id); err == nil {
			s.announceUpdate(r.Context(), store.UserIDs(conv.Participants), model.ConversationUpdate{
				ConversationID: id,
				Reason:         "participants_added",
			})
		}
	}
	writeJSON(w, http.StatusOK, added)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	c := claims(r)
	var req apiclient.SendMessageRequest
	if !decode(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	msg, err := s.store.SendMessage(r.Context(), id, member(c), req.Content)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	// The change-feed already carries the insert. The broadcast is the
	// redundant path; clients dedupe by id.
	ctx := context.WithoutCancel(r.Context())
	if err := s.relay.Broadcast(ctx, realtime.ConversationTopic(id), model.EventNewMessage, msg); err != nil {
		s.log.Warn().Err(err).Str("conversation_id", id).Msg("new_message broadcast failed")
	}
	if conv, err := s.store.ConversationWithParticipants(ctx, id); err == nil {
		s.announceUpdate(ctx, store.UserIDs(conv.Participants), model.ConversationUpdate{
			ConversationID: id,
			MessageID:      msg.ID,
			Reason:         "new_message",
		})
	}
	writeJSON(w, http.StatusCreated, msg)
}

// announceUpdate sends conversation_updated to each user's update channel.
// Failures only delay the next list reload, so they are logged.
func (s *Server) announceUpdate(ctx context.Context, userIDs []string, upd model.ConversationUpdate) {
	for _, uid := range userIDs {
		if err := s.relay.Broadcast(ctx, realtime.ConversationUpdatesTopic(uid), model.EventConversationUpdated, upd); err != nil {
			s.log.Warn().Err(err).Str("user_id", uid).Str("conversation_id", upd.ConversationID).Msg("conversation_updated broadcast failed")
		}
	}
}
