package main

import (
	"net/http"

	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/realtime"
)

// handlePresence serves the presence snapshot of a channel: any conversation
// the caller belongs to, or the caller's own user-scoped channels.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	c := claims(r)
	topic := r.PathValue("topic")

	kind, id := realtime.ParseTopic(topic)
	switch kind {
	case realtime.TopicUnknown:
		writeError(w, http.StatusBadRequest, "invalid_topic", "Invalid channel")
		return
	case realtime.TopicConversation:
		ok, err := s.store.IsParticipant(r.Context(), id, c.UserID)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		if !ok {
			writeError(w, http.StatusForbidden, "not_participant", "Not a participant of this conversation")
			return
		}
	default:
		if id != c.UserID {
			writeError(w, http.StatusForbidden, "forbidden", "Channel belongs to another user")
			return
		}
	}

	recs, err := s.presence.Presence(r.Context(), topic)
	if err != nil {
		s.log.Error().Err(err).Str("topic", topic).Msg("Failed to fetch presence")
		writeError(w, http.StatusInternalServerError, "internal", "Failed to fetch presence")
		return
	}
	if recs == nil {
		recs = []model.PresenceRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}
