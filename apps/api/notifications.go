package main

import (
	"net/http"
	"strconv"

	"github.com/mahaj/dupahar-chat/pkg/model"
)

const maxNotificationLimit = 200

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	c := claims(r)
	limit, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	if limit > maxNotificationLimit {
		limit = maxNotificationLimit
	}

	items, err := s.notifications.List(r.Context(), c.UserID, limit)
	if err != nil {
		s.log.Error().Err(err).Msg("list notifications")
		writeError(w, http.StatusInternalServerError, "internal", "Failed to list notifications")
		return
	}
	if items == nil {
		items = []model.NotificationEvent{}
	}
	writeJSON(w, http.StatusOK, items)
}
