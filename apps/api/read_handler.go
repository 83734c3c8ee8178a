package main

import (
	"net/http"
	"time"
)

type ReadRequest struct {
	// At defaults to the server clock.
	At *time.Time `json:"at,omitempty"`
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	c := claims(r)
	var req ReadRequest
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	at := time.Now().UTC()
	if req.At != nil && req.At.Before(at) {
		at = req.At.UTC()
	}

	if err := s.store.MarkSeen(r.Context(), r.PathValue("id"), c.UserID, at); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
