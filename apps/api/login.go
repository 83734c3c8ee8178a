package main

import (
	"net/http"
	"strings"

	"github.com/mahaj/dupahar-chat/pkg/apiclient"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req apiclient.LoginRequest
	if !decode(w, r, &req) {
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.UserID
	}

	token, err := s.signer.GenerateToken(req.UserID, req.DisplayName)
	if err != nil {
		s.log.Error().Err(err).Msg("generate token")
		writeError(w, http.StatusInternalServerError, "internal", "Failed to generate token")
		return
	}
	writeJSON(w, http.StatusOK, apiclient.LoginResponse{Token: token})
}
