package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type postMessageRequest struct {
	SenderName string `json:"senderName"`
	Content    string `json:"content"`
}

// handlePostMessage records a new visitor message for a team. It does not
// answer synchronously: the Communicator picks it up on its next turn. A
// later GET /teams/{teamId}/messages call shows the visitor message as
// processed, with responseId set to the id of the reply Message; the reply
// text itself is not part of that listing.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")

	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SenderName == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "senderName and content are required")
		return
	}

	msg, err := s.store.CreateUserMessage(teamID, req.SenderName, req.Content)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	teamID := chi.URLParam(r, "teamID")
	history, err := s.store.ListChatHistory(teamID, limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, history)
}
