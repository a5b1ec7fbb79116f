package httpserver

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tradetaper/terminal-farm/errs"
	"github.com/tradetaper/terminal-farm/internal/domain/terminalstore"
	"github.com/tradetaper/terminal-farm/internal/lifecycle"
)

// instanceDTO is the user-facing view of one terminal instance.
type instanceDTO struct {
	Enabled       bool       `json:"enabled"`
	ID            string     `json:"id,omitempty"`
	Status        string     `json:"status,omitempty"`
	ContainerID   string     `json:"containerId,omitempty"`
	ErrorMessage  string     `json:"errorMessage,omitempty"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
	LastSyncAt    *time.Time `json:"lastSyncAt,omitempty"`
}

func newInstanceDTO(instance *terminalstore.Instance) instanceDTO {
	dto := instanceDTO{
		Enabled:      true,
		ID:           instance.ID,
		Status:       string(instance.Status),
		ContainerID:  instance.ContainerID,
		ErrorMessage: instance.ErrorMessage,
	}
	if !instance.LastHeartbeat.IsZero() {
		hb := instance.LastHeartbeat
		dto.LastHeartbeat = &hb
	}
	if !instance.LastSyncAt.IsZero() {
		sync := instance.LastSyncAt
		dto.LastSyncAt = &sync
	}
	return dto
}

// handleAccount routes /mt5-accounts/{accountID}/{action} after user auth.
func (s *httpServer) handleAccount(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authorizeUser(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, accountsPrefix)
	accountID, action, ok := strings.Cut(rest, "/")
	if !ok || accountID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch {
	case action == "enable-autosync" && r.Method == http.MethodPost:
		s.enableAutoSync(w, r, accountID, userID)
	case action == "disable-autosync" && r.Method == http.MethodDelete:
		s.disableAutoSync(w, r, accountID, userID)
	case action == "terminal-status" && r.Method == http.MethodGet:
		s.terminalStatus(w, r, accountID, userID)
	case action == "terminal-token" && r.Method == http.MethodGet:
		s.terminalToken(w, r, accountID, userID)
	case action == "sync" && r.Method == http.MethodPost:
		s.requestSync(w, r, accountID, userID)
	case action == "positions/live" && r.Method == http.MethodGet:
		s.livePositions(w, r, accountID, userID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// enableAutoSyncRequest carries the broker credentials for the terminal. All
// fields are optional; login and server default to the stored account row.
type enableAutoSyncRequest struct {
	Server   string `json:"server"`
	Login    string `json:"login"`
	Password string `json:"password"`
}

func (s *httpServer) enableAutoSync(w http.ResponseWriter, r *http.Request, accountID, userID string) {
	var req enableAutoSyncRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeDecodeError(w, err)
		return
	}
	instance, err := s.lifecycle.EnableAutoSync(r.Context(), accountID, userID, lifecycle.Credentials{
		Server:   req.Server,
		Login:    req.Login,
		Password: req.Password,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newInstanceDTO(instance))
}

func (s *httpServer) disableAutoSync(w http.ResponseWriter, r *http.Request, accountID, userID string) {
	if _, err := s.lifecycle.DisableAutoSync(r.Context(), accountID, userID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *httpServer) terminalStatus(w http.ResponseWriter, r *http.Request, accountID, userID string) {
	instance, err := s.lifecycle.Status(r.Context(), accountID, userID)
	if err != nil {
		if errs.IsCode(err, errs.CodeNotFound) {
			writeJSON(w, http.StatusOK, instanceDTO{Enabled: false})
			return
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newInstanceDTO(instance))
}

func (s *httpServer) terminalToken(w http.ResponseWriter, r *http.Request, accountID, userID string) {
	token, err := s.lifecycle.IssueToken(r.Context(), accountID, userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *httpServer) requestSync(w http.ResponseWriter, r *http.Request, accountID, userID string) {
	if err := s.service.RequestManualSync(r.Context(), accountID, userID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": true})
}

func (s *httpServer) livePositions(w http.ResponseWriter, r *http.Request, accountID, userID string) {
	snapshot, err := s.service.LivePositions(r.Context(), accountID, userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}
