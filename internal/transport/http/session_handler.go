package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	qrcode "github.com/skip2/go-qrcode"

	"firstaid-live-service/internal/app"
	"firstaid-live-service/internal/domain"
)

var errInvalidPayload = errors.New("invalid payload")

// SessionHandler exposes the small REST surface around the websocket:
// creating a room and rendering its join QR code.
type SessionHandler struct {
	service *app.SessionService
	joinURL string
}

// NewSessionHandler builds the handler; joinURL is the public base the QR
// code points at (the bare code is encoded when it is empty).
func NewSessionHandler(service *app.SessionService, joinURL string) *SessionHandler {
	return &SessionHandler{service: service, joinURL: strings.TrimSuffix(joinURL, "/")}
}

type createSessionRequest struct {
	Mode       domain.Mode `json:"mode"`
	PackID     string      `json:"packId"`
	RoundLimit int         `json:"roundLimit"`
}

type createSessionResponse struct {
	Code    string `json:"code"`
	HostKey string `json:"hostKey"`
}

// CreateSession allocates a room and returns the join code together with
// the host key. The host key must stay with the creator; every other client
// only ever sees the code.
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	session, err := h.service.CreateSession(r.Context(), req.Mode, req.PackID, req.RoundLimit)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrPackNotFound) || errors.Is(err, domain.ErrInvalidSession) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(createSessionResponse{Code: session.Code, HostKey: session.HostKey})
}

// JoinQR renders a PNG QR code for a session's join code, for projecting
// next to the room code.
func (h *SessionHandler) JoinQR(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}
	if _, err := h.service.Get(r.Context(), code); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	content := code
	if h.joinURL != "" {
		content = h.joinURL + "/join?code=" + code
	}
	png, err := qrcode.Encode(content, qrcode.Medium, 256)
	if err != nil {
		log.Error().Err(err).Str("code", code).Msg("qr encode failed")
		http.Error(w, "qr encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}
