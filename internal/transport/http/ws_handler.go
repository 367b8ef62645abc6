package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"firstaid-live-service/internal/app"
	"firstaid-live-service/internal/domain"
)

type WSHandler struct {
	service  *app.SessionService
	upgrader websocket.Upgrader
}

func NewWSHandler(service *app.SessionService) *WSHandler {
	return &WSHandler{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	Value string `json:"value"`
}

type stepActionPayload struct {
	OptionID string `json:"optionId"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type joinedPayload struct {
	ParticipantID string      `json:"participantId"`
	Session       sessionView `json:"session"`
}

type hostClaimedPayload struct {
	HostKey string `json:"hostKey"`
}

// sessionView is the redacted projection pushed to clients. Pending answer
// values and the host key never leave the server; clients only learn who
// has already answered and the ordered scoreboard.
type sessionView struct {
	Code         string                    `json:"code"`
	Mode         domain.Mode               `json:"mode"`
	Status       domain.Status             `json:"status"`
	PhaseIndex   int                       `json:"phaseIndex"`
	RoundLimit   int                       `json:"roundLimit,omitempty"`
	RemainingSec int                       `json:"remainingSec"`
	Players      []domain.LeaderboardEntry `json:"players"`
	Answered     []string                  `json:"answered"`
	Feedback     *domain.Feedback          `json:"feedback,omitempty"`
}

func (h *WSHandler) view(ctx context.Context, session *domain.Session) sessionView {
	now := h.service.Now(ctx)
	answered := make([]string, 0, len(session.Answers))
	for id := range session.Answers {
		answered = append(answered, id)
	}
	return sessionView{
		Code:         session.Code,
		Mode:         session.Mode,
		Status:       session.Status,
		PhaseIndex:   session.PhaseIndex,
		RoundLimit:   session.RoundLimit,
		RemainingSec: int(h.service.Remaining(ctx, session).Seconds()),
		Players:      app.Leaderboard(session, now).Entries,
		Answered:     answered,
		Feedback:     session.Feedback,
	}
}

// ServeWS upgrades HTTP requests to websockets and wires them into the
// session use cases. Participants connect with ?code=&name= (plus an
// optional role for pair sessions); the host adds its hostKey, which also
// starts the authoritative phase timer for timed modes.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	code := query.Get("code")
	name := query.Get("name")
	role := domain.Role(query.Get("role"))
	hostKey := query.Get("hostKey")
	if code == "" || (name == "" && hostKey == "") {
		http.Error(w, "missing code, and one of name or hostKey", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	ctx := r.Context()

	if hostKey != "" {
		session, err := h.service.Get(ctx, code)
		if err != nil || session.HostKey != hostKey {
			_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: domain.ErrNotHost.Error()}})
			return
		}
	}

	var participantID string
	if name != "" {
		id, _, err := h.service.Join(ctx, code, name, role)
		if err != nil {
			_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: err.Error()}})
			return
		}
		participantID = id
		defer func() {
			if err := h.service.Leave(context.Background(), code, participantID); err != nil {
				log.Warn().Err(err).Str("code", code).Msg("leave failed")
			}
		}()
	}

	updates, cancel, err := h.service.Subscribe(ctx, code)
	if err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: err.Error()}})
		return
	}
	defer cancel()

	timerCtx, stopTimer := context.WithCancel(ctx)
	defer stopTimer()
	timerRunning := false
	startTimer := func(key string) {
		if timerRunning {
			return
		}
		timerUpdates, timerCancel, err := h.service.Subscribe(timerCtx, code)
		if err != nil {
			log.Warn().Err(err).Str("code", code).Msg("phase timer subscribe failed")
			return
		}
		timerRunning = true
		go func() {
			defer timerCancel()
			app.NewPhaseTimer(h.service).Run(timerCtx, code, key, timerUpdates)
		}()
	}
	if hostKey != "" {
		startTimer(hostKey)
	}

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				log.Debug().Err(err).Str("code", code).Msg("ws write error")
				return
			}
		}
	}()

	go func() {
		defer close(updatesDone)
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				select {
				case send <- outboundMessage[any]{Type: "session", Payload: h.view(ctx, &update)}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	if participantID != "" {
		session, err := h.service.Get(ctx, code)
		if err == nil {
			send <- outboundMessage[any]{Type: "joined", Payload: joinedPayload{ParticipantID: participantID, Session: h.view(ctx, session)}}
		}
	}

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}

		var opErr error
		switch inbound.Type {
		case "start":
			_, opErr = h.service.StartSession(ctx, code, hostKey)
		case "advance":
			_, opErr = h.service.AdvancePhase(ctx, code, hostKey)
		case "next":
			_, opErr = h.service.NextPhase(ctx, code, hostKey)
		case "answer":
			var payload answerPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				opErr = errInvalidPayload
				break
			}
			_, opErr = h.service.SubmitAnswer(ctx, code, participantID, payload.Value)
		case "stepAction":
			var payload stepActionPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				opErr = errInvalidPayload
				break
			}
			_, opErr = h.service.SubmitStepAction(ctx, code, participantID, payload.OptionID)
		case "confirmStep":
			_, opErr = h.service.ConfirmStep(ctx, code, participantID)
		case "claimHost":
			var newKey string
			newKey, opErr = h.service.ClaimHost(ctx, code, participantID)
			if opErr == nil {
				hostKey = newKey
				startTimer(newKey)
				send <- outboundMessage[any]{Type: "hostClaimed", Payload: hostClaimedPayload{HostKey: newKey}}
			}
		default:
			send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "unsupported message type"}}
			continue
		}
		if opErr != nil {
			send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: opErr.Error()}}
		}
	}

	close(closeSignals)
	<-updatesDone
	close(send)
	<-writerDone
}
