package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mathquest/mathquest/internal/events"
	"github.com/mathquest/mathquest/internal/game"
)

// GameControl is the slice of the coordinator the socket layer drives.
type GameControl interface {
	HandleTimerAction(ctx context.Context, req events.TimerActionRequest) error
	StartDeferredSession(ctx context.Context, accessCode, userID string) error
	EndDeferredSession(accessCode, userID string)
}

// Handler terminates WebSocket connections for players, teacher dashboards
// and projection views.
type Handler struct {
	manager     *ConnectionManager
	broadcaster *Broadcaster
	reconciler  *Reconciler
	control     GameControl
	states      *game.StateStore
	clock       clockwork.Clock
}

func NewHandler(manager *ConnectionManager, broadcaster *Broadcaster, reconciler *Reconciler, control GameControl, states *game.StateStore, clock clockwork.Clock) *Handler {
	return &Handler{
		manager:     manager,
		broadcaster: broadcaster,
		reconciler:  reconciler,
		control:     control,
		states:      states,
		clock:       clock,
	}
}

// Register mounts the socket endpoint.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ws/game", h.handleGame)
}

// handleGame upgrades the connection and joins the role-appropriate rooms.
// Query parameters: access_code (required), user_id (required for players),
// role (player|dashboard|projection, default player).
func (h *Handler) handleGame(w http.ResponseWriter, r *http.Request) {
	accessCode := r.URL.Query().Get("access_code")
	if accessCode == "" {
		http.Error(w, "access_code is required", http.StatusBadRequest)
		return
	}
	userID := r.URL.Query().Get("user_id")
	role := Role(r.URL.Query().Get("role"))
	if role == "" {
		role = RolePlayer
	}
	if role == RolePlayer && userID == "" {
		http.Error(w, "user_id is required for players", http.StatusBadRequest)
		return
	}

	st, err := h.states.Get(r.Context(), accessCode)
	if err != nil {
		http.Error(w, "failed to load game", http.StatusInternalServerError)
		return
	}
	if st == nil {
		http.Error(w, "game not found", http.StatusNotFound)
		return
	}

	var rooms []string
	deferred := st.Mode == game.ModeDeferredTournament
	switch role {
	case RoleDashboard:
		rooms = []string{events.DashboardRoom(accessCode)}
	case RoleProjection:
		rooms = []string{events.ProjectionRoom(accessCode)}
	default:
		role = RolePlayer
		rooms = []string{events.GameRoom(accessCode)}
		if deferred {
			rooms = append(rooms, events.PlayerRoom(accessCode, userID))
		}
	}

	conn, err := h.manager.Upgrade(w, r, userID, role, rooms, h.onMessage)
	if err != nil {
		log.Error().Err(err).Str("access_code", accessCode).Msg("failed to upgrade connection")
		return
	}

	if role == RolePlayer && deferred {
		conn.OnClose(func(c *Connection) {
			h.control.EndDeferredSession(accessCode, c.UserID)
		})
	}

	h.sendJoinSync(conn, accessCode, userID, role)

	if role == RolePlayer && deferred {
		if err := h.control.StartDeferredSession(context.Background(), accessCode, userID); err != nil {
			// Rejoining an in-flight session is not an error worth surfacing.
			log.Debug().Err(err).
				Str("access_code", accessCode).
				Str("user_id", userID).
				Msg("deferred session not started")
		}
	}

	if role == RolePlayer && st.Mode.HasTimer() {
		uid := st.CurrentQuestionUID()
		if uid != "" {
			if err := h.states.MarkQuestionStart(r.Context(), accessCode, uid, userID, h.clock.Now().UnixMilli()); err != nil {
				log.Error().Err(err).Str("access_code", accessCode).Msg("failed to mark question start")
			}
		}
	}
}

// sendJoinSync delivers the reconciled catch-up view to a fresh connection.
func (h *Handler) sendJoinSync(conn *Connection, accessCode, userID string, role Role) {
	sync, err := h.reconciler.Sync(context.Background(), accessCode, userID)
	if err != nil {
		log.Error().Err(err).
			Str("access_code", accessCode).
			Str("user_id", userID).
			Msg("late-join reconciliation failed")
		h.sendEvent(conn, events.GameError, &events.ErrorPayload{
			Code:    "reconciliation_failed",
			Message: "could not resolve game state",
		})
		return
	}

	h.sendEvent(conn, events.GameJoined, &sync.Joined)

	if sync.Question != nil && role != RoleDashboard {
		h.sendEvent(conn, events.GameQuestion, sync.Question)
	}
	if sync.TimerUpdate != nil {
		canonical, err := h.broadcaster.CanonicalTimerUpdate(*sync.TimerUpdate)
		if err != nil {
			log.Error().Err(err).
				Str("access_code", accessCode).
				Interface("payload", sync.TimerUpdate).
				Msg("reconciled timer update failed validation, not sent")
		} else {
			event := events.GameTimerUpdated
			if role == RoleDashboard {
				event = events.DashboardTimerUpdated
			}
			h.sendEvent(conn, event, &canonical)
		}
	}
	if sync.CorrectAnswers != nil {
		h.sendEvent(conn, events.CorrectAnswers, sync.CorrectAnswers)
	}
	if sync.Feedback != nil {
		h.sendEvent(conn, events.Feedback, sync.Feedback)
	}
	if sync.GameEnd != nil {
		h.sendEvent(conn, events.GameEnd, sync.GameEnd)
	}
}

// onMessage handles inbound frames. The only control event this subsystem
// accepts is quiz_timer_action, and only from dashboard connections.
func (h *Handler) onMessage(conn *Connection, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Str("connection_id", conn.ID).Msg("discarding malformed frame")
		return
	}

	switch msg.Event {
	case events.QuizTimerAction:
		if conn.Role != RoleDashboard {
			log.Warn().
				Str("connection_id", conn.ID).
				Str("role", string(conn.Role)).
				Msg("timer action from non-dashboard connection rejected")
			h.sendEvent(conn, events.GameError, &events.ErrorPayload{
				Code:    "forbidden",
				Message: "timer actions require the dashboard role",
			})
			return
		}

		var req events.TimerActionRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			h.sendEvent(conn, events.GameError, &events.ErrorPayload{
				Code:    "invalid_payload",
				Message: "malformed timer action",
			})
			return
		}

		if err := h.control.HandleTimerAction(context.Background(), req); err != nil {
			log.Warn().Err(err).
				Str("access_code", req.AccessCode).
				Str("action", req.Action).
				Msg("timer action failed")
			h.sendEvent(conn, events.GameError, &events.ErrorPayload{
				Code:    "timer_action_failed",
				Message: err.Error(),
			})
		}

	default:
		log.Debug().
			Str("event", msg.Event).
			Str("connection_id", conn.ID).
			Msg("ignoring unhandled event")
	}
}

func (h *Handler) sendEvent(conn *Connection, event string, payload interface{}) {
	data, err := EncodeMessage(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("failed to encode event")
		return
	}
	h.manager.SendToConnection(conn, data)
}
