package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"quiz-attempt-service/internal/app"
	"quiz-attempt-service/internal/domain"
)

// WSHandler exposes the session coordinator over a WebSocket command
// protocol. Every command except authenticate requires a verified identity
// on the connection.
type WSHandler struct {
	service   *app.SessionService
	jwtSecret []byte
	upgrader  websocket.Upgrader
}

func NewWSHandler(service *app.SessionService, jwtSecret []byte) *WSHandler {
	return &WSHandler{
		service:   service,
		jwtSecret: jwtSecret,
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

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type authenticatePayload struct {
	Token string `json:"token"`
}

type quizPayload struct {
	QuizID string `json:"quiz_id"`
}

type attemptPayload struct {
	AttemptID string `json:"attempt_id"`
}

type syncPayload struct {
	AttemptID string              `json:"attempt_id"`
	State     domain.AttemptState `json:"state"`
	ClientID  string              `json:"client_id"`
}

type resetTimerPayload struct {
	AttemptID   string `json:"attempt_id"`
	NewDuration int    `json:"new_duration"`
}

type resetAssignmentPayload struct {
	QuizID    string `json:"quiz_id"`
	StudentID string `json:"student_id"`
}

type massTimerPayload struct {
	Filters     domain.AttemptFilter `json:"filters"`
	NewDuration int                  `json:"new_duration"`
}

type massAssignmentPayload struct {
	Filters domain.AttemptFilter `json:"filters"`
}

type filterPayload struct {
	Filters domain.AttemptFilter `json:"filters"`
}

// ServeWS upgrades HTTP requests to websockets and drives the command loop.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		}
	}()

	session := &connSession{
		handler:      h,
		send:         send,
		closeSignals: closeSignals,
		observed:     make(map[string]func()),
	}

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		session.dispatch(r, inbound)
	}

	close(closeSignals)
	session.cancelAll()
	// Observer forwarders must drain out before send closes, or a late
	// event would hit a closed channel.
	session.forwarders.Wait()
	close(send)
	<-writerDone
}

// connSession is the per-connection state: the authenticated user and the
// broadcast scopes this connection observes.
type connSession struct {
	handler      *WSHandler
	send         chan outboundMessage[any]
	closeSignals chan struct{}
	user         domain.User
	observed     map[string]func()
	forwarders   sync.WaitGroup
}

func (c *connSession) dispatch(r *http.Request, inbound inboundMessage) {
	ctx := r.Context()
	service := c.handler.service

	if inbound.Type == "authenticate" {
		var payload authenticatePayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			c.sendError(errors.New("invalid authenticate payload"))
			return
		}
		user, err := c.handler.verifyToken(payload.Token)
		if err != nil {
			c.sendError(domain.ErrNotAuthenticated)
			return
		}
		c.user = user
		// Teachers and admins observe fleet-wide events from here on.
		if authorized(user, domain.RoleTeacher, domain.RoleAdmin) {
			c.observe(app.GlobalScope)
		}
		c.reply("authenticated", user)
		return
	}

	if c.user.ID == "" {
		c.sendError(domain.ErrNotAuthenticated)
		return
	}

	switch inbound.Type {
	case "start_quiz":
		var payload quizPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			c.sendError(errors.New("invalid start_quiz payload"))
			return
		}
		result, err := service.StartSession(ctx, c.user, payload.QuizID)
		if err != nil {
			c.sendError(err)
			return
		}
		c.observe(result.AttemptID)
		c.reply("quiz_started", result)

	case "start_timer":
		var payload attemptPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			c.sendError(errors.New("invalid start_timer payload"))
			return
		}
		result, err := service.ResumeSession(ctx, c.user, payload.AttemptID)
		if err != nil {
			c.sendError(err)
			return
		}
		if result.AutoSubmitted {
			c.reply("quiz_submitted", result.Grade)
			return
		}
		c.observe(payload.AttemptID)
		c.reply("timer_update", map[string]int{"remaining_time": result.RemainingSec})

	case "get_attempt":
		var payload attemptPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			c.sendError(errors.New("invalid get_attempt payload"))
			return
		}
		view, err := service.GetAttempt(ctx, c.user, payload.AttemptID)
		if err != nil {
			c.sendError(err)
			return
		}
		c.reply("attempt", view)

	case "sync_state":
		var payload syncPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			c.sendError(errors.New("invalid sync_state payload"))
			return
		}
		merged, err := service.SyncState(ctx, c.user, payload.AttemptID, payload.State)
		if err != nil {
			c.sendError(err)
			return
		}
		c.reply("state_synced", map[string]any{
			"attempt_id": payload.AttemptID,
			"client_id":  payload.ClientID,
			"state":      merged,
		})

	case "submit_attempt":
		var payload attemptPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			c.sendError(errors.New("invalid submit_attempt payload"))
			return
		}
		result, err := service.SubmitSession(ctx, c.user, payload.AttemptID)
		if err != nil {
			c.sendError(err)
			return
		}
		c.reply("quiz_submitted", result)

	case "admin_get_live_attempts":
		var payload filterPayload
		if len(inbound.Payload) > 0 {
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				c.sendError(errors.New("invalid admin_get_live_attempts payload"))
				return
			}
		}
		attempts, err := service.ListLiveAttempts(ctx, c.user, payload.Filters)
		if err != nil {
			c.sendError(err)
			return
		}
		c.reply("live_attempts", attempts)

	case "admin_reset_timer":
		var payload resetTimerPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			c.sendError(errors.New("invalid admin_reset_timer payload"))
			return
		}
		remaining, err := service.ResetTimer(ctx, c.user, payload.AttemptID, payload.NewDuration)
		if err != nil {
			c.sendError(err)
			return
		}
		c.reply("timer_reset", map[string]any{"attempt_id": payload.AttemptID, "remaining_time": remaining})

	case "admin_reset_assignment":
		var payload resetAssignmentPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			c.sendError(errors.New("invalid admin_reset_assignment payload"))
			return
		}
		if err := service.ResetAssignment(ctx, c.user, payload.QuizID, payload.StudentID); err != nil {
			c.sendError(err)
			return
		}
		c.reply("assignment_reset", map[string]string{"quiz_id": payload.QuizID, "student_id": payload.StudentID})

	case "admin_mass_reset_timers":
		var payload massTimerPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			c.sendError(errors.New("invalid admin_mass_reset_timers payload"))
			return
		}
		result, err := service.MassResetTimers(ctx, c.user, payload.Filters, payload.NewDuration)
		if err != nil {
			c.sendError(err)
			return
		}
		c.reply("mass_op_result", result)

	case "admin_mass_reset_assignments":
		var payload massAssignmentPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			c.sendError(errors.New("invalid admin_mass_reset_assignments payload"))
			return
		}
		result, err := service.MassResetAssignments(ctx, c.user, payload.Filters)
		if err != nil {
			c.sendError(err)
			return
		}
		c.reply("mass_op_result", result)

	default:
		c.sendError(errors.New("unsupported message type"))
	}
}

// observe attaches this connection to a broadcast scope and forwards its
// events into the writer, once per scope.
func (c *connSession) observe(scopeID string) {
	if _, ok := c.observed[scopeID]; ok {
		return
	}
	events, cancel := c.handler.service.Observe(scopeID)
	c.observed[scopeID] = cancel

	c.forwarders.Add(1)
	go func() {
		defer c.forwarders.Done()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				select {
				case c.send <- outboundMessage[any]{Type: ev.Type, Payload: ev}:
				case <-c.closeSignals:
					return
				}
			case <-c.closeSignals:
				return
			}
		}
	}()
}

func (c *connSession) cancelAll() {
	for _, cancel := range c.observed {
		cancel()
	}
	c.observed = make(map[string]func())
}

func (c *connSession) reply(msgType string, payload any) {
	select {
	case c.send <- outboundMessage[any]{Type: msgType, Payload: payload}:
	case <-c.closeSignals:
	}
}

// sendError reports a per-command failure without dropping the connection.
func (c *connSession) sendError(err error) {
	c.reply("error", errorPayload{Code: errorCode(err), Message: err.Error()})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotAuthenticated):
		return "not_authenticated"
	case errors.Is(err, domain.ErrNotAssigned):
		return "not_assigned"
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrQuizNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	case errors.Is(err, domain.ErrAlreadyInProgress):
		return "already_in_progress"
	case errors.Is(err, domain.ErrAlreadyCompleted):
		return "already_completed"
	case errors.Is(err, domain.ErrNoQuestions):
		return "no_questions"
	case errors.Is(err, domain.ErrStorage):
		return "storage_failure"
	default:
		return "bad_request"
	}
}

// verifyToken parses the HMAC-signed JWT and extracts the user identity.
func (h *WSHandler) verifyToken(tokenStr string) (domain.User, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return h.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return domain.User{}, domain.ErrNotAuthenticated
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return domain.User{}, domain.ErrNotAuthenticated
	}
	userID, _ := claims["user_id"].(string)
	if userID == "" {
		userID, _ = claims["sub"].(string)
	}
	if userID == "" {
		return domain.User{}, domain.ErrNotAuthenticated
	}
	role, _ := claims["role"].(string)
	if role == "" {
		role = string(domain.RoleStudent)
	}
	name, _ := claims["name"].(string)

	return domain.User{ID: userID, Name: name, Role: domain.Role(role)}, nil
}

func authorized(user domain.User, roles ...domain.Role) bool {
	for _, role := range roles {
		if user.Role == role {
			return true
		}
	}
	return false
}
