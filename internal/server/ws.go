package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"clarvis/internal/hub"
	"clarvis/internal/session"
)

// Direct replies sent to the requesting WebSocket connection.
const (
	replyConnected       = "connected"
	replySessions        = "sessions"
	replyProjects        = "projects"
	replyProjectCreated  = "project_created"
	replyModels          = "models"
	replyCommands        = "commands"
	replySubscribed      = "subscribed"
	replyUnsubscribed    = "unsubscribed"
	replyHistory         = "history"
	replyQueryStarted    = "query_started"
	replyInterruptResult = "interrupt_result"
	replyPermission      = "permission_result"
	replySessionDeleted  = "session_deleted"
	replySessionRenamed  = "session_renamed"
	replySessionInfo     = "session_info"
	replyPong            = "pong"
	replyError           = "error"
)

// wsRequest is any client frame. Fields are read according to Type.
type wsRequest struct {
	Type         string          `json:"type"`
	SessionID    string          `json:"sessionId"`
	RequestID    string          `json:"requestId"`
	Decision     string          `json:"decision"`
	UpdatedInput json.RawMessage `json:"updatedInput"`
	Name         string          `json:"name"`
	Options      *queryOptions   `json:"options"`
}

type queryOptions struct {
	Prompt            string `json:"prompt"`
	Cwd               string `json:"cwd"`
	Name              string `json:"name"`
	Resume            string `json:"resume"`
	Model             string `json:"model"`
	PermissionMode    string `json:"permissionMode"`
	SystemPrompt      string `json:"systemPrompt"`
	PermissionTimeout *int64 `json:"permissionTimeout"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade", zap.Error(err))
		return
	}
	c := hub.NewClient(conn, s.log)
	s.hub.Register(c)
	defer s.hub.Unregister(c.ID())
	s.log.Debug("websocket connected", zap.String("conn", c.ID()), zap.String("remote", r.RemoteAddr))

	go c.WritePump()
	s.hub.SendTo(c.ID(), hub.Event{Type: replyConnected, Data: map[string]any{"connectionId": c.ID()}})
	c.ReadLoop(func(data []byte) { s.dispatch(c.ID(), data) })
}

// dispatch handles one client frame. Failures are reported to the client
// as error events; the connection stays open.
func (s *Server) dispatch(connID string, data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.reply(connID, replyError, "", map[string]any{"error": "Invalid JSON"})
		return
	}
	if err := s.handleFrame(connID, req); err != nil {
		s.reply(connID, replyError, req.SessionID, map[string]any{"error": err.Error()})
	}
}

func (s *Server) handleFrame(connID string, req wsRequest) error {
	switch req.Type {
	case "ping":
		s.reply(connID, replyPong, "", nil)

	case "list_sessions":
		s.reply(connID, replySessions, "", map[string]any{"sessions": s.reg.List()})

	case "list_projects":
		projects, err := DiscoverProjects(s.root, s.reg.List())
		if err != nil {
			return err
		}
		s.reply(connID, replyProjects, "", map[string]any{"projects": projects})

	case "create_project":
		p, err := CreateProject(s.root, req.Name)
		if err != nil {
			return err
		}
		s.reply(connID, replyProjectCreated, "", map[string]any{"project": p})

	case "get_models":
		s.reply(connID, replyModels, "", map[string]any{"models": s.orch.Models()})

	case "get_commands":
		s.reply(connID, replyCommands, "", map[string]any{"commands": s.orch.Commands()})

	case "subscribe":
		if req.SessionID == "" {
			return fmt.Errorf("sessionId required: %w", session.ErrInvalid)
		}
		s.hub.Subscribe(connID, req.SessionID)
		s.reply(connID, replySubscribed, req.SessionID, nil)

	case "resume":
		sess, ok := s.reg.Get(req.SessionID)
		if !ok {
			return fmt.Errorf("session %s: %w", req.SessionID, session.ErrNotFound)
		}
		s.hub.Subscribe(connID, sess.ID)
		s.reply(connID, replySessionInfo, sess.ID, map[string]any{
			"session": sessionView{Session: sess, Queue: s.reg.Queue(sess.ID)},
		})

	case "unsubscribe":
		if req.SessionID == "" {
			return fmt.Errorf("sessionId required: %w", session.ErrInvalid)
		}
		s.hub.Unsubscribe(connID, req.SessionID)
		s.reply(connID, replyUnsubscribed, req.SessionID, nil)

	case "query":
		return s.wsQuery(connID, req)

	case "get_history":
		sess, ok := s.reg.Get(req.SessionID)
		if !ok {
			return fmt.Errorf("session %s: %w", req.SessionID, session.ErrNotFound)
		}
		s.reply(connID, replyHistory, sess.ID, map[string]any{"messages": sess.Messages})

	case "interrupt":
		ok := s.orch.Interrupt(req.SessionID)
		s.reply(connID, replyInterruptResult, req.SessionID, map[string]any{"success": ok})

	case "permission":
		if !s.broker.Respond(req.RequestID, decisionBehavior(req.Decision), req.UpdatedInput) {
			return fmt.Errorf("permission request %s: %w", req.RequestID, session.ErrNotFound)
		}
		s.reply(connID, replyPermission, req.SessionID, map[string]any{"requestId": req.RequestID, "success": true})

	case "delete_session":
		ok, err := s.deleteSession(req.SessionID)
		if err != nil {
			return err
		}
		s.reply(connID, replySessionDeleted, req.SessionID, map[string]any{"success": ok})

	case "rename_session":
		sess, err := s.renameSession(req.SessionID, req.Name)
		if err != nil {
			return err
		}
		s.reply(connID, replySessionRenamed, sess.ID, map[string]any{"name": sess.Name})

	default:
		return fmt.Errorf("unknown message type: %q", req.Type)
	}
	return nil
}

// wsQuery runs a prompt on an existing session, or creates one in
// options.cwd when no session id is given. The connection is subscribed
// before the prompt starts so it sees every event.
func (s *Server) wsQuery(connID string, req wsRequest) error {
	opts := req.Options
	if opts == nil || opts.Prompt == "" {
		return fmt.Errorf("prompt required: %w", session.ErrInvalid)
	}

	id := req.SessionID
	if id == "" {
		if opts.Cwd == "" {
			return fmt.Errorf("cwd required: %w", session.ErrInvalid)
		}
		sess, err := s.createSession(session.CreateOptions{
			WorkingDirectory:  opts.Cwd,
			Name:              opts.Name,
			Model:             opts.Model,
			PermissionMode:    opts.PermissionMode,
			SystemPrompt:      opts.SystemPrompt,
			PermissionTimeout: opts.PermissionTimeout,
		})
		if err != nil {
			return err
		}
		id = sess.ID
		if opts.Resume != "" {
			if _, err := s.reg.SetAgentSessionID(id, opts.Resume); err != nil {
				return err
			}
		}
	} else if _, ok := s.reg.Get(id); !ok {
		return fmt.Errorf("session %s: %w", id, session.ErrNotFound)
	}

	s.hub.Subscribe(connID, id)
	res, err := s.submit(id, opts.Prompt)
	if err != nil {
		return err
	}
	data := map[string]any{"queued": res.Queued}
	if res.Queued {
		data["prompt"] = res.Prompt
	}
	s.reply(connID, replyQueryStarted, id, data)
	return nil
}

func (s *Server) reply(connID, typ, sessionID string, data map[string]any) {
	ev := hub.Event{Type: typ, SessionID: sessionID}
	if data != nil {
		ev.Data = data
	}
	s.hub.SendTo(connID, ev)
}
