package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"clarvis/internal/agent"
	"clarvis/internal/hub"
	"clarvis/internal/orchestrator"
	"clarvis/internal/session"
)

// sessionView is the full record returned by GET /api/sessions/{id}.
type sessionView struct {
	*session.Session
	Queue []session.QueuedPrompt `json:"queue"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.List())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var opts session.CreateOptions
	if err := decodeBody(r, &opts); err != nil {
		s.writeError(w, err)
		return
	}
	sess, err := s.createSession(opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Summarize())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.reg.Get(mux.Vars(r)["id"])
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Session not found"})
		return
	}
	writeJSON(w, http.StatusOK, sessionView{Session: sess, Queue: s.reg.Queue(sess.ID)})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	ok, err := s.deleteSession(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Session not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.reg.Get(id); !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Session not found"})
		return
	}
	var body struct {
		Prompt string `json:"prompt"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.submit(id, body.Prompt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if res.Queued {
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "queued": res.Prompt})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "running"})
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.reg.Get(id); !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Session not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": s.reg.Queue(id)})
}

func (s *Server) handleCancelQueued(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !s.orch.CancelQueued(vars["id"], vars["promptId"]) {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "Queued prompt not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"success": s.orch.Interrupt(mux.Vars(r)["id"])})
}

func (s *Server) handleFork(w http.ResponseWriter, r *http.Request) {
	fork, err := s.reg.Fork(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.activity.SessionEvent(fork.ID, "forked")
	sum := fork.Summarize()
	s.hub.BroadcastAll(hub.Event{Type: EventSessionCreated, SessionID: fork.ID, Data: map[string]any{"session": sum}})
	writeJSON(w, http.StatusCreated, sum)
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	sess, err := s.renameSession(mux.Vars(r)["id"], body.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Summarize())
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Archived *bool `json:"archived"`
	}{}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	archived := body.Archived == nil || *body.Archived
	sess, err := s.reg.Archive(mux.Vars(r)["id"], archived)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if archived {
		s.activity.SessionEvent(sess.ID, "archived")
	} else {
		s.activity.SessionEvent(sess.ID, "unarchived")
	}
	s.publishUpdated(sess)
	writeJSON(w, http.StatusOK, sess.Summarize())
}

func (s *Server) handleSetModel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Model string `json:"model"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	sess, err := s.reg.SetModel(mux.Vars(r)["id"], body.Model)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.publishUpdated(sess)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "model": sess.Config.Model})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	sess, err := s.reg.ClearMessages(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.activity.SessionEvent(sess.ID, "cleared")
	s.publishUpdated(sess)
	writeJSON(w, http.StatusOK, sess.Summarize())
}

func (s *Server) handlePendingPermissions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"requests": s.broker.Pending(mux.Vars(r)["id"])})
}

func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Decision     string          `json:"decision"`
		UpdatedInput json.RawMessage `json:"updatedInput"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	ok := s.broker.Respond(mux.Vars(r)["requestId"], decisionBehavior(body.Decision), body.UpdatedInput)
	status := http.StatusOK
	if !ok {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]bool{"success": ok})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Models())
}

func (s *Server) handleCommands(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Commands())
}

func (s *Server) handleProjects(w http.ResponseWriter, _ *http.Request) {
	projects, err := DiscoverProjects(s.root, s.reg.List())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

// Operations shared by the REST and WebSocket front ends.

func (s *Server) createSession(opts session.CreateOptions) (*session.Session, error) {
	sess, err := s.reg.Create(opts)
	if err != nil {
		return nil, err
	}
	s.activity.SessionEvent(sess.ID, "created")
	s.hub.BroadcastAll(hub.Event{Type: EventSessionCreated, SessionID: sess.ID, Data: map[string]any{"session": sess.Summarize()}})
	return sess, nil
}

func (s *Server) deleteSession(id string) (bool, error) {
	ok, err := s.orch.DeleteSession(id)
	if err != nil || !ok {
		return ok, err
	}
	s.hub.BroadcastAll(hub.Event{Type: EventSessionDeleted, SessionID: id})
	return true, nil
}

func (s *Server) renameSession(id, name string) (*session.Session, error) {
	sess, err := s.reg.Rename(id, name)
	if err != nil {
		return nil, err
	}
	s.activity.SessionEvent(id, "renamed")
	s.hub.BroadcastAll(hub.Event{Type: EventSessionRenamed, SessionID: id, Data: map[string]any{"name": sess.Name}})
	return sess, nil
}

func (s *Server) submit(id, prompt string) (orchestrator.SubmitResult, error) {
	res, err := s.orch.Submit(id, prompt)
	if err != nil {
		return res, err
	}
	if res.Queued {
		s.metrics.prompts.WithLabelValues("queued").Inc()
	} else {
		s.metrics.prompts.WithLabelValues("started").Inc()
	}
	return res, nil
}

func (s *Server) publishUpdated(sess *session.Session) {
	s.hub.BroadcastAll(hub.Event{Type: EventSessionUpdated, SessionID: sess.ID, Data: map[string]any{"session": sess.Summarize()}})
}

func decisionBehavior(decision string) agent.Behavior {
	if decision == string(agent.Allow) {
		return agent.Allow
	}
	return agent.Deny
}
