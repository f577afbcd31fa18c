// Package testutil provides an in-process fake hypervisor speaking the
// subset of the /1.0 REST API this module drives.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/canonical/lxdops/pkg/lxdops/core"
)

// Outcome decides how an operation created for resource finishes. Returning
// StatusRunning leaves it running until Complete is called.
type Outcome func(class, resource string) (core.Status, string)

// Instance is the fake's view of an instance
type Instance struct {
	Name    string `json:"name"`
	Project string `json:"project"`
	Status  string `json:"status"`
	Type    string `json:"type"`
}

type fakeOperation struct {
	op       core.Operation
	resource string
	done     chan struct{}
}

// Server is a fake hypervisor. Zero configuration leaves every created
// operation running until Complete is called.
type Server struct {
	*httptest.Server

	// Outcome, when set, settles new operations right after they are created
	Outcome Outcome
	// WaitCap bounds how long /wait blocks regardless of the requested timeout
	WaitCap time.Duration

	mu          sync.Mutex
	operations  map[string]*fakeOperation
	instances   map[string]*Instance
	rejections  map[string]string
	waitURIs    []string
	subscribers map[chan core.Event]struct{}
	console     map[string]string
	uploads     [][]byte
}

// NewServer starts a fake hypervisor. Callers must Close it.
func NewServer() *Server {
	s := &Server{
		WaitCap:     200 * time.Millisecond,
		operations:  make(map[string]*fakeOperation),
		instances:   make(map[string]*Instance),
		rejections:  make(map[string]string),
		subscribers: make(map[chan core.Event]struct{}),
		console:     make(map[string]string),
	}

	router := mux.NewRouter()
	api := router.PathPrefix("/1.0").Subrouter()
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/operations/{id}", s.handleGetOperation).Methods(http.MethodGet)
	api.HandleFunc("/operations/{id}", s.handleCancelOperation).Methods(http.MethodDelete)
	api.HandleFunc("/operations/{id}/wait", s.handleWaitOperation).Methods(http.MethodGet)
	api.HandleFunc("/instances", s.handleListInstances).Methods(http.MethodGet)
	api.HandleFunc("/instances", s.handleCreateInstance).Methods(http.MethodPost)
	api.HandleFunc("/instances/{name}", s.handleDeleteInstance).Methods(http.MethodDelete)
	api.HandleFunc("/instances/{name}/state", s.handleUpdateState).Methods(http.MethodPut)
	api.HandleFunc("/instances/{name}/console", s.handleConsole).Methods(http.MethodGet)
	api.HandleFunc("/instances/{name}/snapshots/{snapshot}", s.handleDeleteSnapshot).Methods(http.MethodDelete)

	s.Server = httptest.NewServer(router)
	return s
}

// AddInstance seeds an instance in the given status
func (s *Server) AddInstance(name, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[name] = &Instance{Name: name, Project: "default", Status: status, Type: "container"}
}

// InstanceStatus returns the current status of a seeded instance
func (s *Server) InstanceStatus(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instances[name]; ok {
		return inst.Status
	}
	return ""
}

// SetConsole sets the console buffer returned for an instance
func (s *Server) SetConsole(name, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.console[name] = content
}

// Reject makes every mutating request against resource fail with message
func (s *Server) Reject(resource, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejections[resource] = message
}

// CreateOperation registers a running operation and returns its status URL
func (s *Server) CreateOperation(class, resource string) (core.OperationID, string) {
	s.mu.Lock()
	fop := s.newOperationLocked(class, resource)
	s.mu.Unlock()
	return fop.op.ID, "/1.0/operations/" + string(fop.op.ID)
}

// Complete settles an operation and pushes its event to stream subscribers
func (s *Server) Complete(id core.OperationID, status core.Status, errMsg string) {
	s.mu.Lock()
	fop, ok := s.operations[string(id)]
	if !ok || fop.op.Status.IsTerminal() {
		s.mu.Unlock()
		return
	}
	fop.op.Status = status
	fop.op.Err = errMsg
	fop.op.UpdatedAt = time.Now().UTC()
	close(fop.done)
	if status == core.StatusSuccess {
		s.applyLocked(fop)
	}
	op := fop.op
	s.mu.Unlock()

	s.Publish(&op)
}

// Publish pushes an operation event to every stream subscriber
func (s *Server) Publish(op *core.Operation) {
	event, err := core.NewOperationEvent(op)
	if err != nil {
		return
	}
	event.Project = "default"

	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribers reports how many event streams are connected
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// Operation returns a copy of a known operation
func (s *Server) Operation(id core.OperationID) (core.Operation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fop, ok := s.operations[string(id)]
	if !ok {
		return core.Operation{}, false
	}
	return fop.op, true
}

// Operations returns the ids of every operation created so far
func (s *Server) Operations() []core.OperationID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]core.OperationID, 0, len(s.operations))
	for id := range s.operations {
		ids = append(ids, core.OperationID(id))
	}
	return ids
}

// WaitURIs returns the request URIs of every /wait call in arrival order
func (s *Server) WaitURIs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.waitURIs...)
}

// Uploads returns the bodies received by instance uploads
func (s *Server) Uploads() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.uploads...)
}

func (s *Server) newOperationLocked(class, resource string) *fakeOperation {
	now := time.Now().UTC()
	id := uuid.New().String()
	fop := &fakeOperation{
		op: core.Operation{
			ID:          core.OperationID(id),
			Class:       "task",
			Description: class,
			CreatedAt:   now,
			UpdatedAt:   now,
			Status:      core.StatusRunning,
			StatusCode:  103,
			Resources:   map[string][]string{"instances": {"/1.0/instances/" + resource}},
			MayCancel:   true,
		},
		resource: resource,
		done:     make(chan struct{}),
	}
	s.operations[id] = fop
	return fop
}

// applyLocked mutates instance state once an operation succeeds
func (s *Server) applyLocked(fop *fakeOperation) {
	inst, ok := s.instances[fop.resource]
	if !ok {
		return
	}
	switch fop.op.Description {
	case "start", "unfreeze", "restart":
		inst.Status = "Running"
	case "stop":
		inst.Status = "Stopped"
	case "freeze":
		inst.Status = "Frozen"
	case "delete":
		delete(s.instances, fop.resource)
	}
}

// startOperation answers an async request and settles the operation when an
// Outcome is configured.
func (s *Server) startOperation(w http.ResponseWriter, class, resource string) {
	s.mu.Lock()
	if msg, rejected := s.rejections[resource]; rejected {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	fop := s.newOperationLocked(class, resource)
	op := fop.op
	outcome := s.Outcome
	s.mu.Unlock()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"type":        core.ResponseTypeAsync,
		"status":      "Operation created",
		"status_code": 100,
		"operation":   "/1.0/operations/" + string(op.ID),
		"metadata":    op,
	})

	if outcome == nil {
		return
	}
	status, msg := outcome(class, resource)
	if status == core.StatusRunning {
		return
	}
	go func() {
		time.Sleep(5 * time.Millisecond)
		s.Complete(op.ID, status, msg)
	}()
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	op, ok := s.Operation(core.OperationID(mux.Vars(r)["id"]))
	if !ok {
		writeError(w, http.StatusNotFound, "Operation not found")
		return
	}
	writeSync(w, op)
}

func (s *Server) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	id := core.OperationID(mux.Vars(r)["id"])
	if _, ok := s.Operation(id); !ok {
		writeError(w, http.StatusNotFound, "Operation not found")
		return
	}
	s.Complete(id, core.StatusCancelled, "Operation cancelled")
	writeSync(w, map[string]interface{}{})
}

func (s *Server) handleWaitOperation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	s.waitURIs = append(s.waitURIs, r.URL.RequestURI())
	fop, ok := s.operations[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Operation not found")
		return
	}

	wait := s.WaitCap
	if seconds, err := strconv.Atoi(r.URL.Query().Get("timeout")); err == nil && seconds >= 0 {
		if requested := time.Duration(seconds) * time.Second; requested < wait {
			wait = requested
		}
	}

	select {
	case <-fop.done:
	case <-time.After(wait):
	case <-r.Context().Done():
		return
	}

	op, _ := s.Operation(core.OperationID(id))
	writeSync(w, op)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	list := make([]Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		list = append(list, *inst)
	}
	s.mu.Unlock()
	writeSync(w, list)
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	s.uploads = append(s.uploads, body)
	s.mu.Unlock()

	name := r.Header.Get("X-LXD-name")
	if name == "" {
		name = "restored"
	}
	s.startOperation(w, "create", name)
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	s.startOperation(w, "delete", mux.Vars(r)["name"])
}

func (s *Server) handleUpdateState(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Action string `json:"action"`
		Force  bool   `json:"force"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.startOperation(w, req.Action, mux.Vars(r)["name"])
}

func (s *Server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.startOperation(w, "delete-snapshot", vars["name"]+"/"+vars["snapshot"])
}

func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	s.mu.Lock()
	content, ok := s.console[name]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Instance not found")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, content)
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// handleEvents serves the push channel as a websocket, or as server-sent
// events when the client asks for text/event-stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ch := make(chan core.Event, 64)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subscribers, ch)
		s.mu.Unlock()
	}()

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.serveSSE(w, r, ch)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event := <-ch:
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, ch chan core.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case event := <-ch:
			data, err := json.Marshal(event)
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeSync(w http.ResponseWriter, metadata interface{}) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"type":        core.ResponseTypeSync,
		"status":      "Success",
		"status_code": 200,
		"metadata":    metadata,
	})
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]interface{}{
		"type":       core.ResponseTypeError,
		"error":      message,
		"error_code": code,
	})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
