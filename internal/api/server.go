// Package api serves the HTTP surface next to the WebSocket endpoint: user
// and conversation bookkeeping, group membership, history with delivery
// reconciliation, presence lookups, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"chatline/internal/logging"
	"chatline/internal/presence"
	"chatline/pkg/interfaces"
	"chatline/pkg/types"
)

// Store is everything the HTTP handlers read and write.
type Store interface {
	interfaces.Store
	interfaces.DirectoryStore
}

// Presence answers who is online.
type Presence interface {
	Lookup(userID types.ID) (presence.Entry, bool)
	Online() []types.ID
}

// Reconciler advances fetched messages the reader had not acknowledged.
type Reconciler interface {
	ReconcileRead(ctx context.Context, readerID types.ID, msgs []*types.Message) int
}

// Loop runs a task on the event loop and waits for it.
type Loop interface {
	Do(ctx context.Context, task func(context.Context)) error
}

// Connections reports how many sockets are open.
type Connections interface {
	Count() int
}

// Deps are the collaborators of the server. Loop, Connections and Metrics are optional.
type Deps struct {
	Store       Store
	Presence    Presence
	Reconciler  Reconciler
	Loop        Loop
	Connections Connections
	Metrics     http.Handler
	Logger      *zap.Logger
}

// Server routes HTTP requests; it holds no delivery logic of its own.
type Server struct {
	deps    Deps
	logger  *zap.Logger
	router  *http.ServeMux
	started time.Time
}

// NewServer creates the server and registers its routes.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:    deps,
		logger:  logging.Component(deps.Logger, "api"),
		router:  http.NewServeMux(),
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.handle("POST /api/users", s.createUser)
	s.handle("GET /api/users", s.listUsers)
	s.handle("GET /api/users/lookup", s.findUserByPhone)
	s.handle("GET /api/users/{id}", s.getUser)
	s.handle("GET /api/users/{id}/conversations", s.listUserConversations)
	s.handle("POST /api/conversations/private", s.createPrivateConversation)
	s.handle("POST /api/conversations/group", s.createGroupConversation)
	s.handle("GET /api/conversations/{id}", s.getConversation)
	s.handle("POST /api/conversations/{id}/participants", s.addParticipant)
	s.handle("DELETE /api/conversations/{id}/participants/{user_id}", s.removeParticipant)
	s.handle("GET /api/conversations/{id}/messages", s.getHistory)
	s.handle("GET /api/presence/{id}", s.getPresence)
	s.handle("GET /health", s.healthCheck)
	s.router.Handle("OPTIONS /", s.corsMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})))

	if s.deps.Metrics != nil {
		s.router.Handle("GET /metrics", s.deps.Metrics)
	}
}

func (s *Server) handle(pattern string, fn http.HandlerFunc) {
	s.router.Handle(pattern, s.corsMiddleware(s.jsonMiddleware(fn)))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type CreateUserRequest struct {
	Name         string  `json:"name"`
	PhoneNumber  string  `json:"phone_number"`
	ProfilePhoto *string `json:"profile_photo,omitempty"`
}

type CreatePrivateRequest struct {
	UserID      types.ID `json:"user_id"`
	OtherUserID types.ID `json:"other_user_id"`
}

type CreateGroupRequest struct {
	CreatedBy   types.ID   `json:"created_by"`
	Name        string     `json:"name"`
	Description *string    `json:"description,omitempty"`
	GroupPhoto  *string    `json:"group_photo,omitempty"`
	MemberIDs   []types.ID `json:"member_ids"`
}

type AddParticipantRequest struct {
	UserID  types.ID `json:"user_id"`
	AddedBy types.ID `json:"added_by"`
}

type RemoveParticipantRequest struct {
	RemovedBy types.ID `json:"removed_by"`
}

type ParticipantResponse struct {
	types.Participant
	User *types.User `json:"user"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type ConversationResponse struct {
	Conversation *types.Conversation `json:"conversation"`
	Created      bool                `json:"created"`
}

type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Database    string    `json:"database"`
	Connections int       `json:"connections"`
	OnlineUsers int       `json:"online_users"`
	Uptime      string    `json:"uptime"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// POST /api/users
func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	user := &types.User{Name: req.Name, PhoneNumber: req.PhoneNumber, ProfilePhoto: req.ProfilePhoto}
	if err := s.deps.Store.CreateUser(r.Context(), user); err != nil {
		switch {
		case errors.Is(err, types.ErrInvalidName), errors.Is(err, types.ErrInvalidPhoneNumber):
			s.sendError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, interfaces.ErrDuplicateUser):
			s.sendError(w, "Phone number already registered", http.StatusConflict)
		default:
			s.serverError(w, "Failed to create user", err)
		}
		return
	}

	s.sendJSON(w, http.StatusCreated, user)
}

// GET /api/users/{id}
func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathID(w, r, "Invalid user ID")
	if !ok {
		return
	}

	user, err := s.deps.Store.GetUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, interfaces.ErrUserNotFound) {
			s.sendError(w, "User not found", http.StatusNotFound)
		} else {
			s.serverError(w, "Failed to get user", err)
		}
		return
	}
	s.sendJSON(w, http.StatusOK, user)
}

// GET /api/users?exclude=N
//
// Lists everyone but the caller, by name, for picking a chat partner.
func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	var exclude types.ID
	if raw := r.URL.Query().Get("exclude"); raw != "" {
		id, err := types.ParseID(raw)
		if err != nil {
			s.sendError(w, "Invalid user ID", http.StatusBadRequest)
			return
		}
		exclude = id
	}

	users, err := s.deps.Store.ListUsers(r.Context(), exclude)
	if err != nil {
		s.serverError(w, "Failed to list users", err)
		return
	}
	if users == nil {
		users = []*types.User{}
	}
	s.sendJSON(w, http.StatusOK, users)
}

// GET /api/users/lookup?phone_number=
func (s *Server) findUserByPhone(w http.ResponseWriter, r *http.Request) {
	phone := r.URL.Query().Get("phone_number")
	if phone == "" {
		s.sendError(w, "Phone number is required", http.StatusBadRequest)
		return
	}

	user, err := s.deps.Store.FindUserByPhone(r.Context(), phone)
	if err != nil {
		if errors.Is(err, interfaces.ErrUserNotFound) {
			s.sendError(w, "User not found", http.StatusNotFound)
		} else {
			s.serverError(w, "Failed to find user", err)
		}
		return
	}
	s.sendJSON(w, http.StatusOK, user)
}

// GET /api/users/{id}/conversations
func (s *Server) listUserConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathID(w, r, "Invalid user ID")
	if !ok {
		return
	}

	summaries, err := s.deps.Store.ListConversationSummaries(r.Context(), userID)
	if err != nil {
		s.serverError(w, "Failed to list conversations", err)
		return
	}
	if summaries == nil {
		summaries = []*types.ConversationSummary{}
	}
	s.sendJSON(w, http.StatusOK, summaries)
}

// POST /api/conversations/private
func (s *Server) createPrivateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreatePrivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.UserID == 0 || req.OtherUserID == 0 || req.UserID == req.OtherUserID {
		s.sendError(w, types.ErrSelfConversation.Error(), http.StatusBadRequest)
		return
	}
	if !s.usersExist(r.Context(), w, req.UserID, req.OtherUserID) {
		return
	}

	conv, created, err := s.deps.Store.GetOrCreatePrivateConversation(r.Context(), req.UserID, req.OtherUserID)
	if err != nil {
		s.serverError(w, "Failed to create conversation", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.sendJSON(w, status, ConversationResponse{Conversation: conv, Created: created})
}

// POST /api/conversations/group
func (s *Server) createGroupConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.CreatedBy == 0 {
		s.sendError(w, "Creator ID is required", http.StatusBadRequest)
		return
	}
	if !s.usersExist(r.Context(), w, append([]types.ID{req.CreatedBy}, req.MemberIDs...)...) {
		return
	}

	name := req.Name
	conv := &types.Conversation{
		Name:        &name,
		Description: req.Description,
		Photo:       req.GroupPhoto,
		CreatedBy:   &req.CreatedBy,
	}
	if err := s.deps.Store.CreateGroupConversation(r.Context(), conv, req.MemberIDs); err != nil {
		switch {
		case errors.Is(err, types.ErrInvalidName), errors.Is(err, types.ErrEmptyMemberList):
			s.sendError(w, err.Error(), http.StatusBadRequest)
		default:
			s.serverError(w, "Failed to create conversation", err)
		}
		return
	}

	s.sendJSON(w, http.StatusCreated, ConversationResponse{Conversation: conv, Created: true})
}

// GET /api/conversations/{id}
func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := s.pathID(w, r, "Invalid conversation ID")
	if !ok {
		return
	}

	ctx := r.Context()
	conv, err := s.deps.Store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, interfaces.ErrConversationNotFound) {
			s.sendError(w, "Conversation not found", http.StatusNotFound)
		} else {
			s.serverError(w, "Failed to get conversation", err)
		}
		return
	}

	members, err := s.deps.Store.ListParticipants(ctx, conversationID)
	if err != nil {
		s.serverError(w, "Failed to list participants", err)
		return
	}
	if members == nil {
		members = []*types.Member{}
	}
	s.sendJSON(w, http.StatusOK, types.ConversationDetail{Conversation: *conv, Participants: members})
}

// POST /api/conversations/{id}/participants
func (s *Server) addParticipant(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := s.pathID(w, r, "Invalid conversation ID")
	if !ok {
		return
	}
	var req AddParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.UserID == 0 || req.AddedBy == 0 {
		s.sendError(w, "user_id and added_by are required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	participant, err := s.deps.Store.AddParticipant(ctx, conversationID, req.UserID, req.AddedBy)
	if err != nil {
		s.membershipError(w, "Failed to add participant", err)
		return
	}
	user, err := s.deps.Store.GetUser(ctx, req.UserID)
	if err != nil {
		s.serverError(w, "Failed to get user", err)
		return
	}
	s.logger.Info("participant added",
		zap.Int64("conversation_id", int64(conversationID)),
		zap.Int64("user_id", int64(req.UserID)),
		zap.Int64("added_by", int64(req.AddedBy)))
	s.sendJSON(w, http.StatusCreated, ParticipantResponse{Participant: *participant, User: user})
}

// DELETE /api/conversations/{id}/participants/{user_id}
func (s *Server) removeParticipant(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := s.pathID(w, r, "Invalid conversation ID")
	if !ok {
		return
	}
	userID, err := types.ParseID(r.PathValue("user_id"))
	if err != nil || userID == 0 {
		s.sendError(w, "Invalid user ID", http.StatusBadRequest)
		return
	}
	var req RemoveParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.RemovedBy == 0 {
		s.sendError(w, "removed_by is required", http.StatusBadRequest)
		return
	}

	if err := s.deps.Store.RemoveParticipant(r.Context(), conversationID, userID, req.RemovedBy); err != nil {
		s.membershipError(w, "Failed to remove participant", err)
		return
	}
	s.logger.Info("participant removed",
		zap.Int64("conversation_id", int64(conversationID)),
		zap.Int64("user_id", int64(userID)),
		zap.Int64("removed_by", int64(req.RemovedBy)))
	s.sendJSON(w, http.StatusOK, MessageResponse{Message: "Participant removed successfully"})
}

// membershipError maps participant change failures to status codes.
func (s *Server) membershipError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, interfaces.ErrConversationNotFound):
		s.sendError(w, "Conversation not found", http.StatusNotFound)
	case errors.Is(err, interfaces.ErrUserNotFound):
		s.sendError(w, "User not found", http.StatusNotFound)
	case errors.Is(err, interfaces.ErrParticipantNotFound):
		s.sendError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, interfaces.ErrNotGroupConversation):
		s.sendError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, interfaces.ErrNotAdmin):
		s.sendError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, interfaces.ErrAlreadyParticipant):
		s.sendError(w, err.Error(), http.StatusConflict)
	default:
		s.serverError(w, message, err)
	}
}

// GET /api/conversations/{id}/messages?user_id=N
//
// Fetching history counts as receipt: messages from other users still marked
// sent are advanced to delivered and their senders notified.
func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := s.pathID(w, r, "Invalid conversation ID")
	if !ok {
		return
	}
	readerID, err := types.ParseID(r.URL.Query().Get("user_id"))
	if err != nil || readerID == 0 {
		s.sendError(w, "Invalid user ID", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if _, err := s.deps.Store.GetConversation(ctx, conversationID); err != nil {
		if errors.Is(err, interfaces.ErrConversationNotFound) {
			s.sendError(w, "Conversation not found", http.StatusNotFound)
		} else {
			s.serverError(w, "Failed to get conversation", err)
		}
		return
	}

	member, err := s.deps.Store.IsParticipant(ctx, conversationID, readerID)
	if err != nil {
		s.serverError(w, "Failed to check membership", err)
		return
	}
	if !member {
		s.sendError(w, "You are not a participant in this conversation", http.StatusForbidden)
		return
	}

	messages, err := s.deps.Store.GetConversationHistory(ctx, conversationID)
	if err != nil {
		s.serverError(w, "Failed to get messages", err)
		return
	}
	if messages == nil {
		messages = []*types.Message{}
	}

	if !s.reconcile(ctx, readerID, messages) {
		s.sendError(w, "Request cancelled", http.StatusServiceUnavailable)
		return
	}
	s.sendJSON(w, http.StatusOK, messages)
}

// reconcile runs read reconciliation on the event loop when there is one.
// It reports false when the request was cancelled while waiting. The task may
// then still touch messages, so they must not be written out.
func (s *Server) reconcile(ctx context.Context, readerID types.ID, messages []*types.Message) bool {
	if s.deps.Reconciler == nil {
		return true
	}
	if s.deps.Loop == nil {
		s.deps.Reconciler.ReconcileRead(ctx, readerID, messages)
		return true
	}

	err := s.deps.Loop.Do(ctx, func(loopCtx context.Context) {
		s.deps.Reconciler.ReconcileRead(loopCtx, readerID, messages)
	})
	if err == nil {
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	// Loop stopped before taking the task; history is still served.
	s.logger.Warn("history reconciliation skipped", zap.Int64("user_id", int64(readerID)), zap.Error(err))
	return true
}

type presenceResponse struct {
	UserID   types.ID             `json:"user_id"`
	Status   types.PresenceStatus `json:"status"`
	LastSeen *time.Time           `json:"last_seen,omitempty"`
}

// GET /api/presence/{id}
func (s *Server) getPresence(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathID(w, r, "Invalid user ID")
	if !ok {
		return
	}

	resp := presenceResponse{UserID: userID, Status: types.PresenceOffline}
	if entry, found := s.deps.Presence.Lookup(userID); found {
		resp.Status = entry.Status
		if !entry.LastSeen.IsZero() {
			seen := entry.LastSeen
			resp.LastSeen = &seen
		}
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:      "healthy",
		Timestamp:   time.Now(),
		Database:    "healthy",
		OnlineUsers: len(s.deps.Presence.Online()),
		Uptime:      time.Since(s.started).Truncate(time.Second).String(),
	}
	if s.deps.Connections != nil {
		resp.Connections = s.deps.Connections.Count()
	}

	status := http.StatusOK
	if err := s.deps.Store.HealthCheck(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Database = "error: " + err.Error()
		status = http.StatusServiceUnavailable
	}
	s.sendJSON(w, status, resp)
}

// usersExist writes a 404 and returns false for the first unknown id.
func (s *Server) usersExist(ctx context.Context, w http.ResponseWriter, ids ...types.ID) bool {
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, err := s.deps.Store.GetUser(ctx, id); err != nil {
			if errors.Is(err, interfaces.ErrUserNotFound) {
				s.sendError(w, "User "+id.String()+" not found", http.StatusNotFound)
			} else {
				s.serverError(w, "Failed to look up user", err)
			}
			return false
		}
	}
	return true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request, message string) (types.ID, bool) {
	id, err := types.ParseID(r.PathValue("id"))
	if err != nil || id == 0 {
		s.sendError(w, message, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, body interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("failed to write response", zap.Error(err))
	}
}

func (s *Server) serverError(w http.ResponseWriter, message string, err error) {
	s.logger.Error(message, zap.Error(err))
	s.sendError(w, message, http.StatusInternalServerError)
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
