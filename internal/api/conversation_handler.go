package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wispchat/backend/internal/domain"
	"github.com/wispchat/backend/pkg/response"
)

// TokenRegistrar stores device push tokens for the caller.
type TokenRegistrar interface {
	RegisterDeviceToken(ctx context.Context, identity, token string) error
}

type ConversationHandler struct {
	convService *domain.ConversationService
	msgService  *domain.MessageService
	wsManager   *WebSocketManager
	tokens      TokenRegistrar
	identity    domain.IdentityProvider
	logger      *zap.Logger
}

func NewConversationHandler(convService *domain.ConversationService, msgService *domain.MessageService, wsManager *WebSocketManager, tokens TokenRegistrar, identity domain.IdentityProvider, logger *zap.Logger) *ConversationHandler {
	return &ConversationHandler{
		convService: convService,
		msgService:  msgService,
		wsManager:   wsManager,
		tokens:      tokens,
		identity:    identity,
		logger:      logger,
	}
}

// conversationResponse augments the aggregate with its cached last unit for
// list and detail rendering.
type conversationResponse struct {
	*domain.Conversation
	LastUnit *domain.Message `json:"last_unit,omitempty"`
}

func toConversationResponse(c *domain.Conversation) conversationResponse {
	return conversationResponse{Conversation: c, LastUnit: c.LastUnit()}
}

type createConversationRequest struct {
	Participants []string `json:"participants"`
}

// CreateConversation handles starting a new conversation
func (h *ConversationHandler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity.CurrentIdentity(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	var req createConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}

	participants := req.Participants
	found := false
	for _, p := range participants {
		if p == identity {
			found = true
			break
		}
	}
	if !found {
		participants = append([]string{identity}, participants...)
	}

	conv, err := h.convService.CreateConversation(r.Context(), participants)
	if err != nil {
		respondDomainError(w, h.logger, "create conversation", err)
		return
	}

	response.Created(w, toConversationResponse(conv))
}

// ListConversations handles fetching the caller's conversations
func (h *ConversationHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity.CurrentIdentity(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	convs, err := h.convService.ListConversations(r.Context(), identity)
	if err != nil {
		respondDomainError(w, h.logger, "list conversations", err)
		return
	}

	out := make([]conversationResponse, 0, len(convs))
	for _, c := range convs {
		out = append(out, toConversationResponse(c))
	}
	response.OK(w, out)
}

// GetConversation handles fetching one conversation with its last unit
func (h *ConversationHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	identity, id, ok := h.callerAndID(w, r)
	if !ok {
		return
	}

	conv, err := h.convService.GetConversation(r.Context(), id, identity)
	if err != nil {
		respondDomainError(w, h.logger, "get conversation", err)
		return
	}

	response.OK(w, toConversationResponse(conv))
}

// GetMessages handles fetching a conversation's messages ordered by time
func (h *ConversationHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	identity, id, ok := h.callerAndID(w, r)
	if !ok {
		return
	}

	ascending := r.URL.Query().Get("order") != "desc"
	msgs, err := h.convService.Messages(r.Context(), id, identity, ascending)
	if err != nil {
		respondDomainError(w, h.logger, "get messages", err)
		return
	}

	response.OK(w, msgs)
}

type sendMessageRequest struct {
	ReceiverID string `json:"receiver_id"`
	Content    string `json:"content"`
	Kind       string `json:"kind"`
}

// SendMessage handles posting a message into a conversation. Text messages
// arrive as JSON; media messages as multipart form data with a file part.
func (h *ConversationHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	identity, id, ok := h.callerAndID(w, r)
	if !ok {
		return
	}

	params := domain.SendMessageParams{
		ConversationID: id,
		SenderID:       identity,
		Kind:           domain.MessageKindText,
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			response.BadRequest(w, "invalid form data")
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			response.BadRequest(w, "missing file")
			return
		}
		defer file.Close()

		params.ReceiverID = r.FormValue("receiver_id")
		params.Kind = domain.MessageKind(r.FormValue("kind"))
		params.Media = file
		params.Filename = header.Filename
		params.ContentType = header.Header.Get("Content-Type")
	} else {
		var req sendMessageRequest
		if err := decodeJSON(r, &req); err != nil {
			response.BadRequest(w, "invalid request body")
			return
		}
		params.ReceiverID = req.ReceiverID
		params.Content = req.Content
		if req.Kind != "" {
			params.Kind = domain.MessageKind(req.Kind)
		}
	}

	msg, err := h.msgService.SendMessage(r.Context(), params)
	if err != nil {
		respondDomainError(w, h.logger, "send message", err)
		return
	}

	response.Created(w, msg)
}

// MarkAllRead handles viewing every unread message addressed to the caller
func (h *ConversationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	identity, id, ok := h.callerAndID(w, r)
	if !ok {
		return
	}

	n, err := h.convService.MarkAllAsRead(r.Context(), id, identity)
	if err != nil {
		respondDomainError(w, h.logger, "mark all read", err)
		return
	}

	response.OK(w, map[string]int{"read": n})
}

// GetUnread handles fetching the caller's unread messages in a conversation
func (h *ConversationHandler) GetUnread(w http.ResponseWriter, r *http.Request) {
	identity, id, ok := h.callerAndID(w, r)
	if !ok {
		return
	}

	msgs, err := h.convService.UnreadFor(r.Context(), id, identity)
	if err != nil {
		respondDomainError(w, h.logger, "get unread", err)
		return
	}

	response.OK(w, msgs)
}

// ViewMessage handles recording a completed view of one message
func (h *ConversationHandler) ViewMessage(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity.CurrentIdentity(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid message id")
		return
	}

	msg, err := h.msgService.ViewMessage(r.Context(), id, identity)
	if err != nil {
		respondDomainError(w, h.logger, "view message", err)
		return
	}

	response.OK(w, msg)
}

// MarkDelivered handles the sent -> delivered receipt
func (h *ConversationHandler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity.CurrentIdentity(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid message id")
		return
	}

	msg, err := h.msgService.MarkDelivered(r.Context(), id, identity)
	if err != nil {
		respondDomainError(w, h.logger, "mark delivered", err)
		return
	}

	response.OK(w, msg)
}

type registerTokenRequest struct {
	Token string `json:"token"`
}

// RegisterDeviceToken handles storing a push token for the caller
func (h *ConversationHandler) RegisterDeviceToken(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity.CurrentIdentity(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	var req registerTokenRequest
	if err := decodeJSON(r, &req); err != nil || req.Token == "" {
		response.BadRequest(w, "invalid request body")
		return
	}

	if err := h.tokens.RegisterDeviceToken(r.Context(), identity, req.Token); err != nil {
		respondDomainError(w, h.logger, "register device token", err)
		return
	}

	response.NoContent(w)
}

// HandleWebSocket upgrades the connection and streams change-feed events
func (h *ConversationHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity.CurrentIdentity(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		Conn:     conn,
		Send:     make(chan []byte, 256),
		Identity: identity,
	}

	h.wsManager.register <- client

	go client.WritePump()
	go client.ReadPump(h.wsManager)
}

func (h *ConversationHandler) callerAndID(w http.ResponseWriter, r *http.Request) (string, uuid.UUID, bool) {
	identity, ok := h.identity.CurrentIdentity(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return "", uuid.Nil, false
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid conversation id")
		return "", uuid.Nil, false
	}

	return identity, id, true
}
