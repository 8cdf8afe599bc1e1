package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wispchat/backend/internal/domain"
	"github.com/wispchat/backend/pkg/response"
)

type SnapHandler struct {
	snapService *domain.SnapService
	identity    domain.IdentityProvider
	logger      *zap.Logger
}

func NewSnapHandler(snapService *domain.SnapService, identity domain.IdentityProvider, logger *zap.Logger) *SnapHandler {
	return &SnapHandler{
		snapService: snapService,
		identity:    identity,
		logger:      logger,
	}
}

// CreateSnap handles creating a new snap or story
func (h *SnapHandler) CreateSnap(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity.CurrentIdentity(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	// Parse multipart form (max 10MB)
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

	params := domain.CreateSnapParams{
		OwnerID: identity,
		IsStory: r.FormValue("is_story") == "true",
	}

	if caption := r.FormValue("caption"); caption != "" {
		params.Caption = &caption
	}
	if recipients := r.FormValue("recipients"); recipients != "" {
		for _, rec := range strings.Split(recipients, ",") {
			if rec = strings.TrimSpace(rec); rec != "" {
				params.Recipients = append(params.Recipients, rec)
			}
		}
	}
	if maxViews := r.FormValue("max_views"); maxViews != "" {
		if val, err := strconv.Atoi(maxViews); err == nil {
			params.MaxViews = val
		}
	}
	if dur := r.FormValue("view_duration_seconds"); dur != "" {
		if val, err := strconv.Atoi(dur); err == nil {
			params.ViewDurationSeconds = val
		}
	}

	snap, err := h.snapService.CreateSnap(r.Context(), params, file, header.Filename, header.Header.Get("Content-Type"))
	if err != nil {
		respondDomainError(w, h.logger, "create snap", err)
		return
	}

	response.Created(w, snap)
}

// GetInbox handles fetching the snaps addressed to the caller
func (h *SnapHandler) GetInbox(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity.CurrentIdentity(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	snaps, err := h.snapService.GetInbox(r.Context(), identity)
	if err != nil {
		respondDomainError(w, h.logger, "get inbox", err)
		return
	}

	response.OK(w, snaps)
}

// ViewSnap handles recording a completed view
func (h *SnapHandler) ViewSnap(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity.CurrentIdentity(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid snap id")
		return
	}

	snap, err := h.snapService.ViewSnap(r.Context(), id, identity)
	if err != nil {
		respondDomainError(w, h.logger, "view snap", err)
		return
	}

	response.OK(w, snap)
}

// DeleteSnap handles owner deletion of a snap
func (h *SnapHandler) DeleteSnap(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity.CurrentIdentity(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid snap id")
		return
	}

	if err := h.snapService.DeleteSnap(r.Context(), id, identity); err != nil {
		respondDomainError(w, h.logger, "delete snap", err)
		return
	}

	response.NoContent(w)
}

type recipientRequest struct {
	Identity string `json:"identity"`
}

// AddRecipient handles granting another identity access to a snap
func (h *SnapHandler) AddRecipient(w http.ResponseWriter, r *http.Request) {
	h.mutateRecipient(w, r, true)
}

// RemoveRecipient handles revoking an identity's access to a snap
func (h *SnapHandler) RemoveRecipient(w http.ResponseWriter, r *http.Request) {
	h.mutateRecipient(w, r, false)
}

func (h *SnapHandler) mutateRecipient(w http.ResponseWriter, r *http.Request, add bool) {
	identity, ok := h.identity.CurrentIdentity(r.Context())
	if !ok {
		response.Unauthorized(w, "not authenticated")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid snap id")
		return
	}

	var req recipientRequest
	if err := decodeJSON(r, &req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}

	if add {
		err = h.snapService.AddRecipient(r.Context(), id, identity, req.Identity)
	} else {
		err = h.snapService.RemoveRecipient(r.Context(), id, identity, req.Identity)
	}
	if err != nil {
		respondDomainError(w, h.logger, "mutate snap recipients", err)
		return
	}

	response.NoContent(w)
}

// GetStoryFeed handles fetching every story inside its 24 hour window
func (h *SnapHandler) GetStoryFeed(w http.ResponseWriter, r *http.Request) {
	stories, err := h.snapService.GetStoryFeed(r.Context())
	if err != nil {
		respondDomainError(w, h.logger, "get story feed", err)
		return
	}

	response.OK(w, stories)
}
