package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/wispchat/backend/internal/domain"
	"github.com/wispchat/backend/pkg/response"
)

// respondDomainError maps the error taxonomy onto HTTP. PermissionDenied and
// AlreadyExpired are expected, frequent outcomes and stay distinct from
// collaborator failures so clients can tell "you may not see this" from
// "try again later".
func respondDomainError(w http.ResponseWriter, logger *zap.Logger, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		response.BadRequest(w, err.Error())
	case errors.Is(err, domain.ErrPermissionDenied):
		response.Forbidden(w, "you may not view this content")
	case errors.Is(err, domain.ErrAlreadyExpired):
		response.Gone(w, "this content has expired")
	case errors.Is(err, domain.ErrNotFound):
		response.NotFound(w, "content not found")
	case errors.Is(err, domain.ErrConflictRetryable):
		response.Conflict(w, "concurrent update, retry")
	case errors.Is(err, domain.ErrCollaboratorUnavailable):
		logger.Error(op+" collaborator failure", zap.Error(err))
		response.ServiceUnavailable(w, "temporarily unavailable, try again later")
	default:
		logger.Error(op+" failed", zap.Error(err))
		response.InternalError(w, "internal error")
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
