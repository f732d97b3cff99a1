package handlers

import (
	"errors"
	"net/http"

	apperrors "github.com/3leaps/annovault/internal/errors"
	"github.com/3leaps/annovault/pkg/bus"
	"github.com/3leaps/annovault/pkg/event"
)

// ThawHandler accepts thaw-completed notifications from the cold store and
// forwards them to the restore-ready queue.
type ThawHandler struct {
	pub bus.Publisher
}

func NewThawHandler(pub bus.Publisher) *ThawHandler {
	return &ThawHandler{pub: pub}
}

func (h *ThawHandler) Notify(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	msg, err := event.DecodeThawCompleted(data)
	if err != nil {
		respondWithError(w, r, thawValidationError(err))
		return
	}
	if err := h.pub.Publish(r.Context(), event.TopicThawCompleted, msg); err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "enqueue thaw notification"))
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}

func thawValidationError(err error) *apperrors.AppError {
	app := apperrors.NewValidationError("invalid thaw notification", err)
	var verrs event.ValidationErrors
	if errors.As(err, &verrs) {
		issues := make([]map[string]string, 0, len(verrs))
		for _, v := range verrs {
			issues = append(issues, map[string]string{"path": v.Path, "message": v.Message})
		}
		app.Details = map[string]any{"issues": issues}
	}
	return app
}
