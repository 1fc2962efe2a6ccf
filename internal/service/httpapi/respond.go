package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/artisanmarket/marketplace/internal/domain"
)

type messageResponse struct {
	Message string `json:"message"`
}

type validationResponse struct {
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors"`
}

type insufficientStockResponse struct {
	Message     string `json:"message"`
	ProductID   int64  `json:"product_id"`
	ProductName string `json:"product_name"`
	Requested   int    `json:"requested"`
	Available   int    `json:"available"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, messageResponse{Message: message})
}

// invalidStateStatus — код ответа для ErrInvalidState: для заказов 409,
// для повтора оптимизации медиа 400.
type invalidStateStatus int

const (
	orderConflict invalidStateStatus = http.StatusConflict
	mediaConflict invalidStateStatus = http.StatusBadRequest
)

// writeError отображает доменные ошибки в HTTP-ответы. Неизвестные ошибки
// логируются целиком, клиент получает обобщённое сообщение.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, stateStatus invalidStateStatus) {
	if verr, ok := domain.AsValidation(err); ok {
		writeJSON(w, http.StatusUnprocessableEntity, validationResponse{
			Message: "the given data was invalid",
			Errors:  verr.Fields,
		})
		return
	}
	if serr, ok := domain.AsInsufficientStock(err); ok {
		writeJSON(w, http.StatusBadRequest, insufficientStockResponse{
			Message:     "insufficient stock for " + serr.ProductName,
			ProductID:   serr.ProductID,
			ProductName: serr.ProductName,
			Requested:   serr.Requested,
			Available:   serr.Available,
		})
		return
	}

	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		writeMessage(w, http.StatusNotFound, "order not found")
	case errors.Is(err, domain.ErrMediaNotFound):
		writeMessage(w, http.StatusNotFound, "media not found")
	case errors.Is(err, domain.ErrInvalidState):
		writeMessage(w, int(stateStatus), err.Error())
	case errors.Is(err, domain.ErrOrderVersionConflict):
		writeMessage(w, http.StatusConflict, "order was modified concurrently, please retry")
	default:
		h.logger.WithError(err).WithFields(log.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("request failed")
		writeMessage(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeJSON читает тело запроса. Ошибка формата превращается в ValidationError.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		verr := domain.NewValidationError()
		verr.Add("body", "malformed JSON: "+err.Error())
		return verr
	}
	return nil
}
