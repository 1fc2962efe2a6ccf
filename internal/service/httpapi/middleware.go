package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
)

type contextKey string

const userIDKey contextKey = "userID"

// UserIDHeader — заголовок с идентификатором покупателя. Аутентификация
// выполняется на шлюзе перед сервисом.
const UserIDHeader = "X-User-ID"

// requireUser кладёт X-User-ID в контекст или отвечает 401.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if userID == "" {
			writeMessage(w, http.StatusUnauthorized, "missing "+UserIDHeader+" header")
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// userIDFromContext возвращает идентификатор покупателя из контекста.
func userIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// accessLog пишет лог запроса и метрики по шаблону маршрута.
func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		duration := time.Since(started)
		h.metrics.ObserveRequest(r.Method, route, status, duration)

		entry := h.logger.WithFields(log.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"route":      route,
			"status":     status,
			"bytes":      ww.BytesWritten(),
			"duration":   duration.String(),
			"request_id": middleware.GetReqID(r.Context()),
		})
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("http request")
		case status >= http.StatusBadRequest:
			entry.Info("http request")
		default:
			entry.Debug("http request")
		}
	})
}

// recoverer превращает панику обработчика в 500.
func (h *Handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				h.logger.WithFields(log.Fields{
					"panic":  rec,
					"method": r.Method,
					"path":   r.URL.Path,
				}).Error("http handler panicked")
				writeMessage(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
