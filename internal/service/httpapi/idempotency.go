package httpapi

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/artisanmarket/marketplace/internal/domain"
)

const (
	// IdempotencyKeyHeader — необязательный заголовок для безопасного повтора POST /orders.
	IdempotencyKeyHeader = "Idempotency-Key"
	// ReplayedHeader выставляется в ответе, воспроизведённом из кэша.
	ReplayedHeader = "Idempotent-Replayed"

	defaultIdempotencyTTL = 24 * time.Hour
	maxIdempotentBody     = 1 << 20
	maxIdempotencyKeyLen  = 255

	idempotencyFinishTimeout = 5 * time.Second
)

// idempotencyGuard кэширует ответы на запросы с Idempotency-Key.
type idempotencyGuard struct {
	repo   domain.IdempotencyRepository
	ttl    time.Duration
	logger *log.Entry
}

func newIdempotencyGuard(repo domain.IdempotencyRepository, ttl time.Duration, logger *log.Entry) *idempotencyGuard {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &idempotencyGuard{repo: repo, ttl: ttl, logger: logger}
}

// recordingWriter пишет ответ клиенту и одновременно запоминает его.
type recordingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *recordingWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	w.body.Write(p)
	return w.ResponseWriter.Write(p)
}

// idempotent — middleware для запросов с Idempotency-Key. Без заголовка
// запрос проходит как есть.
func (h *Handler) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
		if h.idempotency == nil || key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKeyLen {
			writeMessage(w, http.StatusBadRequest, "idempotency key is too long")
			return
		}
		h.idempotency.serve(w, r, key, next)
	})
}

func (g *idempotencyGuard) serve(w http.ResponseWriter, r *http.Request, clientKey string, next http.Handler) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody+1))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > maxIdempotentBody {
		writeMessage(w, http.StatusRequestEntityTooLarge, "request body is too large")
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	ctx := r.Context()
	key := domain.ScopedIdempotencyKey(userIDFromContext(ctx), clientKey)
	hash := domain.HashRequest(r.Method, r.URL.Path, body)
	logger := g.logger.WithField("idempotency_key", clientKey)

	record, err := g.repo.CreateProcessing(ctx, key, hash, time.Now().UTC().Add(g.ttl))
	if err != nil {
		g.replay(w, err, record, logger)
		return
	}

	rec := &recordingWriter{ResponseWriter: w}
	defer func() {
		if p := recover(); p != nil {
			g.finish(ctx, logger, key, http.StatusInternalServerError, nil)
			panic(p)
		}
	}()
	next.ServeHTTP(rec, r)

	status := rec.status
	if status == 0 {
		status = http.StatusOK
	}
	g.finish(ctx, logger, key, status, rec.body.Bytes())
}

// finish фиксирует итог запроса. Отключение клиента не должно оставлять
// ключ в processing, поэтому запись идёт в контексте без отмены.
func (g *idempotencyGuard) finish(ctx context.Context, logger *log.Entry, key string, status int, body []byte) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), idempotencyFinishTimeout)
	defer cancel()

	var err error
	if cacheable(status) {
		err = g.repo.MarkDone(ctx, key, body, status)
	} else {
		err = g.repo.MarkFailed(ctx, key, body, status)
	}
	if err != nil {
		logger.WithError(err).WithField("status", status).Warn("failed to store idempotent response")
	}
}

func (g *idempotencyGuard) replay(w http.ResponseWriter, createErr error, record domain.IdempotencyRecord, logger *log.Entry) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		writeMessage(w, http.StatusConflict, "idempotency key is already used with a different request")
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		switch record.Status {
		case domain.IdempotencyStatusDone:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(ReplayedHeader, "true")
			w.WriteHeader(record.HTTPStatus)
			_, _ = w.Write(record.ResponseBody)
		case domain.IdempotencyStatusProcessing:
			writeMessage(w, http.StatusConflict, "a request with the same idempotency key is already processing")
		default:
			writeMessage(w, http.StatusConflict, "previous request with the same idempotency key failed")
		}
	default:
		logger.WithError(createErr).Error("failed to create idempotency record")
		writeMessage(w, http.StatusInternalServerError, "internal server error")
	}
}

// cacheable — ответы, повтор которых обязан дать тот же результат. Нехватка
// остатка и ошибки сервера не кэшируются: повтор с тем же ключом допустим.
func cacheable(status int) bool {
	return (status >= 200 && status < 300) || status == http.StatusUnprocessableEntity
}
