package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"NeighborChat/server/internal/appMiddleware"
	"NeighborChat/server/internal/models"
	"NeighborChat/server/internal/services"
	"NeighborChat/server/internal/storage"
)

const maxBodyBytes = 1 << 20

// Handler serves the REST surface. Mutations go through the gateway so
// live connections see them exactly like websocket-originated changes.
type Handler struct {
	gateway        *Gateway
	conversations  services.ConversationService
	messages       services.MessageService
	receipts       services.ReceiptService
	users          services.UserService
	storage        storage.Storage
	maxUploadBytes int64
	logger         zerolog.Logger
}

type HandlerDeps struct {
	Gateway        *Gateway
	Conversations  services.ConversationService
	Messages       services.MessageService
	Receipts       services.ReceiptService
	Users          services.UserService
	Storage        storage.Storage
	MaxUploadBytes int64
}

func NewHandler(deps HandlerDeps, logger zerolog.Logger) *Handler {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = 25 << 20
	}
	return &Handler{
		gateway:        deps.Gateway,
		conversations:  deps.Conversations,
		messages:       deps.Messages,
		receipts:       deps.Receipts,
		users:          deps.Users,
		storage:        deps.Storage,
		maxUploadBytes: deps.MaxUploadBytes,
		logger:         logger.With().Str("component", "http").Logger(),
	}
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	writeError(w, h.logger, err)
}

func currentUser(r *http.Request) (string, error) {
	userID, ok := appMiddleware.UserIDFromContext(r.Context())
	if !ok {
		return "", models.ErrUnauthenticated
	}
	return userID, nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, errors.Wrapf(models.ErrInvalidRequest, "invalid %s", name)
	}
	return id, nil
}

// decodeBody reads a JSON body into v and validates it. An empty body is
// accepted when allowEmpty is set.
func decodeBody(r *http.Request, v any, allowEmpty bool) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) && allowEmpty {
		return validate.Struct(v)
	}
	if err != nil {
		return errors.Wrapf(models.ErrInvalidRequest, "malformed body: %v", err)
	}
	return validate.Struct(v)
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.Wrapf(models.ErrInvalidRequest, "invalid %s", name)
	}
	return n, nil
}

func queryUUID(r *http.Request, name string) (*uuid.UUID, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(models.ErrInvalidRequest, "invalid %s", name)
	}
	return &id, nil
}
