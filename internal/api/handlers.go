package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"diagramcollab/internal/auth"
	"diagramcollab/internal/models"
	"diagramcollab/internal/session"
	"diagramcollab/internal/storage"
	"diagramcollab/internal/utils"
)

// Connector runs one admitted-or-rejected connection to completion.
type Connector interface {
	Serve(ctx context.Context, p session.Params, b session.Bridge) session.ConnState
}

type RoomLister interface {
	Rooms() []models.RoomInfo
}

type AssetStore interface {
	Store(ctx context.Context, id string, data []byte) error
	Load(ctx context.Context, id string) ([]byte, error)
}

type Handlers struct {
	log           *zap.Logger
	connector     Connector
	rooms         RoomLister
	assets        AssetStore
	maxAssetBytes int64
	upgrader      websocket.Upgrader
}

func NewHandlers(log *zap.Logger, connector Connector, rooms RoomLister, assets AssetStore, maxAssetBytes int64, allowedOrigins []string) *Handlers {
	return &Handlers{
		log:           log.Named("api"),
		connector:     connector,
		rooms:         rooms,
		assets:        assets,
		maxAssetBytes: maxAssetBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

/*** Collab WebSocket ***/

// CollabWS upgrades first and decides afterwards: a rejected connection is
// simply closed, so a client cannot tell "absent" from "forbidden".
func (h *Handlers) CollabWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := session.Params{
		SessionID: q.Get("sessionId"),
		RoomID:    q.Get("roomId"),
		FileID:    q.Get("fileId"),
		UserID:    auth.UserIDFromContext(r.Context()),
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	bridge := session.NewWSBridge(conn, h.log.With(zap.String("session_id", params.SessionID)))
	state := h.connector.Serve(r.Context(), params, bridge)
	h.log.Debug("connection finished", zap.String("session_id", params.SessionID), zap.Stringer("state", state))
}

/*** Introspection ***/

func (h *Handlers) ListRooms(w http.ResponseWriter, _ *http.Request) {
	utils.JSON(w, http.StatusOK, h.rooms.Rooms())
}

/*** Assets ***/

type uploadResponse struct {
	ID   string `json:"id"`
	Size int    `json:"size"`
}

// PutAsset stores the request body under a client-chosen id.
func (h *Handlers) PutAsset(w http.ResponseWriter, r *http.Request) {
	h.storeAsset(w, r, chi.URLParam(r, "id"))
}

// CreateAsset stores the request body under a fresh id.
func (h *Handlers) CreateAsset(w http.ResponseWriter, r *http.Request) {
	h.storeAsset(w, r, uuid.NewString())
}

func (h *Handlers) storeAsset(w http.ResponseWriter, r *http.Request, id string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxAssetBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.JSONError(w, http.StatusRequestEntityTooLarge, "asset too large")
			return
		}
		utils.JSONError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) == 0 {
		utils.JSONError(w, http.StatusBadRequest, "empty asset")
		return
	}

	if err := h.assets.Store(r.Context(), id, body); err != nil {
		if errors.Is(err, storage.ErrInvalidID) {
			utils.JSONError(w, http.StatusBadRequest, "invalid asset id")
			return
		}
		h.log.Error("failed to store asset", zap.String("asset_id", id), zap.Error(err))
		utils.JSONError(w, http.StatusInternalServerError, "failed to store asset")
		return
	}
	utils.JSON(w, http.StatusCreated, uploadResponse{ID: id, Size: len(body)})
}

func (h *Handlers) GetAsset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	data, err := h.assets.Load(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrInvalidID):
		utils.JSONError(w, http.StatusBadRequest, "invalid asset id")
		return
	case errors.Is(err, storage.ErrAssetNotFound):
		utils.JSONError(w, http.StatusNotFound, "asset not found")
		return
	case err != nil:
		h.log.Error("failed to load asset", zap.String("asset_id", id), zap.Error(err))
		utils.JSONError(w, http.StatusInternalServerError, "failed to load asset")
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
