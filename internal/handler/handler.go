package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/avdonin/pointsmarket/internal/auth"
	"github.com/avdonin/pointsmarket/internal/config"
	"github.com/avdonin/pointsmarket/internal/engine"
	"github.com/avdonin/pointsmarket/internal/gzip"
	"github.com/avdonin/pointsmarket/internal/logger"
	"github.com/avdonin/pointsmarket/internal/model"
)

func Serve(cfg config.HandlerConfig, auth auth.Auth, engine engine.Engine, zaplog *zap.Logger) error {
	h := newHandler(auth, engine, zaplog)
	router := h.newRouter()

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: router,
	}

	return srv.ListenAndServe()
}

type handler struct {
	auth   auth.Auth
	engine engine.Engine
	zaplog *zap.Logger
}

func newHandler(auth auth.Auth, engine engine.Engine, zaplog *zap.Logger) *handler {
	return &handler{
		auth:   auth,
		engine: engine,
		zaplog: zaplog,
	}
}

func (h *handler) newRouter() *http.ServeMux {
	mux := http.NewServeMux()

	wrap := func(hf http.HandlerFunc) http.HandlerFunc {
		return gzip.GzipMiddleware(logger.RequestLogMdlw(h.auth.Middleware(hf), h.zaplog))
	}

	// экономика
	mux.HandleFunc("POST /api/economy/mint", wrap(h.Mint))
	mux.HandleFunc("POST /api/economy/transfer", wrap(h.Transfer))
	mux.HandleFunc("POST /api/economy/adjust", wrap(h.Adjust))
	mux.HandleFunc("GET /api/economy/balance", wrap(h.GetBalance))
	mux.HandleFunc("GET /api/economy/history", wrap(h.GetHistory))

	// магазин
	mux.HandleFunc("GET /api/market/items", wrap(h.GetItems))
	mux.HandleFunc("POST /api/market/purchase", wrap(h.Purchase))
	mux.HandleFunc("GET /api/market/purchases", wrap(h.GetPurchases))
	mux.HandleFunc("GET /api/market/deliveries/pending", wrap(h.GetPendingDeliveries))
	mux.HandleFunc("POST /api/market/deliveries/confirm", wrap(h.ConfirmDelivery))

	// администрирование
	mux.HandleFunc("POST /api/admin/accounts", wrap(h.CreateAccount))
	mux.HandleFunc("POST /api/admin/accounts/suspend", wrap(h.SuspendAccount))
	mux.HandleFunc("POST /api/admin/accounts/restore", wrap(h.RestoreAccount))
	mux.HandleFunc("POST /api/admin/items", wrap(h.CreateItem))
	mux.HandleFunc("PUT /api/admin/items", wrap(h.UpdateItem))
	mux.HandleFunc("POST /api/admin/items/archive", wrap(h.ArchiveItem))
	mux.HandleFunc("POST /api/admin/groups", wrap(h.CreateGroup))
	mux.HandleFunc("POST /api/admin/groups/members", wrap(h.AddGroupMember))
	mux.HandleFunc("DELETE /api/admin/groups/members", wrap(h.RemoveGroupMember))

	return mux
}

// identity вызывающего, установленная auth.Middleware
func (h *handler) actor(r *http.Request) string {
	return r.Header.Get(auth.HeaderAccountKey)
}

func (h *handler) readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	responseJSON, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(responseJSON)
}

// opError переводит типизированные ошибки движка в HTTP-статусы.
// Свободный текст не придумывается: причина всегда конкретная
func (h *handler) opError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrUnauthorized),
		errors.Is(err, engine.ErrSenderSuspended),
		errors.Is(err, engine.ErrBuyerSuspended):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, engine.ErrInvalidAmount),
		errors.Is(err, engine.ErrInvalidRole),
		errors.Is(err, engine.ErrSameAccount):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, engine.ErrInsufficientFunds):
		http.Error(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, engine.ErrInsufficientStock),
		errors.Is(err, engine.ErrAlreadyDelivered),
		errors.Is(err, engine.ErrAlreadyExists):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, engine.ErrItemUnavailable):
		http.Error(w, err.Error(), http.StatusGone)
	case errors.Is(err, engine.ErrAccountNotFound),
		errors.Is(err, engine.ErrRecordNotFound),
		errors.Is(err, engine.ErrGroupNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, engine.ErrBusy):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// представление остатка: null = безлимит
func stockJSON(s model.Stock) *int64 {
	if s.Unlimited() {
		return nil
	}
	count := s.Count()
	return &count
}

func stockModel(v *int64) model.Stock {
	if v == nil {
		return model.UnlimitedStock()
	}
	return model.LimitedStock(*v)
}
