package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/pos-checkout/internal/core/domain"
	"github.com/rl1809/pos-checkout/internal/core/service"
	"github.com/rl1809/pos-checkout/internal/logger"
	"github.com/rl1809/pos-checkout/internal/metrics"
	"github.com/rl1809/pos-checkout/internal/port"
)

const (
	HeaderShopperID      = "X-Shopper-ID"
	HeaderSessionID      = "X-Session-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
)

var errMissingIdentity = errors.New("missing shopper identity")

type HTTPHandler struct {
	sessions *service.SessionManager
	stock    *service.StockService
	orders   *service.OrderQuery
	idem     port.IdempotencyStore
	log      *zap.Logger
	metrics  *metrics.Metrics
}

type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type CheckoutHTTPResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Kind    string        `json:"kind,omitempty"`
	Order   *domain.Order `json:"order,omitempty"`
}

type CartHTTPResponse struct {
	Lines     []domain.CartLine `json:"lines"`
	Total     string            `json:"total"`
	Ephemeral bool              `json:"ephemeral"`
}

type AddItemHTTPRequest struct {
	ProductID int64           `json:"product_id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Image     string          `json:"image"`
	Category  string          `json:"category"`
	Quantity  int             `json:"quantity"`
}

type QuantityHTTPRequest struct {
	Quantity int `json:"quantity"`
}

type StockHTTPResponse struct {
	ProductID int64             `json:"product_id"`
	Available int               `json:"available"`
	Level     domain.StockLevel `json:"level"`
	Degraded  bool              `json:"degraded"`
}

type StockListHTTPResponse struct {
	Stocks    map[int64]int `json:"stocks"`
	Degraded  bool          `json:"degraded"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// NewHTTPHandler wires the JSON API. idem may be nil to disable
// Idempotency-Key checks on checkout.
func NewHTTPHandler(sessions *service.SessionManager, stock *service.StockService, orders *service.OrderQuery,
	idem port.IdempotencyStore, log *zap.Logger, m *metrics.Metrics) *HTTPHandler {
	return &HTTPHandler{
		sessions: sessions,
		stock:    stock,
		orders:   orders,
		idem:     idem,
		log:      logger.OrNop(log).With(zap.String("component", "http")),
		metrics:  m,
	}
}

func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.instrument)

	r.Get("/health", h.HealthCheck)
	r.Route("/api", func(r chi.Router) {
		r.Get("/stock", h.ListStock)
		r.Get("/stock/{productID}", h.GetStock)
		r.Put("/stock/{productID}", h.Restock)
		r.Post("/stock/{productID}/decrement", h.DecrementStock)

		r.Get("/cart", h.GetCart)
		r.Post("/cart/items", h.AddItem)
		r.Put("/cart/items/{productID}", h.UpdateItem)
		r.Delete("/cart/items/{productID}", h.RemoveItem)
		r.Delete("/cart", h.ClearCart)
		r.Post("/signout", h.SignOut)

		r.Post("/checkout", h.Checkout)

		r.Get("/orders", h.ListOrders)
		r.Get("/sales", h.Sales)
	})
	return r
}

func (h *HTTPHandler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.metrics.ObserveRequest(route, status, time.Since(start))
	})
}

func (h *HTTPHandler) session(r *http.Request) (*service.Session, error) {
	if id := r.Header.Get(HeaderShopperID); id != "" {
		return h.sessions.Shopper(r.Context(), id)
	}
	if id := r.Header.Get(HeaderSessionID); id != "" {
		return h.sessions.Anonymous(id), nil
	}
	return nil, errMissingIdentity
}

// withSession resolves the caller's session or writes the error response.
func (h *HTTPHandler) withSession(w http.ResponseWriter, r *http.Request) (*service.Session, bool) {
	sess, err := h.session(r)
	if errors.Is(err, errMissingIdentity) {
		writeJSON(w, http.StatusUnauthorized, Response{Message: "missing " + HeaderShopperID + " or " + HeaderSessionID})
		return nil, false
	}
	if err != nil {
		h.log.Error("failed to open session", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, Response{Message: "cart unavailable, please try again"})
		return nil, false
	}
	return sess, true
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	stock := "live"
	if h.stock.Degraded() {
		stock = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "stock": stock})
}

func (h *HTTPHandler) ListStock(w http.ResponseWriter, r *http.Request) {
	snap := h.stock.Snapshot()
	writeJSON(w, http.StatusOK, StockListHTTPResponse{
		Stocks:    snap.Stocks,
		Degraded:  snap.Degraded,
		UpdatedAt: snap.UpdatedAt,
	})
}

func (h *HTTPHandler) GetStock(w http.ResponseWriter, r *http.Request) {
	id, ok := productIDParam(w, r)
	if !ok {
		return
	}
	available := h.stock.Available(id)
	writeJSON(w, http.StatusOK, StockHTTPResponse{
		ProductID: id,
		Available: available,
		Level:     domain.LevelOf(available),
		Degraded:  h.stock.Degraded(),
	})
}

func (h *HTTPHandler) Restock(w http.ResponseWriter, r *http.Request) {
	id, ok := productIDParam(w, r)
	if !ok {
		return
	}
	var req QuantityHTTPRequest
	if !decode(w, r, &req) {
		return
	}

	if err := h.stock.Restock(r.Context(), id, req.Quantity); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StockHTTPResponse{
		ProductID: id,
		Available: req.Quantity,
		Level:     domain.LevelOf(req.Quantity),
		Degraded:  h.stock.Degraded(),
	})
}

func (h *HTTPHandler) DecrementStock(w http.ResponseWriter, r *http.Request) {
	id, ok := productIDParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount int `json:"amount"`
	}
	if !decode(w, r, &req) {
		return
	}

	remaining, err := h.stock.Decrement(r.Context(), id, req.Amount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StockHTTPResponse{
		ProductID: id,
		Available: remaining,
		Level:     domain.LevelOf(remaining),
		Degraded:  h.stock.Degraded(),
	})
}

func (h *HTTPHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.withSession(w, r)
	if !ok {
		return
	}
	writeCart(w, http.StatusOK, sess.Cart)
}

func (h *HTTPHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.withSession(w, r)
	if !ok {
		return
	}
	var req AddItemHTTPRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" || req.Price.IsNegative() {
		writeJSON(w, http.StatusBadRequest, Response{Message: "missing required fields"})
		return
	}
	if req.Quantity < 1 {
		h.writeError(w, service.ErrInvalidQuantity)
		return
	}

	// the cached stock is only a hint; checkout re-checks transactionally
	wanted := sess.Cart.Quantity(req.ProductID) + req.Quantity
	if !h.stock.Degraded() && !h.stock.HasAvailable(req.ProductID, wanted) {
		h.writeError(w, &service.InsufficientStockError{
			ProductID: req.ProductID,
			Name:      req.Name,
			Requested: wanted,
			Available: h.stock.Available(req.ProductID),
		})
		return
	}

	product := domain.Product{
		ID:       req.ProductID,
		Name:     req.Name,
		Price:    req.Price,
		Category: req.Category,
		Image:    req.Image,
	}
	if err := sess.Cart.Add(r.Context(), product, req.Quantity); err != nil {
		h.writeError(w, err)
		return
	}
	writeCart(w, http.StatusOK, sess.Cart)
}

func (h *HTTPHandler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.withSession(w, r)
	if !ok {
		return
	}
	id, ok := productIDParam(w, r)
	if !ok {
		return
	}
	var req QuantityHTTPRequest
	if !decode(w, r, &req) {
		return
	}

	if err := sess.Cart.UpdateQuantity(r.Context(), id, req.Quantity); err != nil {
		h.writeError(w, err)
		return
	}
	writeCart(w, http.StatusOK, sess.Cart)
}

func (h *HTTPHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.withSession(w, r)
	if !ok {
		return
	}
	id, ok := productIDParam(w, r)
	if !ok {
		return
	}
	sess.Cart.Remove(r.Context(), id)
	writeCart(w, http.StatusOK, sess.Cart)
}

func (h *HTTPHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.withSession(w, r)
	if !ok {
		return
	}
	sess.Cart.Clear(r.Context())
	writeCart(w, http.StatusOK, sess.Cart)
}

func (h *HTTPHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(HeaderShopperID)
	if id == "" {
		writeJSON(w, http.StatusBadRequest, Response{Message: "missing " + HeaderShopperID})
		return
	}
	h.sessions.SignOut(id)
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "signed out"})
}

func (h *HTTPHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.withSession(w, r)
	if !ok {
		return
	}

	var idemKey string
	if key := r.Header.Get(HeaderIdempotencyKey); key != "" && h.idem != nil {
		idemKey = "checkout:" + sess.Key + ":" + key
		fresh, err := h.idem.SetIdempotency(r.Context(), idemKey)
		if err != nil {
			h.log.Error("idempotency check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, CheckoutHTTPResponse{
				Message: service.Reason(err),
				Kind:    string(service.KindFailed),
			})
			return
		}
		if !fresh {
			writeJSON(w, http.StatusConflict, CheckoutHTTPResponse{
				Message: "duplicate request",
				Kind:    string(service.KindRejected),
			})
			return
		}
	}

	order, err := sess.Checkout.Checkout(r.Context())
	if err != nil {
		// only a placed order consumes the key
		if idemKey != "" {
			h.releaseIdempotency(context.WithoutCancel(r.Context()), idemKey)
		}
		writeJSON(w, statusFor(err), CheckoutHTTPResponse{
			Message: service.Reason(err),
			Kind:    string(service.Classify(err)),
		})
		return
	}

	writeJSON(w, http.StatusOK, CheckoutHTTPResponse{
		Success: true,
		Message: "order placed successfully",
		Order:   &order,
	})
}

func (h *HTTPHandler) releaseIdempotency(ctx context.Context, key string) {
	if err := h.idem.ReleaseIdempotency(ctx, key); err != nil {
		h.log.Warn("failed to release idempotency key", zap.String("key", key), zap.Error(err))
	}
}

func (h *HTTPHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.Recent(r.Context(), limitParam(r))
	if err != nil {
		h.log.Error("failed to list orders", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, Response{Message: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *HTTPHandler) Sales(w http.ResponseWriter, r *http.Request) {
	sales, err := h.orders.Sales(r.Context(), limitParam(r))
	if err != nil {
		h.log.Error("failed to summarise sales", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, Response{Message: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, sales)
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, Response{Message: service.Reason(err)})
}

func statusFor(err error) int {
	switch service.Classify(err) {
	case service.KindInvalidInput:
		return http.StatusBadRequest
	case service.KindRejected:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

func productIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Message: "invalid product id"})
		return 0, false
	}
	return id, true
}

func limitParam(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return limit
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Message: "invalid request body"})
		return false
	}
	return true
}

func writeCart(w http.ResponseWriter, status int, cart *service.Cart) {
	lines := cart.Lines()
	writeJSON(w, status, CartHTTPResponse{
		Lines:     lines,
		Total:     domain.LinesTotal(lines).StringFixed(2),
		Ephemeral: cart.Ephemeral(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
