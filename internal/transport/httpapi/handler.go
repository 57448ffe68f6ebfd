package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/pie/internal/domain"
	"github.com/vladislavdragonenkov/pie/internal/metrics"
)

const (
	maxBodyBytes = 1 << 20
	todayParam   = "today"
)

// DayOrderStore — операции приёма и администрирования заказов, которые обслуживает API.
type DayOrderStore interface {
	Calendar() domain.Calendar
	UploadOrder(ctx context.Context, date time.Time, username string, order domain.Order) error
	DeleteOrder(ctx context.Context, date time.Time, username string) error
	DayOrders(ctx context.Context, date time.Time) (map[string]domain.Order, error)
	UserOrder(ctx context.Context, date time.Time, username string) (domain.Order, error)
	OrderPrice(ctx context.Context, date time.Time, username string) (decimal.Decimal, error)
	OrdersForWeek(ctx context.Context, dates []time.Time, username string) ([]domain.Order, error)
	Total(ctx context.Context, date time.Time) (domain.Total, error)
	ConfirmDayOrders(ctx context.Context, date time.Time) error
	IsDayOrdersBlocked(ctx context.Context, date time.Time) (bool, error)
}

// Handler — HTTP API поверх DayOrderStore.
type Handler struct {
	store   DayOrderStore
	logger  *log.Entry
	metrics *metrics.OrderMetrics
}

// NewHandler создаёт обработчики API. metrics может быть nil.
func NewHandler(store DayOrderStore, m *metrics.OrderMetrics, logger *log.Entry) *Handler {
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}
	return &Handler{store: store, logger: logger, metrics: m}
}

// Routes собирает chi-роутер API.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/days/{date}", func(r chi.Router) {
			r.Get("/orders", h.dayOrders)
			r.Put("/orders/{username}", h.uploadOrder)
			r.Delete("/orders/{username}", h.deleteOrder)
			r.Get("/orders/{username}", h.userOrder)
			r.Get("/orders/{username}/price", h.orderPrice)
			r.Get("/total", h.total)
			r.Post("/confirm", h.confirm)
			r.Get("/blocked", h.blocked)
		})
		r.Get("/users/{username}/week", h.ordersForWeek)
	})

	return r
}

func (h *Handler) uploadOrder(w http.ResponseWriter, r *http.Request) {
	date, ok := h.dateParam(w, r)
	if !ok {
		return
	}

	var req uploadOrderRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(&req); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: decode order: %w", errBadRequest, err))
		return
	}

	if err := h.store.UploadOrder(r.Context(), date, chi.URLParam(r, "username"), req.toDomain()); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteOrder(w http.ResponseWriter, r *http.Request) {
	date, ok := h.dateParam(w, r)
	if !ok {
		return
	}

	if err := h.store.DeleteOrder(r.Context(), date, chi.URLParam(r, "username")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) dayOrders(w http.ResponseWriter, r *http.Request) {
	date, ok := h.dateParam(w, r)
	if !ok {
		return
	}

	orders, err := h.store.DayOrders(r.Context(), date)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newDayOrdersResponse(h.dayKey(date), orders))
}

func (h *Handler) userOrder(w http.ResponseWriter, r *http.Request) {
	date, ok := h.dateParam(w, r)
	if !ok {
		return
	}

	order, err := h.store.UserOrder(r.Context(), date, chi.URLParam(r, "username"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newOrderResponse(order, h.dayKey(order.Date)))
}

func (h *Handler) orderPrice(w http.ResponseWriter, r *http.Request) {
	date, ok := h.dateParam(w, r)
	if !ok {
		return
	}
	username := chi.URLParam(r, "username")

	price, err := h.store.OrderPrice(r.Context(), date, username)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, priceResponse{Date: h.dayKey(date), Username: username, Price: number(price)})
}

func (h *Handler) total(w http.ResponseWriter, r *http.Request) {
	date, ok := h.dateParam(w, r)
	if !ok {
		return
	}

	total, err := h.store.Total(r.Context(), date)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newTotalResponse(h.dayKey(date), total))
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	date, ok := h.dateParam(w, r)
	if !ok {
		return
	}

	if err := h.store.ConfirmDayOrders(r.Context(), date); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) blocked(w http.ResponseWriter, r *http.Request) {
	date, ok := h.dateParam(w, r)
	if !ok {
		return
	}

	blocked, err := h.store.IsDayOrdersBlocked(r.Context(), date)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, blockedResponse{Date: h.dayKey(date), Blocked: blocked})
}

func (h *Handler) ordersForWeek(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()["date"]
	if len(values) == 0 {
		h.writeError(w, r, fmt.Errorf("%w: at least one date query parameter is required", errBadRequest))
		return
	}

	dates := make([]time.Time, 0, len(values))
	for _, value := range values {
		date, err := h.parseDate(value)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		dates = append(dates, date)
	}

	username := chi.URLParam(r, "username")
	orders, err := h.store.OrdersForWeek(r.Context(), dates, username)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := weekResponse{Username: username, Orders: make([]orderResponse, 0, len(orders))}
	for _, order := range orders {
		resp.Orders = append(resp.Orders, newOrderResponse(order, h.dayKey(order.Date)))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) dateParam(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	date, err := h.parseDate(chi.URLParam(r, "date"))
	if err != nil {
		h.writeError(w, r, err)
		return time.Time{}, false
	}
	return date, true
}

// parseDate принимает YYYY-MM-DD, RFC3339 или "today" (нулевое время, то есть сегодня).
func (h *Handler) parseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("%w: date is required", errBadRequest)
	}
	if strings.EqualFold(value, todayParam) {
		return time.Time{}, nil
	}
	date, err := h.store.Calendar().ParseDay(value)
	if err != nil {
		return time.Time{}, badDate(value, err)
	}
	return date, nil
}

func (h *Handler) dayKey(date time.Time) string {
	return h.store.Calendar().DayKey(date)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.WithError(err).Warn("failed to encode response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.WithError(err).WithFields(log.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("request failed")
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		message = http.StatusText(status)
	}
	h.writeJSON(w, status, errorResponse{Error: message, Code: errorCode(err)})
}
