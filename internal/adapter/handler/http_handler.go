package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/core/service"
)

const idempotencyHeader = "Idempotency-Key"

type HTTPHandler struct {
	catalog *service.CatalogService
	carts   *service.CartService
	logger  zerolog.Logger
}

type AddToCartHTTPRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type ErrorHTTPResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func NewHTTPHandler(catalog *service.CatalogService, carts *service.CartService, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{catalog: catalog, carts: carts, logger: logger}
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.catalog.ListProducts(r.Context(), page)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *HTTPHandler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.catalog.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *HTTPHandler) SearchProducts(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	filter, err := filterFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.catalog.SearchProducts(r.Context(), filter, page)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *HTTPHandler) ListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.catalog.ListCategories(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, categories)
}

func (h *HTTPHandler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var in domain.ProductInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", domain.ErrValidation))
		return
	}
	p, err := h.catalog.CreateProduct(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *HTTPHandler) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	var in domain.ProductInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", domain.ErrValidation))
		return
	}
	p, err := h.catalog.UpdateProduct(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *HTTPHandler) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.DeleteProduct(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) RestoreProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.catalog.RestoreProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *HTTPHandler) UpdateStock(w http.ResponseWriter, r *http.Request) {
	stock, err := requiredInt(r, "stock")
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := h.catalog.UpdateStock(r.Context(), chi.URLParam(r, "id"), stock)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *HTTPHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	view, err := h.carts.GetCart(r.Context(), userID(r))
	h.writeCart(w, r, view, err)
}

func (h *HTTPHandler) AddToCart(w http.ResponseWriter, r *http.Request) {
	var req AddToCartHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", domain.ErrValidation))
		return
	}
	view, err := h.carts.AddToCart(r.Context(), userID(r), service.AddItemRequest{
		ProductID:      req.ProductID,
		Quantity:       req.Quantity,
		IdempotencyKey: r.Header.Get(idempotencyHeader),
	})
	h.writeCart(w, r, view, err)
}

func (h *HTTPHandler) UpdateCartItem(w http.ResponseWriter, r *http.Request) {
	quantity, err := requiredInt(r, "quantity")
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := h.carts.UpdateCartItem(r.Context(), userID(r), chi.URLParam(r, "itemId"), quantity)
	h.writeCart(w, r, view, err)
}

func (h *HTTPHandler) RemoveFromCart(w http.ResponseWriter, r *http.Request) {
	view, err := h.carts.RemoveFromCart(r.Context(), userID(r), chi.URLParam(r, "itemId"))
	h.writeCart(w, r, view, err)
}

func (h *HTTPHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	view, err := h.carts.ClearCart(r.Context(), userID(r))
	h.writeCart(w, r, view, err)
}

func (h *HTTPHandler) writeCart(w http.ResponseWriter, r *http.Request, view domain.CartView, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// fail writes the mapped error and logs the ones that map to 500.
func (h *HTTPHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if status, _ := statusFor(err); status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("request failed")
	}
	writeError(w, err)
}

func userID(r *http.Request) string {
	id, _ := IdentityFromContext(r.Context())
	return id.UserID
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrUnavailable):
		return http.StatusGone, err.Error()
	case errors.Is(err, domain.ErrInsufficientStock):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrDuplicateRequest):
		return http.StatusConflict, "duplicate request"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden, "cart item does not belong to the current user"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized, "authentication required"
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, message := statusFor(err)
	writeJSON(w, status, ErrorHTTPResponse{Success: false, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func pageFromQuery(r *http.Request) (domain.PageRequest, error) {
	page, err := optionalInt(r, "page")
	if err != nil {
		return domain.PageRequest{}, err
	}
	size, err := optionalInt(r, "size")
	if err != nil {
		return domain.PageRequest{}, err
	}
	return domain.PageRequest{Page: page, Size: size}, nil
}

func filterFromQuery(r *http.Request) (domain.SearchFilter, error) {
	q := r.URL.Query()
	var f domain.SearchFilter
	if v := strings.TrimSpace(q.Get("category")); v != "" {
		f.Category = &v
	}
	if v := strings.TrimSpace(q.Get("name")); v != "" {
		f.Name = &v
	}

	var err error
	if f.MinPrice, err = optionalDecimal(r, "minPrice"); err != nil {
		return f, err
	}
	if f.MaxPrice, err = optionalDecimal(r, "maxPrice"); err != nil {
		return f, err
	}
	if f.MinRating, err = optionalDecimal(r, "minRating"); err != nil {
		return f, err
	}
	return f, nil
}

func optionalInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", domain.ErrValidation, name)
	}
	return n, nil
}

func requiredInt(r *http.Request, name string) (int, error) {
	if r.URL.Query().Get(name) == "" {
		return 0, fmt.Errorf("%w: %s is required", domain.ErrValidation, name)
	}
	return optionalInt(r, name)
}

func optionalDecimal(r *http.Request, name string) (*decimal.Decimal, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be a number", domain.ErrValidation, name)
	}
	return &d, nil
}
