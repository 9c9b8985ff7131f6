package handler

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/core/service"
)

const (
	CatalogServiceName = "storefront.v1.CatalogService"
	CartServiceName    = "storefront.v1.CartService"

	mdUserID         = "x-user-id"
	mdUserRoles      = "x-user-roles"
	mdIdempotencyKey = "idempotency-key"
)

type ListProductsRequest struct {
	Page int `json:"page"`
	Size int `json:"size"`
}

type GetProductRequest struct {
	ID string `json:"id"`
}

type SearchProductsRequest struct {
	Category  *string          `json:"category,omitempty"`
	Name      *string          `json:"name,omitempty"`
	MinPrice  *decimal.Decimal `json:"minPrice,omitempty"`
	MaxPrice  *decimal.Decimal `json:"maxPrice,omitempty"`
	MinRating *decimal.Decimal `json:"minRating,omitempty"`
	Page      int              `json:"page"`
	Size      int              `json:"size"`
}

type ListCategoriesRequest struct{}

type CategoriesResponse struct {
	Categories []string `json:"categories"`
}

type ProductPage = domain.Page[domain.Product]

type GetCartRequest struct{}

type AddToCartRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type UpdateCartItemRequest struct {
	ItemID   string `json:"itemId"`
	Quantity int    `json:"quantity"`
}

type RemoveFromCartRequest struct {
	ItemID string `json:"itemId"`
}

type ClearCartRequest struct{}

type CatalogServer interface {
	ListProducts(context.Context, *ListProductsRequest) (*ProductPage, error)
	GetProduct(context.Context, *GetProductRequest) (*domain.Product, error)
	SearchProducts(context.Context, *SearchProductsRequest) (*ProductPage, error)
	ListCategories(context.Context, *ListCategoriesRequest) (*CategoriesResponse, error)
}

type CartServer interface {
	GetCart(context.Context, *GetCartRequest) (*domain.CartView, error)
	AddToCart(context.Context, *AddToCartRequest) (*domain.CartView, error)
	UpdateCartItem(context.Context, *UpdateCartItemRequest) (*domain.CartView, error)
	RemoveFromCart(context.Context, *RemoveFromCartRequest) (*domain.CartView, error)
	ClearCart(context.Context, *ClearCartRequest) (*domain.CartView, error)
}

var catalogServiceDesc = grpc.ServiceDesc{
	ServiceName: CatalogServiceName,
	HandlerType: (*CatalogServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(CatalogServiceName, "ListProducts", CatalogServer.ListProducts),
		unaryMethod(CatalogServiceName, "GetProduct", CatalogServer.GetProduct),
		unaryMethod(CatalogServiceName, "SearchProducts", CatalogServer.SearchProducts),
		unaryMethod(CatalogServiceName, "ListCategories", CatalogServer.ListCategories),
	},
	Metadata: "storefront/v1/catalog",
}

var cartServiceDesc = grpc.ServiceDesc{
	ServiceName: CartServiceName,
	HandlerType: (*CartServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(CartServiceName, "GetCart", CartServer.GetCart),
		unaryMethod(CartServiceName, "AddToCart", CartServer.AddToCart),
		unaryMethod(CartServiceName, "UpdateCartItem", CartServer.UpdateCartItem),
		unaryMethod(CartServiceName, "RemoveFromCart", CartServer.RemoveFromCart),
		unaryMethod(CartServiceName, "ClearCart", CartServer.ClearCart),
	},
	Metadata: "storefront/v1/cart",
}

// GRPCHandler serves catalog reads and cart operations. Catalog management
// is only exposed over HTTP.
type GRPCHandler struct {
	catalog *service.CatalogService
	carts   *service.CartService
	logger  zerolog.Logger
}

var (
	_ CatalogServer = (*GRPCHandler)(nil)
	_ CartServer    = (*GRPCHandler)(nil)
)

func NewGRPCHandler(catalog *service.CatalogService, carts *service.CartService, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{catalog: catalog, carts: carts, logger: logger}
}

// Register adds both storefront services to s.
func (h *GRPCHandler) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(&catalogServiceDesc, h)
	s.RegisterService(&cartServiceDesc, h)
}

func (h *GRPCHandler) ListProducts(ctx context.Context, req *ListProductsRequest) (*ProductPage, error) {
	page, err := h.catalog.ListProducts(ctx, domain.PageRequest{Page: req.Page, Size: req.Size})
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &page, nil
}

func (h *GRPCHandler) GetProduct(ctx context.Context, req *GetProductRequest) (*domain.Product, error) {
	p, err := h.catalog.GetProduct(ctx, req.ID)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return p, nil
}

func (h *GRPCHandler) SearchProducts(ctx context.Context, req *SearchProductsRequest) (*ProductPage, error) {
	filter := domain.SearchFilter{
		Category:  nonBlank(req.Category),
		Name:      nonBlank(req.Name),
		MinPrice:  req.MinPrice,
		MaxPrice:  req.MaxPrice,
		MinRating: req.MinRating,
	}
	page, err := h.catalog.SearchProducts(ctx, filter, domain.PageRequest{Page: req.Page, Size: req.Size})
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &page, nil
}

func (h *GRPCHandler) ListCategories(ctx context.Context, _ *ListCategoriesRequest) (*CategoriesResponse, error) {
	categories, err := h.catalog.ListCategories(ctx)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &CategoriesResponse{Categories: categories}, nil
}

func (h *GRPCHandler) GetCart(ctx context.Context, _ *GetCartRequest) (*domain.CartView, error) {
	view, err := h.carts.GetCart(ctx, identityFromMetadata(ctx).UserID)
	return h.cartReply(view, err)
}

func (h *GRPCHandler) AddToCart(ctx context.Context, req *AddToCartRequest) (*domain.CartView, error) {
	view, err := h.carts.AddToCart(ctx, identityFromMetadata(ctx).UserID, service.AddItemRequest{
		ProductID:      req.ProductID,
		Quantity:       req.Quantity,
		IdempotencyKey: firstMetadata(ctx, mdIdempotencyKey),
	})
	return h.cartReply(view, err)
}

func (h *GRPCHandler) UpdateCartItem(ctx context.Context, req *UpdateCartItemRequest) (*domain.CartView, error) {
	view, err := h.carts.UpdateCartItem(ctx, identityFromMetadata(ctx).UserID, req.ItemID, req.Quantity)
	return h.cartReply(view, err)
}

func (h *GRPCHandler) RemoveFromCart(ctx context.Context, req *RemoveFromCartRequest) (*domain.CartView, error) {
	view, err := h.carts.RemoveFromCart(ctx, identityFromMetadata(ctx).UserID, req.ItemID)
	return h.cartReply(view, err)
}

func (h *GRPCHandler) ClearCart(ctx context.Context, _ *ClearCartRequest) (*domain.CartView, error) {
	view, err := h.carts.ClearCart(ctx, identityFromMetadata(ctx).UserID)
	return h.cartReply(view, err)
}

func (h *GRPCHandler) cartReply(view domain.CartView, err error) (*domain.CartView, error) {
	if err != nil {
		return nil, h.toStatus(err)
	}
	return &view, nil
}

func (h *GRPCHandler) toStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrUnavailable):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrInsufficientStock):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, domain.ErrDuplicateRequest):
		return status.Error(codes.AlreadyExists, "duplicate request")
	case errors.Is(err, domain.ErrUnauthorized), errors.Is(err, domain.ErrForbidden):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, domain.ErrUnauthenticated):
		return status.Error(codes.Unauthenticated, "authentication required")
	case errors.Is(err, domain.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	}
	h.logger.Error().Err(err).Msg("grpc request failed")
	return status.Error(codes.Internal, "internal error")
}

func identityFromMetadata(ctx context.Context) domain.Identity {
	return domain.Identity{
		UserID: strings.TrimSpace(firstMetadata(ctx, mdUserID)),
		Roles:  splitRoles(firstMetadata(ctx, mdUserRoles)),
	}
}

func firstMetadata(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func nonBlank(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
