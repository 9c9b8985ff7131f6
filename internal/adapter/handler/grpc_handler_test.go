package handler

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/core/service"
)

func startGRPC(t *testing.T) (*grpc.ClientConn, *service.CatalogService) {
	t.Helper()
	catalog, carts := newTestServices()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	NewGRPCHandler(catalog, carts, zerolog.New(io.Discard)).Register(srv)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(JSONCodecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, catalog
}

func invoke[Resp any](ctx context.Context, conn *grpc.ClientConn, method string, req any) (*Resp, error) {
	out := new(Resp)
	if err := conn.Invoke(ctx, method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func userCtx(userID string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), mdUserID, userID)
}

func TestGRPC_CatalogReads(t *testing.T) {
	conn, catalog := startGRPC(t)
	ctx := context.Background()

	p, err := catalog.CreateProduct(ctx, domain.ProductInput{
		Name: "Headphones", Price: decimal.NewFromInt(80), Stock: 4, Category: "audio",
	})
	require.NoError(t, err)

	page, err := invoke[ProductPage](ctx, conn, "/"+CatalogServiceName+"/ListProducts", &ListProductsRequest{Size: 5})
	require.NoError(t, err)
	require.Len(t, page.Content, 1)
	assert.Equal(t, p.ID, page.Content[0].ID)

	got, err := invoke[domain.Product](ctx, conn, "/"+CatalogServiceName+"/GetProduct", &GetProductRequest{ID: p.ID})
	require.NoError(t, err)
	assert.Equal(t, "Headphones", got.Name)

	category := "audio"
	found, err := invoke[ProductPage](ctx, conn, "/"+CatalogServiceName+"/SearchProducts", &SearchProductsRequest{Category: &category})
	require.NoError(t, err)
	assert.Len(t, found.Content, 1)

	categories, err := invoke[CategoriesResponse](ctx, conn, "/"+CatalogServiceName+"/ListCategories", &ListCategoriesRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"audio"}, categories.Categories)

	_, err = invoke[domain.Product](ctx, conn, "/"+CatalogServiceName+"/GetProduct", &GetProductRequest{ID: "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestGRPC_CartFlow(t *testing.T) {
	conn, catalog := startGRPC(t)

	p, err := catalog.CreateProduct(context.Background(), domain.ProductInput{
		Name: "Cable", Price: decimal.NewFromInt(5), Stock: 2, Category: "audio",
	})
	require.NoError(t, err)

	_, err = invoke[domain.CartView](context.Background(), conn, "/"+CartServiceName+"/GetCart", &GetCartRequest{})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	ctx := userCtx("carol")
	view, err := invoke[domain.CartView](ctx, conn, "/"+CartServiceName+"/AddToCart", &AddToCartRequest{ProductID: p.ID, Quantity: 2})
	require.NoError(t, err)
	require.Len(t, view.Items, 1)
	itemID := view.Items[0].ID

	_, err = invoke[domain.CartView](ctx, conn, "/"+CartServiceName+"/AddToCart", &AddToCartRequest{ProductID: p.ID, Quantity: 1})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	_, err = invoke[domain.CartView](userCtx("dave"), conn, "/"+CartServiceName+"/RemoveFromCart", &RemoveFromCartRequest{ItemID: itemID})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	view, err = invoke[domain.CartView](ctx, conn, "/"+CartServiceName+"/UpdateCartItem", &UpdateCartItemRequest{ItemID: itemID, Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, view.TotalItems)

	_, err = invoke[domain.CartView](ctx, conn, "/"+CartServiceName+"/AddToCart", &AddToCartRequest{ProductID: p.ID, Quantity: 0})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	view, err = invoke[domain.CartView](ctx, conn, "/"+CartServiceName+"/ClearCart", &ClearCartRequest{})
	require.NoError(t, err)
	assert.Empty(t, view.Items)
}

func TestGRPC_IdempotencyKeyFromMetadata(t *testing.T) {
	conn, catalog := startGRPC(t)

	p, err := catalog.CreateProduct(context.Background(), domain.ProductInput{
		Name: "Strap", Price: decimal.NewFromInt(3), Stock: 10, Category: "audio",
	})
	require.NoError(t, err)

	ctx := metadata.AppendToOutgoingContext(userCtx("erin"), mdIdempotencyKey, "once")
	_, err = invoke[domain.CartView](ctx, conn, "/"+CartServiceName+"/AddToCart", &AddToCartRequest{ProductID: p.ID, Quantity: 1})
	require.NoError(t, err)

	_, err = invoke[domain.CartView](ctx, conn, "/"+CartServiceName+"/AddToCart", &AddToCartRequest{ProductID: p.ID, Quantity: 1})
	assert.Equal(t, codes.AlreadyExists, status.Code(err))
}

func TestGRPC_DeactivatedProductIsFailedPrecondition(t *testing.T) {
	conn, catalog := startGRPC(t)
	bg := context.Background()

	p, err := catalog.CreateProduct(bg, domain.ProductInput{
		Name: "Amp", Price: decimal.NewFromInt(120), Stock: 1, Category: "audio",
	})
	require.NoError(t, err)
	require.NoError(t, catalog.DeleteProduct(bg, p.ID))

	_, err = invoke[domain.CartView](userCtx("frank"), conn, "/"+CartServiceName+"/AddToCart", &AddToCartRequest{ProductID: p.ID, Quantity: 1})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}
