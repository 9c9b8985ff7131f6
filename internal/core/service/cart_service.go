package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
)

// AddItemRequest asks for quantity units of a product. IdempotencyKey is
// optional; a repeated key is rejected with domain.ErrDuplicateRequest.
type AddItemRequest struct {
	ProductID      string
	Quantity       int
	IdempotencyKey string
}

// stockHold is a quantity of one product to be returned to the ledger.
type stockHold struct {
	productID string
	quantity  int
}

// CartService keeps carts consistent with the stock ledger. Every mutation
// runs under the cart lock and reserves stock on the cart transaction, so a
// reservation commits or rolls back with the cart write. Releases owed by a
// mutation are applied after commit.
type CartService struct {
	carts   port.CartRepository
	catalog port.CatalogRepository
	ledger  port.StockLedger
	idem    port.IdempotencyStore
	logger  zerolog.Logger
}

// NewCartService reads products straight from the catalog store, never from
// the catalog cache. ledger only receives releases. idem may be nil to
// disable idempotency keys.
func NewCartService(carts port.CartRepository, catalog port.CatalogRepository, ledger port.StockLedger, idem port.IdempotencyStore, logger zerolog.Logger) *CartService {
	return &CartService{
		carts:   carts,
		catalog: catalog,
		ledger:  ledger,
		idem:    idem,
		logger:  logger.With().Str("component", "cart").Logger(),
	}
}

// GetCart returns the user's cart, creating it on first access. Items whose
// product is gone, inactive, or short of stock are deleted for good.
func (s *CartService) GetCart(ctx context.Context, userID string) (domain.CartView, error) {
	if err := checkUser(userID); err != nil {
		return domain.CartView{}, err
	}
	return s.mutate(ctx, userID, nil)
}

func (s *CartService) AddToCart(ctx context.Context, userID string, req AddItemRequest) (view domain.CartView, err error) {
	if err := checkUser(userID); err != nil {
		return domain.CartView{}, err
	}
	if req.Quantity <= 0 {
		return domain.CartView{}, fmt.Errorf("%w: quantity must be positive", domain.ErrValidation)
	}
	if strings.TrimSpace(req.ProductID) == "" {
		return domain.CartView{}, fmt.Errorf("%w: product id is required", domain.ErrValidation)
	}

	if req.IdempotencyKey != "" && s.idem != nil {
		key := fmt.Sprintf("cart:add:%s:%s", userID, req.IdempotencyKey)
		ok, err := s.idem.Claim(ctx, key)
		if err != nil {
			return domain.CartView{}, fmt.Errorf("idempotency check failed: %w", err)
		}
		if !ok {
			return domain.CartView{}, domain.ErrDuplicateRequest
		}
		defer func() {
			if err == nil {
				return
			}
			if relErr := s.idem.Release(context.WithoutCancel(ctx), key); relErr != nil {
				s.logger.Warn().Err(relErr).Str("user_id", userID).Msg("release idempotency key failed")
			}
		}()
	}

	product, err := s.catalog.GetProduct(ctx, req.ProductID)
	if err != nil {
		return domain.CartView{}, err
	}
	if !product.Active {
		return domain.CartView{}, fmt.Errorf("product %s: %w", product.ID, domain.ErrUnavailable)
	}
	if product.Stock < req.Quantity {
		return domain.CartView{}, fmt.Errorf("product %s: %w", product.ID, domain.ErrInsufficientStock)
	}

	view, err = s.mutate(ctx, userID, func(ctx context.Context, tx port.CartTx, ops *cartOps) error {
		item := tx.Cart().ItemByProduct(product.ID)
		merged := req.Quantity
		if item != nil {
			merged += item.Quantity
		}
		if merged > product.Stock {
			return fmt.Errorf("product %s: %w", product.ID, domain.ErrInsufficientStock)
		}
		if err := ops.reserve(ctx, tx, product.ID, req.Quantity); err != nil {
			return err
		}

		if item != nil {
			updated := *item
			updated.Quantity = merged
			return tx.SaveItem(ctx, &updated)
		}
		return tx.SaveItem(ctx, &domain.CartItem{ProductID: product.ID, Quantity: req.Quantity})
	})
	if err != nil {
		return domain.CartView{}, err
	}

	s.logger.Info().Str("user_id", userID).Str("product_id", product.ID).Int("quantity", req.Quantity).Msg("added product to cart")
	return view, nil
}

// UpdateCartItem overwrites the quantity of an item owned by userID. A
// quantity of zero or less deletes the item.
func (s *CartService) UpdateCartItem(ctx context.Context, userID, itemID string, quantity int) (domain.CartView, error) {
	if err := s.checkOwner(ctx, userID, itemID); err != nil {
		return domain.CartView{}, err
	}

	view, err := s.mutate(ctx, userID, func(ctx context.Context, tx port.CartTx, ops *cartOps) error {
		item := tx.Cart().Item(itemID)
		if item == nil {
			return fmt.Errorf("cart item %s: %w", itemID, domain.ErrNotFound)
		}
		if quantity <= 0 {
			return ops.delete(ctx, tx, *item)
		}

		product, err := tx.GetProduct(ctx, item.ProductID)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("product %s: %w", item.ProductID, domain.ErrUnavailable)
		}
		if err != nil {
			return err
		}
		if !product.Active {
			return fmt.Errorf("product %s: %w", product.ID, domain.ErrUnavailable)
		}
		if quantity > product.Stock {
			return fmt.Errorf("product %s: %w", product.ID, domain.ErrInsufficientStock)
		}

		switch delta := quantity - item.Quantity; {
		case delta > 0:
			if err := ops.reserve(ctx, tx, product.ID, delta); err != nil {
				return err
			}
		case delta < 0:
			ops.release(product.ID, -delta)
		}

		updated := *item
		updated.Quantity = quantity
		return tx.SaveItem(ctx, &updated)
	})
	if err != nil {
		return domain.CartView{}, err
	}

	if quantity <= 0 {
		s.logger.Info().Str("user_id", userID).Str("item_id", itemID).Msg("removed cart item")
	} else {
		s.logger.Info().Str("user_id", userID).Str("item_id", itemID).Int("quantity", quantity).Msg("updated cart item")
	}
	return view, nil
}

func (s *CartService) RemoveFromCart(ctx context.Context, userID, itemID string) (domain.CartView, error) {
	if err := s.checkOwner(ctx, userID, itemID); err != nil {
		return domain.CartView{}, err
	}

	view, err := s.mutate(ctx, userID, func(ctx context.Context, tx port.CartTx, ops *cartOps) error {
		item := tx.Cart().Item(itemID)
		if item == nil {
			return fmt.Errorf("cart item %s: %w", itemID, domain.ErrNotFound)
		}
		return ops.delete(ctx, tx, *item)
	})
	if err != nil {
		return domain.CartView{}, err
	}

	s.logger.Info().Str("user_id", userID).Str("item_id", itemID).Msg("removed cart item")
	return view, nil
}

func (s *CartService) ClearCart(ctx context.Context, userID string) (domain.CartView, error) {
	if err := checkUser(userID); err != nil {
		return domain.CartView{}, err
	}

	view, err := s.mutate(ctx, userID, func(ctx context.Context, tx port.CartTx, ops *cartOps) error {
		items := append([]domain.CartItem(nil), tx.Cart().Items...)
		for _, item := range items {
			if err := ops.delete(ctx, tx, item); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.CartView{}, err
	}

	s.logger.Info().Str("user_id", userID).Msg("cleared cart")
	return view, nil
}

// cartOps collects the releases owed by one cart mutation.
type cartOps struct {
	released []stockHold
}

func (o *cartOps) reserve(ctx context.Context, tx port.CartTx, productID string, quantity int) error {
	err := tx.Reserve(ctx, productID, quantity)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("product %s: %w", productID, domain.ErrUnavailable)
	}
	return err
}

func (o *cartOps) release(productID string, quantity int) {
	o.released = append(o.released, stockHold{productID: productID, quantity: quantity})
}

func (o *cartOps) delete(ctx context.Context, tx port.CartTx, item domain.CartItem) error {
	if err := tx.DeleteItem(ctx, item.ID); err != nil {
		return err
	}
	o.release(item.ProductID, item.Quantity)
	return nil
}

// mutate runs change (if any) and the purge pass under the cart lock.
// Releases are applied only after a successful commit; a failed mutation
// leaves the ledger as it was.
func (s *CartService) mutate(ctx context.Context, userID string, change func(context.Context, port.CartTx, *cartOps) error) (domain.CartView, error) {
	ops := &cartOps{}
	var view domain.CartView

	err := s.carts.WithCartLock(ctx, userID, func(ctx context.Context, tx port.CartTx) error {
		if change != nil {
			if err := change(ctx, tx, ops); err != nil {
				return err
			}
		}
		v, err := s.purge(ctx, tx, ops)
		if err != nil {
			return err
		}
		view = v
		return nil
	})
	if err != nil {
		return domain.CartView{}, err
	}

	s.settle(ctx, ops.released)
	return view, nil
}

// purge deletes every item whose product is missing, inactive or holds less
// stock than the item quantity, then builds the view of what is left.
func (s *CartService) purge(ctx context.Context, tx port.CartTx, ops *cartOps) (domain.CartView, error) {
	cart := tx.Cart()
	ids := make([]string, 0, len(cart.Items))
	for _, it := range cart.Items {
		ids = append(ids, it.ProductID)
	}
	products, err := tx.GetProducts(ctx, ids)
	if err != nil {
		return domain.CartView{}, err
	}

	items := append([]domain.CartItem(nil), cart.Items...)
	for _, item := range items {
		p, ok := products[item.ProductID]
		if ok && p.Active && item.Quantity <= p.Stock {
			continue
		}
		if err := tx.DeleteItem(ctx, item.ID); err != nil {
			return domain.CartView{}, err
		}
		if ok {
			ops.release(item.ProductID, item.Quantity)
		}
		s.logger.Info().Str("user_id", cart.UserID).Str("item_id", item.ID).Str("product_id", item.ProductID).Msg("purged unavailable cart item")
	}

	return domain.NewCartView(*tx.Cart(), products), nil
}

// settle returns holds to the ledger on a context that outlives the request.
func (s *CartService) settle(ctx context.Context, holds []stockHold) {
	if len(holds) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, h := range holds {
		if err := s.ledger.Release(ctx, h.productID, h.quantity); err != nil {
			s.logger.Error().Err(err).Str("product_id", h.productID).Int("quantity", h.quantity).Msg("CRITICAL: release reservation failed")
			continue
		}
		s.logger.Debug().Str("product_id", h.productID).Int("quantity", h.quantity).Msg("released reservation")
	}
}

func (s *CartService) checkOwner(ctx context.Context, userID, itemID string) error {
	if err := checkUser(userID); err != nil {
		return err
	}
	if strings.TrimSpace(itemID) == "" {
		return fmt.Errorf("%w: item id is required", domain.ErrValidation)
	}
	owner, err := s.carts.FindItemOwner(ctx, itemID)
	if err != nil {
		return err
	}
	if owner != userID {
		return domain.ErrUnauthorized
	}
	return nil
}

func checkUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return domain.ErrUnauthenticated
	}
	return nil
}
