package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rl1809/storefront/internal/adapter/storage"
	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/core/service"
	"github.com/rl1809/storefront/internal/logger"
	"github.com/rl1809/storefront/internal/port"
)

// Races many users adding the same product to their carts and checks that
// the number of successful adds never exceeds the stock.
func main() {
	users := flag.Int("users", 50, "number of concurrent users")
	stock := flag.Int("stock", 20, "initial stock of the contested product")
	dsn := flag.String("mysql", "", "run against this MySQL DSN instead of the in-memory store")
	flag.Parse()

	log := logger.New(logger.Options{Level: "info", Format: "console"})
	ctx := context.Background()

	var (
		repo   port.CatalogRepository
		ledger port.StockLedger
		carts  port.CartRepository
	)
	if *dsn != "" {
		db, err := sql.Open("mysql", *dsn)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open mysql")
		}
		defer db.Close()
		if err := storage.Migrate(ctx, db); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate")
		}
		mysqlAdapter := storage.NewMySQLAdapter(db)
		repo, ledger, carts = mysqlAdapter, mysqlAdapter, storage.NewMySQLCartAdapter(db)
	} else {
		mem := storage.NewMemoryStore()
		repo, ledger, carts = mem, mem, mem
	}

	quiet := log.Level(zerolog.WarnLevel)
	catalog := service.NewCatalogService(repo, storage.NewMemoryCache(), nil, quiet)
	cartService := service.NewCartService(carts, repo, ledger, nil, quiet)

	product, err := catalog.CreateProduct(ctx, domain.ProductInput{
		Name:     "Stress Test Item",
		Price:    decimal.NewFromInt(100),
		Stock:    *stock,
		Category: "stress",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create product")
	}

	var successCount, soldOutCount, failCount atomic.Int32
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *users; i++ {
		wg.Add(1)
		go func(userID int) {
			defer wg.Done()

			_, err := cartService.AddToCart(ctx, fmt.Sprintf("stress-user-%d-%d", start.UnixNano(), userID), service.AddItemRequest{
				ProductID: product.ID,
				Quantity:  1,
			})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				soldOutCount.Add(1)
			default:
				failCount.Add(1)
				log.Error().Err(err).Int("user", userID).Msg("unexpected failure")
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	after, err := repo.GetProduct(ctx, product.ID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to reload product")
	}

	log.Info().
		Int("users", *users).
		Int("stock", *stock).
		Int32("success", successCount.Load()).
		Int32("sold_out", soldOutCount.Load()).
		Int32("errors", failCount.Load()).
		Int("reserved", after.Reserved).
		Dur("elapsed", elapsed).
		Msg("stress test finished")

	expected := min(*users, *stock)
	if int(successCount.Load()) != expected || after.Reserved != expected {
		log.Fatal().Int("expected", expected).Msg("FAIL: reservations do not match stock")
	}
	log.Info().Msg("PASS: no oversell")
}
