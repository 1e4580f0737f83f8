package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/brokerage/portfolio-engine/internal/config"
	"github.com/brokerage/portfolio-engine/internal/events"
	"github.com/brokerage/portfolio-engine/internal/metrics"
	"github.com/brokerage/portfolio-engine/internal/monitor"
	"github.com/brokerage/portfolio-engine/internal/oracle"
	"github.com/brokerage/portfolio-engine/internal/repository"
	"github.com/brokerage/portfolio-engine/internal/service"
	"github.com/brokerage/portfolio-engine/pkg/logger"
	"github.com/brokerage/portfolio-engine/pkg/retry"
	"github.com/brokerage/portfolio-engine/pkg/snowflake"
)

// sectorMap drives the sizing correlation adjustment. Unlisted symbols
// count as one "OTHER" cluster.
var sectorMap = map[string]string{
	"AAPL": "TECH", "MSFT": "TECH", "GOOGL": "TECH", "NVDA": "TECH",
	"AMZN": "TECH", "META": "TECH", "TSLA": "AUTO",
	"JPM": "FINANCE", "BAC": "FINANCE", "GS": "FINANCE",
	"JNJ": "HEALTH", "PFE": "HEALTH", "UNH": "HEALTH",
	"XOM": "ENERGY", "CVX": "ENERGY",
}

func main() {
	cfg := config.Load()
	appLog := logger.New(cfg.ServiceName, os.Stdout)
	log.Printf("Starting %s...", cfg.ServiceName)

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Printf("Connected to PostgreSQL")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	log.Printf("Connected to Redis")

	idGen, err := snowflake.New(cfg.WorkerID)
	if err != nil {
		log.Fatalf("Failed to create ID generator: %v", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	orderRepo := repository.NewOrderRepository(db)
	tradeRepo := repository.NewTradeRepository(db)
	positionRepo := repository.NewPositionRepository(db)
	walletRepo := repository.NewWalletRepository(db, cfg.StartingCash)
	paramsRepo := repository.NewRiskParamsRepository(db, cfg.RiskDefaults)
	settlementRepo := repository.NewSettlementRepository(db, cfg.StartingCash)

	quotes := oracle.NewCachedSource(
		oracle.NewHTTPSource(cfg.MarketDataURL, m),
		redisClient, retry.Default(), cfg.QuoteTTL, cfg.HistoryTTL,
	)

	publisher := events.NewPublisher(redisClient, appLog)

	engine := service.NewEngine(
		orderRepo, settlementRepo, positionRepo, walletRepo, paramsRepo,
		quotes, idGen,
		service.Limits{
			MaxOrderValue:            cfg.MaxOrderValue,
			MaxPositionConcentration: cfg.MaxPositionConcentration,
		},
		cfg.Currency, m, appLog,
	)
	engine.SetPublisher(publisher)

	analytics := service.NewAnalytics(
		positionRepo, tradeRepo, walletRepo, quotes,
		cfg.BenchmarkSymbol, cfg.RiskFreeRate, cfg.LookbackDays, cfg.Currency, appLog,
	)
	sizer := service.NewSizer(
		positionRepo, walletRepo, paramsRepo, quotes,
		sectorMap, cfg.LookbackDays, cfg.Currency, appLog,
	)
	scanner := service.NewAlertScanner(
		positionRepo, paramsRepo, quotes, idGen, cfg.LookbackDays, m, appLog,
		func() int64 { return time.Now().UnixMilli() },
	)

	mon := monitor.New(engine, scanner, positionRepo, publisher, monitor.Config{
		OrderInterval: cfg.OrderCycleInterval,
		AlertInterval: cfg.AlertScanInterval,
		BatchSize:     cfg.MonitorBatchSize,
	}, m, appLog)
	if err := mon.Start(); err != nil {
		log.Fatalf("Failed to start monitor: %v", err)
	}
	defer mon.Stop()

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		orders := mon.Orders.Check(now, 3*cfg.OrderCycleInterval)
		alerts := mon.Alerts.Check(now, 3*cfg.AlertScanInterval)

		status := http.StatusOK
		if !orders.Healthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"orderMonitor": orders,
			"alertMonitor": alerts,
		})
	})

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("/v1/order", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			handleSubmitOrder(w, r, engine)
		case http.MethodDelete:
			handleCancelOrder(w, r, engine)
		case http.MethodGet:
			handleGetOrder(w, r, engine)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/v1/orders", func(w http.ResponseWriter, r *http.Request) {
		userID := queryInt64(r, "userId")
		if userID == 0 {
			http.Error(w, "userId required", http.StatusBadRequest)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		orders, err := engine.ListOrders(r.Context(), userID, r.URL.Query().Get("symbol"), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, orders)
	})

	mux.HandleFunc("/v1/position/metrics", func(w http.ResponseWriter, r *http.Request) {
		userID := queryInt64(r, "userId")
		symbol := r.URL.Query().Get("symbol")
		if userID == 0 || symbol == "" {
			http.Error(w, "userId and symbol required", http.StatusBadRequest)
			return
		}
		pm, err := analytics.GetPositionMetrics(r.Context(), userID, symbol)
		if err != nil {
			if errors.Is(err, repository.ErrPositionNotFound) {
				http.Error(w, "position not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, pm)
	})

	mux.HandleFunc("/v1/portfolio/risk", func(w http.ResponseWriter, r *http.Request) {
		userID := queryInt64(r, "userId")
		if userID == 0 {
			http.Error(w, "userId required", http.StatusBadRequest)
			return
		}
		summary, err := analytics.GetPortfolioRiskSummary(r.Context(), userID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, summary)
	})

	mux.HandleFunc("/v1/portfolio/rebalance", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		userID := queryInt64(r, "userId")
		if userID == 0 {
			http.Error(w, "userId required", http.StatusBadRequest)
			return
		}
		var targets map[string]float64
		if err := json.NewDecoder(r.Body).Decode(&targets); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		actions, err := analytics.RecommendRebalance(r.Context(), userID, targets)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, actions)
	})

	mux.HandleFunc("/v1/position/recommend", func(w http.ResponseWriter, r *http.Request) {
		userID := queryInt64(r, "userId")
		symbol := r.URL.Query().Get("symbol")
		if userID == 0 || symbol == "" {
			http.Error(w, "userId and symbol required", http.StatusBadRequest)
			return
		}
		price, _ := strconv.ParseFloat(r.URL.Query().Get("price"), 64)
		rec, err := sizer.RecommendPositionSize(r.Context(), userID, symbol, price)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, rec)
	})

	mux.HandleFunc("/v1/alerts", func(w http.ResponseWriter, r *http.Request) {
		userID := queryInt64(r, "userId")
		if userID == 0 {
			http.Error(w, "userId required", http.StatusBadRequest)
			return
		}
		alerts, err := scanner.ScanUser(r.Context(), userID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, alerts)
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: mux,
	}

	go func() {
		log.Printf("HTTP server listening on :%d", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	log.Println("Shutdown complete")
}

func handleSubmitOrder(w http.ResponseWriter, r *http.Request, engine *service.Engine) {
	var req service.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.UserID == 0 {
		req.UserID = queryInt64(r, "userId")
	}
	if req.UserID == 0 {
		http.Error(w, "userId required", http.StatusBadRequest)
		return
	}

	result, err := engine.ExecuteOrder(r.Context(), &req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, result)
}

func handleCancelOrder(w http.ResponseWriter, r *http.Request, engine *service.Engine) {
	userID := queryInt64(r, "userId")
	orderID := queryInt64(r, "orderId")
	if userID == 0 || orderID == 0 {
		http.Error(w, "userId and orderId required", http.StatusBadRequest)
		return
	}
	result, err := engine.CancelOrder(r.Context(), userID, orderID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, result)
}

func handleGetOrder(w http.ResponseWriter, r *http.Request, engine *service.Engine) {
	userID := queryInt64(r, "userId")
	orderID := queryInt64(r, "orderId")
	if userID == 0 || orderID == 0 {
		http.Error(w, "userId and orderId required", http.StatusBadRequest)
		return
	}
	order, err := engine.GetOrder(r.Context(), userID, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, "order not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, order)
}

func queryInt64(r *http.Request, key string) int64 {
	v, _ := strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
	return v
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
