// Package monitor runs the recurring background work: the pending-order
// trigger loop and the risk alert scan.
package monitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/brokerage/portfolio-engine/internal/metrics"
	"github.com/brokerage/portfolio-engine/internal/service"
	"github.com/brokerage/portfolio-engine/pkg/health"
	"github.com/brokerage/portfolio-engine/pkg/logger"
)

// UserSource enumerates users the alert scan must visit.
type UserSource interface {
	ListUsersWithPositions(ctx context.Context) ([]int64, error)
}

type alertSink interface {
	PublishAlerts(ctx context.Context, userID int64, alerts interface{}) error
}

// Monitor owns the cron schedule. All loop state lives here; nothing is
// process-global.
type Monitor struct {
	engine  *service.Engine
	scanner *service.AlertScanner
	users   UserSource
	sink    alertSink

	orderInterval time.Duration
	alertInterval time.Duration
	cycleTimeout  time.Duration
	batchSize     int

	cron    *cron.Cron
	Orders  *health.LoopMonitor
	Alerts  *health.LoopMonitor
	metrics *metrics.Metrics
	log     *logger.Logger
}

// Config bounds the monitor's schedule.
type Config struct {
	OrderInterval time.Duration
	AlertInterval time.Duration
	CycleTimeout  time.Duration
	BatchSize     int
}

// New wires the monitor. sink may be nil when alert publishing is off.
func New(engine *service.Engine, scanner *service.AlertScanner, users UserSource, sink alertSink, cfg Config, m *metrics.Metrics, log *logger.Logger) *Monitor {
	if cfg.OrderInterval <= 0 {
		cfg.OrderInterval = 30 * time.Second
	}
	if cfg.AlertInterval <= 0 {
		cfg.AlertInterval = 5 * time.Minute
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 25 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if log == nil {
		log = logger.New("monitor", nil)
	}
	return &Monitor{
		engine:        engine,
		scanner:       scanner,
		users:         users,
		sink:          sink,
		orderInterval: cfg.OrderInterval,
		alertInterval: cfg.AlertInterval,
		cycleTimeout:  cfg.CycleTimeout,
		batchSize:     cfg.BatchSize,
		cron:          cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		Orders:        &health.LoopMonitor{},
		Alerts:        &health.LoopMonitor{},
		metrics:       m,
		log:           log,
	}
}

// Start schedules both loops and begins running them.
func (m *Monitor) Start() error {
	if _, err := m.cron.AddFunc("@every "+m.orderInterval.String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cycleTimeout)
		defer cancel()
		m.RunOrderCycle(ctx)
	}); err != nil {
		return err
	}
	if m.scanner != nil {
		if _, err := m.cron.AddFunc("@every "+m.alertInterval.String(), func() {
			ctx, cancel := context.WithTimeout(context.Background(), m.cycleTimeout)
			defer cancel()
			m.RunAlertScan(ctx)
		}); err != nil {
			return err
		}
	}
	m.Orders.Started()
	m.Alerts.Started()
	m.cron.Start()
	m.log.Infof("monitor started", map[string]interface{}{
		"orderInterval": m.orderInterval.String(),
		"alertInterval": m.alertInterval.String(),
	})
	return nil
}

// Stop halts the schedule and waits for in-flight cycles.
func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
}

// RunOrderCycle walks the pending order set once. Oracle outages skip the
// affected order until the next cycle; other errors only log. A cycle
// always completes the walk.
func (m *Monitor) RunOrderCycle(ctx context.Context) {
	start := time.Now()
	defer func() {
		m.metrics.ObserveMonitorCycle(time.Since(start))
		m.Orders.Tick()
	}()

	orders, err := m.engine.ListPendingOrders(ctx, m.batchSize)
	if err != nil {
		m.Orders.SetError(err)
		m.log.WithError(err).Error("list pending orders")
		return
	}
	m.metrics.SetPendingOrders(len(orders))

	var filled int
	for _, order := range orders {
		if ctx.Err() != nil {
			m.Orders.SetError(ctx.Err())
			return
		}
		done, err := m.engine.EvaluatePendingOrder(ctx, order)
		if err != nil {
			// Left pending; the next cycle retries.
			m.Orders.SetError(err)
			m.log.WithError(err).WithField("orderId", order.OrderID).Warn("pending order evaluation failed")
			continue
		}
		if done {
			filled++
		}
	}
	if filled > 0 {
		m.log.Infof("monitor cycle settled orders", map[string]interface{}{
			"pending": len(orders),
			"settled": filled,
		})
	}
}

// RunAlertScan recomputes the alert set for every user with positions and
// publishes it. Alerts are derived state; a failed scan has nothing to
// roll back.
func (m *Monitor) RunAlertScan(ctx context.Context) {
	defer m.Alerts.Tick()

	users, err := m.users.ListUsersWithPositions(ctx)
	if err != nil {
		m.Alerts.SetError(err)
		m.log.WithError(err).Error("list users for alert scan")
		return
	}

	for _, userID := range users {
		if ctx.Err() != nil {
			m.Alerts.SetError(ctx.Err())
			return
		}
		alerts, err := m.scanner.ScanUser(ctx, userID)
		if err != nil {
			m.Alerts.SetError(err)
			m.log.WithError(err).WithField("userId", userID).Warn("alert scan failed")
			continue
		}
		if len(alerts) == 0 || m.sink == nil {
			continue
		}
		if err := m.sink.PublishAlerts(ctx, userID, alerts); err != nil {
			m.log.WithError(err).WithField("userId", userID).Warn("publish alerts")
		}
	}
}
