package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/backcast/errs"
	"github.com/quantfold/backcast/internal/replay"
	"github.com/quantfold/backcast/internal/schema"
	"github.com/quantfold/backcast/internal/snapshot"
)

// MatchingEngine is the boundary collaborator orders are forwarded to.
type MatchingEngine interface {
	SubmitOrder(order schema.OrderRequest) (string, error)
	CancelOrder(orderID string) error
}

// StrategyManager is the boundary collaborator for strategy lifecycle
// commands; its errors pass through to clients unchanged.
type StrategyManager interface {
	Load(strategyID, className string, params map[string]any) error
	Reload(strategyID string) error
	UpdateParams(strategyID string, params map[string]any) error
}

// Backtest is the handlers' view of the replay controller.
type Backtest interface {
	Initialize(bus replay.EventBus, manager replay.SnapshotStore, provider replay.Provider, start, end time.Time, total int) error
	Play() error
	Pause() bool
	Resume() bool
	Step() (bool, error)
	Stop() bool
	SetSpeed(speed replay.Speed) error
	Status() replay.Status
	SaveSnapshot(description string) (string, error)
	LoadSnapshot(path string) error
	SeekToIndex(index int) bool
	SeekToTime(target time.Time) bool
	AccountState() snapshot.AccountState
	Positions() []snapshot.PositionState
	Strategies() []snapshot.StrategyState
}

// Handlers binds inbound commands to core operations. Each command maps
// to exactly one controller or manager operation; manual trading carries
// the only non-trivial domain semantics.
type Handlers struct {
	controller Backtest
	bus        replay.EventBus
	manager    replay.SnapshotStore
	provider   replay.Provider
	engine     MatchingEngine
	strategies StrategyManager

	mu     sync.Mutex
	alerts map[string]map[string]any

	broadcast func(schema.Message)
}

// NewHandlers wires the command handlers to the core components.
func NewHandlers(controller Backtest, bus replay.EventBus, manager replay.SnapshotStore, provider replay.Provider) *Handlers {
	return &Handlers{
		controller: controller,
		bus:        bus,
		manager:    manager,
		provider:   provider,
		alerts:     make(map[string]map[string]any),
	}
}

// SetMatchingEngine attaches the order sink collaborator.
func (h *Handlers) SetMatchingEngine(engine MatchingEngine) { h.engine = engine }

// SetStrategyManager attaches the strategy boundary collaborator.
func (h *Handlers) SetStrategyManager(manager StrategyManager) { h.strategies = manager }

// SetBroadcast installs the outbound fan-out used for alerts.
func (h *Handlers) SetBroadcast(broadcast func(schema.Message)) { h.broadcast = broadcast }

// InstallRoutes registers every command handler on the router.
func (h *Handlers) InstallRoutes(router *Router) {
	router.Register(schema.MessageStartBacktest, h.HandleStartBacktest)
	router.Register(schema.MessagePause, h.HandlePause)
	router.Register(schema.MessageResume, h.HandleResume)
	router.Register(schema.MessageStep, h.HandleStep)
	router.Register(schema.MessageStop, h.HandleStop)
	router.Register(schema.MessageManualOrder, h.HandleManualOrder)
	router.Register(schema.MessageCancelOrder, h.HandleCancelOrder)
	router.Register(schema.MessageCloseAll, h.HandleCloseAll)
	router.Register(schema.MessageSaveSnapshot, h.HandleSaveSnapshot)
	router.Register(schema.MessageLoadSnapshot, h.HandleLoadSnapshot)
	router.Register(schema.MessageLoadStrategy, h.HandleLoadStrategy)
	router.Register(schema.MessageReloadStrategy, h.HandleReloadStrategy)
	router.Register(schema.MessageUpdateParams, h.HandleUpdateParams)
	router.Register(schema.MessageAlertAck, h.HandleAlertAck)
	router.Register(schema.MessageRequestState, h.HandleRequestState)
}

// StateSnapshot assembles the full system state pushed on state_sync and
// returned by request_state.
func (h *Handlers) StateSnapshot() map[string]any {
	status := h.controller.Status()
	positions := h.controller.Positions()
	posPayload := make([]map[string]any, 0, len(positions))
	for _, pos := range positions {
		posPayload = append(posPayload, positionPayload(pos))
	}
	strategies := h.controller.Strategies()
	stratPayload := make([]map[string]any, 0, len(strategies))
	for _, strat := range strategies {
		stratPayload = append(stratPayload, map[string]any{
			"strategy_id": strat.StrategyID,
			"class_name":  strat.ClassName,
			"parameters":  strat.Parameters,
			"variables":   strat.Variables,
			"is_active":   strat.IsActive,
		})
	}
	account := h.controller.AccountState()
	return map[string]any{
		"replay_status": status,
		"account": map[string]any{
			"cash":              account.Cash,
			"frozen_margin":     account.FrozenMargin,
			"available_balance": account.AvailableBalance,
			"total_equity":      account.TotalEquity,
			"unrealized_pnl":    account.UnrealizedPnl,
		},
		"positions":  posPayload,
		"strategies": stratPayload,
	}
}

// HandleStartBacktest initialises a fresh replay session and starts
// playback.
func (h *Handlers) HandleStartBacktest(_ context.Context, msg schema.Message) *schema.Message {
	start, err := payloadTime(msg, "start_time")
	if err != nil {
		return errResponse(msg.ID, err)
	}
	end, err := payloadTime(msg, "end_time")
	if err != nil {
		return errResponse(msg.ID, err)
	}

	total := 0
	if f, ok := msg.PayloadFloat("total"); ok {
		total = int(f)
	} else if sized, ok := h.provider.(interface{ Len() int }); ok {
		total = sized.Len()
	} else {
		return errResponsef(msg.ID, "missing required field: total")
	}

	if err := h.controller.Initialize(h.bus, h.manager, h.provider, start, end, total); err != nil {
		return errResponse(msg.ID, err)
	}
	if f, ok := msg.PayloadFloat("speed"); ok {
		if err := h.controller.SetSpeed(replay.Speed(f)); err != nil {
			return errResponse(msg.ID, err)
		}
	}
	if err := h.controller.Play(); err != nil {
		return errResponse(msg.ID, err)
	}
	return okResponse(msg.ID, map[string]any{"status": h.controller.Status()})
}

// HandlePause pauses playback.
func (h *Handlers) HandlePause(_ context.Context, msg schema.Message) *schema.Message {
	return okResponse(msg.ID, map[string]any{"success": h.controller.Pause(), "status": h.controller.Status()})
}

// HandleResume resumes a paused replay.
func (h *Handlers) HandleResume(_ context.Context, msg schema.Message) *schema.Message {
	return okResponse(msg.ID, map[string]any{"success": h.controller.Resume(), "status": h.controller.Status()})
}

// HandleStep advances the replay by exactly one record.
func (h *Handlers) HandleStep(_ context.Context, msg schema.Message) *schema.Message {
	ok, err := h.controller.Step()
	if err != nil {
		return errResponse(msg.ID, err)
	}
	return okResponse(msg.ID, map[string]any{"success": ok, "status": h.controller.Status()})
}

// HandleStop stops the replay.
func (h *Handlers) HandleStop(_ context.Context, msg schema.Message) *schema.Message {
	return okResponse(msg.ID, map[string]any{"success": h.controller.Stop(), "status": h.controller.Status()})
}

// HandleManualOrder validates and forwards a manual intervention order.
// Every order produced here carries is_manual=true.
func (h *Handlers) HandleManualOrder(_ context.Context, msg schema.Message) *schema.Message {
	for _, field := range []string{"symbol", "direction", "offset", "price", "volume"} {
		if _, ok := msg.Payload[field]; !ok {
			return errResponsef(msg.ID, "missing required field: %s", field)
		}
	}

	symbol, _ := msg.PayloadString("symbol")
	directionRaw, _ := msg.PayloadString("direction")
	direction := schema.Direction(directionRaw)
	if err := direction.Validate(); err != nil {
		return errResponsef(msg.ID, "invalid direction: %s", directionRaw)
	}
	offsetRaw, _ := msg.PayloadString("offset")
	offset := schema.Offset(offsetRaw)
	if err := offset.Validate(); err != nil {
		return errResponsef(msg.ID, "invalid offset: %s", offsetRaw)
	}
	price, ok := msg.PayloadFloat("price")
	if !ok || price < 0 {
		return errResponsef(msg.ID, "price must be non-negative")
	}
	volume, ok := msg.PayloadFloat("volume")
	if !ok || volume <= 0 {
		return errResponsef(msg.ID, "volume must be positive")
	}
	exchange, ok := msg.PayloadString("exchange")
	if !ok || exchange == "" {
		exchange = schema.DefaultExchange
	}

	order := schema.OrderRequest{
		OrderID:    fmt.Sprintf("manual_%d", time.Now().UnixMilli()),
		Symbol:     symbol,
		Exchange:   exchange,
		Direction:  direction,
		Offset:     offset,
		Price:      decimal.NewFromFloat(price),
		Volume:     decimal.NewFromFloat(volume),
		IsManual:   true,
		CreateTime: time.Now(),
	}

	if h.engine != nil {
		if _, err := h.engine.SubmitOrder(order); err != nil {
			return errResponse(msg.ID, err)
		}
	}

	return okResponse(msg.ID, map[string]any{
		"success":   true,
		"message":   "Order submitted",
		"order_id":  order.OrderID,
		"is_manual": true,
	})
}

// HandleCancelOrder forwards an order cancellation.
func (h *Handlers) HandleCancelOrder(_ context.Context, msg schema.Message) *schema.Message {
	orderID, ok := msg.PayloadString("order_id")
	if !ok || orderID == "" {
		return errResponsef(msg.ID, "missing required field: order_id")
	}
	if h.engine != nil {
		if err := h.engine.CancelOrder(orderID); err != nil {
			return errResponse(msg.ID, err)
		}
	}
	return okResponse(msg.ID, map[string]any{"success": true, "message": "Order cancelled", "order_id": orderID})
}

// HandleCloseAll builds one market close order per open position, each
// flagged is_manual, and reports a partial-success summary.
func (h *Handlers) HandleCloseAll(_ context.Context, msg schema.Message) *schema.Message {
	positions := h.controller.Positions()

	closed := make([]map[string]any, 0, len(positions))
	var errorsSeen []string

	for _, pos := range positions {
		if pos.Symbol == "" || !pos.Volume.IsPositive() {
			continue
		}

		order := schema.OrderRequest{
			OrderID:    fmt.Sprintf("close_all_%d_%s", time.Now().UnixMilli(), pos.Symbol),
			Symbol:     pos.Symbol,
			Exchange:   pos.Exchange,
			Direction:  pos.Direction.Opposite(),
			Offset:     schema.OffsetClose,
			Price:      decimal.Zero,
			Volume:     pos.Volume,
			IsManual:   true,
			CreateTime: time.Now(),
		}
		if order.Exchange == "" {
			order.Exchange = schema.DefaultExchange
		}

		if h.engine != nil {
			if _, err := h.engine.SubmitOrder(order); err != nil {
				errorsSeen = append(errorsSeen, fmt.Sprintf("failed to close position %s: %v", pos.Symbol, err))
				continue
			}
		}

		closed = append(closed, map[string]any{
			"symbol":         pos.Symbol,
			"direction":      string(pos.Direction),
			"volume":         pos.Volume,
			"close_order_id": order.OrderID,
		})
	}

	payload := map[string]any{
		"success":          len(errorsSeen) == 0,
		"closed_count":     len(closed),
		"closed_positions": closed,
	}
	if len(closed) == 0 && len(errorsSeen) == 0 {
		payload["message"] = "No positions to close"
	} else if len(errorsSeen) == 0 {
		payload["message"] = "All positions closed"
	} else {
		payload["message"] = fmt.Sprintf("Closed %d positions with %d errors", len(closed), len(errorsSeen))
		payload["errors"] = errorsSeen
	}
	return okResponse(msg.ID, payload)
}

// HandleSaveSnapshot captures the simulation state to disk.
func (h *Handlers) HandleSaveSnapshot(_ context.Context, msg schema.Message) *schema.Message {
	description, _ := msg.PayloadString("description")
	path, err := h.controller.SaveSnapshot(description)
	if err != nil {
		return errResponse(msg.ID, err)
	}
	return okResponse(msg.ID, map[string]any{"success": true, "path": path})
}

// HandleLoadSnapshot restores the simulation state from disk.
func (h *Handlers) HandleLoadSnapshot(_ context.Context, msg schema.Message) *schema.Message {
	path, ok := msg.PayloadString("path")
	if !ok || path == "" {
		return errResponsef(msg.ID, "missing required field: path")
	}
	if err := h.controller.LoadSnapshot(path); err != nil {
		return errResponse(msg.ID, err)
	}
	return okResponse(msg.ID, map[string]any{"success": true, "status": h.controller.Status()})
}

// HandleLoadStrategy passes a strategy load through the boundary manager.
func (h *Handlers) HandleLoadStrategy(_ context.Context, msg schema.Message) *schema.Message {
	if h.strategies == nil {
		return errResponsef(msg.ID, "strategy manager unavailable")
	}
	strategyID, ok := msg.PayloadString("strategy_id")
	if !ok || strategyID == "" {
		return errResponsef(msg.ID, "missing required field: strategy_id")
	}
	className, _ := msg.PayloadString("class_name")
	params, _ := msg.Payload["parameters"].(map[string]any)
	if err := h.strategies.Load(strategyID, className, params); err != nil {
		return errResponse(msg.ID, err)
	}
	return okResponse(msg.ID, map[string]any{"success": true, "strategy_id": strategyID})
}

// HandleReloadStrategy passes a hot reload through the boundary manager.
func (h *Handlers) HandleReloadStrategy(_ context.Context, msg schema.Message) *schema.Message {
	if h.strategies == nil {
		return errResponsef(msg.ID, "strategy manager unavailable")
	}
	strategyID, ok := msg.PayloadString("strategy_id")
	if !ok || strategyID == "" {
		return errResponsef(msg.ID, "missing required field: strategy_id")
	}
	if err := h.strategies.Reload(strategyID); err != nil {
		return errResponse(msg.ID, err)
	}
	return okResponse(msg.ID, map[string]any{"success": true, "strategy_id": strategyID})
}

// HandleUpdateParams passes a parameter update through the boundary
// manager.
func (h *Handlers) HandleUpdateParams(_ context.Context, msg schema.Message) *schema.Message {
	if h.strategies == nil {
		return errResponsef(msg.ID, "strategy manager unavailable")
	}
	strategyID, ok := msg.PayloadString("strategy_id")
	if !ok || strategyID == "" {
		return errResponsef(msg.ID, "missing required field: strategy_id")
	}
	params, ok := msg.Payload["parameters"].(map[string]any)
	if !ok {
		return errResponsef(msg.ID, "missing required field: parameters")
	}
	if err := h.strategies.UpdateParams(strategyID, params); err != nil {
		return errResponse(msg.ID, err)
	}
	return okResponse(msg.ID, map[string]any{"success": true, "strategy_id": strategyID})
}

// AddAlert records a risk alert and pushes it to connected clients.
func (h *Handlers) AddAlert(alertID string, data map[string]any) {
	h.mu.Lock()
	h.alerts[alertID] = data
	h.mu.Unlock()

	if h.broadcast != nil {
		payload := map[string]any{"alert_id": alertID}
		for k, v := range data {
			payload[k] = v
		}
		h.broadcast(schema.NewMessage(schema.MessageAlert, payload))
	}
}

// HandleAlertAck acknowledges a previously pushed alert.
func (h *Handlers) HandleAlertAck(_ context.Context, msg schema.Message) *schema.Message {
	alertID, ok := msg.PayloadString("alert_id")
	if !ok || alertID == "" {
		return errResponsef(msg.ID, "missing required field: alert_id")
	}

	h.mu.Lock()
	alert, found := h.alerts[alertID]
	if found {
		alert["acknowledged"] = true
	}
	h.mu.Unlock()

	if !found {
		return errResponsef(msg.ID, "unknown alert: %s", alertID)
	}
	return okResponse(msg.ID, map[string]any{"success": true, "alert_id": alertID})
}

// HandleRequestState returns the full system state.
func (h *Handlers) HandleRequestState(_ context.Context, msg schema.Message) *schema.Message {
	resp := schema.NewMessage(schema.MessageStateSync, h.StateSnapshot())
	resp.ID = msg.ID
	return &resp
}

func payloadTime(msg schema.Message, key string) (time.Time, error) {
	raw, ok := msg.Payload[key]
	if !ok {
		return time.Time{}, fmt.Errorf("missing required field: %s", key)
	}
	switch v := raw.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, v); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, fmt.Errorf("invalid timestamp for %s: %q", key, v)
	case float64:
		return time.UnixMilli(int64(v)).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid timestamp for %s", key)
}

func positionPayload(pos snapshot.PositionState) map[string]any {
	payload := map[string]any{
		"symbol":         pos.Symbol,
		"exchange":       pos.Exchange,
		"direction":      string(pos.Direction),
		"volume":         pos.Volume,
		"cost_price":     pos.CostPrice,
		"unrealized_pnl": pos.UnrealizedPnl,
		"margin":         pos.Margin,
	}
	if pos.OpenTime != nil {
		payload["open_time"] = pos.OpenTime
	}
	return payload
}

func okResponse(id string, payload map[string]any) *schema.Message {
	resp := schema.NewResponse(id, payload)
	return &resp
}

func errResponse(id string, err error) *schema.Message {
	resp := schema.NewError(id, err.Error(), errs.CodeOf(err))
	return &resp
}

func errResponsef(id, format string, args ...any) *schema.Message {
	resp := schema.NewError(id, fmt.Sprintf(format, args...), errs.CodeInvalid)
	return &resp
}
