// Package api exposes the backtest engine over HTTP and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/backtester"
	"github.com/atlas-desktop/backtest-engine/internal/data"
	"github.com/atlas-desktop/backtest-engine/internal/montecarlo"
	"github.com/atlas-desktop/backtest-engine/internal/strategy"
	"github.com/atlas-desktop/backtest-engine/internal/workers"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Backtest run statuses reported by the API.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

const maxSimulations = 100000

// Server is the HTTP API server
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     *types.ServerConfig
	defaults   *types.BacktestConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	hub        *Hub
	hubCancel  context.CancelFunc

	registry  *strategy.StrategyRegistry
	dataStore *data.Store
	validator *data.DataQualityValidator
	pool      *workers.Pool
	limiter   *rate.Limiter // nil when submissions are unlimited

	metrics         *prometheus.Registry
	instrumentation *backtester.Instrumentation

	backtests map[string]*BacktestState
}

// BacktestState tracks one submitted run
type BacktestState struct {
	ID       string
	Status   string
	Error    string
	Started  time.Time
	Finished time.Time
	Engine   *backtester.Engine
	Result   *types.BacktestResult

	cancel context.CancelFunc
}

// Options carries the collaborators a Server needs. Defaults seeds every
// submitted run's config; nil means types.DefaultBacktestConfig.
type Options struct {
	Registry  *strategy.StrategyRegistry
	DataStore *data.Store
	Pool      *workers.Pool
	Defaults  *types.BacktestConfig
}

// RunRequest is the body of POST /api/v1/backtests. Exactly one tick source is used:
// inline Ticks, a synthetic Sample, or stored Symbols read from the data store.
type RunRequest struct {
	Config  *types.BacktestConfig `json:"config"`
	Ticks   []types.Tick          `json:"ticks,omitempty"`
	Sample  *data.SampleSpec      `json:"sample,omitempty"`
	Symbols []string              `json:"symbols,omitempty"`
	Start   time.Time             `json:"start,omitempty"`
	End     time.Time             `json:"end,omitempty"`
}

// NewServer creates a new API server
func NewServer(logger *zap.Logger, config *types.ServerConfig, opts Options) *Server {
	logger = logger.Named("api")

	if opts.Registry == nil {
		opts.Registry = strategy.NewStrategyRegistry(logger)
	}
	if opts.Pool == nil {
		opts.Pool = workers.NewPool(logger, workers.DefaultPoolConfig("backtests"))
	}
	if opts.Defaults == nil {
		opts.Defaults = types.DefaultBacktestConfig()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Server{
		logger:   logger,
		config:   config,
		defaults: opts.Defaults,
		router:   mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // origin policy is enforced by the CORS layer
			},
		},
		hub:             NewHub(logger),
		registry:        opts.Registry,
		dataStore:       opts.DataStore,
		validator:       data.NewDataQualityValidator(logger),
		pool:            opts.Pool,
		metrics:         reg,
		instrumentation: backtester.NewInstrumentation(reg),
		backtests:       make(map[string]*BacktestState),
	}
	if config.SubmitRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(config.SubmitRate), max(config.SubmitBurst, 1))
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/strategies", s.handleListStrategies).Methods("GET")

	api.HandleFunc("/backtests", s.handleListBacktests).Methods("GET")
	api.HandleFunc("/backtests", s.handleCreateBacktest).Methods("POST")
	api.HandleFunc("/backtests/{id}", s.handleGetBacktest).Methods("GET")
	api.HandleFunc("/backtests/{id}", s.handleCancelBacktest).Methods("DELETE")
	api.HandleFunc("/backtests/{id}/log", s.handleGetBacktestLog).Methods("GET")
	api.HandleFunc("/backtests/{id}/trades", s.handleGetBacktestTrades).Methods("GET")
	api.HandleFunc("/backtests/{id}/montecarlo", s.handleMonteCarlo).Methods("GET")

	api.HandleFunc("/symbols", s.handleGetSymbols).Methods("GET")
	api.HandleFunc("/data/{symbol}", s.handleGetData).Methods("GET")
	api.HandleFunc("/data/{symbol}", s.handleSaveData).Methods("PUT")
	api.HandleFunc("/data/{symbol}/quality", s.handleDataQuality).Methods("GET")

	if s.config.EnableMetrics {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	}

	wsPath := s.config.WebSocketPath
	if wsPath == "" {
		wsPath = "/ws"
	}
	s.router.HandleFunc(wsPath, s.handleWebSocket)
}

// Handler returns the router wrapped in the CORS middleware
func (s *Server) Handler() http.Handler {
	origins := s.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Hub returns the WebSocket hub
func (s *Server) Hub() *Hub { return s.hub }

// Metrics returns the Prometheus registry the server exports
func (s *Server) Metrics() *prometheus.Registry { return s.metrics }

// Start starts the worker pool and hub, then serves until Stop is called
func (s *Server) Start() error {
	s.pool.Start()

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.hubCancel = cancel
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	srv := s.httpServer
	s.mu.Unlock()

	go s.hub.Run(ctx)

	s.logger.Info("Starting API server", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving api: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server, cancelling running backtests
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server")

	s.mu.Lock()
	srv := s.httpServer
	if s.hubCancel != nil {
		s.hubCancel()
	}
	for _, state := range s.backtests {
		if state.cancel != nil {
			state.cancel()
		}
	}
	s.mu.Unlock()

	s.hub.Close()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down http server: %w", err))
		}
	}
	if s.pool.IsRunning() {
		if err := s.pool.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// handleHealth returns health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	n := len(s.backtests)
	s.mu.RUnlock()

	resp := map[string]interface{}{
		"status":    "healthy",
		"time":      time.Now().Unix(),
		"backtests": n,
		"clients":   s.hub.ClientCount(),
		"pool":      s.pool.Stats(),
	}
	if s.dataStore != nil {
		resp["cachedSymbols"] = s.dataStore.GetCacheSize()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListStrategies returns available strategies
func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

// handleCreateBacktest validates a run request, builds its engine and queues it on
// the worker pool. The run itself happens asynchronously.
func (s *Server) handleCreateBacktest(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "too many backtest submissions")
		return
	}

	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cfg := s.mergeConfig(req.Config)
	cfg.ID = uuid.New().String()

	ticks, err := s.resolveTicks(r.Context(), &req)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, data.ErrNoData) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}

	engine, err := s.buildEngine(cfg, ticks)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	state := &BacktestState{
		ID:      cfg.ID,
		Status:  StatusRunning,
		Started: time.Now(),
		Engine:  engine,
		cancel:  cancel,
	}

	s.mu.Lock()
	s.backtests[cfg.ID] = state
	s.mu.Unlock()

	err = s.pool.Submit(workers.TaskFunc(func(poolCtx context.Context) error {
		defer cancel()
		stop := context.AfterFunc(poolCtx, cancel)
		defer stop()
		return s.runBacktest(ctx, state)
	}))
	if err != nil {
		cancel()
		s.mu.Lock()
		delete(s.backtests, cfg.ID)
		s.mu.Unlock()

		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	s.logger.Info("Backtest queued",
		zap.String("id", cfg.ID),
		zap.Int("ticks", len(ticks)),
		zap.Int("strategies", len(cfg.Strategies)))

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":      cfg.ID,
		"status":  StatusRunning,
		"started": state.Started.Unix(),
	})
}

// mergeConfig overlays a request config on the server defaults. Zero-valued
// sections in the request keep the default.
func (s *Server) mergeConfig(req *types.BacktestConfig) *types.BacktestConfig {
	cfg := *s.defaults
	cfg.Strategies = append([]types.StrategyConfig(nil), s.defaults.Strategies...)
	if req == nil {
		return &cfg
	}

	if !req.InitialCapital.IsZero() {
		cfg.InitialCapital = req.InitialCapital
	}
	if len(req.Strategies) > 0 {
		cfg.Strategies = req.Strategies
	}
	if req.Slippage.Model != "" {
		cfg.Slippage = req.Slippage
	}
	if !req.Commission.Base.IsZero() || !req.Commission.Rate.IsZero() {
		cfg.Commission = req.Commission
	}
	if req.Sizing.Method != "" {
		cfg.Sizing = req.Sizing
	}
	if req.Orders.Kind != "" {
		cfg.Orders = req.Orders
	}
	if req.RiskLimits != (types.RiskLimits{}) {
		cfg.RiskLimits = req.RiskLimits
	}
	if req.MaxEvents > 0 {
		cfg.MaxEvents = req.MaxEvents
	}
	return &cfg
}

func (s *Server) resolveTicks(ctx context.Context, req *RunRequest) ([]types.Tick, error) {
	sources := 0
	if len(req.Ticks) > 0 {
		sources++
	}
	if req.Sample != nil {
		sources++
	}
	if len(req.Symbols) > 0 {
		sources++
	}
	if sources != 1 {
		return nil, errors.New("exactly one of ticks, sample or symbols is required")
	}

	switch {
	case len(req.Ticks) > 0:
		return req.Ticks, nil
	case req.Sample != nil:
		return data.GenerateSample(*req.Sample)
	default:
		if s.dataStore == nil {
			return nil, errors.New("no data store configured")
		}
		return s.dataStore.LoadTicks(ctx, req.Symbols, req.Start, req.End)
	}
}

func (s *Server) buildEngine(cfg *types.BacktestConfig, ticks []types.Tick) (*backtester.Engine, error) {
	engine, err := backtester.NewEngine(s.logger, cfg)
	if err != nil {
		return nil, err
	}
	engine.SetInstrumentation(s.instrumentation)

	strategies, err := s.registry.CreateAll(cfg.Strategies)
	if err != nil {
		return nil, err
	}
	for _, strat := range strategies {
		if err := engine.AddStrategy(strat); err != nil {
			return nil, err
		}
	}
	if err := engine.AddTicks(ticks); err != nil {
		return nil, err
	}

	id := cfg.ID
	engine.OnLog(func(line string) {
		s.hub.BroadcastEventLine(id, line)
	})
	return engine, nil
}

// runBacktest drives one engine to completion and publishes the outcome
func (s *Server) runBacktest(ctx context.Context, state *BacktestState) error {
	result, err := state.Engine.Run(ctx)

	s.mu.Lock()
	state.Finished = time.Now()
	state.Result = result
	switch {
	case err == nil:
		state.Status = StatusCompleted
	case errors.Is(err, context.Canceled):
		state.Status = StatusCancelled
		state.Error = err.Error()
	default:
		state.Status = StatusFailed
		state.Error = err.Error()
	}
	payload := map[string]interface{}{
		"id":     state.ID,
		"status": state.Status,
	}
	if state.Error != "" {
		payload["error"] = state.Error
	}
	if result != nil {
		payload["finalValue"] = result.FinalValue
		if result.Metrics != nil {
			payload["totalReturn"] = result.Metrics.TotalReturn
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("Backtest failed", zap.String("id", state.ID), zap.Error(err))
	} else {
		s.logger.Info("Backtest completed", zap.String("id", state.ID))
	}

	s.hub.Broadcast(MsgTypeBacktestComplete, payload)
	return err
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*BacktestState, bool) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	state, ok := s.backtests[id]
	s.mu.RUnlock()

	if !ok {
		writeError(w, http.StatusNotFound, "backtest not found")
	}
	return state, ok
}

// handleListBacktests returns a summary of every submitted run, newest first
func (s *Server) handleListBacktests(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	list := make([]map[string]interface{}, 0, len(s.backtests))
	for _, state := range s.backtests {
		list = append(list, map[string]interface{}{
			"id":      state.ID,
			"status":  state.Status,
			"started": state.Started,
		})
	}
	s.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i]["started"].(time.Time).After(list[j]["started"].(time.Time))
	})
	writeJSON(w, http.StatusOK, list)
}

// handleGetBacktest returns run status, progress while running and the result
// once finished
func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	state, ok := s.lookup(w, r)
	if !ok {
		return
	}

	s.mu.RLock()
	response := map[string]interface{}{
		"id":      state.ID,
		"status":  state.Status,
		"started": state.Started.Unix(),
	}
	if state.Error != "" {
		response["error"] = state.Error
	}
	if state.Result != nil {
		response["result"] = state.Result
	}
	running := state.Status == StatusRunning
	s.mu.RUnlock()

	if running {
		response["progress"] = state.Engine.GetProgress()
	}
	writeJSON(w, http.StatusOK, response)
}

// handleGetBacktestLog returns the event log recorded so far
func (s *Server) handleGetBacktestLog(w http.ResponseWriter, r *http.Request) {
	state, ok := s.lookup(w, r)
	if !ok {
		return
	}
	lines := state.Engine.EventLog()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":    state.ID,
		"lines": lines,
		"count": len(lines),
	})
}

// handleGetBacktestTrades returns trades booked so far
func (s *Server) handleGetBacktestTrades(w http.ResponseWriter, r *http.Request) {
	state, ok := s.lookup(w, r)
	if !ok {
		return
	}
	trades := state.Engine.Trades()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     state.ID,
		"trades": trades,
		"count":  len(trades),
	})
}

// handleMonteCarlo resamples the equity curve of a completed run.
// Query: simulations (default 1000, max 100000), seed (default 1).
func (s *Server) handleMonteCarlo(w http.ResponseWriter, r *http.Request) {
	state, ok := s.lookup(w, r)
	if !ok {
		return
	}

	s.mu.RLock()
	result := state.Result
	s.mu.RUnlock()
	if result == nil {
		writeError(w, http.StatusConflict, "backtest has no result")
		return
	}

	cfg := montecarlo.DefaultSimulatorConfig()
	q := r.URL.Query()
	if v := q.Get("simulations"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxSimulations {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("simulations must be between 1 and %d", maxSimulations))
			return
		}
		cfg.NumSimulations = n
	}
	if v := q.Get("seed"); v != "" {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid seed")
			return
		}
		cfg.Seed = seed
	}

	sim, err := montecarlo.NewSimulator(s.logger, cfg).Run(r.Context(), result)
	if errors.Is(err, montecarlo.ErrTooFewPoints) {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sim)
}

// handleCancelBacktest cancels a running backtest
func (s *Server) handleCancelBacktest(w http.ResponseWriter, r *http.Request) {
	state, ok := s.lookup(w, r)
	if !ok {
		return
	}

	s.mu.RLock()
	status := state.Status
	s.mu.RUnlock()

	if status != StatusRunning {
		writeError(w, http.StatusConflict, "backtest not running")
		return
	}
	state.cancel()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":     state.ID,
		"status": "cancelling",
	})
}

// handleGetSymbols returns available symbols
func (s *Server) handleGetSymbols(w http.ResponseWriter, r *http.Request) {
	if s.dataStore == nil {
		writeJSON(w, http.StatusOK, []string{})
		return
	}
	writeJSON(w, http.StatusOK, s.dataStore.GetAvailableSymbols())
}

// handleGetData returns stored ticks for a symbol, optionally bounded by RFC 3339
// start and end query parameters
func (s *Server) handleGetData(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	symbol := mux.Vars(r)["symbol"]

	var start, end time.Time
	for name, dst := range map[string]*time.Time{"start": &start, "end": &end} {
		if v := r.URL.Query().Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s: %v", name, err))
				return
			}
			*dst = t
		}
	}

	ticks, err := s.dataStore.LoadTicks(r.Context(), []string{symbol}, start, end)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol": symbol,
		"ticks":  ticks,
		"count":  len(ticks),
	})
}

// handleSaveData replaces the stored ticks for a symbol. The body is a JSON array of
// ticks; a tick without a symbol takes the one from the path.
func (s *Server) handleSaveData(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	symbol := mux.Vars(r)["symbol"]

	var ticks []types.Tick
	if err := json.NewDecoder(r.Body).Decode(&ticks); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for i := range ticks {
		if ticks[i].Symbol == "" {
			ticks[i].Symbol = symbol
		}
	}

	if err := s.dataStore.SaveTicks(symbol, ticks); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol": symbol,
		"count":  len(ticks),
	})
}

// handleDataQuality validates the stored ticks of a symbol
func (s *Server) handleDataQuality(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	symbol := mux.Vars(r)["symbol"]

	ticks, err := s.dataStore.LoadSymbol(symbol)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.validator.Validate(ticks, symbol))
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.dataStore == nil {
		writeError(w, http.StatusNotImplemented, "no data store configured")
		return false
	}
	return true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, data.ErrNoData) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Error("Data store error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, err.Error())
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if limit := s.config.MaxConnections; limit > 0 && s.hub.ClientCount() >= limit {
		writeError(w, http.StatusServiceUnavailable, "too many connections")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), s.hub, conn)
	if !s.hub.Register(client) {
		conn.Close()
		return
	}

	s.logger.Info("WebSocket client connected", zap.String("id", client.id))

	go client.WritePump()
	go client.ReadPump()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
