package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"trade-mirror/internal/broker"
	"trade-mirror/internal/config"
	"trade-mirror/internal/monitor"
	"trade-mirror/internal/store"
)

const (
	requestIDHeader   = "X-Request-ID"
	defaultEventLimit = 200
	maxEventLimit     = 1000
)

type server struct {
	sessions      *broker.SessionAcquirer
	trades        *broker.TradeService
	monitor       *monitor.Service
	store         *store.Store
	sessionHeader string
	logger        *zap.Logger
}

func newServer(a *App) *server {
	header := a.cfg.Alice.SessionHeaderName
	if strings.TrimSpace(header) == "" {
		header = broker.DefaultSessionHeader
	}
	return &server{
		sessions:      a.sessions,
		trades:        a.trades,
		monitor:       a.monitor,
		store:         a.store,
		sessionHeader: header,
		logger:        a.logger.Named("http"),
	}
}

func (s *server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestID, s.accessLog)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/alice/sid", s.handleSession).Methods(http.MethodPost)
	api.HandleFunc("/alice/trades", s.handleTrades).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	return r
}

func (s *server) serve(ctx context.Context, cfg config.ServerConfig) error {
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("HTTP 接口已启动", zap.String("addr", addr))

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP 服务异常: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Warn("关闭 HTTP 服务失败", zap.Error(err))
	}
	return nil
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sessionResponse struct {
	OK              bool   `json:"ok"`
	Message         string `json:"message,omitempty"`
	SessionIDMasked string `json:"sessionIdMasked,omitempty"`
	SessionID       string `json:"sessionId,omitempty"`
}

func (s *server) handleSession(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.Enabled() {
		s.writeJSON(w, http.StatusForbidden, sessionResponse{
			Message: "SID 换取未开启，请设置 alice.allow_session_exchange=true（仅限开发环境）",
		})
		return
	}

	var creds broker.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		s.writeJSON(w, http.StatusBadRequest, sessionResponse{Message: "请求体不是合法 JSON"})
		return
	}

	sid, err := s.sessions.ObtainSession(r.Context(), creds)
	s.monitor.RecordSession(r.Context(), creds.UserID, sid, err)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, broker.ErrSessionExchangeDisabled):
			status = http.StatusForbidden
		case errors.Is(err, broker.ErrInvalidCredentials):
			status = http.StatusBadRequest
		}
		s.logger.Warn("SID 换取失败", zap.String("user_id", creds.UserID), zap.Int("status", status), zap.Error(err))
		s.writeJSON(w, status, sessionResponse{Message: err.Error()})
		return
	}

	masked := broker.MaskToken(sid)
	s.writeJSON(w, http.StatusOK, sessionResponse{
		OK:              true,
		SessionIDMasked: masked,
		SessionID:       masked,
	})
}

type tradesResponse struct {
	Trades []broker.Trade     `json:"trades"`
	Source broker.TradeSource `json:"source"`
	Reason string             `json:"reason,omitempty"`
}

func (s *server) handleTrades(w http.ResponseWriter, r *http.Request) {
	svc := s.trades
	if token := strings.TrimSpace(r.Header.Get(s.sessionHeader)); token != "" {
		svc = svc.WithSessionToken(token)
	}

	start := time.Now()
	result, err := svc.GetMasterTrades(r.Context())
	if err != nil {
		status := tradesErrorStatus(err)
		s.monitor.RecordError(r.Context(), "成交拉取失败", err, map[string]interface{}{"trigger": "http", "status": status})
		s.logger.Error("成交拉取失败", zap.Int("status", status), zap.Error(err))
		s.writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	s.monitor.RecordTrades(r.Context(), "http", result, time.Since(start))

	trades := result.Trades
	if trades == nil {
		trades = []broker.Trade{}
	}
	s.writeJSON(w, http.StatusOK, tradesResponse{
		Trades: trades,
		Source: result.Source,
		Reason: result.Reason,
	})
}

// tradesErrorStatus 将成交拉取错误映射为响应状态码，优先透传上游 HTTP 状态。
func tradesErrorStatus(err error) int {
	if errors.Is(err, broker.ErrConfigurationIncomplete) {
		return http.StatusServiceUnavailable
	}
	if code, ok := broker.UpstreamStatus(err); ok {
		return code
	}
	return http.StatusInternalServerError
}

func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := monitor.EventQuery{Limit: defaultEventLimit}
	if qs := q.Get("limit"); qs != "" {
		if v, err := strconv.Atoi(qs); err == nil && v > 0 {
			query.Limit = min(v, maxEventLimit)
		}
	}
	if typ := strings.TrimSpace(q.Get("type")); typ != "" {
		query.Type = monitor.EventType(strings.ToLower(typ))
	}
	if since := strings.TrimSpace(q.Get("since")); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since 需为 RFC3339 时间"})
			return
		}
		query.Since = ts
	}

	events, err := s.monitor.ListEvents(r.Context(), query)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("写入响应失败", zap.Error(err))
	}
}

func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("请求完成",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", r.Header.Get(requestIDHeader)),
		)
	})
}
