// Package api serves the engine over JSON HTTP. Every response uses the
// same envelope so callers can branch on ok and kind without parsing
// messages.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"leverage-engine/internal/engine"
	"leverage-engine/internal/failure"
	"leverage-engine/internal/liquidity"
	"leverage-engine/internal/order"
	"leverage-engine/internal/position"
	"leverage-engine/internal/protocol"
	"leverage-engine/internal/sizing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type Service interface {
	GetLiquiditySnapshot(ctx context.Context, inst protocol.Instrument) (liquidity.View, error)
	GetPositionSnapshot(ctx context.Context, inst protocol.Instrument, account string) (position.View, error)
	ValidateAndSizePosition(ctx context.Context, req engine.SizingRequest) (sizing.View, error)
	SubmitOpenPosition(ctx context.Context, req engine.OpenRequest) (engine.SubmitResult, error)
	SubmitClosePosition(ctx context.Context, req engine.CloseRequest) (engine.SubmitResult, error)
	OrderStatus(ctx context.Context, txHash string) (engine.OrderStatus, error)
	ApplyOrderEvent(ctx context.Context, txHash, event string) (order.Record, error)
	ListOrders(ctx context.Context, account string) ([]order.Record, error)
}

type Envelope struct {
	OK     bool         `json:"ok"`
	Data   any          `json:"data,omitempty"`
	Error  string       `json:"error,omitempty"`
	Kind   failure.Kind `json:"kind,omitempty"`
	Detail any          `json:"detail,omitempty"`
}

type Server struct {
	svc Service
	log *zap.Logger
}

// New returns the router. metricsHandler nil leaves the metrics path
// unmounted.
func New(svc Service, metricsPath string, metricsHandler http.Handler, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{svc: svc, log: log}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Envelope{OK: true, Data: map[string]string{"status": "ok"}})
	})
	if metricsHandler != nil {
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		r.Handle(metricsPath, metricsHandler)
	}
	r.Route("/v1", func(r chi.Router) {
		r.Get("/liquidity", s.getLiquidity)
		r.Get("/positions/{account}", s.getPosition)
		r.Post("/sizing", s.postSizing)
		r.Post("/orders/open", s.postOpen)
		r.Post("/orders/close", s.postClose)
		r.Get("/orders", s.listOrders)
		r.Get("/orders/{tx}", s.getOrder)
		r.Post("/orders/{tx}/events", s.postOrderEvent)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) getLiquidity(w http.ResponseWriter, r *http.Request) {
	inst, err := instrumentFromQuery(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	view, err := s.svc.GetLiquiditySnapshot(r.Context(), inst)
	s.respond(w, r, view, err)
}

func (s *Server) getPosition(w http.ResponseWriter, r *http.Request) {
	inst, err := instrumentFromQuery(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	view, err := s.svc.GetPositionSnapshot(r.Context(), inst, chi.URLParam(r, "account"))
	s.respond(w, r, view, err)
}

func (s *Server) postSizing(w http.ResponseWriter, r *http.Request) {
	var req engine.SizingRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	view, err := s.svc.ValidateAndSizePosition(r.Context(), req)
	s.respond(w, r, view, err)
}

func (s *Server) postOpen(w http.ResponseWriter, r *http.Request) {
	var req engine.OpenRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.SubmitOpenPosition(r.Context(), req)
	s.respond(w, r, res, err)
}

func (s *Server) postClose(w http.ResponseWriter, r *http.Request) {
	var req engine.CloseRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.SubmitClosePosition(r.Context(), req)
	s.respond(w, r, res, err)
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	records, err := s.svc.ListOrders(r.Context(), r.URL.Query().Get("account"))
	if records == nil && err == nil {
		records = []order.Record{}
	}
	s.respond(w, r, records, err)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.OrderStatus(r.Context(), chi.URLParam(r, "tx"))
	s.respond(w, r, status, err)
}

type eventRequest struct {
	Event string `json:"event"`
}

func (s *Server) postOrderEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.svc.ApplyOrderEvent(r.Context(), chi.URLParam(r, "tx"), req.Event)
	s.respond(w, r, rec, err)
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, data any, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{OK: true, Data: data})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := failure.KindOf(err)
	status := statusFor(kind, err)
	if status >= http.StatusInternalServerError {
		s.log.Warn("request failed", zap.String("path", r.URL.Path), zap.String("kind", string(kind)), zap.Error(err))
	}
	writeJSON(w, status, Envelope{Error: err.Error(), Kind: kind, Detail: failure.Detail(err)})
}

func statusFor(kind failure.Kind, err error) int {
	switch kind {
	case failure.KindValidation:
		if errors.Is(err, order.ErrNotFound) {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case failure.KindLiquidityShortage:
		return http.StatusConflict
	case failure.KindChainRead, failure.KindChainWrite:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return failure.Validation(errInvalidBody, "body", "invalid request body: %v", err)
	}
	return nil
}

var errInvalidBody = errors.New("invalid request body")

// instrumentFromQuery reads index, collateral and side. Longs default the
// collateral to the index token.
func instrumentFromQuery(r *http.Request) (protocol.Instrument, error) {
	q := r.URL.Query()
	var inst protocol.Instrument
	if err := inst.Index.UnmarshalText([]byte(q.Get("index"))); err != nil {
		return inst, queryError("index", err)
	}
	if err := inst.Side.UnmarshalText([]byte(q.Get("side"))); err != nil {
		return inst, queryError("side", err)
	}
	collateral := strings.TrimSpace(q.Get("collateral"))
	if collateral == "" && inst.Side.IsLong() {
		inst.Collateral = inst.Index
		return inst, nil
	}
	if err := inst.Collateral.UnmarshalText([]byte(collateral)); err != nil {
		return inst, queryError("collateral", err)
	}
	return inst, nil
}

func queryError(param string, err error) error {
	return failure.Validation(failure.ErrInvalidInstrument, param, "query %s: %v", param, err)
}
