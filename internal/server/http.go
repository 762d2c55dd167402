package server

import (
	"PerpMark/internal/core"
	"PerpMark/internal/markprice"
	"PerpMark/internal/query"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxBodyBytes = 64 << 10

func (s *Server) registerRoutes() error {
	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		{http.MethodGet, "/v1/markets", s.handleListMarkets},
		{http.MethodGet, "/v1/markets/{market}/mark_price", s.handleGetMarkPrice},
		{http.MethodGet, "/v1/markets/{market}/snapshot", s.handleGetSnapshot},
		{http.MethodPost, "/v1/markets/{market}/prices", s.handleInjectPrice},
		{http.MethodPost, "/v1/markets/{market}/reset", s.handleReset},
		{http.MethodPost, "/v1/markets/{market}/source_down", s.handleSourceDown},
	}
	for _, rt := range routes {
		if err := s.gateway.HandlePath(rt.method, rt.pattern, rt.h); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

// --- Query ---

func (s *Server) handleListMarkets(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := s.deps.QueryService.ListMarkets(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetMarkPrice(w http.ResponseWriter, r *http.Request, params map[string]string) {
	timeout, err := parseTimeout(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.deps.QueryService.GetMarkPrice(r.Context(), params["market"], timeout)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := s.deps.QueryService.GetSnapshot(r.Context(), params["market"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseTimeout reads ?timeout_ms=. Absent means query.DefaultReadTimeout,
// 0 a non-blocking read.
func parseTimeout(r *http.Request) (time.Duration, error) {
	v := r.URL.Query().Get("timeout_ms")
	if v == "" {
		return query.DefaultReadTimeout, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms < 0 {
		return 0, fmt.Errorf("%w: timeout_ms must be a non-negative integer, got %q", markprice.ErrInvalidInput, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// --- Ingest ---

type injectPriceRequest struct {
	Source string  `json:"source"`
	Price  float64 `json:"price"`
}

type resetRequest struct {
	Reason string `json:"reason"`
}

type sourceDownRequest struct {
	Source string `json:"source"`
}

type acceptedResponse struct {
	Accepted bool   `json:"accepted"`
	ResetID  string `json:"reset_id,omitempty"`
}

func (s *Server) handleInjectPrice(w http.ResponseWriter, r *http.Request, params map[string]string) {
	market, err := s.trackedMarket(params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req injectPriceRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	source, err := markprice.ParseSource(req.Source)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", markprice.ErrInvalidInput, err))
		return
	}
	if err := s.deps.IngestService.InjectPrice(r.Context(), market, source, req.Price); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{Accepted: true})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request, params map[string]string) {
	market, err := s.trackedMarket(params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req resetRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.deps.IngestService.InjectReset(r.Context(), market, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{Accepted: true, ResetID: id.String()})
}

func (s *Server) handleSourceDown(w http.ResponseWriter, r *http.Request, params map[string]string) {
	market, err := s.trackedMarket(params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req sourceDownRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	source, err := markprice.ParseSource(req.Source)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", markprice.ErrInvalidInput, err))
		return
	}
	if err := s.deps.IngestService.InjectSourceDown(r.Context(), market, source); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{Accepted: true})
}

// trackedMarket rejects writes for markets the engine does not track, so
// callers get a 404 instead of a silently dropped event.
func (s *Server) trackedMarket(params map[string]string) (string, error) {
	market := params["market"]
	if _, err := s.deps.QueryService.Status(market); err != nil {
		return "", err
	}
	return market, nil
}

func decodeBody(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", markprice.ErrInvalidInput, err)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: decode body: %v", markprice.ErrInvalidInput, err)
	}
	return nil
}

// --- Responses ---

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError renders err as a gRPC status through the gateway's error
// handler, so HTTP and gRPC clients see the same codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	st := ToStatus(err)
	if st.Code() == codes.Internal {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	_, outbound := runtime.MarshalerForRequest(s.gateway, r)
	runtime.HTTPError(r.Context(), s.gateway, outbound, w, r, st.Err())
}

// ToStatus maps service errors to gRPC status codes:
// timeout -> DeadlineExceeded (HTTP 504), unknown market -> NotFound (404),
// invalid input -> InvalidArgument (400).
func ToStatus(err error) *status.Status {
	switch {
	case errors.Is(err, markprice.ErrTimeout):
		return status.New(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, core.ErrUnknownMarket):
		return status.New(codes.NotFound, err.Error())
	case errors.Is(err, markprice.ErrInvalidInput):
		return status.New(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.New(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.New(codes.DeadlineExceeded, err.Error())
	default:
		return status.New(codes.Internal, err.Error())
	}
}
