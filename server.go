package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fieldlink.io/drivers/sarar5/modem"
	"fieldlink.io/drivers/sarar5/sara"
)

// Server exposes diagnostics and a raw command escape hatch over HTTP.
type Server struct {
	Logger *zap.Logger
	Modem  *modem.Modem
	Module *sara.Module

	muxOnce sync.Once
	mux     *http.ServeMux
}

// ServeHTTP implements the http.Handler interface. The route table is
// built on first use and shared by all requests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.muxOnce.Do(func() {
		s.mux = http.NewServeMux()
		s.mux.HandleFunc("GET /state", s.handleState)
		s.mux.HandleFunc("GET /stats", s.handleStats)
		s.mux.HandleFunc("POST /command", s.handleCommand)
	})
	s.mux.ServeHTTP(w, r)
}

func (s *Server) sendJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	s.sendJSON(w, statusCode, ErrorResponse{Message: message})
}

// handleState reports the module state machine snapshot.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state := s.Module.State()

	sockets := make([]string, len(state.Sockets))
	for i, st := range state.Sockets {
		sockets[i] = st.String()
	}

	type StateResponse struct {
		Power        string   `json:"power"`
		Registration string   `json:"registration"`
		PDP          string   `json:"pdp"`
		PDPAddress   string   `json:"pdp_address,omitempty"`
		Sockets      []string `json:"sockets"`
	}
	s.sendJSON(w, http.StatusOK, StateResponse{
		Power:        state.Power.String(),
		Registration: state.Registration.String(),
		PDP:          state.PDP.String(),
		PDPAddress:   state.PDPAddress,
		Sockets:      sockets,
	})
}

// handleStats queries the module for current radio statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	logger := s.Logger.With(zap.String("request_id", reqID))

	stats, err := s.Module.RadioStats(r.Context())
	if err != nil {
		logger.Error("failed to read radio stats", zap.Error(err))
		s.sendError(w, err.Error(), http.StatusBadGateway)
		return
	}
	quality, err := s.Module.SignalQuality(r.Context())
	if err != nil {
		logger.Error("failed to read signal quality", zap.Error(err))
		s.sendError(w, err.Error(), http.StatusBadGateway)
		return
	}

	type StatsResponse struct {
		Radio   *sara.RadioStats    `json:"radio"`
		Quality *sara.SignalQuality `json:"quality"`
	}
	s.sendJSON(w, http.StatusOK, StatsResponse{Radio: stats, Quality: quality})
}

// handleCommand submits a raw AT command and returns the collected response.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	logger := s.Logger.With(zap.String("request_id", reqID))

	type CommandRequest struct {
		Command   string `json:"command"`
		TimeoutMs int    `json:"timeout_ms,omitempty"`
	}

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Command == "" {
		s.sendError(w, "'command' field is required", http.StatusBadRequest)
		return
	}

	resp, err := s.Modem.Submit(r.Context(), modem.Request{
		Cmd:     req.Command,
		Timeout: time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		logger.Error("command failed", zap.String("command", req.Command), zap.Error(err))
		s.sendError(w, err.Error(), http.StatusBadGateway)
		return
	}

	logger.Info("command executed", zap.String("command", req.Command), zap.String("final", resp.Final))

	type CommandResponse struct {
		Info  []string `json:"info"`
		Final string   `json:"final"`
	}
	s.sendJSON(w, http.StatusOK, CommandResponse{Info: resp.Info, Final: resp.Final})
}
