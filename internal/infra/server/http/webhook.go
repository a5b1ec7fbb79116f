package httpserver

import (
	"net/http"

	"github.com/tradetaper/terminal-farm/errs"
	"github.com/tradetaper/terminal-farm/internal/farm"
	"github.com/tradetaper/terminal-farm/internal/observability"
	"github.com/tradetaper/terminal-farm/internal/processor"
)

type heartbeatRequest struct {
	TerminalID  string            `json:"terminalId"`
	AuthToken   string            `json:"authToken,omitempty"`
	Status      string            `json:"status,omitempty"`
	AccountInfo *farm.AccountInfo `json:"accountInfo,omitempty"`
	OpenTrades  int               `json:"openTrades,omitempty"`
}

type tradesRequest struct {
	TerminalID string           `json:"terminalId"`
	AuthToken  string           `json:"authToken,omitempty"`
	Trades     []processor.Deal `json:"trades"`
}

type tradesResponse struct {
	Success  bool              `json:"success"`
	Imported int               `json:"imported"`
	Skipped  int               `json:"skipped"`
	Summary  farm.BatchSummary `json:"summary"`
}

type candlesRequest struct {
	TerminalID string        `json:"terminalId"`
	AuthToken  string        `json:"authToken,omitempty"`
	TradeID    string        `json:"tradeId"`
	Symbol     string        `json:"symbol"`
	Timeframe  string        `json:"timeframe,omitempty"`
	Candles    []farm.Candle `json:"candles"`
}

type positionsRequest struct {
	TerminalID string          `json:"terminalId"`
	AuthToken  string          `json:"authToken,omitempty"`
	Positions  []farm.Position `json:"positions"`
}

func (s *httpServer) postHeartbeat(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if !s.webhookAllowed(w, r, req.TerminalID, req.AuthToken, s.limits.heartbeat) {
		return
	}
	resp, err := s.service.ProcessHeartbeat(r.Context(), req.TerminalID, farm.Heartbeat{
		Status:      req.Status,
		AccountInfo: req.AccountInfo,
		OpenTrades:  req.OpenTrades,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *httpServer) postTrades(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var req tradesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if !s.webhookAllowed(w, r, req.TerminalID, req.AuthToken, s.limits.trades) {
		return
	}
	summary, err := s.service.ProcessTradeBatch(r.Context(), req.TerminalID, req.Trades)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tradesResponse{
		Success:  true,
		Imported: summary.Created + summary.Updated,
		Skipped:  summary.Skipped + summary.Conflicts,
		Summary:  summary,
	})
}

func (s *httpServer) postCandles(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var req candlesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if !s.webhookAllowed(w, r, req.TerminalID, req.AuthToken, s.limits.candles) {
		return
	}
	saved, err := s.service.ProcessCandles(r.Context(), req.TerminalID, farm.CandleBatch{
		TradeID:   req.TradeID,
		Symbol:    req.Symbol,
		Timeframe: req.Timeframe,
		Candles:   req.Candles,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "saved": saved})
}

func (s *httpServer) postPositions(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var req positionsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if !s.webhookAllowed(w, r, req.TerminalID, req.AuthToken, s.limits.positions) {
		return
	}
	if err := s.service.ProcessPositions(r.Context(), req.TerminalID, req.Positions); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// webhookAllowed runs the shared auth-then-throttle gate. Auth failures never
// leak partial processing; throttled calls are told to back off.
func (s *httpServer) webhookAllowed(w http.ResponseWriter, r *http.Request, terminalID, authToken string, pool *limiterPool) bool {
	if err := s.authorizeTerminal(r, terminalID, authToken); err != nil {
		s.metrics.RecordWebhookRejected(r.Context(), string(errs.CodeOf(err)))
		observability.Log().Debug("http: webhook rejected",
			observability.F("terminalId", terminalID),
			observability.F("path", r.URL.Path),
			observability.F("error", err.Error()))
		writeServiceError(w, err)
		return false
	}
	if !pool.allow(terminalID) {
		s.metrics.RecordWebhookRejected(r.Context(), "rate_limited")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}
