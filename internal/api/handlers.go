package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/MJE43/arena-rewards/internal/gameplay"
	"github.com/MJE43/arena-rewards/internal/pipeline"
	"github.com/MJE43/arena-rewards/internal/store"
)

const (
	defaultMintsLimit = 50
	maxMintsLimit     = 500
)

// handleIngest records one snapshot for the wallet in the path
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if out, ok := s.ingest(w, r, chi.URLParam(r, "wallet")); ok {
		s.writeJSON(w, http.StatusOK, out)
	}
}

// handleLegacyIngest is /getUserData?walletAddress=
func (s *Server) handleLegacyIngest(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get("walletAddress")
	if wallet == "" {
		s.errorHandler.HandleValidationError(w, r, "walletAddress", "walletAddress is required")
		return
	}
	out, ok := s.ingest(w, r, wallet)
	if !ok {
		return
	}
	resp := LegacyIngestResponse{Message: "Data received successfully"}
	if out.Closed && out.Report != nil {
		resp.AIAgent = legacyReport(*out.Report)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request, wallet string) (pipeline.Outcome, bool) {
	snap, ok := s.decodeSnapshot(w, r)
	if !ok {
		return pipeline.Outcome{}, false
	}
	out, err := s.endpoint.Ingest(r.Context(), wallet, snap)
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return pipeline.Outcome{}, false
	}
	return out, true
}

func (s *Server) decodeSnapshot(w http.ResponseWriter, r *http.Request) (gameplay.Snapshot, bool) {
	var snap gameplay.Snapshot
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&snap); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			s.errorHandler.HandleValidationError(w, r, "body", "request body too large")
		case errors.Is(err, io.EOF):
			s.errorHandler.HandleValidationError(w, r, "body", "request body is empty")
		default:
			s.errorHandler.HandleValidationError(w, r, "body", "invalid JSON: "+err.Error())
		}
		return snap, false
	}
	if strings.TrimSpace(snap.CurrentGameState) == "" {
		s.errorHandler.HandleValidationError(w, r, "currentGameState", "currentGameState is required")
		return snap, false
	}
	return snap, true
}

// handleReport returns the wallet's last report, or {} when there is none
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	rep, ok, err := s.endpoint.LastReport(r.Context(), chi.URLParam(r, "wallet"))
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	if !ok {
		s.writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	s.writeJSON(w, http.StatusOK, ReportResponse(rep))
}

// handleLegacyReport is /getAIResponse?walletAddress=. It returns the bare
// report object with the spaced keys the original dashboard reads.
func (s *Server) handleLegacyReport(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get("walletAddress")
	if wallet == "" {
		s.errorHandler.HandleValidationError(w, r, "walletAddress", "walletAddress is required")
		return
	}
	rep, ok, err := s.endpoint.LastReport(r.Context(), wallet)
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	if !ok {
		s.writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	s.writeJSON(w, http.StatusOK, legacyReport(rep.Report))
}

// handleStanding reads the wallet's on-chain reputation and rewards
func (s *Server) handleStanding(w http.ResponseWriter, r *http.Request) {
	st, err := s.endpoint.Standing(r.Context(), chi.URLParam(r, "wallet"))
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, StandingResponse(st))
}

// handleMints pages through the wallet's mint history
func (s *Server) handleMints(w http.ResponseWriter, r *http.Request) {
	wallet, err := pipeline.NormalizeWallet(chi.URLParam(r, "wallet"))
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	q := r.URL.Query()
	limit := clampInt(qInt(q.Get("limit"), defaultMintsLimit), 1, maxMintsLimit)
	offset := qInt(q.Get("offset"), 0)
	if offset < 0 {
		offset = 0
	}

	mints, err := s.endpoint.Mints(r.Context(), wallet, limit, offset)
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	if mints == nil {
		mints = []store.Mint{}
	}
	s.writeJSON(w, http.StatusOK, MintsResponse{
		Wallet: wallet,
		Mints:  mints,
		Limit:  limit,
		Offset: offset,
	})
}

func qInt(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
