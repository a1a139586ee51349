package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/archon-research/stl-timeserver/internal/domain/entity"
)

// blockResponse is the JSON shape of a committed block.
type blockResponse struct {
	Height    uint64 `json:"height"`
	Hash      string `json:"hash"`
	Timestamp int64  `json:"timestamp"`
	Time      string `json:"time"`
}

func toBlockResponse(b entity.Block) blockResponse {
	return blockResponse{
		Height:    b.Height,
		Hash:      b.Hash,
		Timestamp: b.Timestamp,
		Time:      b.Time().Format(time.RFC3339),
	}
}

func (s *Server) handleTip(w http.ResponseWriter, r *http.Request) {
	tip, ok := s.blocks.Max()
	if !ok {
		s.respondError(w, http.StatusNotFound, "ledger is empty")
		return
	}
	s.respondJSON(w, http.StatusOK, toBlockResponse(tip))
}

func (s *Server) handleByHeight(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseUint(mux.Vars(r)["height"], 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid height")
		return
	}
	confirmations, ok := s.confirmations(w, r)
	if !ok {
		return
	}

	block, found := s.blocks.ReadHeight(height, confirmations)
	if !found {
		s.respondError(w, http.StatusNotFound, "block not found or not sufficiently confirmed")
		return
	}
	s.respondJSON(w, http.StatusOK, toBlockResponse(block))
}

func (s *Server) handleByHash(w http.ResponseWriter, r *http.Request) {
	confirmations, ok := s.confirmations(w, r)
	if !ok {
		return
	}

	block, found := s.blocks.ReadHash(strings.ToLower(mux.Vars(r)["hash"]), confirmations)
	if !found {
		s.respondError(w, http.StatusNotFound, "block not found or not sufficiently confirmed")
		return
	}
	s.respondJSON(w, http.StatusOK, toBlockResponse(block))
}

// confirmations parses the optional ?confirmations= parameter. Zero disables
// the depth check.
func (s *Server) confirmations(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := r.URL.Query().Get("confirmations")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "confirmations must be a non-negative integer")
		return 0, false
	}
	return n, true
}
