package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/liamcoop/bottlerules/disposition"
	"github.com/liamcoop/bottlerules/policystore"
	"github.com/liamcoop/bottlerules/returns"
)

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	storage := "memory"
	if s.db != nil {
		storage = "postgres"
		if err := s.db.PingContext(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Storage: storage, Error: err.Error()})
			return
		}
	}
	if s.redis != nil {
		if err := s.redis.Ping(r.Context()).Err(); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Storage: storage, Error: err.Error()})
			return
		}
	}

	respondJSON(w, http.StatusOK, HealthResponse{
		Status:         "healthy",
		Storage:        storage,
		AirlinesLoaded: len(s.manager.ListAirlines()),
	})
}

// Evaluation handler
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	startTime := time.Now()

	if req.Policy != nil {
		d := disposition.Evaluate(req.Bottle, *req.Policy, req.CandidatePool)
		respondJSON(w, http.StatusOK, EvaluateResponse{
			Disposition:    d,
			EvaluationTime: time.Since(startTime).String(),
		})
		return
	}

	if req.AirlineID == "" {
		respondError(w, http.StatusBadRequest, "airlineId or policy is required", nil)
		return
	}

	decision, err := s.manager.Evaluate(r.Context(), req.AirlineID, req.Bottle, req.CandidatePool)
	if err != nil {
		respondServiceError(w, "evaluation failed", err)
		return
	}

	respondJSON(w, http.StatusOK, EvaluateResponse{
		AirlineID:      decision.AirlineID,
		PolicyVersion:  decision.PolicyVersion,
		Disposition:    decision.Disposition,
		EvaluationTime: time.Since(startTime).String(),
	})
}

// List airlines handler
func (s *Server) handleListAirlines(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, AirlinesListResponse{Airlines: s.manager.ListAirlines()})
}

// Get policy handler
func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	airlineID := chi.URLParam(r, "airlineId")

	policy, err := s.manager.GetPolicy(r.Context(), airlineID)
	if err != nil {
		respondServiceError(w, "policy not found", err)
		return
	}

	respondJSON(w, http.StatusOK, policy)
}

// Update policy handler. Creates the airline on first use.
func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	airlineID := chi.URLParam(r, "airlineId")

	var req UpdatePolicyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	policy := &policystore.AirlinePolicy{
		AirlineID: airlineID,
		Name:      req.Name,
		Policy:    req.Policy,
	}
	if err := s.manager.UpdatePolicy(r.Context(), policy); err != nil {
		respondServiceError(w, "failed to update policy", err)
		return
	}

	respondJSON(w, http.StatusOK, policy)
}

// Delete policy handler
func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	airlineID := chi.URLParam(r, "airlineId")

	if err := s.manager.DeletePolicy(r.Context(), airlineID); err != nil {
		respondServiceError(w, "failed to delete policy", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Record return handler
func (s *Server) handleRecordReturn(w http.ResponseWriter, r *http.Request) {
	airlineID := chi.URLParam(r, "airlineId")

	var bottle disposition.BottleRecord
	if err := decodeJSON(w, r, &bottle); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	record, err := s.returns.Record(r.Context(), airlineID, bottle)
	if err != nil {
		respondServiceError(w, "failed to record return", err)
		return
	}

	respondJSON(w, http.StatusCreated, record)
}

// List returns handler
func (s *Server) handleListReturns(w http.ResponseWriter, r *http.Request) {
	airlineID := chi.URLParam(r, "airlineId")

	records, err := s.returns.List(r.Context(), airlineID)
	if err != nil {
		respondServiceError(w, "failed to list returns", err)
		return
	}
	if records == nil {
		records = []returns.Record{}
	}

	respondJSON(w, http.StatusOK, ReturnsListResponse{Returns: records})
}

// Get return handler
func (s *Server) handleGetReturn(w http.ResponseWriter, r *http.Request) {
	airlineID := chi.URLParam(r, "airlineId")
	bottleID := chi.URLParam(r, "bottleId")

	record, err := s.returns.Get(r.Context(), airlineID, bottleID)
	if err != nil {
		respondServiceError(w, "return not found", err)
		return
	}

	respondJSON(w, http.StatusOK, record)
}

// Re-evaluate return handler
func (s *Server) handleReevaluateReturn(w http.ResponseWriter, r *http.Request) {
	airlineID := chi.URLParam(r, "airlineId")
	bottleID := chi.URLParam(r, "bottleId")

	record, err := s.returns.Reevaluate(r.Context(), airlineID, bottleID)
	if err != nil {
		respondServiceError(w, "failed to re-evaluate return", err)
		return
	}

	respondJSON(w, http.StatusOK, record)
}

// Batch handler
func (s *Server) handleProcessBatch(w http.ResponseWriter, r *http.Request) {
	airlineID := chi.URLParam(r, "airlineId")

	var req BatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if len(req.Bottles) > maxBatchSize {
		respondError(w, http.StatusBadRequest, "batch too large", fmt.Errorf("%d bottles, maximum is %d", len(req.Bottles), maxBatchSize))
		return
	}

	result, err := s.returns.ProcessBatch(r.Context(), airlineID, req.Bottles)
	if err != nil {
		respondServiceError(w, "failed to process batch", err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// Summary handler
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	airlineID := chi.URLParam(r, "airlineId")

	summary, err := s.returns.Summary(r.Context(), airlineID)
	if err != nil {
		respondServiceError(w, "failed to summarise returns", err)
		return
	}

	respondJSON(w, http.StatusOK, summary)
}
