package main

import (
	"github.com/liamcoop/bottlerules/disposition"
	"github.com/liamcoop/bottlerules/returns"
)

// API Request and Response Models with Swagger annotations

// EvaluateRequest represents the request body for a stateless evaluation.
// Either AirlineID or an inline Policy is required; an inline policy wins.
type EvaluateRequest struct {
	AirlineID     string                     `json:"airlineId,omitempty" example:"BA"`
	Policy        *disposition.BottlePolicy  `json:"policy,omitempty"`
	Bottle        disposition.BottleRecord   `json:"bottle" binding:"required"`
	CandidatePool []disposition.BottleRecord `json:"candidatePool,omitempty"`
} // @name EvaluateRequest

// EvaluateResponse represents the disposition of one bottle
type EvaluateResponse struct {
	AirlineID      string                  `json:"airlineId,omitempty" example:"BA"`
	PolicyVersion  int                     `json:"policyVersion,omitempty" example:"3"`
	Disposition    disposition.Disposition `json:"disposition"`
	EvaluationTime string                  `json:"evaluationTime" example:"42µs"`
} // @name EvaluateResponse

// UpdatePolicyRequest represents the request body for replacing an airline's policy
type UpdatePolicyRequest struct {
	Name   string                   `json:"name" example:"Winter schedule"`
	Policy disposition.BottlePolicy `json:"policy" binding:"required"`
} // @name UpdatePolicyRequest

// AirlinesListResponse represents the airlines with a loaded policy
type AirlinesListResponse struct {
	Airlines []string `json:"airlines" example:"AF,BA,LH"`
} // @name AirlinesListResponse

// BatchRequest represents a batch of returned bottles from one flight or station
type BatchRequest struct {
	Bottles []disposition.BottleRecord `json:"bottles" binding:"required"`
} // @name BatchRequest

// ReturnsListResponse represents an airline's recorded returns
type ReturnsListResponse struct {
	Returns []returns.Record `json:"returns"`
} // @name ReturnsListResponse

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error" example:"invalid policy"`
	Details string `json:"details,omitempty" example:"minPercentForReuse must be between 0 and 100, got 120"`
} // @name ErrorResponse

// HealthResponse represents the health check response
type HealthResponse struct {
	Status         string `json:"status" example:"healthy"`
	Storage        string `json:"storage" example:"postgres"`
	AirlinesLoaded int    `json:"airlinesLoaded" example:"12"`
	Error          string `json:"error,omitempty"`
} // @name HealthResponse
