package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/garment_backend/models"
)

type errorResponse struct {
	Error   string                 `json:"error"`
	Kind    string                 `json:"kind"`
	Details []models.SizeShortfall `json:"details,omitempty"`
}

// httpStatus maps an engine error to its response status.
func httpStatus(err error) int {
	switch models.RejectionKind(err) {
	case "validation":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "over_assignment":
		return http.StatusUnprocessableEntity
	case "insufficient_stock", "already_completed", "lock_conflict":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func newErrorResponse(err error) errorResponse {
	resp := errorResponse{Error: err.Error(), Kind: models.RejectionKind(err)}

	var over *models.OverAssignmentError
	var short *models.InsufficientStockError
	switch {
	case errors.As(err, &over):
		resp.Details = over.Shortfalls
	case errors.As(err, &short):
		resp.Details = short.Shortfalls
	case resp.Kind == "internal":
		// storage errors stay in the logs
		resp.Error = "internal error"
	}
	return resp
}

func respondError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(httpStatus(err), newErrorResponse(err))
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: message, Kind: "validation"})
}
