// Package server exposes the cash-out flow over HTTP for the front end that
// hosts the anchor's interactive page.
package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/marwen-abid/anchor-cashout-go/errors"
	"github.com/marwen-abid/anchor-cashout-go/withdraw"
)

// TransactionCreator opens a withdrawal for the configured user.
type TransactionCreator interface {
	NewTransaction(ctx context.Context) (url string, id string, err error)
}

// PaymentDriver drives a recorded withdrawal to completion.
type PaymentDriver interface {
	DrivePayment(ctx context.Context, id string) (*withdraw.Receipt, error)
}

// Handlers contains the HTTP handlers of the cash-out endpoints.
type Handlers struct {
	creator TransactionCreator
	driver  PaymentDriver
}

func NewHandlers(creator TransactionCreator, driver PaymentDriver) *Handlers {
	return &Handlers{
		creator: creator,
		driver:  driver,
	}
}

// NewURL opens a withdrawal and returns its interactive URL.
func (h *Handlers) NewURL(c *gin.Context) {
	url, id, err := h.creator.NewTransaction(c.Request.Context())
	if err != nil {
		requestLogger(c).WithError(err).Error("failed to open withdrawal")
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": url, "txid": id})
}

// Send pays the anchor for a withdrawal the user finished in the interactive
// flow, and waits for the anchor to confirm receipt.
func (h *Handlers) Send(c *gin.Context) {
	var req struct {
		ID string `json:"id" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	receipt, err := h.driver.DrivePayment(c.Request.Context(), req.ID)
	if err != nil {
		requestLogger(c).WithError(err).WithField("tx_id", req.ID).Error("failed to drive payment")
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"url":       receipt.StatusPageURL,
		"refNumber": receipt.ReferenceNumber,
	})
}

func respondError(c *gin.Context, err error) {
	code := errors.CodeOf(err)

	statusCode := http.StatusInternalServerError
	switch code {
	case errors.UNKNOWN_TRANSACTION:
		statusCode = http.StatusNotFound
	case errors.TRANSFER_IN_PROGRESS:
		statusCode = http.StatusConflict
	}

	c.JSON(statusCode, gin.H{"error": err.Error(), "code": string(code)})
}
