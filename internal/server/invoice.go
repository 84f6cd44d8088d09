package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	invoicedomain "github.com/rentfolio/billing/internal/invoice/domain"
	"github.com/shopspring/decimal"
)

func parseID(c *gin.Context, raw, field string) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil {
		AbortWithError(c, newValidationError(field, "invalid_id", "invalid id"))
		return 0, false
	}
	return id, true
}

func parseAmount(c *gin.Context, raw, field string) (decimal.Decimal, bool) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		AbortWithError(c, newValidationError(field, "invalid_amount", "invalid amount"))
		return decimal.Zero, false
	}
	return amount, true
}

func (s *Server) ListInvoices(c *gin.Context) {
	var req invoicedomain.ListRequest
	if raw := c.Query("partnerId"); raw != "" {
		id, ok := parseID(c, raw, "partnerId")
		if !ok {
			return
		}
		req.PartnerID = id
	}
	if raw := c.Query("contractId"); raw != "" {
		id, ok := parseID(c, raw, "contractId")
		if !ok {
			return
		}
		req.ContractID = id
	}
	if raw := c.Query("status"); raw != "" {
		status := invoicedomain.Status(raw)
		req.Status = &status
	}
	if err := c.ShouldBindQuery(&req.Page); err != nil {
		AbortWithError(c, newValidationError("page_size", "invalid_page", "invalid pagination"))
		return
	}

	result, err := s.invoiceSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result.Invoices, "page_info": result.PageInfo})
}

func (s *Server) GetInvoiceByID(c *gin.Context) {
	id, ok := parseID(c, c.Param("id"), "id")
	if !ok {
		return
	}
	invoice, err := s.invoiceSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": invoice})
}

func (s *Server) SendInvoice(c *gin.Context) {
	id, ok := parseID(c, c.Param("id"), "id")
	if !ok {
		return
	}
	invoice, err := s.invoiceSvc.MarkSent(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": invoice})
}

type paymentRequest struct {
	Amount string `json:"amount" binding:"required"`
}

func (s *Server) RegisterInvoicePayment(c *gin.Context) {
	id, ok := parseID(c, c.Param("id"), "id")
	if !ok {
		return
	}
	var req paymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("amount", "required", "amount is required"))
		return
	}
	amount, ok := parseAmount(c, req.Amount, "amount")
	if !ok {
		return
	}
	invoice, err := s.invoiceSvc.RegisterPayment(c.Request.Context(), id, amount)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": invoice})
}

func (s *Server) RegisterInvoiceBalance(c *gin.Context) {
	id, ok := parseID(c, c.Param("id"), "id")
	if !ok {
		return
	}
	var req paymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("amount", "required", "amount is required"))
		return
	}
	amount, ok := parseAmount(c, req.Amount, "amount")
	if !ok {
		return
	}
	invoice, err := s.invoiceSvc.RegisterBalance(c.Request.Context(), id, amount)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": invoice})
}

func (s *Server) MarkInvoiceLost(c *gin.Context) {
	id, ok := parseID(c, c.Param("id"), "id")
	if !ok {
		return
	}
	invoice, err := s.invoiceSvc.MarkLost(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": invoice})
}

type creditRequest struct {
	Kind            string `json:"kind" binding:"required"`
	RemainingAmount string `json:"remainingAmount"`
	CreditableDays  int    `json:"creditableDays"`
}

func (s *Server) CreditInvoice(c *gin.Context) {
	id, ok := parseID(c, c.Param("id"), "id")
	if !ok {
		return
	}
	var req creditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("kind", "required", "credit kind is required"))
		return
	}

	domainReq := invoicedomain.CreditRequest{
		InvoiceID:      id,
		Kind:           invoicedomain.CreditKind(req.Kind),
		CreditableDays: req.CreditableDays,
	}
	if req.RemainingAmount != "" {
		amount, ok := parseAmount(c, req.RemainingAmount, "remainingAmount")
		if !ok {
			return
		}
		domainReq.RemainingAmount = amount
	}

	result, err := s.invoiceSvc.CreditInvoice(c.Request.Context(), domainReq)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	status := http.StatusCreated
	if result.AlreadyCredited {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"data": gin.H{
		"creditNote":      result.CreditNote,
		"replacement":     result.Replacement,
		"original":        result.Original,
		"alreadyCredited": result.AlreadyCredited,
	}})
}

func (s *Server) RefreshInvoiceStatus(c *gin.Context) {
	id, ok := parseID(c, c.Param("id"), "id")
	if !ok {
		return
	}
	invoice, err := s.invoiceSvc.UpdateStatus(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": invoice})
}

type backfillRequest struct {
	BatchSize int `json:"batchSize"`
}

func (s *Server) BackfillInvoiceSerials(c *gin.Context) {
	var req backfillRequest
	_ = c.ShouldBindJSON(&req)
	if req.BatchSize <= 0 {
		req.BatchSize = s.cfg.SerialBackfillBatch
	}

	stamped, err := s.invoiceSvc.BackfillSerials(c.Request.Context(), req.BatchSize)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"stamped": stamped}})
}
