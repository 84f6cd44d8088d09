package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetPayoutByContract(c *gin.Context) {
	contractID, ok := parseID(c, c.Param("id"), "id")
	if !ok {
		return
	}
	payout, err := s.payoutSvc.GetByContract(c.Request.Context(), contractID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if payout == nil {
		AbortWithError(c, ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": payout})
}

type createEstimatedPayoutRequest struct {
	PartnerID       string `json:"partnerId" binding:"required"`
	ContractID      string `json:"contractId" binding:"required"`
	LandlordID      string `json:"landlordId"`
	PropertyID      string `json:"propertyId"`
	FinalSettlement bool   `json:"finalSettlement"`
}

// CreateEstimatedPayout is the synchronous face of the
// create_estimated_payout job; re-posting for the same contract returns
// the existing payout.
func (s *Server) CreateEstimatedPayout(c *gin.Context) {
	var req createEstimatedPayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("contractId", "required", "partnerId and contractId are required"))
		return
	}
	partnerID, ok := parseID(c, req.PartnerID, "partnerId")
	if !ok {
		return
	}
	contractID, ok := parseID(c, req.ContractID, "contractId")
	if !ok {
		return
	}
	landlordID, _ := snowflakeOrZero(req.LandlordID)
	propertyID, _ := snowflakeOrZero(req.PropertyID)

	payout, err := s.payoutSvc.CreateEstimated(c.Request.Context(), partnerID, contractID, landlordID, propertyID, req.FinalSettlement)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": payout})
}
