package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

func snowflakeOrZero(raw string) (snowflake.ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return snowflake.ParseString(raw)
}

func (s *Server) SummarizeTransactions(c *gin.Context) {
	partnerID, ok := parseID(c, c.Query("partnerId"), "partnerId")
	if !ok {
		return
	}
	period := strings.TrimSpace(c.Query("period"))

	summaries, err := s.transactionSvc.Summarize(c.Request.Context(), partnerID, period)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": summaries})
}
