package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/wrylyt/wrylyt/internal/ledger"
	"github.com/wrylyt/wrylyt/internal/plan"
)

const defaultListLimit = 50

// plansHandler handles GET /v1/plans.
func (s *Server) plansHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"plans":       plan.Catalog,
		"creditPacks": plan.Packs,
	})
}

// balanceHandler handles GET /v1/accounts/:id/balance. The returned balance
// is a display value; spend decisions always go through the ledger.
func (s *Server) balanceHandler(c *gin.Context) {
	acct, err := s.ledger.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.accountError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"accountId": acct.ID,
		"balance":   acct.Balance,
		"plan":      acct.Plan,
	})
}

// historyHandler handles GET /v1/accounts/:id/history. Saved history is a
// paid-plan entitlement.
func (s *Server) historyHandler(c *gin.Context) {
	ctx := c.Request.Context()
	accountID := c.Param("id")

	acct, err := s.ledger.GetAccount(ctx, accountID)
	if err != nil {
		s.accountError(c, err)
		return
	}

	if !plan.Allowed(acct.Plan, plan.FeatureHistory) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "plan_required",
			"message": "Saved history requires a paid plan",
		})
		return
	}

	entries, err := s.ledger.History(ctx, accountID, listLimit(c))
	if err != nil {
		s.accountError(c, err)
		return
	}
	if entries == nil {
		entries = []*ledger.HistoryEntry{}
	}

	c.JSON(http.StatusOK, gin.H{
		"accountId": accountID,
		"history":   entries,
	})
}

// billingHandler handles GET /v1/accounts/:id/billing.
func (s *Server) billingHandler(c *gin.Context) {
	ctx := c.Request.Context()
	accountID := c.Param("id")

	if _, err := s.ledger.GetAccount(ctx, accountID); err != nil {
		s.accountError(c, err)
		return
	}

	txs, err := s.ledger.Billing(ctx, accountID, listLimit(c))
	if err != nil {
		s.accountError(c, err)
		return
	}
	if txs == nil {
		txs = []*ledger.BillingTransaction{}
	}

	c.JSON(http.StatusOK, gin.H{
		"accountId":    accountID,
		"transactions": txs,
	})
}

// ChangePlanRequest is the body of POST /v1/accounts/:id/plan.
type ChangePlanRequest struct {
	Plan string `json:"plan" binding:"required"`
}

// changePlanHandler handles POST /v1/accounts/:id/plan. Only unpaid
// transitions are accepted here: downgrades and cancellations. Paid plans
// are activated by the payment webhooks once checkout settles.
func (s *Server) changePlanHandler(c *gin.Context) {
	var req ChangePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	target := plan.Plan(req.Plan)
	if !target.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_plan",
			"message": "Unknown plan: " + req.Plan,
		})
		return
	}
	if target.Paid() {
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "payment_required",
			"message": "Paid plans are activated through checkout",
		})
		return
	}

	accountID := c.Param("id")
	if err := s.ledger.SetPlan(c.Request.Context(), accountID, target); err != nil {
		if errors.Is(err, ledger.ErrPlanTransition) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "plan_transition_rejected",
				"message": err.Error(),
			})
			return
		}
		s.accountError(c, err)
		return
	}

	acct, err := s.ledger.GetAccount(c.Request.Context(), accountID)
	if err != nil {
		s.accountError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"accountId": acct.ID,
		"plan":      acct.Plan,
		"balance":   acct.Balance,
	})
}

func (s *Server) accountError(c *gin.Context, err error) {
	if errors.Is(err, ledger.ErrAccountNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "account_not_found",
			"message": "No account with that ID",
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Failed to read account",
	})
}

func listLimit(c *gin.Context) int {
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			return n
		}
	}
	return defaultListLimit
}
