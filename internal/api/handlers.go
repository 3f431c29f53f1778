package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/txshield/firewall-engine/internal/analyzer"
	"github.com/txshield/firewall-engine/internal/faults"
	"github.com/txshield/firewall-engine/pkg/models"
)

// scanRequest is the pre-flight analysis input: a bare address, a
// transaction, or a typed-data signing request, before any signature exists.
type scanRequest struct {
	ChainID   int64           `json:"chainId" binding:"required"`
	Address   string          `json:"address"` // address-only contract scan
	To        string          `json:"to"`
	From      string          `json:"from"`
	Value     string          `json:"value"`
	Data      string          `json:"data"`
	TypedData json.RawMessage `json:"typedData"`
	Mode      string          `json:"mode"` // optional per-request override
}

// buildScanContext parses a scan request into an analysis context. On error
// it writes the response itself and returns nil.
func (h *apiHandler) buildScanContext(c *gin.Context) *analyzer.Context {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return nil
	}
	if _, ok := h.Adapters[req.ChainID]; !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unsupported chain", "chainId": req.ChainID})
		return nil
	}
	if req.To == "" && common.IsHexAddress(req.Address) {
		req.To = req.Address
	}
	if !common.IsHexAddress(req.To) && len(req.TypedData) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "A valid 'address', 'to', or 'typedData' is required"})
		return nil
	}

	var calldata []byte
	if req.Data != "" {
		var err error
		if calldata, err = hexutil.Decode(req.Data); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid calldata hex"})
			return nil
		}
	}

	target := common.HexToAddress(req.To)
	actx := analyzer.NewContext(uuid.NewString(), req.ChainID, target, calldata)
	actx.Mode = h.Mode
	if req.Mode != "" {
		actx.Mode = models.PolicyMode(req.Mode)
	}
	if common.IsHexAddress(req.From) {
		from := common.HexToAddress(req.From)
		actx.From = &from
	}
	if req.Value != "" {
		if v, err := hexutil.DecodeBig(req.Value); err == nil {
			actx.Value = v
		}
	}
	if len(req.TypedData) > 0 {
		var td apitypes.TypedData
		if err := json.Unmarshal(req.TypedData, &td); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed typed data"})
			return nil
		}
		actx.TypedData = &td
		if actx.Target == (common.Address{}) && common.IsHexAddress(td.Domain.VerifyingContract) {
			actx.Target = common.HexToAddress(td.Domain.VerifyingContract)
		}
	}
	if adapter, ok := h.Adapters[req.ChainID]; ok && len(calldata) >= 4 {
		actx.Call = adapter.DecodeCall(calldata)
	}
	return actx
}

// handleScan runs one evaluation and returns the verdict with the full
// score breakdown.
func (h *apiHandler) handleScan(c *gin.Context) {
	if !h.acquire(c) {
		return
	}
	defer h.release()

	actx := h.buildScanContext(c)
	if actx == nil {
		return
	}
	verdict := h.Pipeline.Evaluate(c.Request.Context(), actx)
	c.JSON(http.StatusOK, verdict)
}

// handleFirewall is the transaction-shaped scan: the verdict plus a
// plain-language account of what signing would actually do.
func (h *apiHandler) handleFirewall(c *gin.Context) {
	if !h.acquire(c) {
		return
	}
	defer h.release()

	actx := h.buildScanContext(c)
	if actx == nil {
		return
	}
	verdict := h.Pipeline.Evaluate(c.Request.Context(), actx)
	c.JSON(http.StatusOK, gin.H{
		"verdictId":         verdict.ID,
		"verdict":           verdict.Action,
		"score":             verdict.Score,
		"plainEnglish":      verdict.Explanation,
		"forensicUrl":       verdict.ForensicURL,
		"decidedAt":         verdict.DecidedAt,
		"transactionImpact": transactionImpact(actx, verdict),
	})
}

// transactionImpact renders what the transaction moves and grants, so the
// user sees consequences rather than calldata.
func transactionImpact(actx *analyzer.Context, verdict models.Verdict) gin.H {
	sending := "No native value"
	if actx.Value != nil && actx.Value.Sign() > 0 {
		sending = actx.Value.String() + " wei of native currency"
	}

	granting := "Nothing beyond this transaction"
	postState := "Balances change only by the amounts shown above."
	switch actx.Call.Name {
	case "approve", "increaseAllowance":
		if len(actx.Call.Args) >= 1 {
			if spender, ok := actx.Call.Args[0].(common.Address); ok {
				granting = "Token spending power to " + spender.Hex()
				postState = "That address can transfer the approved tokens at any time until revoked."
			}
		}
	case "setApprovalForAll":
		if len(actx.Call.Args) >= 2 {
			if on, ok := actx.Call.Args[1].(bool); ok && on {
				if operator, ok := actx.Call.Args[0].(common.Address); ok {
					granting = "Control of your entire collection to " + operator.Hex()
					postState = "That operator can move every token in the collection until revoked."
				}
			}
		}
	}
	if actx.TypedData != nil {
		granting = "Whatever the signed message authorizes; see the score flags"
		postState = "A signature costs no gas but can authorize transfers when redeemed by its holder."
	}

	return gin.H{
		"sending":         sending,
		"grantingAccess":  granting,
		"recipient":       actx.Target.Hex(),
		"postTxState":     postState,
		"riskLevel":       verdict.Score.Level,
	}
}

// handleRPC is the firewall proxy endpoint wallets use as their RPC URL.
func (h *apiHandler) handleRPC(c *gin.Context) {
	chainID, err := strconv.ParseInt(c.Param("chain_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid chain id"})
		return
	}
	if !h.acquire(c) {
		return
	}
	defer h.release()

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 4<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable body"})
		return
	}

	// Wallet UIs assert warning acknowledgment through this header; wallets
	// that cannot set headers annotate the transaction object instead.
	acked := c.GetHeader("X-Shield-Acknowledged") == "true"

	resp, status := h.Proxy.Serve(c.Request.Context(), chainID, body, acked)
	c.Data(status, "application/json", resp)
}

// handleRescue runs the wallet-hygiene approval scan.
func (h *apiHandler) handleRescue(c *gin.Context) {
	wallet := c.Param("wallet")
	if !common.IsHexAddress(wallet) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid wallet address"})
		return
	}
	chainID, err := strconv.ParseInt(c.DefaultQuery("chain_id", "1"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid chain id"})
		return
	}
	if !h.acquire(c) {
		return
	}
	defer h.release()

	report, err := h.Rescue.Scan(c.Request.Context(), chainID, common.HexToAddress(wallet))
	if err != nil {
		status := http.StatusInternalServerError
		if faults.KindOf(err) == faults.KindNotFound {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": "Rescue scan failed", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

// handleCampaign resolves a contract to its deployer cluster.
func (h *apiHandler) handleCampaign(c *gin.Context) {
	address := c.Param("address")
	if !common.IsHexAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid contract address"})
		return
	}
	chainID, err := strconv.ParseInt(c.DefaultQuery("chain_id", "1"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid chain id"})
		return
	}

	summary, err := h.Campaigns.Campaign(c.Request.Context(), chainID, common.HexToAddress(address))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Campaign lookup failed", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// handleThreatFeed returns recent high-risk contracts and mempool alerts.
func (h *apiHandler) handleThreatFeed(c *gin.Context) {
	if h.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Database not connected"})
		return
	}
	chainID, _ := strconv.ParseInt(c.DefaultQuery("chain_id", "1"), 10, 64)
	hours, _ := strconv.Atoi(c.DefaultQuery("hours", "24"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if hours <= 0 || hours > 24*7 {
		hours = 24
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)

	flagged, err := h.Store.TopFlagged(c.Request.Context(), chainID, since, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Feed query failed", "details": err.Error()})
		return
	}
	alerts, err := h.Store.RecentAlerts(c.Request.Context(), chainID, since, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Alert query failed", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"chainId":       chainID,
		"since":         since,
		"flagged":       flagged,
		"mempoolAlerts": alerts,
	})
}

// handleOutcome records what the user did after a WARN/BLOCK verdict.
func (h *apiHandler) handleOutcome(c *gin.Context) {
	if h.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Database not connected"})
		return
	}
	var req struct {
		VerdictID  string `json:"verdictId" binding:"required"`
		Decision   string `json:"decision" binding:"required"`
		Downstream string `json:"downstreamSignal"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	decision := models.UserDecision(req.Decision)
	if decision != models.DecisionProceeded && decision != models.DecisionCancelled {
		c.JSON(http.StatusBadRequest, gin.H{"error": "decision must be 'proceeded' or 'cancelled'"})
		return
	}
	downstream := models.DownstreamSignal(req.Downstream)
	if downstream == "" {
		downstream = models.SignalNone
	}

	ev := models.OutcomeEvent{
		VerdictID:  req.VerdictID,
		Decision:   decision,
		Downstream: downstream,
		Timestamp:  time.Now().UTC(),
	}
	if err := h.Store.RecordOutcome(c.Request.Context(), ev); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record outcome", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}

// handleReport records a community scam / false-positive report.
func (h *apiHandler) handleReport(c *gin.Context) {
	if h.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Database not connected"})
		return
	}
	var req struct {
		Reporter string `json:"reporter"`
		ChainID  int64  `json:"chainId" binding:"required"`
		Target   string `json:"target" binding:"required"`
		Kind     string `json:"kind" binding:"required"`
		Note     string `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if !common.IsHexAddress(req.Target) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid target address"})
		return
	}
	kind := models.ReportKind(req.Kind)
	if kind != models.ReportScam && kind != models.ReportFalsePositive {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be 'scam' or 'false-positive'"})
		return
	}

	report := models.CommunityReport{
		Reporter:  req.Reporter,
		ChainID:   req.ChainID,
		Target:    common.HexToAddress(req.Target),
		Kind:      kind,
		Note:      req.Note,
		Timestamp: time.Now().UTC(),
	}
	if err := h.Store.RecordReport(c.Request.Context(), report); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record report", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}

// handleIssueKey mints a new API key. The plaintext appears once in this
// response and is never stored.
func (h *apiHandler) handleIssueKey(c *gin.Context) {
	if h.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Database not connected"})
		return
	}
	var req struct {
		Label string `json:"label" binding:"required"`
		Tier  string `json:"tier"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	if req.Tier == "" {
		req.Tier = "standard"
	}

	key, err := GenerateKey()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Key generation failed"})
		return
	}
	if err := h.Store.SaveAPIKey(c.Request.Context(), HashKey(key), req.Label, req.Tier); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store key", "details": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"key":   key,
		"label": req.Label,
		"tier":  req.Tier,
		"note":  "Store this key now; it is not retrievable later.",
	})
}

func chainKey(id int64) string {
	return strconv.FormatInt(id, 10)
}
