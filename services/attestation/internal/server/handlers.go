package server

import (
	"encoding/hex"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meridianpay/offline-settle/attestation"
	"github.com/meridianpay/offline-settle/escrow"
	"github.com/meridianpay/offline-settle/ledger"
	"github.com/meridianpay/offline-settle/xerrors"
)

// verifyAttestationRequest is the POST /verify-attestation body.
type verifyAttestationRequest struct {
	BundleID            string            `json:"bundleId" binding:"required"`
	BundleSummary       bundleSummaryWire `json:"bundleSummary" binding:"required"`
	PayerAttestation    envelopeWire      `json:"payerAttestation" binding:"required"`
	MerchantAttestation *envelopeWire     `json:"merchantAttestation"`
}

type proofsWire struct {
	Payer    *proofWire `json:"payer,omitempty"`
	Merchant *proofWire `json:"merchant,omitempty"`
}

type verifyAttestationResponse struct {
	Valid  bool        `json:"valid"`
	Proofs *proofsWire `json:"proofs,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// handleVerifyAttestation handles POST /verify-attestation.
func (s *Server) handleVerifyAttestation(c *gin.Context) {
	var req verifyAttestationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.metrics.RecordVerify(false)
		c.JSON(http.StatusBadRequest, verifyAttestationResponse{Error: err.Error()})
		return
	}

	amount, nonce, payer, merchant, err := req.BundleSummary.decode()
	if err != nil {
		s.metrics.RecordVerify(false)
		c.JSON(http.StatusBadRequest, verifyAttestationResponse{Error: err.Error()})
		return
	}

	payerEnv, err := req.PayerAttestation.decode()
	if err != nil {
		s.metrics.RecordVerify(false)
		c.JSON(http.StatusBadRequest, verifyAttestationResponse{Error: err.Error()})
		return
	}

	var merchantEnv *attestation.Envelope
	if req.MerchantAttestation != nil {
		env, err := req.MerchantAttestation.decode()
		if err != nil {
			s.metrics.RecordVerify(false)
			c.JSON(http.StatusBadRequest, verifyAttestationResponse{Error: err.Error()})
			return
		}
		merchantEnv = &env
	}

	result, err := s.attestation.VerifyAttestation(c.Request.Context(), attestation.VerifyRequest{
		BundleID:         req.BundleID,
		Payer:            payer,
		Merchant:         merchant,
		Amount:           amount,
		BundleNonce:      nonce,
		PayerEnvelope:    payerEnv,
		MerchantEnvelope: merchantEnv,
	})
	if err != nil {
		s.metrics.RecordVerify(false)
		status := http.StatusUnprocessableEntity
		var xe *xerrors.Error
		if xerrors.As(err, &xe) && xerrors.IsTransient(err) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, verifyAttestationResponse{Valid: false, Error: err.Error()})
		return
	}

	s.metrics.RecordVerify(true)

	proofs := &proofsWire{}
	if result.PayerProof != nil {
		w := encodeProof(*result.PayerProof)
		proofs.Payer = &w
	}
	if result.MerchantProof != nil {
		w := encodeProof(*result.MerchantProof)
		proofs.Merchant = &w
	}

	c.JSON(http.StatusOK, verifyAttestationResponse{Valid: result.Valid, Proofs: proofs})
}

// settleOfflineRequest is the POST /settle-offline body: a server-side
// submission helper mirroring proofs+bundle summary.
type settleOfflineRequest struct {
	BundleID             string            `json:"bundleId" binding:"required"`
	BundleSummary        bundleSummaryWire `json:"bundleSummary" binding:"required"`
	BundleTimestamp      int64             `json:"bundleTimestamp" binding:"required"`
	Mint                 string            `json:"mint" binding:"required"`
	MerchantTokenAccount string            `json:"merchantTokenAccount" binding:"required"`
	PayerProof           proofWire         `json:"payerProof" binding:"required"`
	MerchantProof        *proofWire        `json:"merchantProof"`
}

type settleOfflineResponse struct {
	Signature string `json:"signature,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleSettleOffline handles POST /settle-offline, the optional
// server-side submission helper. It funnels through the same
// escrow.Program.SettleOfflinePayment call the device-side worker uses,
// so the two settlement paths can never diverge in behavior.
func (s *Server) handleSettleOffline(c *gin.Context) {
	var req settleOfflineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.metrics.RecordSettle(false)
		c.JSON(http.StatusBadRequest, settleOfflineResponse{Error: err.Error()})
		return
	}

	amount, nonce, payer, merchant, err := req.BundleSummary.decode()
	if err != nil {
		s.metrics.RecordSettle(false)
		c.JSON(http.StatusBadRequest, settleOfflineResponse{Error: err.Error()})
		return
	}
	mint, err := ledger.PubKeyFromBase58(req.Mint)
	if err != nil {
		s.metrics.RecordSettle(false)
		c.JSON(http.StatusBadRequest, settleOfflineResponse{Error: err.Error()})
		return
	}
	merchantTokenAcct, err := ledger.PubKeyFromBase58(req.MerchantTokenAccount)
	if err != nil {
		s.metrics.RecordSettle(false)
		c.JSON(http.StatusBadRequest, settleOfflineResponse{Error: err.Error()})
		return
	}
	payerProof, err := req.PayerProof.decode()
	if err != nil {
		s.metrics.RecordSettle(false)
		c.JSON(http.StatusBadRequest, settleOfflineResponse{Error: err.Error()})
		return
	}
	var merchantProof *ledger.AttestationProof
	if req.MerchantProof != nil {
		p, err := req.MerchantProof.decode()
		if err != nil {
			s.metrics.RecordSettle(false)
			c.JSON(http.StatusBadRequest, settleOfflineResponse{Error: err.Error()})
			return
		}
		merchantProof = &p
	}

	result, err := s.settlement.SettleOfflinePayment(escrow.SettleRequest{
		BundleID:          req.BundleID,
		Amount:            amount,
		PayerNonce:        nonce,
		PayerPubKey:       payer,
		MerchantPubKey:    merchant,
		Mint:              mint,
		BundleTimestamp:   req.BundleTimestamp,
		MerchantTokenAcct: merchantTokenAcct,
		PayerProof:        payerProof,
		MerchantProof:     merchantProof,
	})
	if err != nil {
		s.metrics.RecordSettle(false)
		status := http.StatusUnprocessableEntity
		if xerrors.IsTransient(err) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, settleOfflineResponse{Error: err.Error()})
		return
	}

	s.metrics.RecordSettle(true)

	entries := result.Registry.BundleHistory.Entries()
	receipt := entries[len(entries)-1].BundleHash
	c.JSON(http.StatusOK, settleOfflineResponse{Signature: hex.EncodeToString(receipt[:])})
}

// reportFraudRequest is the POST /report-fraud body: it feeds both the
// service's own reputation bookkeeping and the ledger's fraud-record
// instruction.
type reportFraudRequest struct {
	DeviceID        string `json:"deviceId" binding:"required"`
	BundleID        string `json:"bundleId" binding:"required"`
	Owner           string `json:"owner" binding:"required"`
	BundleHash      string `json:"bundleHash" binding:"required"`
	ConflictingHash string `json:"conflictingHash" binding:"required"`
	Reporter        string `json:"reporter" binding:"required"`
	Reason          string `json:"reason" binding:"required"`
}

func (s *Server) handleReportFraud(c *gin.Context) {
	var req reportFraudRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	owner, err := ledger.PubKeyFromBase58(req.Owner)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	reporter, err := ledger.PubKeyFromBase58(req.Reporter)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	bundleHashRaw, err := hex.DecodeString(req.BundleHash)
	if err != nil || len(bundleHashRaw) != 32 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bundleHash must be 32 hex-encoded bytes"})
		return
	}
	conflictingRaw, err := hex.DecodeString(req.ConflictingHash)
	if err != nil || len(conflictingRaw) != 32 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conflictingHash must be 32 hex-encoded bytes"})
		return
	}
	var bundleHash, conflictingHash ledger.Hash32
	copy(bundleHash[:], bundleHashRaw)
	copy(conflictingHash[:], conflictingRaw)

	s.attestation.ReportFraud(req.DeviceID, req.BundleID, req.Reason)
	s.metrics.RecordFraudReport(req.Reason)

	if err := s.settlement.ReportFraudulentBundle(owner, bundleHash, conflictingHash, reporter, escrow.FraudReason(req.Reason)); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}

// handleSupported handles GET /supported, advertising the service's
// configured knobs.
func (s *Server) handleSupported(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"network":             s.config.Network,
		"allowDevAttestation": s.config.AllowDevAttestation,
	})
}
