package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"loyaltymint/services/issuerd/audit"
	"loyaltymint/services/issuerd/catalog"
	"loyaltymint/services/issuerd/ledger"
	"loyaltymint/services/issuerd/models"
)

type redeemRequest struct {
	Customer   string           `json:"customer"`
	RewardID   string           `json:"rewardId"`
	RewardName string           `json:"rewardName"`
	Cost       *decimal.Decimal `json:"cost"`
	Signature  string           `json:"signature"`
}

type redemptionView struct {
	ID         string          `json:"id"`
	Customer   string          `json:"customer"`
	RewardID   string          `json:"rewardId"`
	RewardName string          `json:"rewardName,omitempty"`
	Cost       decimal.Decimal `json:"cost"`
	Signature  string          `json:"signature"`
	CreatedAt  time.Time       `json:"createdAt"`
}

type customerView struct {
	WalletAddress           string           `json:"walletAddress"`
	HasMadeFirstPurchase    bool             `json:"hasMadeFirstPurchase"`
	ReferredByWalletAddress string           `json:"referredByWalletAddress,omitempty"`
	ReferralCounts          map[string]int64 `json:"referralCounts"`
	CreatedAt               time.Time        `json:"createdAt"`
}

type rewardView struct {
	BizID    string          `json:"bizId"`
	RewardID string          `json:"rewardId"`
	Name     string          `json:"name"`
	Cost     decimal.Decimal `json:"cost"`
}

// RedeemLog records a redemption for the business owning the credential. Any
// business named by the client is ignored.
func (s *Server) RedeemLog(w http.ResponseWriter, r *http.Request) {
	principal, err := s.catalog.Authenticate(r.Context(), r.Header.Get(headerAPIKey), "", models.ScopeRedeem)
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrUnauthorized):
			writeError(w, http.StatusUnauthorized, "unauthorized")
		case errors.Is(err, catalog.ErrForbidden):
			writeError(w, http.StatusForbidden, err.Error())
		default:
			s.logger.Error("authenticate redemption", "error", err)
			writeError(w, http.StatusInternalServerError, "internal")
		}
		return
	}

	var req redeemRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if _, err := ledger.ParseWallet(strings.TrimSpace(req.Customer)); err != nil {
		writeError(w, http.StatusBadRequest, "customer must be a wallet address")
		return
	}
	if strings.TrimSpace(req.RewardID) == "" {
		writeError(w, http.StatusBadRequest, "rewardId is required")
		return
	}
	if strings.TrimSpace(req.Signature) == "" {
		writeError(w, http.StatusBadRequest, "signature is required")
		return
	}

	entry := audit.Redemption{
		BusinessID: principal.Business.ID,
		Customer:   strings.TrimSpace(req.Customer),
		RewardID:   strings.TrimSpace(req.RewardID),
		RewardName: req.RewardName,
		Signature:  strings.TrimSpace(req.Signature),
	}
	if req.Cost != nil {
		entry.Cost = *req.Cost
	}
	reward, found, err := s.catalog.Reward(r.Context(), principal.Business.BizID, entry.RewardID)
	if err != nil {
		s.logger.Error("load reward", "biz_id", principal.Business.BizID, "reward_id", entry.RewardID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	if found {
		entry.RewardName = reward.Name
		entry.Cost = reward.Cost
	}

	row, err := s.audit.RecordRedemption(r.Context(), entry)
	if err != nil {
		s.logger.Error("record redemption", "error", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	s.metrics.RecordRedemption()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true,
		"entry": redemptionView{
			ID:         row.ID.String(),
			Customer:   row.Customer,
			RewardID:   row.RewardID,
			RewardName: row.RewardName,
			Cost:       row.Cost,
			Signature:  row.Signature,
			CreatedAt:  row.CreatedAt,
		},
	})
}

// GetCustomer returns a customer's referral state.
func (s *Server) GetCustomer(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")
	customer, found, err := s.referral.Customer(r.Context(), wallet)
	if err != nil {
		s.logger.Error("load customer", "wallet", wallet, "error", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "customer not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"customer": customerView{
			WalletAddress:           customer.WalletAddress,
			HasMadeFirstPurchase:    customer.HasMadeFirstPurchase,
			ReferredByWalletAddress: customer.ReferredByWalletAddress,
			ReferralCounts:          customer.ReferralCounts,
			CreatedAt:               customer.CreatedAt,
		},
	})
}

// ListRewards serves the reward catalog, optionally for one business.
func (s *Server) ListRewards(w http.ResponseWriter, r *http.Request) {
	rewards, err := s.catalog.Rewards(r.Context(), strings.TrimSpace(r.URL.Query().Get("bizId")))
	if err != nil {
		s.logger.Error("list rewards", "error", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	views := make([]rewardView, 0, len(rewards))
	for _, reward := range rewards {
		views = append(views, rewardView{BizID: reward.BizID, RewardID: reward.RewardID, Name: reward.Name, Cost: reward.Cost})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rewards": views})
}
