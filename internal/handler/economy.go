package handler

import (
	"net/http"
	"time"

	"github.com/avdonin/pointsmarket/internal/model"
)

// Операции экономики: эмиссия, перевод, поощрение/штраф, баланс, история

type MintJSONRequest struct {
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
	Reason  string `json:"reason"`
}

type OpJSONResponse struct {
	LedgerID string `json:"ledger_id"`
	Balance  int64  `json:"balance"`
}

func (h *handler) Mint(w http.ResponseWriter, r *http.Request) {
	var req MintJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}

	result, err := h.engine.Mint(r.Context(), h.actor(r), req.Account, req.Amount, req.Reason)
	if err != nil {
		h.opError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, OpJSONResponse{LedgerID: result.LedgerID, Balance: result.NewBalance})
}

type TransferJSONRequest struct {
	Receiver string `json:"receiver"`
	Amount   int64  `json:"amount"`
	Note     string `json:"note"`
}

type TransferJSONResponse struct {
	OutLedgerID string `json:"out_ledger_id"`
	InLedgerID  string `json:"in_ledger_id"`
	Balance     int64  `json:"balance"`
}

func (h *handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}

	result, err := h.engine.Transfer(r.Context(), h.actor(r), req.Receiver, req.Amount, req.Note)
	if err != nil {
		h.opError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, TransferJSONResponse{
		OutLedgerID: result.OutLedgerID,
		InLedgerID:  result.InLedgerID,
		Balance:     result.SenderBalance,
	})
}

type AdjustJSONRequest struct {
	Account string `json:"account,omitempty"`
	Group   string `json:"group,omitempty"`
	Amount  int64  `json:"amount"`
	Reward  bool   `json:"reward"`
	Reason  string `json:"reason"`
}

type MemberJSONResult struct {
	Account  string `json:"account"`
	LedgerID string `json:"ledger_id,omitempty"`
	Balance  int64  `json:"balance,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Adjust: поощрение/штраф для счета либо для каждого участника группы.
// Групповой вариант возвращает поименные исходы (частичный успех)
func (h *handler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}

	if req.Group != "" {
		results, err := h.engine.RewardOrFineGroup(r.Context(), h.actor(r), req.Group, req.Amount, req.Reward, req.Reason)
		if err != nil {
			h.opError(w, err)
			return
		}
		resultsJSON := make([]MemberJSONResult, 0, len(results))
		for _, result := range results {
			memberJSON := MemberJSONResult{Account: result.AccountID}
			if result.Err != nil {
				memberJSON.Error = result.Err.Error()
			} else {
				memberJSON.LedgerID = result.LedgerID
				memberJSON.Balance = result.NewBalance
			}
			resultsJSON = append(resultsJSON, memberJSON)
		}
		h.writeJSON(w, http.StatusOK, resultsJSON)
		return
	}

	result, err := h.engine.RewardOrFine(r.Context(), h.actor(r), req.Account, req.Amount, req.Reward, req.Reason)
	if err != nil {
		h.opError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, OpJSONResponse{LedgerID: result.LedgerID, Balance: result.NewBalance})
}

type GetBalanceJSONResponse struct {
	Account   string `json:"account"`
	Balance   int64  `json:"balance"`
	Suspended bool   `json:"suspended"`
}

func (h *handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account")
	if accountID == "" {
		accountID = h.actor(r)
	}

	account, err := h.engine.Balance(r.Context(), h.actor(r), accountID)
	if err != nil {
		h.opError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, GetBalanceJSONResponse{
		Account:   account.ID,
		Balance:   account.Balance,
		Suspended: account.Suspended,
	})
}

type LedgerEntryJSONResponse struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Debit        int64     `json:"debit,omitempty"`
	Credit       int64     `json:"credit,omitempty"`
	BalanceAfter int64     `json:"balance_after"`
	Narration    string    `json:"narration"`
	Timestamp    time.Time `json:"timestamp"`
}

func (h *handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account")
	if accountID == "" {
		accountID = h.actor(r)
	}

	entries, err := h.engine.History(r.Context(), h.actor(r), accountID)
	if err != nil {
		h.opError(w, err)
		return
	}
	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	entriesJSON := make([]LedgerEntryJSONResponse, 0, len(entries))
	for _, entry := range entries {
		entriesJSON = append(entriesJSON, ledgerEntryJSON(entry))
	}
	h.writeJSON(w, http.StatusOK, entriesJSON)
}

func ledgerEntryJSON(entry model.LedgerEntry) LedgerEntryJSONResponse {
	return LedgerEntryJSONResponse{
		ID:           entry.ID,
		Kind:         string(entry.Kind),
		Debit:        entry.Debit,
		Credit:       entry.Credit,
		BalanceAfter: entry.BalanceAfter,
		Narration:    entry.Narration,
		Timestamp:    entry.Timestamp,
	}
}
