package handler

import (
	"net/http"
	"time"

	"github.com/avdonin/pointsmarket/internal/model"
)

// Магазин: каталог, покупка, подтверждение выдачи

type ItemJSONResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Stock    *int64 `json:"stock"` // null = безлимит
	Active   bool   `json:"active"`
	Archived bool   `json:"archived,omitempty"`
}

func itemJSON(item model.Item) ItemJSONResponse {
	return ItemJSONResponse{
		ID:       item.ID,
		Name:     item.Name,
		Price:    item.Price,
		Stock:    stockJSON(item.Stock),
		Active:   item.Active,
		Archived: item.Archived,
	}
}

func (h *handler) GetItems(w http.ResponseWriter, r *http.Request) {
	includeArchived := r.URL.Query().Get("archived") == "true"

	items, err := h.engine.Items(r.Context(), h.actor(r), includeArchived)
	if err != nil {
		h.opError(w, err)
		return
	}
	if len(items) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	itemsJSON := make([]ItemJSONResponse, 0, len(items))
	for _, item := range items {
		itemsJSON = append(itemsJSON, itemJSON(item))
	}
	h.writeJSON(w, http.StatusOK, itemsJSON)
}

type PurchaseJSONRequest struct {
	Item     string `json:"item"`
	Quantity int64  `json:"quantity"`
}

type PurchaseJSONResponse struct {
	RecordID string `json:"record_id"`
	LedgerID string `json:"ledger_id"`
	Balance  int64  `json:"balance"`
	Stock    *int64 `json:"stock"`
}

func (h *handler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}

	result, err := h.engine.Purchase(r.Context(), h.actor(r), req.Item, req.Quantity)
	if err != nil {
		h.opError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, PurchaseJSONResponse{
		RecordID: result.RecordID,
		LedgerID: result.LedgerID,
		Balance:  result.NewBalance,
		Stock:    stockJSON(result.NewStock),
	})
}

type PurchaseRecordJSONResponse struct {
	ID          string     `json:"id"`
	Item        string     `json:"item"`
	Buyer       string     `json:"buyer"`
	Quantity    int64      `json:"quantity"`
	UnitPrice   int64      `json:"unit_price"`
	TotalPrice  int64      `json:"total_price"`
	Status      string     `json:"status"`
	PurchasedAt time.Time  `json:"purchased_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

func purchaseRecordJSON(record model.PurchaseRecord) PurchaseRecordJSONResponse {
	return PurchaseRecordJSONResponse{
		ID:          record.ID,
		Item:        record.ItemID,
		Buyer:       record.BuyerID,
		Quantity:    record.Quantity,
		UnitPrice:   record.UnitPrice,
		TotalPrice:  record.TotalPrice,
		Status:      string(record.Status),
		PurchasedAt: record.PurchasedAt,
		DeliveredAt: record.DeliveredAt,
	}
}

func (h *handler) GetPurchases(w http.ResponseWriter, r *http.Request) {
	records, err := h.engine.Purchases(r.Context(), h.actor(r))
	if err != nil {
		h.opError(w, err)
		return
	}
	h.writePurchaseList(w, records)
}

func (h *handler) GetPendingDeliveries(w http.ResponseWriter, r *http.Request) {
	records, err := h.engine.PendingDeliveries(r.Context(), h.actor(r))
	if err != nil {
		h.opError(w, err)
		return
	}
	h.writePurchaseList(w, records)
}

func (h *handler) writePurchaseList(w http.ResponseWriter, records []model.PurchaseRecord) {
	if len(records) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	recordsJSON := make([]PurchaseRecordJSONResponse, 0, len(records))
	for _, record := range records {
		recordsJSON = append(recordsJSON, purchaseRecordJSON(record))
	}
	h.writeJSON(w, http.StatusOK, recordsJSON)
}

type ConfirmDeliveryJSONRequest struct {
	Record string `json:"record"`
}

func (h *handler) ConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	var req ConfirmDeliveryJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}

	record, err := h.engine.DeliveryConfirm(r.Context(), h.actor(r), req.Record)
	if err != nil {
		h.opError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, purchaseRecordJSON(record))
}
