package handler

import (
	"net/http"
	"strconv"

	"github.com/theplant/luhn"

	"github.com/avdonin/pointsmarket/internal/model"
)

// Администрирование: счета, товары, группы

type CreateAccountJSONRequest struct {
	Number string `json:"number"`
	Role   string `json:"role,omitempty"`
}

type AccountJSONResponse struct {
	Account   string `json:"account"`
	Role      string `json:"role"`
	Balance   int64  `json:"balance"`
	Suspended bool   `json:"suspended"`
}

func (h *handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}

	// номер счета - карточный, проверка по алгоритму Луна
	number, err := strconv.Atoi(req.Number)
	if err != nil || !luhn.Valid(number) {
		http.Error(w, "invalid account number", http.StatusUnprocessableEntity)
		return
	}

	role := model.Role(req.Role)
	if req.Role == "" {
		role = model.RoleUser
	}

	account, err := h.engine.ProvisionAccount(r.Context(), h.actor(r), req.Number, role)
	if err != nil {
		h.opError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, AccountJSONResponse{
		Account:   account.ID,
		Role:      string(account.Role),
		Balance:   account.Balance,
		Suspended: account.Suspended,
	})
}

type AccountRefJSONRequest struct {
	Account string `json:"account"`
}

func (h *handler) SuspendAccount(w http.ResponseWriter, r *http.Request) {
	var req AccountRefJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	if err := h.engine.SuspendAccount(r.Context(), h.actor(r), req.Account); err != nil {
		h.opError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *handler) RestoreAccount(w http.ResponseWriter, r *http.Request) {
	var req AccountRefJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	if err := h.engine.RestoreAccount(r.Context(), h.actor(r), req.Account); err != nil {
		h.opError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type CreateItemJSONRequest struct {
	Name  string `json:"name"`
	Price int64  `json:"price"`
	Stock *int64 `json:"stock"` // null = безлимит
}

func (h *handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	var req CreateItemJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}

	item, err := h.engine.CreateItem(r.Context(), h.actor(r), req.Name, req.Price, stockModel(req.Stock))
	if err != nil {
		h.opError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, itemJSON(item))
}

type UpdateItemJSONRequest struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Price  int64  `json:"price"`
	Stock  *int64 `json:"stock"`
	Active bool   `json:"active"`
}

func (h *handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	var req UpdateItemJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}

	item, err := h.engine.UpdateItem(r.Context(), h.actor(r), model.Item{
		ID:     req.ID,
		Name:   req.Name,
		Price:  req.Price,
		Stock:  stockModel(req.Stock),
		Active: req.Active,
	})
	if err != nil {
		h.opError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, itemJSON(item))
}

type ItemRefJSONRequest struct {
	Item string `json:"item"`
}

func (h *handler) ArchiveItem(w http.ResponseWriter, r *http.Request) {
	var req ItemRefJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	if err := h.engine.ArchiveItem(r.Context(), h.actor(r), req.Item); err != nil {
		h.opError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type CreateGroupJSONRequest struct {
	Name string `json:"name"`
}

type GroupJSONResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (h *handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	group, err := h.engine.CreateGroup(r.Context(), h.actor(r), req.Name)
	if err != nil {
		h.opError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, GroupJSONResponse{ID: group.ID, Name: group.Name})
}

type GroupMemberJSONRequest struct {
	Group   string `json:"group"`
	Account string `json:"account"`
}

func (h *handler) AddGroupMember(w http.ResponseWriter, r *http.Request) {
	var req GroupMemberJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	if err := h.engine.AddGroupMember(r.Context(), h.actor(r), req.Group, req.Account); err != nil {
		h.opError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *handler) RemoveGroupMember(w http.ResponseWriter, r *http.Request) {
	var req GroupMemberJSONRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	if err := h.engine.RemoveGroupMember(r.Context(), h.actor(r), req.Group, req.Account); err != nil {
		h.opError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
