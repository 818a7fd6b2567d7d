package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/linkvault/internal/middleware"
	"github.com/hitoshi/linkvault/internal/model"
	"github.com/hitoshi/linkvault/internal/product"
	"github.com/hitoshi/linkvault/internal/storage"
)

// ProductServiceInterface は商品ハンドラーが必要とするサービスインターフェース。
type ProductServiceInterface interface {
	// CreateWithPlan は商品を作成し、購入URLまでプロビジョニングする。
	CreateWithPlan(ctx context.Context, owner *model.User, in product.CreateInput) (*model.Product, error)
	// EnsureCheckoutURL は購入URLを返す。未作成の場合はWhop上に作成する。
	EnsureCheckoutURL(ctx context.Context, productID, referer string) (string, error)
	List(ctx context.Context, ownerUserID string) ([]*model.Product, error)
	Get(ctx context.Context, id string) (*model.Product, error)
	Delete(ctx context.Context, owner *model.User, id string) error
	DownloadURL(ctx context.Context, user *model.User, productID string) (string, error)
}

// ProductHandler は商品管理のHTTPハンドラー。
type ProductHandler struct {
	service ProductServiceInterface
}

// NewProductHandler はProductHandlerを生成する。
func NewProductHandler(service ProductServiceInterface) *ProductHandler {
	return &ProductHandler{service: service}
}

// createProductRequest は商品作成リクエストのボディ。
type createProductRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	PriceCents  int64  `json:"priceCents"`
	Currency    string `json:"currency"`
	FileKey     string `json:"fileKey"`
	ImageKey    string `json:"imageKey"`
	ImageURL    string `json:"imageUrl"`
}

// productResponse は商品情報のAPIレスポンス。
// FileKeyとWhop上のIDは所有者にのみ返す。
type productResponse struct {
	ID                      string    `json:"id"`
	Title                   string    `json:"title"`
	Description             string    `json:"description"`
	PriceCents              int64     `json:"priceCents"`
	Currency                string    `json:"currency"`
	ImageURL                string    `json:"imageUrl,omitempty"`
	PurchaseURL             string    `json:"purchaseUrl,omitempty"`
	Active                  bool      `json:"active"`
	CreatedAt               time.Time `json:"createdAt"`
	FileKey                 string    `json:"fileKey,omitempty"`
	ImageKey                string    `json:"imageKey,omitempty"`
	OwnerUserID             string    `json:"ownerUserId,omitempty"`
	CompanyID               string    `json:"companyId,omitempty"`
	PlanID                  string    `json:"planId,omitempty"`
	CheckoutConfigurationID string    `json:"checkoutConfigurationId,omitempty"`
}

// CreateWithPlan は商品作成を処理する。
// POST /api/products/create-with-plan
func (h *ProductHandler) CreateWithPlan(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req createProductRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	// 他ユーザーのアップロード領域のファイルは商品にできない
	fileKey := strings.TrimSpace(req.FileKey)
	if strings.HasPrefix(fileKey, "uploads/") && !storage.OwnsKey(user.ID, fileKey) {
		handleServiceError(w, model.NewForbiddenError("fileKey belongs to another user"))
		return
	}

	p, err := h.service.CreateWithPlan(r.Context(), user, product.CreateInput{
		Title:       req.Title,
		Description: req.Description,
		PriceCents:  req.PriceCents,
		Currency:    req.Currency,
		FileKey:     fileKey,
		ImageKey:    req.ImageKey,
		ImageURL:    req.ImageURL,
		Referer:     r.Referer(),
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toProductResponse(p, true))
}

// List は自分の商品一覧を返す。
// GET /api/products
func (h *ProductHandler) List(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	products, err := h.service.List(r.Context(), user.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]productResponse, 0, len(products))
	for _, p := range products {
		resp = append(resp, toProductResponse(p, true))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get は商品詳細を返す。
// GET /api/products/{id}
func (h *ProductHandler) Get(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	p, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toProductResponse(p, p.OwnerUserID == user.ID))
}

// Delete は商品を削除する。
// DELETE /api/products/{id}
func (h *ProductHandler) Delete(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), user, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Checkout は購入URLを返す。
// POST /api/products/{id}/checkout
func (h *ProductHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}

	checkoutURL, err := h.service.EnsureCheckoutURL(r.Context(), chi.URLParam(r, "id"), r.Referer())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"checkoutUrl": checkoutURL})
}

// Download は商品ファイルの署名付きダウンロードURLを返す。
// GET /api/products/{id}/download
func (h *ProductHandler) Download(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	downloadURL, err := h.service.DownloadURL(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"downloadUrl": downloadURL})
}

// requireUser はコンテキストの認証済みユーザーを返す。
// 取得できない場合は401を書き込みfalseを返す。
func requireUser(w http.ResponseWriter, r *http.Request) (*model.User, bool) {
	user, err := middleware.UserFromContext(r.Context())
	if err != nil {
		handleServiceError(w, model.NewAuthenticationError("no session"))
		return nil, false
	}
	return user, true
}

func toProductResponse(p *model.Product, owner bool) productResponse {
	resp := productResponse{
		ID:          p.ID,
		Title:       p.Title,
		Description: p.Description,
		PriceCents:  p.PriceCents,
		Currency:    p.Currency,
		ImageURL:    p.ImageURL,
		PurchaseURL: p.PurchaseURL,
		Active:      p.Active,
		CreatedAt:   p.CreatedAt,
	}
	if owner {
		resp.FileKey = p.FileKey
		resp.ImageKey = p.ImageKey
		resp.OwnerUserID = p.OwnerUserID
		resp.CompanyID = p.CompanyID
		resp.PlanID = p.PlanID
		resp.CheckoutConfigurationID = p.CheckoutConfigurationID
	}
	return resp
}
