// Package product は商品の作成とWhopチェックアウトのプロビジョニングを提供する。
package product

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/linkvault/internal/lock"
	"github.com/hitoshi/linkvault/internal/model"
	"github.com/hitoshi/linkvault/internal/repository"
	"github.com/hitoshi/linkvault/internal/security"
	"github.com/hitoshi/linkvault/internal/whop"
)

const (
	maxTitleLength       = 200
	maxDescriptionLength = 10000

	whopDomain = "whop.com"
)

// 購入URL取得の結果（メトリクスのラベル）
const (
	OutcomeCached    = "cached"
	OutcomeCreated   = "created"
	OutcomeContended = "contended"
	OutcomeFailed    = "failed"
)

// WhopCommerceAPI は商品プロビジョニングで呼び出すWhop APIのインターフェース。
type WhopCommerceAPI interface {
	CreateProductContainer(ctx context.Context, token, name string) (*whop.ProductContainer, error)
	CreatePlan(ctx context.Context, token string, req whop.PlanRequest) (*whop.Plan, error)
	CreateCheckoutConfiguration(ctx context.Context, token string, req whop.CheckoutConfigurationRequest) (*whop.CheckoutConfiguration, error)
}

// CompanyTokenSource はカンパニーの有効なアクセストークンを返す。
type CompanyTokenSource interface {
	EnsureFreshAccessToken(ctx context.Context, company *model.Company) (string, error)
}

// FileStore は商品ファイルの署名付きURLを発行する。
type FileStore interface {
	PresignDownload(ctx context.Context, key string, ttl time.Duration, fileName string) (string, error)
	PublicURL(key string) string
}

// ProvisioningRecorder は購入URL取得の結果を記録する。
type ProvisioningRecorder interface {
	RecordCheckoutProvisioning(outcome string, duration time.Duration)
}

// Config は商品サービスの設定。
type Config struct {
	// AppAPIKey はアプリのAPIキー。設定されている場合はOAuthトークンより優先する。
	AppAPIKey            string
	ProductContainerName string
	// BaseURL はリファラーが無い場合のリダイレクト先の組み立てに使う。
	BaseURL        string
	LockTTL        time.Duration
	DownloadURLTTL time.Duration
}

// CreateInput は商品作成の入力。
type CreateInput struct {
	Title       string
	Description string
	PriceCents  int64
	Currency    string
	FileKey     string
	ImageKey    string
	ImageURL    string
	// Referer は購入後のリダイレクト先の導出に使う。
	Referer string
}

// Service は商品に関するビジネスロジックを提供する。
type Service struct {
	products  repository.ProductRepository
	purchases repository.PurchaseRepository
	users     repository.UserRepository
	companies repository.CompanyRepository
	whop      WhopCommerceAPI
	tokens    CompanyTokenSource
	locker    lock.Locker
	files     FileStore
	sanitizer security.ContentSanitizerService
	images    security.ImageURLChecker
	recorder  ProvisioningRecorder
	config    Config
	inflight  singleflight.Group
	now       func() time.Time
	newID     func() string
}

// Deps はServiceの依存。tokens, files, images, recorderはnilでもよい。
type Deps struct {
	Products  repository.ProductRepository
	Purchases repository.PurchaseRepository
	Users     repository.UserRepository
	Companies repository.CompanyRepository
	Whop      WhopCommerceAPI
	Tokens    CompanyTokenSource
	Locker    lock.Locker
	Files     FileStore
	Sanitizer security.ContentSanitizerService
	Images    security.ImageURLChecker
	Recorder  ProvisioningRecorder
}

// NewService はServiceを生成する。
func NewService(deps Deps, config Config) *Service {
	if config.LockTTL <= 0 {
		config.LockTTL = 30 * time.Second
	}
	if config.DownloadURLTTL <= 0 {
		config.DownloadURLTTL = 15 * time.Minute
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewMemoryLocker()
	}
	if deps.Sanitizer == nil {
		deps.Sanitizer = security.NewContentSanitizer()
	}
	return &Service{
		products:  deps.Products,
		purchases: deps.Purchases,
		users:     deps.Users,
		companies: deps.Companies,
		whop:      deps.Whop,
		tokens:    deps.Tokens,
		locker:    deps.Locker,
		files:     deps.Files,
		sanitizer: deps.Sanitizer,
		images:    deps.Images,
		recorder:  deps.Recorder,
		config:    config,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

// CreateWithPlan は商品を作成し、購入URLまでプロビジョニングする。
// 所有者のプロダクトコンテナが未作成の場合はここで作成して保存する。
// 商品行の挿入後にプロビジョニングが失敗した場合は、作成した商品行を削除してからエラーを返す。
func (s *Service) CreateWithPlan(ctx context.Context, owner *model.User, in CreateInput) (*model.Product, error) {
	p, err := s.buildProduct(ctx, owner, in)
	if err != nil {
		return nil, err
	}

	company, err := s.findCompany(ctx, owner.CompanyID)
	if err != nil {
		return nil, err
	}
	token, err := s.credential(ctx, company)
	if err != nil {
		return nil, err
	}
	if _, err := s.ensureProductContainer(ctx, token, owner, company); err != nil {
		return nil, err
	}

	if err := s.products.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to create product: %w", err)
	}

	start := s.now()
	purchaseURL, err := s.provision(ctx, p, company, owner, token, in.Referer)
	if err != nil {
		s.record(OutcomeFailed, start)
		if delErr := s.products.Delete(ctx, p.ID); delErr != nil {
			slog.Error("failed to roll back product after provisioning failure",
				slog.String("product_id", p.ID),
				slog.String("error", delErr.Error()),
			)
		}
		slog.Warn("product creation rolled back",
			slog.String("product_id", p.ID),
			slog.String("owner_user_id", owner.ID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	s.record(OutcomeCreated, start)

	p.PurchaseURL = purchaseURL
	slog.Info("product created",
		slog.String("product_id", p.ID),
		slog.String("owner_user_id", owner.ID),
		slog.Int64("price_cents", p.PriceCents),
		slog.String("currency", p.Currency),
	)
	return p, nil
}

// buildProduct は入力を検証・サニタイズして新しい商品を組み立てる。
func (s *Service) buildProduct(ctx context.Context, owner *model.User, in CreateInput) (*model.Product, error) {
	title := s.sanitizer.SanitizeTitle(in.Title)
	if title == "" {
		return nil, model.NewValidationError("title", "title is required")
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return nil, model.NewValidationError("title", fmt.Sprintf("title must be at most %d characters", maxTitleLength))
	}
	description := s.sanitizer.SanitizeDescription(in.Description)
	if utf8.RuneCountInString(description) > maxDescriptionLength {
		return nil, model.NewValidationError("description", fmt.Sprintf("description must be at most %d characters", maxDescriptionLength))
	}
	if in.PriceCents < 1 {
		return nil, model.NewValidationError("priceCents", "priceCents must be a positive integer")
	}
	if strings.TrimSpace(in.FileKey) == "" {
		return nil, model.NewValidationError("fileKey", "fileKey is required")
	}
	currency, err := whop.NormalizeCurrency(in.Currency)
	if err != nil {
		return nil, model.NewValidationError("currency", err.Error())
	}

	imageURL := strings.TrimSpace(in.ImageURL)
	if imageURL != "" && s.images != nil {
		if err := s.images.Check(ctx, imageURL); err != nil {
			return nil, model.NewValidationError("imageUrl", err.Error())
		}
	}
	if imageURL == "" && in.ImageKey != "" && s.files != nil {
		imageURL = s.files.PublicURL(in.ImageKey)
	}

	now := s.now()
	return &model.Product{
		ID:          s.newID(),
		Title:       title,
		Description: description,
		PriceCents:  in.PriceCents,
		Currency:    currency,
		FileKey:     strings.TrimSpace(in.FileKey),
		ImageKey:    in.ImageKey,
		ImageURL:    imageURL,
		OwnerUserID: owner.ID,
		CompanyID:   owner.CompanyID,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// EnsureCheckoutURL は商品の購入URLを返す。
// キャッシュ済みの場合は上流を呼ばずにそのまま返す。
// 未作成の場合は商品単位のロックを取得してプロビジョニングする。
// ロックを取得できなかった場合は、先行リクエストの結果が保存済みならそれを返し、
// そうでなければPROVISIONING_IN_PROGRESSを返す。
func (s *Service) EnsureCheckoutURL(ctx context.Context, productID, referer string) (string, error) {
	start := s.now()
	p, err := s.Get(ctx, productID)
	if err != nil {
		return "", err
	}
	if p.HasCheckout() {
		s.record(OutcomeCached, start)
		return p.PurchaseURL, nil
	}

	// 同一プロセス内の同時リクエストは1回のプロビジョニングにまとめる
	v, err, _ := s.inflight.Do(productID, func() (any, error) {
		return s.provisionLocked(ctx, productID, referer, start)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Service) provisionLocked(ctx context.Context, productID, referer string, start time.Time) (string, error) {
	release, err := s.locker.Acquire(ctx, "checkout:"+productID, s.config.LockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		p, err := s.products.FindByID(ctx, productID)
		if err != nil {
			return "", fmt.Errorf("failed to reload product: %w", err)
		}
		if p != nil && p.HasCheckout() {
			s.record(OutcomeCached, start)
			return p.PurchaseURL, nil
		}
		s.record(OutcomeContended, start)
		return "", model.NewProvisioningInProgressError(productID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to acquire provisioning lock: %w", err)
	}
	defer release()

	// ロック待ちの間に他のプロセスが保存している場合がある
	p, err := s.Get(ctx, productID)
	if err != nil {
		return "", err
	}
	if p.HasCheckout() {
		s.record(OutcomeCached, start)
		return p.PurchaseURL, nil
	}

	company, err := s.findCompany(ctx, p.CompanyID)
	if err != nil {
		return "", err
	}
	var owner *model.User
	if p.OwnerUserID != "" {
		owner, err = s.users.FindByID(ctx, p.OwnerUserID)
		if err != nil {
			return "", fmt.Errorf("failed to find product owner: %w", err)
		}
	}
	token, err := s.credential(ctx, company)
	if err != nil {
		s.record(OutcomeFailed, start)
		return "", err
	}

	purchaseURL, err := s.provision(ctx, p, company, owner, token, referer)
	if err != nil {
		s.record(OutcomeFailed, start)
		return "", err
	}
	s.record(OutcomeCreated, start)
	return purchaseURL, nil
}

// provision はプラン作成（失敗しても続行）とチェックアウト設定作成を行い、購入URLを保存する。
// プランIDがある場合はそれを使い、無い場合または失敗した場合はインラインプランで作成する。
func (s *Service) provision(ctx context.Context, p *model.Product, company *model.Company, owner *model.User, token, referer string) (string, error) {
	containerID, whopCompanyID := "", ""
	if company != nil {
		containerID, whopCompanyID = company.ProductContainerID, company.WhopCompanyID
	}
	if containerID == "" && owner != nil {
		containerID = owner.ProductContainerID
	}
	metadata := map[string]string{"productId": p.ID}
	redirectURL := s.redirectURL(referer, p.ID)

	planReq := whop.PlanRequest{
		ProductContainerID: containerID,
		CompanyID:          whopCompanyID,
		PriceCents:         p.PriceCents,
		Currency:           p.Currency,
		Metadata:           metadata,
	}

	if p.PlanID == "" && containerID != "" {
		plan, err := s.whop.CreatePlan(ctx, token, planReq)
		if err != nil {
			slog.Warn("plan creation failed, falling back to inline plan",
				slog.String("product_id", p.ID),
				slog.String("error", err.Error()),
			)
		} else if err := s.products.UpdatePlanID(ctx, p.ID, plan.ID); err != nil {
			return "", fmt.Errorf("failed to save plan id: %w", err)
		} else {
			p.PlanID = plan.ID
		}
	}

	if p.PlanID != "" {
		cc, err := s.whop.CreateCheckoutConfiguration(ctx, token, whop.CheckoutConfigurationRequest{
			PlanID:      p.PlanID,
			RedirectURL: redirectURL,
			Metadata:    metadata,
		})
		if err == nil {
			return s.saveCheckout(ctx, p, p.PlanID, cc)
		}
		slog.Warn("checkout configuration for existing plan failed",
			slog.String("product_id", p.ID),
			slog.String("plan_id", p.PlanID),
			slog.String("error", err.Error()),
		)
	}

	cc, err := s.whop.CreateCheckoutConfiguration(ctx, token, whop.CheckoutConfigurationRequest{
		InlinePlan:  &planReq,
		RedirectURL: redirectURL,
		Metadata:    metadata,
	})
	if err == nil {
		return s.saveCheckout(ctx, p, cc.PlanID(), cc)
	}
	slog.Error("checkout provisioning failed",
		slog.String("product_id", p.ID),
		slog.String("error", err.Error()),
	)
	return "", checkoutUnavailable(err)
}

// saveCheckout はプランID・チェックアウト設定ID・購入URLを1回の更新で保存する。
// 既に別のリクエストが保存していた場合は保存済みのURLを返す。
func (s *Service) saveCheckout(ctx context.Context, p *model.Product, planID string, cc *whop.CheckoutConfiguration) (string, error) {
	saved, err := s.products.SaveCheckout(ctx, p.ID, planID, cc.ID, cc.PurchaseURL)
	if err != nil {
		return "", fmt.Errorf("failed to save checkout: %w", err)
	}
	if !saved {
		current, err := s.products.FindByID(ctx, p.ID)
		if err != nil {
			return "", fmt.Errorf("failed to reload product: %w", err)
		}
		if current != nil && current.HasCheckout() {
			slog.Warn("purchase url already stored, discarding new checkout configuration",
				slog.String("product_id", p.ID),
				slog.String("checkout_configuration_id", cc.ID),
			)
			*p = *current
			return current.PurchaseURL, nil
		}
		return "", model.NewNotFoundError("商品", p.ID)
	}
	p.PlanID = planID
	p.CheckoutConfigurationID = cc.ID
	p.PurchaseURL = cc.PurchaseURL
	slog.Info("checkout provisioned",
		slog.String("product_id", p.ID),
		slog.String("plan_id", planID),
		slog.String("checkout_configuration_id", cc.ID),
	)
	return cc.PurchaseURL, nil
}

// checkoutUnavailable は上流エラーの詳細を残したままCHECKOUT_UNAVAILABLEに変換する。
func checkoutUnavailable(err error) *model.APIError {
	apiErr := model.NewCheckoutUnavailableError(err.Error())
	if upstream, ok := whop.ToAPIError(err); ok {
		apiErr.Details = upstream.Details
		apiErr.UpstreamStatus = upstream.UpstreamStatus
	}
	return apiErr
}

// containerError はプロダクトコンテナ作成の失敗をルート境界用のAPIErrorに変換する。
// Whopが401/403を返した場合は資格情報の権限不足としてOAuth連携を促す。
func containerError(err error) error {
	var upErr *whop.UpstreamError
	if errors.As(err, &upErr) && (upErr.Status == http.StatusUnauthorized || upErr.Status == http.StatusForbidden) {
		apiErr := model.NewOAuthRequiredError(upErr.Body)
		apiErr.UpstreamStatus = upErr.Status
		return apiErr
	}
	if apiErr, ok := whop.ToAPIError(err); ok {
		return apiErr
	}
	return fmt.Errorf("failed to create product container: %w", err)
}

// ensureProductContainer は所有者（カンパニーまたはユーザー）のプロダクトコンテナIDを返す。
// 未作成の場合は作成して保存する。
func (s *Service) ensureProductContainer(ctx context.Context, token string, owner *model.User, company *model.Company) (string, error) {
	if company != nil && company.ProductContainerID != "" {
		return company.ProductContainerID, nil
	}
	if company == nil && owner.ProductContainerID != "" {
		return owner.ProductContainerID, nil
	}

	container, err := s.whop.CreateProductContainer(ctx, token, s.config.ProductContainerName)
	if err != nil {
		slog.Warn("failed to create product container",
			slog.String("user_id", owner.ID),
			slog.String("error", err.Error()),
		)
		return "", containerError(err)
	}
	if company != nil {
		if err := s.companies.UpdateProductContainer(ctx, company.ID, container.ID); err != nil {
			return "", fmt.Errorf("failed to save company product container: %w", err)
		}
		company.ProductContainerID = container.ID
	} else {
		if err := s.users.UpdateProductContainer(ctx, owner.ID, container.ID); err != nil {
			return "", fmt.Errorf("failed to save user product container: %w", err)
		}
		owner.ProductContainerID = container.ID
	}
	slog.Info("product container provisioned",
		slog.String("user_id", owner.ID),
		slog.String("company_id", owner.CompanyID),
		slog.String("product_container_id", container.ID),
	)
	return container.ID, nil
}

// credential はWhop API呼び出しに使う資格情報を返す。
// アプリのAPIキーを優先し、無ければカンパニーのOAuthトークンを使う。
func (s *Service) credential(ctx context.Context, company *model.Company) (string, error) {
	if s.config.AppAPIKey != "" {
		return s.config.AppAPIKey, nil
	}
	if company != nil && company.Tokens != nil && s.tokens != nil {
		token, err := s.tokens.EnsureFreshAccessToken(ctx, company)
		if err != nil {
			return "", model.NewOAuthRequiredError(err.Error())
		}
		return token, nil
	}
	return "", model.NewOAuthRequiredError("no whop credential available: set WHOP_API_KEY or install the app via OAuth")
}

func (s *Service) findCompany(ctx context.Context, companyID string) (*model.Company, error) {
	if companyID == "" {
		return nil, nil
	}
	company, err := s.companies.FindByID(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to find company: %w", err)
	}
	return company, nil
}

// redirectURL はリファラーが信頼できるドメインの絶対URLならそれを、
// 無ければ商品IDから組み立てたURLを返す。
func (s *Service) redirectURL(referer, productID string) string {
	if s.trustedReferer(referer) {
		return referer
	}
	return strings.TrimRight(s.config.BaseURL, "/") + "/products/" + url.PathEscape(productID)
}

// trustedReferer はリファラーの登録ドメイン（eTLD+1）がWhopまたはBaseURLと一致するかを返す。
func (s *Service) trustedReferer(referer string) bool {
	u, err := url.Parse(referer)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Hostname() == "" {
		return false
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(u.Hostname())
	if err != nil {
		return false
	}
	if domain == whopDomain {
		return true
	}
	base, err := url.Parse(s.config.BaseURL)
	if err != nil || base.Hostname() == "" {
		return false
	}
	baseDomain, err := publicsuffix.EffectiveTLDPlusOne(base.Hostname())
	return err == nil && baseDomain == domain
}

func (s *Service) record(outcome string, start time.Time) {
	if s.recorder != nil {
		s.recorder.RecordCheckoutProvisioning(outcome, s.now().Sub(start))
	}
}

// List は所有者の商品一覧を返す。
func (s *Service) List(ctx context.Context, ownerUserID string) ([]*model.Product, error) {
	products, err := s.products.ListByOwner(ctx, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	if products == nil {
		products = []*model.Product{}
	}
	return products, nil
}

// Get は商品を返す。存在しない場合はNOT_FOUNDを返す。
func (s *Service) Get(ctx context.Context, id string) (*model.Product, error) {
	p, err := s.products.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find product: %w", err)
	}
	if p == nil {
		return nil, model.NewNotFoundError("商品", id)
	}
	return p, nil
}

// Delete は所有者による商品削除を行う。購入記録がある場合はPRODUCT_IN_USEを返す。
func (s *Service) Delete(ctx context.Context, owner *model.User, id string) error {
	p, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.OwnerUserID != owner.ID {
		return model.NewForbiddenError("only the owner can delete this product")
	}
	count, err := s.purchases.CountByProduct(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to count purchases: %w", err)
	}
	if count > 0 {
		return model.NewProductInUseError(id)
	}
	if err := s.products.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrReferenced) {
			return model.NewProductInUseError(id)
		}
		return fmt.Errorf("failed to delete product: %w", err)
	}
	slog.Info("product deleted",
		slog.String("product_id", id),
		slog.String("owner_user_id", owner.ID),
	)
	return nil
}

// DownloadURL は商品ファイルの署名付きダウンロードURLを返す。
// 所有者、または支払い済みの購入記録を持つユーザーのみ取得できる。
func (s *Service) DownloadURL(ctx context.Context, user *model.User, productID string) (string, error) {
	if s.files == nil {
		return "", model.NewConfigurationError("R2_BUCKET")
	}
	p, err := s.Get(ctx, productID)
	if err != nil {
		return "", err
	}

	var purchase *model.Purchase
	if p.OwnerUserID != user.ID {
		purchase, err = s.purchases.FindPaid(ctx, productID, user.ID)
		if err != nil {
			return "", fmt.Errorf("failed to find purchase: %w", err)
		}
		if purchase == nil {
			return "", model.NewForbiddenError("purchase required to download this product")
		}
	}

	fileName := p.Title + path.Ext(p.FileKey)
	u, err := s.files.PresignDownload(ctx, p.FileKey, s.config.DownloadURLTTL, fileName)
	if err != nil {
		return "", fmt.Errorf("failed to presign download: %w", err)
	}

	if purchase != nil {
		if err := s.purchases.IncrementDownloadCount(ctx, purchase.ID); err != nil {
			slog.Warn("failed to increment download count",
				slog.String("purchase_id", purchase.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return u, nil
}
