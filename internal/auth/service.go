// Package auth はWhop OAuthによるアカウント連携、iframeトークン検証、セッション管理を提供する。
package auth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/linkvault/internal/model"
	"github.com/hitoshi/linkvault/internal/repository"
	"github.com/hitoshi/linkvault/internal/whop"
)

// WhopAccountAPI は連携フローが呼び出すWhop APIのインターフェース。
type WhopAccountAPI interface {
	GetMe(ctx context.Context, token string) (*whop.Me, error)
	ListMyCompanies(ctx context.Context, token string) ([]whop.Company, error)
	CreateProductContainer(ctx context.Context, token, name string) (*whop.ProductContainer, error)
}

// Identity はiframeトークンから得たWhop上の利用者情報。
// CompanyIDはトークンに含まれない場合がある。
type Identity struct {
	UserID    string
	CompanyID string
}

// CallbackResult はOAuthコールバック処理の結果。
type CallbackResult struct {
	User *model.User
	// InstalledCompanyIDs はプロビジョニングに成功したカンパニーの内部ID（処理順）。
	InstalledCompanyIDs []string
	// Warning は処理は完了したが注意が必要な状態（カンパニー0件など）。
	Warning string
}

// ServiceConfig は連携サービスの設定。
type ServiceConfig struct {
	// ProductContainerName は作成するプロダクトコンテナの名前。
	ProductContainerName string
}

// Service はWhopアカウント連携に関するビジネスロジックを提供する。
type Service struct {
	oauth       OAuthProvider
	whop        WhopAccountAPI
	userRepo    repository.UserRepository
	companyRepo repository.CompanyRepository
	config      ServiceConfig
}

// NewService はServiceを生成する。
func NewService(
	oauth OAuthProvider,
	whopAPI WhopAccountAPI,
	userRepo repository.UserRepository,
	companyRepo repository.CompanyRepository,
	config ServiceConfig,
) *Service {
	return &Service{
		oauth:       oauth,
		whop:        whopAPI,
		userRepo:    userRepo,
		companyRepo: companyRepo,
		config:      config,
	}
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(state string) string {
	return s.oauth.GetLoginURL(state)
}

// HandleCallback はOAuthコールバックを処理する。
// 管理する全カンパニーについてプロダクトコンテナ作成とCompanyのUpsertを試み、
// カンパニー単位の失敗はログに記録して残りの処理を続ける。
// ユーザーは最初に成功したカンパニーに紐付く。成功したカンパニーが0件でもエラーにはしない。
func (s *Service) HandleCallback(ctx context.Context, code string) (*CallbackResult, error) {
	// 1. 認可コードをトークンに交換
	tokens, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}
	bundle := &model.TokenBundle{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    tokens.ExpiresAt,
	}

	// 2. 認証ユーザーと管理カンパニーを取得
	me, err := s.whop.GetMe(ctx, tokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to get whop user: %w", err)
	}
	companies, err := s.whop.ListMyCompanies(ctx, tokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to list whop companies: %w", err)
	}

	// 3. カンパニーごとにプロビジョニング
	result := &CallbackResult{}
	for _, c := range companies {
		saved, err := s.provisionCompany(ctx, c, bundle)
		if err != nil {
			slog.Error("company provisioning failed",
				slog.String("whop_user_id", me.ID),
				slog.String("whop_company_id", c.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.InstalledCompanyIDs = append(result.InstalledCompanyIDs, saved.ID)
	}

	// 4. ユーザーをUpsertし、最初のカンパニーに紐付ける
	user := &model.User{
		WhopUserID: me.ID,
		Role:       model.RoleSeller,
		Email:      me.Email,
		Name:       me.Name,
		Tokens:     bundle,
	}
	if user.Name == "" {
		user.Name = me.Username
	}
	if len(result.InstalledCompanyIDs) > 0 {
		user.CompanyID = result.InstalledCompanyIDs[0]
	}
	saved, err := s.userRepo.Upsert(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	result.User = saved

	if len(result.InstalledCompanyIDs) == 0 {
		result.Warning = "no company was provisioned"
		slog.Warn("oauth callback completed without company",
			slog.String("user_id", saved.ID),
			slog.String("whop_user_id", me.ID),
			slog.Int("companies_returned", len(companies)),
		)
	} else {
		slog.Info("oauth callback completed",
			slog.String("user_id", saved.ID),
			slog.String("company_id", saved.CompanyID),
			slog.Int("companies_installed", len(result.InstalledCompanyIDs)),
		)
	}
	return result, nil
}

// provisionCompany は1カンパニー分のプロダクトコンテナ作成とUpsertを行う。
func (s *Service) provisionCompany(ctx context.Context, c whop.Company, tokens *model.TokenBundle) (*model.Company, error) {
	container, err := s.whop.CreateProductContainer(ctx, tokens.AccessToken, s.config.ProductContainerName)
	if err != nil {
		return nil, fmt.Errorf("failed to create product container: %w", err)
	}
	saved, err := s.companyRepo.Upsert(ctx, &model.Company{
		WhopCompanyID:      c.ID,
		Name:               c.DisplayName(),
		Tokens:             tokens,
		ProductContainerID: container.ID,
		Active:             true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert company: %w", err)
	}
	return saved, nil
}

// ResolveIframeUser はiframeトークンの利用者に対応するローカルユーザーを返す。
// 未登録の場合はその場で作成する。トークンにカンパニーIDがあり、
// ユーザーが未連携の場合は最小限のCompanyを解決または作成して紐付ける。
func (s *Service) ResolveIframeUser(ctx context.Context, id Identity) (*model.User, error) {
	if id.UserID == "" {
		return nil, model.NewAuthenticationError("token has no user id")
	}

	user, err := s.userRepo.FindByWhopUserID(ctx, id.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	if user == nil {
		newUser := &model.User{WhopUserID: id.UserID, Role: model.RoleSeller}
		if id.CompanyID != "" {
			company, err := s.resolveCompany(ctx, id.CompanyID)
			if err != nil {
				return nil, err
			}
			newUser.CompanyID = company.ID
		}
		created, err := s.userRepo.Upsert(ctx, newUser)
		if err != nil {
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
		slog.Info("user created from iframe token",
			slog.String("user_id", created.ID),
			slog.String("whop_user_id", id.UserID),
			slog.String("company_id", created.CompanyID),
		)
		return created, nil
	}

	if user.CompanyID == "" && id.CompanyID != "" {
		company, err := s.resolveCompany(ctx, id.CompanyID)
		if err != nil {
			return nil, err
		}
		if err := s.userRepo.UpdateCompany(ctx, user.ID, company.ID); err != nil {
			return nil, fmt.Errorf("failed to link user to company: %w", err)
		}
		user.CompanyID = company.ID
		slog.Info("user linked to company",
			slog.String("user_id", user.ID),
			slog.String("company_id", company.ID),
		)
	}
	return user, nil
}

// resolveCompany はWhopカンパニーIDに対応するCompanyを返し、無ければ最小限の行を作成する。
func (s *Service) resolveCompany(ctx context.Context, whopCompanyID string) (*model.Company, error) {
	company, err := s.companyRepo.FindByWhopCompanyID(ctx, whopCompanyID)
	if err != nil {
		return nil, fmt.Errorf("failed to find company: %w", err)
	}
	if company != nil {
		return company, nil
	}
	company, err = s.companyRepo.Upsert(ctx, &model.Company{
		WhopCompanyID: whopCompanyID,
		Name:          whopCompanyID,
		Active:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create company: %w", err)
	}
	return company, nil
}
