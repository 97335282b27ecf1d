package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"pulse/api/internal/ai"
	"pulse/api/internal/auth"
	"pulse/api/internal/config"
	"pulse/api/internal/identity"
	"pulse/api/internal/rbac"
	"pulse/api/internal/search"
	"pulse/api/internal/store"
	"pulse/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Email        string
	Role         string
	ClientID     string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	Ping(ctx context.Context) error

	ListClients(context.Context) ([]store.Client, error)
	GetClient(context.Context, string) (store.Client, error)
	InsertClient(context.Context, store.Client) error
	UpdateClient(context.Context, store.Client) error
	DeleteClient(context.Context, string) error

	ListProjects(context.Context) ([]store.Project, error)
	ListProjectsByClient(context.Context, string) ([]store.Project, error)
	GetProject(context.Context, string) (store.Project, error)
	InsertProject(context.Context, store.Project) error
	UpdateProject(context.Context, store.Project) error
	DeleteProject(context.Context, string) error

	ListUpdatesByProject(context.Context, string) ([]store.Update, error)
	GetUpdate(context.Context, string) (store.Update, error)
	InsertUpdate(context.Context, store.Update) (store.Update, error)
	SetUpdateContent(context.Context, string, string, string, string, string) error
	ReviewUpdate(context.Context, string, string, string) (store.Update, error)
	DeleteUpdate(context.Context, string) error

	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	InsertUser(context.Context, store.User) error

	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	InsertPermissionDenial(context.Context, store.PermissionDenial) error
}

// sessionStore holds refresh tokens. Redis when configured, with the
// Postgres store standing in otherwise.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type aiClient interface {
	IsConfigured() bool
	Rewrite(ctx context.Context, text string) (string, error)
	Classify(ctx context.Context, text string) (string, error)
	Compose(ctx context.Context, text string) (ai.ComposeResult, error)
}

type identityService interface {
	SignIn(ctx context.Context, email, password string) (store.User, error)
	RequestMagicLink(ctx context.Context, email string) error
	VerifyMagicLink(ctx context.Context, token string) (store.User, error)
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexUpdate(u search.UpdateRecord)
	IndexProject(p search.ProjectRecord)
	DeleteUpdate(id string)
	DeleteProject(id string)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	identity identityService
	ai       aiClient
	search   searchService
}

func New(cfg config.Config, dataStore dataStore, sessions sessionStore, identitySvc identityService, aiClient aiClient, searchSvc searchService) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		identity: identitySvc,
		ai:       aiClient,
		search:   searchSvc,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// --- sessions ---

func (s *Service) SignInPassword(ctx context.Context, email, password string) (Session, error) {
	user, err := s.identity.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) RequestMagicLink(ctx context.Context, email string) error {
	return s.identity.RequestMagicLink(ctx, email)
}

func (s *Service) VerifyMagicLink(ctx context.Context, token string) (Session, error) {
	user, err := s.identity.VerifyMagicLink(ctx, token)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_LINK", "Sign-in link is invalid or expired", nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:      user.ID,
		Email:    user.Email,
		Role:     user.Role,
		ClientID: user.ClientID,
		JTI:      jti,
		Exp:      expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewToken()
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Email:        user.Email,
		Role:         user.Role,
		ClientID:     user.ClientID,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	// Role and scope come fresh from the database, not the token, so a
	// role change takes effect before the access token expires.
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Email:     user.Email,
		Role:      user.Role,
		ClientID:  user.ClientID,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// --- authoring ---

// GenerateUpdate runs the requested AI action. Error messages stay in
// Turkish because they render directly in the agency dashboard.
func (s *Service) GenerateUpdate(ctx context.Context, text, action string) (map[string]any, error) {
	switch action {
	case "translate":
		translated, err := s.ai.Rewrite(ctx, text)
		if err != nil {
			return nil, mapAIError(err)
		}
		return map[string]any{"translatedText": translated}, nil
	case "categorize":
		category, err := s.ai.Classify(ctx, text)
		if err != nil {
			return nil, mapAIError(err)
		}
		return map[string]any{"category": category}, nil
	default:
		result, err := s.ai.Compose(ctx, text)
		if err != nil {
			return nil, mapAIError(err)
		}
		return map[string]any{"translatedText": result.Text, "category": result.Category}, nil
	}
}

func mapAIError(err error) error {
	switch {
	case errors.Is(err, ai.ErrTooShort):
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Lütfen en az 3 karakter girin", nil)
	case errors.Is(err, ai.ErrNotConfigured):
		return domainError(http.StatusInternalServerError, "SERVICE_ERROR", "Groq API key yapılandırılmamış", nil)
	case errors.Is(err, ai.ErrEmptyCompletion):
		return domainError(http.StatusInternalServerError, "GENERATION_FAILED", "AI yanıt üretemedi", nil)
	}
	var apiErr *ai.APIError
	if errors.As(err, &apiErr) {
		status := apiErr.Status
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return domainError(status, "SERVICE_ERROR", "OpenAI API hatası: "+apiErr.Message, nil)
	}
	log.Printf("app: ai error: %v", err)
	return domainError(http.StatusInternalServerError, "SERVICE_ERROR", "Bir hata oluştu, lütfen tekrar deneyin", nil)
}

// storeError keeps not-found semantics intact and wraps everything else
// so callers get a stable code without the driver detail leaking out.
func storeError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return err
	}
	log.Printf("app: store error: %v", err)
	return domainError(http.StatusInternalServerError, "STORE_ERROR", "Could not save changes", nil)
}

type SubmitUpdateInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	ImageURL    string `json:"imageUrl"`
}

// SubmitUpdate records a new update on a project. New updates always
// enter the review queue as pending.
func (s *Service) SubmitUpdate(ctx context.Context, session Session, projectID string, input SubmitUpdateInput) (store.Update, error) {
	if !s.Can(session.Role, rbac.ActionManage) {
		s.recordDenial(ctx, session, rbac.ActionManage, "project", projectID)
		return store.Update{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	input.Title = strings.TrimSpace(input.Title)
	input.Description = strings.TrimSpace(input.Description)
	if input.Title == "" {
		return store.Update{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	if input.Description == "" {
		return store.Update{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "description is required", nil)
	}
	if !store.ValidCategory(input.Category) {
		return store.Update{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "category must be design, dev, or marketing", nil)
	}

	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return store.Update{}, err
	}

	update, err := s.store.InsertUpdate(ctx, store.Update{
		ID:          util.NewID("upd"),
		ProjectID:   project.ID,
		Title:       input.Title,
		Description: input.Description,
		Category:    input.Category,
		ImageURL:    input.ImageURL,
	})
	if err != nil {
		return store.Update{}, storeError(err)
	}

	s.indexUpdate(update, project.ClientID)
	return update, nil
}

// EditUpdate rewrites the content of an existing update. The review
// status is untouched; a reviewed update keeps its decision.
func (s *Service) EditUpdate(ctx context.Context, session Session, updateID string, input SubmitUpdateInput) (store.Update, error) {
	if !s.Can(session.Role, rbac.ActionManage) {
		s.recordDenial(ctx, session, rbac.ActionManage, "update", updateID)
		return store.Update{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	input.Title = strings.TrimSpace(input.Title)
	input.Description = strings.TrimSpace(input.Description)
	if input.Title == "" || input.Description == "" {
		return store.Update{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title and description are required", nil)
	}
	if !store.ValidCategory(input.Category) {
		return store.Update{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "category must be design, dev, or marketing", nil)
	}

	if err := s.store.SetUpdateContent(ctx, updateID, input.Title, input.Description, input.Category, input.ImageURL); err != nil {
		return store.Update{}, storeError(err)
	}

	update, err := s.store.GetUpdate(ctx, updateID)
	if err != nil {
		return store.Update{}, err
	}
	if project, err := s.store.GetProject(ctx, update.ProjectID); err == nil {
		s.indexUpdate(update, project.ClientID)
	}
	return update, nil
}

func (s *Service) DeleteUpdate(ctx context.Context, session Session, updateID string) error {
	if !s.Can(session.Role, rbac.ActionManage) {
		s.recordDenial(ctx, session, rbac.ActionManage, "update", updateID)
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if err := s.store.DeleteUpdate(ctx, updateID); err != nil {
		return storeError(err)
	}
	if s.search != nil {
		s.search.DeleteUpdate(updateID)
	}
	return nil
}

// GetUpdate returns a single update, enforcing client scope.
func (s *Service) GetUpdate(ctx context.Context, session Session, updateID string) (store.Update, error) {
	update, err := s.store.GetUpdate(ctx, updateID)
	if err != nil {
		return store.Update{}, err
	}
	if _, err := s.projectInScope(ctx, session, update.ProjectID); err != nil {
		return store.Update{}, err
	}
	return update, nil
}

// ListProjectUpdates returns a project's updates, newest first. Clients
// only see projects that belong to them; a cross-client read is denied
// and audited.
func (s *Service) ListProjectUpdates(ctx context.Context, session Session, projectID string) ([]store.Update, error) {
	if _, err := s.projectInScope(ctx, session, projectID); err != nil {
		return nil, err
	}
	return s.store.ListUpdatesByProject(ctx, projectID)
}

// --- review ---

// ReviewUpdate applies a client's decision on a pending update. The
// status, review time, and reviewer identity change together. Re-review
// is allowed and overwrites the previous decision.
func (s *Service) ReviewUpdate(ctx context.Context, session Session, updateID, decision string) (store.Update, error) {
	if decision != store.StatusApproved && decision != store.StatusNeedsRevision {
		return store.Update{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "decision must be approved or needs_revision", nil)
	}
	if !s.Can(session.Role, rbac.ActionReview) {
		s.recordDenial(ctx, session, rbac.ActionReview, "update", updateID)
		return store.Update{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	update, err := s.store.GetUpdate(ctx, updateID)
	if err != nil {
		return store.Update{}, err
	}
	project, err := s.projectInScope(ctx, session, update.ProjectID)
	if err != nil {
		return store.Update{}, err
	}

	reviewed, err := s.store.ReviewUpdate(ctx, updateID, decision, session.UserID)
	if err != nil {
		return store.Update{}, storeError(err)
	}

	s.indexUpdate(reviewed, project.ClientID)
	return reviewed, nil
}

// projectInScope loads the project and verifies the caller may see it.
// Admins see everything; clients only their own projects.
func (s *Service) projectInScope(ctx context.Context, session Session, projectID string) (store.Project, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return store.Project{}, err
	}
	if rbac.Normalize(session.Role) == rbac.RoleClient && project.ClientID != session.ClientID {
		s.recordDenial(ctx, session, rbac.ActionRead, "project", projectID)
		return store.Project{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return project, nil
}

func (s *Service) recordDenial(ctx context.Context, session Session, action rbac.Action, resourceType, resourceID string) {
	info, _ := ctx.Value(requestInfoKey{}).(requestInfo)
	if err := s.store.InsertPermissionDenial(ctx, store.PermissionDenial{
		ActorID:      session.UserID,
		ActorEmail:   session.Email,
		Action:       string(action),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Role:         session.Role,
		Path:         info.path,
		Method:       info.method,
	}); err != nil {
		log.Printf("app: record permission denial: %v", err)
	}
}

func (s *Service) indexUpdate(update store.Update, clientID string) {
	if s.search == nil {
		return
	}
	s.search.IndexUpdate(search.UpdateRecord{
		ID:          update.ID,
		Title:       update.Title,
		Description: update.Description,
		ProjectID:   update.ProjectID,
		ClientID:    clientID,
		Category:    update.Category,
		Status:      update.Status,
	})
}

// --- clients ---

func (s *Service) ListClients(ctx context.Context, session Session) ([]store.Client, error) {
	if !s.Can(session.Role, rbac.ActionManage) {
		s.recordDenial(ctx, session, rbac.ActionManage, "client", "")
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return s.store.ListClients(ctx)
}

func (s *Service) GetClient(ctx context.Context, session Session, id string) (store.Client, error) {
	if rbac.Normalize(session.Role) == rbac.RoleClient {
		if id != session.ClientID {
			s.recordDenial(ctx, session, rbac.ActionRead, "client", id)
			return store.Client{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		}
		return s.store.GetClient(ctx, id)
	}
	if !s.Can(session.Role, rbac.ActionManage) {
		s.recordDenial(ctx, session, rbac.ActionManage, "client", id)
		return store.Client{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return s.store.GetClient(ctx, id)
}

type ClientInput struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Company string `json:"company"`
	LogoURL string `json:"logoUrl"`
}

func (s *Service) CreateClient(ctx context.Context, session Session, input ClientInput) (store.Client, error) {
	if !s.Can(session.Role, rbac.ActionManage) {
		s.recordDenial(ctx, session, rbac.ActionManage, "client", "")
		return store.Client{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	input.Name = strings.TrimSpace(input.Name)
	input.Email = strings.TrimSpace(input.Email)
	if input.Name == "" || input.Email == "" {
		return store.Client{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name and email are required", nil)
	}

	client := store.Client{
		ID:      util.NewID("cli"),
		Name:    input.Name,
		Email:   input.Email,
		Phone:   input.Phone,
		Company: input.Company,
		LogoURL: input.LogoURL,
	}
	if err := s.store.InsertClient(ctx, client); err != nil {
		return store.Client{}, storeError(err)
	}
	return s.store.GetClient(ctx, client.ID)
}

func (s *Service) UpdateClient(ctx context.Context, session Session, id string, input ClientInput) (store.Client, error) {
	if !s.Can(session.Role, rbac.ActionManage) {
		s.recordDenial(ctx, session, rbac.ActionManage, "client", id)
		return store.Client{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	input.Name = strings.TrimSpace(input.Name)
	input.Email = strings.TrimSpace(input.Email)
	if input.Name == "" || input.Email == "" {
		return store.Client{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name and email are required", nil)
	}
	if err := s.store.UpdateClient(ctx, store.Client{
		ID:      id,
		Name:    input.Name,
		Email:   input.Email,
		Phone:   input.Phone,
		Company: input.Company,
		LogoURL: input.LogoURL,
	}); err != nil {
		return store.Client{}, storeError(err)
	}
	return s.store.GetClient(ctx, id)
}

func (s *Service) DeleteClient(ctx context.Context, session Session, id string) error {
	if !s.Can(session.Role, rbac.ActionManage) {
		s.recordDenial(ctx, session, rbac.ActionManage, "client", id)
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if err := s.store.DeleteClient(ctx, id); err != nil {
		return storeError(err)
	}
	return nil
}

// --- projects ---

// ListProjects returns all projects for admins and the caller's own
// projects for clients.
func (s *Service) ListProjects(ctx context.Context, session Session) ([]store.Project, error) {
	if rbac.Normalize(session.Role) == rbac.RoleClient {
		if session.ClientID == "" {
			return []store.Project{}, nil
		}
		return s.store.ListProjectsByClient(ctx, session.ClientID)
	}
	if !s.Can(session.Role, rbac.ActionManage) {
		s.recordDenial(ctx, session, rbac.ActionRead, "project", "")
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return s.store.ListProjects(ctx)
}

func (s *Service) GetProject(ctx context.Context, session Session, id string) (store.Project, error) {
	return s.projectInScope(ctx, session, id)
}

type ProjectInput struct {
	ClientID string     `json:"clientId"`
	Name     string     `json:"name"`
	Status   string     `json:"status"`
	Deadline *time.Time `json:"deadline"`
}

func (s *Service) CreateProject(ctx context.Context, session Session, input ProjectInput) (store.Project, error) {
	if !s.Can(session.Role, rbac.ActionManage) {
		s.recordDenial(ctx, session, rbac.ActionManage, "project", "")
		return store.Project{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	input.Name = strings.TrimSpace(input.Name)
	if input.Name == "" {
		return store.Project{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if input.Status == "" {
		input.Status = "active"
	}
	if input.Status != "active" && input.Status != "completed" {
		return store.Project{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be active or completed", nil)
	}
	if _, err := s.store.GetClient(ctx, input.ClientID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Project{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "clientId does not exist", nil)
		}
		return store.Project{}, err
	}

	project := store.Project{
		ID:       util.NewID("prj"),
		ClientID: input.ClientID,
		Name:     input.Name,
		Status:   input.Status,
		Deadline: input.Deadline,
	}
	if err := s.store.InsertProject(ctx, project); err != nil {
		return store.Project{}, storeError(err)
	}
	created, err := s.store.GetProject(ctx, project.ID)
	if err != nil {
		return store.Project{}, err
	}
	s.indexProject(created)
	return created, nil
}

func (s *Service) UpdateProject(ctx context.Context, session Session, id string, input ProjectInput) (store.Project, error) {
	if !s.Can(session.Role, rbac.ActionManage) {
		s.recordDenial(ctx, session, rbac.ActionManage, "project", id)
		return store.Project{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	input.Name = strings.TrimSpace(input.Name)
	if input.Name == "" {
		return store.Project{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if input.Status != "active" && input.Status != "completed" {
		return store.Project{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be active or completed", nil)
	}
	if err := s.store.UpdateProject(ctx, store.Project{
		ID:       id,
		Name:     input.Name,
		Status:   input.Status,
		Deadline: input.Deadline,
	}); err != nil {
		return store.Project{}, storeError(err)
	}
	updated, err := s.store.GetProject(ctx, id)
	if err != nil {
		return store.Project{}, err
	}
	s.indexProject(updated)
	return updated, nil
}

func (s *Service) DeleteProject(ctx context.Context, session Session, id string) error {
	if !s.Can(session.Role, rbac.ActionManage) {
		s.recordDenial(ctx, session, rbac.ActionManage, "project", id)
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if err := s.store.DeleteProject(ctx, id); err != nil {
		return storeError(err)
	}
	if s.search != nil {
		s.search.DeleteProject(id)
	}
	return nil
}

func (s *Service) indexProject(project store.Project) {
	if s.search == nil {
		return
	}
	s.search.IndexProject(search.ProjectRecord{
		ID:       project.ID,
		Name:     project.Name,
		ClientID: project.ClientID,
		Status:   project.Status,
	})
}

// --- users ---

type CreateUserInput struct {
	Email    string `json:"email"`
	Role     string `json:"role"`
	ClientID string `json:"clientId"`
	Password string `json:"password"`
}

// CreateUser provisions an account. Client accounts must be bound to a
// client record; password is optional (magic-link-only when empty).
func (s *Service) CreateUser(ctx context.Context, session Session, input CreateUserInput) (store.User, error) {
	if !s.Can(session.Role, rbac.ActionManage) {
		s.recordDenial(ctx, session, rbac.ActionManage, "user", "")
		return store.User{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	input.Email = strings.TrimSpace(input.Email)
	if input.Email == "" {
		return store.User{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "email is required", nil)
	}
	role := rbac.Normalize(input.Role)
	if role == rbac.RoleNone {
		return store.User{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be admin or client", nil)
	}
	if role == rbac.RoleClient {
		if input.ClientID == "" {
			return store.User{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "clientId is required for client accounts", nil)
		}
		if _, err := s.store.GetClient(ctx, input.ClientID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.User{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "clientId does not exist", nil)
			}
			return store.User{}, err
		}
	} else {
		input.ClientID = ""
	}

	if _, err := s.store.GetUserByEmail(ctx, input.Email); err == nil {
		return store.User{}, domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return store.User{}, err
	}

	var passwordHash string
	if input.Password != "" {
		hash, err := identity.HashPassword(input.Password)
		if err != nil {
			return store.User{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		}
		passwordHash = hash
	}

	user := store.User{
		ID:           util.NewID("usr"),
		Email:        input.Email,
		Role:         string(role),
		ClientID:     input.ClientID,
		PasswordHash: passwordHash,
	}
	if err := s.store.InsertUser(ctx, user); err != nil {
		return store.User{}, storeError(err)
	}
	return s.store.GetUserByID(ctx, user.ID)
}

// --- search ---

// Search runs a scoped query. Clients are always pinned to their own
// client id regardless of what they ask for.
func (s *Service) Search(ctx context.Context, session Session, text, filterType, projectID string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}

	q := search.Query{
		Text:            text,
		FilterType:      search.ResultType(filterType),
		FilterProjectID: projectID,
		Limit:           limit,
		Offset:          offset,
	}
	if rbac.Normalize(session.Role) == rbac.RoleClient {
		q.FilterClientID = session.ClientID
	}
	return s.search.Search(q), nil
}
