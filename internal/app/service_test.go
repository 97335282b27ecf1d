package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"testing"
	"time"

	"pulse/api/internal/ai"
	"pulse/api/internal/config"
	"pulse/api/internal/search"
	"pulse/api/internal/store"
)

type fakeStore struct {
	getClientFn            func(context.Context, string) (store.Client, error)
	getProjectFn           func(context.Context, string) (store.Project, error)
	listProjectsByClientFn func(context.Context, string) ([]store.Project, error)
	listUpdatesByProjectFn func(context.Context, string) ([]store.Update, error)
	getUpdateFn            func(context.Context, string) (store.Update, error)
	insertUpdateFn         func(context.Context, store.Update) (store.Update, error)
	reviewUpdateFn         func(context.Context, string, string, string) (store.Update, error)
	getUserByIDFn          func(context.Context, string) (store.User, error)
	getUserByEmailFn       func(context.Context, string) (store.User, error)
	insertUserFn           func(context.Context, store.User) error
	insertDenialFn         func(context.Context, store.PermissionDenial) error
	isAccessTokenRevokedFn func(context.Context, string) (bool, error)
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) ListClients(context.Context) ([]store.Client, error) { return nil, nil }
func (f *fakeStore) GetClient(ctx context.Context, id string) (store.Client, error) {
	if f.getClientFn != nil {
		return f.getClientFn(ctx, id)
	}
	return store.Client{ID: id}, nil
}
func (f *fakeStore) InsertClient(context.Context, store.Client) error { return nil }
func (f *fakeStore) UpdateClient(context.Context, store.Client) error { return nil }
func (f *fakeStore) DeleteClient(context.Context, string) error       { return nil }

func (f *fakeStore) ListProjects(context.Context) ([]store.Project, error) { return nil, nil }
func (f *fakeStore) ListProjectsByClient(ctx context.Context, clientID string) ([]store.Project, error) {
	if f.listProjectsByClientFn != nil {
		return f.listProjectsByClientFn(ctx, clientID)
	}
	return nil, nil
}
func (f *fakeStore) GetProject(ctx context.Context, id string) (store.Project, error) {
	if f.getProjectFn != nil {
		return f.getProjectFn(ctx, id)
	}
	return store.Project{}, sql.ErrNoRows
}
func (f *fakeStore) InsertProject(context.Context, store.Project) error { return nil }
func (f *fakeStore) UpdateProject(context.Context, store.Project) error { return nil }
func (f *fakeStore) DeleteProject(context.Context, string) error        { return nil }

func (f *fakeStore) ListUpdatesByProject(ctx context.Context, projectID string) ([]store.Update, error) {
	if f.listUpdatesByProjectFn != nil {
		return f.listUpdatesByProjectFn(ctx, projectID)
	}
	return nil, nil
}
func (f *fakeStore) GetUpdate(ctx context.Context, id string) (store.Update, error) {
	if f.getUpdateFn != nil {
		return f.getUpdateFn(ctx, id)
	}
	return store.Update{}, sql.ErrNoRows
}
func (f *fakeStore) InsertUpdate(ctx context.Context, u store.Update) (store.Update, error) {
	if f.insertUpdateFn != nil {
		return f.insertUpdateFn(ctx, u)
	}
	u.Status = store.StatusPending
	u.CreatedAt = time.Now()
	return u, nil
}
func (f *fakeStore) SetUpdateContent(context.Context, string, string, string, string, string) error {
	return nil
}
func (f *fakeStore) ReviewUpdate(ctx context.Context, id, status, reviewedBy string) (store.Update, error) {
	if f.reviewUpdateFn != nil {
		return f.reviewUpdateFn(ctx, id, status, reviewedBy)
	}
	return store.Update{}, sql.ErrNoRows
}
func (f *fakeStore) DeleteUpdate(context.Context, string) error { return nil }

func (f *fakeStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, id)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) InsertUser(ctx context.Context, u store.User) error {
	if f.insertUserFn != nil {
		return f.insertUserFn(ctx, u)
	}
	return nil
}

func (f *fakeStore) RevokeAccessToken(context.Context, string, time.Time) error { return nil }
func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.isAccessTokenRevokedFn != nil {
		return f.isAccessTokenRevokedFn(ctx, jti)
	}
	return false, nil
}

func (f *fakeStore) InsertPermissionDenial(ctx context.Context, d store.PermissionDenial) error {
	if f.insertDenialFn != nil {
		return f.insertDenialFn(ctx, d)
	}
	return nil
}

type fakeSessions struct {
	saved map[string]string
}

func (f *fakeSessions) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	if f.saved == nil {
		f.saved = make(map[string]string)
	}
	f.saved[tokenHash] = userID
	return nil
}
func (f *fakeSessions) LookupRefreshSession(_ context.Context, tokenHash string) (string, error) {
	userID, ok := f.saved[tokenHash]
	if !ok {
		return "", sql.ErrNoRows
	}
	return userID, nil
}
func (f *fakeSessions) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	delete(f.saved, tokenHash)
	return nil
}

type fakeAI struct {
	calls      int
	rewriteFn  func(string) (string, error)
	classifyFn func(string) (string, error)
}

func (f *fakeAI) IsConfigured() bool { return true }
func (f *fakeAI) Rewrite(_ context.Context, text string) (string, error) {
	if len(text) < 3 {
		return "", ai.ErrTooShort
	}
	f.calls++
	if f.rewriteFn != nil {
		return f.rewriteFn(text)
	}
	return "rewritten", nil
}
func (f *fakeAI) Classify(_ context.Context, text string) (string, error) {
	if len(text) < 3 {
		return "", ai.ErrTooShort
	}
	f.calls++
	if f.classifyFn != nil {
		return f.classifyFn(text)
	}
	return store.CategoryDev, nil
}
func (f *fakeAI) Compose(ctx context.Context, text string) (ai.ComposeResult, error) {
	if len(text) < 3 {
		return ai.ComposeResult{}, ai.ErrTooShort
	}
	rewritten, err := f.Rewrite(ctx, text)
	if err != nil || rewritten == "" {
		rewritten = text
	}
	category, err := f.Classify(ctx, text)
	if err != nil || category == "" {
		category = store.CategoryDev
	}
	return ai.ComposeResult{Text: rewritten, Category: category}, nil
}

type fakeSearch struct {
	indexed   []search.UpdateRecord
	lastQuery search.Query
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	f.lastQuery = q
	return search.Response{Results: []search.Result{}, Query: q.Text}
}
func (f *fakeSearch) IndexUpdate(u search.UpdateRecord) { f.indexed = append(f.indexed, u) }
func (f *fakeSearch) IndexProject(search.ProjectRecord) {}
func (f *fakeSearch) DeleteUpdate(string)               {}
func (f *fakeSearch) DeleteProject(string)              {}

type fakeIdentity struct {
	signInFn func(string, string) (store.User, error)
	verifyFn func(string) (store.User, error)
}

func (f *fakeIdentity) SignIn(_ context.Context, email, password string) (store.User, error) {
	if f.signInFn != nil {
		return f.signInFn(email, password)
	}
	return store.User{}, errors.New("no sign-in configured")
}
func (f *fakeIdentity) RequestMagicLink(context.Context, string) error { return nil }
func (f *fakeIdentity) VerifyMagicLink(_ context.Context, token string) (store.User, error) {
	if f.verifyFn != nil {
		return f.verifyFn(token)
	}
	return store.User{}, errors.New("no verify configured")
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 30 * 24 * time.Hour,
	}
}

func newTestService(st *fakeStore, aiClient aiClient) (*Service, *fakeSessions, *fakeSearch) {
	sessions := &fakeSessions{}
	searchSvc := &fakeSearch{}
	svc := New(testConfig(), st, sessions, &fakeIdentity{}, aiClient, searchSvc)
	return svc, sessions, searchSvc
}

func adminSession() Session {
	return Session{UserID: "usr_admin", Email: "admin@agency.dev", Role: "admin"}
}

func clientSession(clientID string) Session {
	return Session{UserID: "usr_client", Email: "client@acme.dev", Role: "client", ClientID: clientID}
}

func domainStatus(t *testing.T, err error) (int, string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	return domainErr.Status, domainErr.Code
}

func TestGenerateUpdateShortInput(t *testing.T) {
	aiClient := &fakeAI{}
	svc, _, _ := newTestService(&fakeStore{}, aiClient)

	_, err := svc.GenerateUpdate(context.Background(), "ab", "translate")
	status, _ := domainStatus(t, err)
	if status != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", status)
	}
	var domainErr *DomainError
	errors.As(err, &domainErr)
	if domainErr.Message != "Lütfen en az 3 karakter girin" {
		t.Errorf("unexpected message %q", domainErr.Message)
	}
	if aiClient.calls != 0 {
		t.Errorf("short input must not reach the model, got %d calls", aiClient.calls)
	}
}

func TestGenerateUpdateTranslate(t *testing.T) {
	svc, _, _ := newTestService(&fakeStore{}, &fakeAI{
		rewriteFn: func(string) (string, error) { return "Müşteri dostu metin.", nil },
	})

	payload, err := svc.GenerateUpdate(context.Background(), "bug fixlendi", "translate")
	if err != nil {
		t.Fatalf("GenerateUpdate failed: %v", err)
	}
	if payload["translatedText"] != "Müşteri dostu metin." {
		t.Errorf("unexpected payload %v", payload)
	}
}

func TestGenerateUpdateCombined(t *testing.T) {
	svc, _, _ := newTestService(&fakeStore{}, &fakeAI{
		rewriteFn:  func(string) (string, error) { return "Tasarım tamamlandı.", nil },
		classifyFn: func(string) (string, error) { return "design", nil },
	})

	payload, err := svc.GenerateUpdate(context.Background(), "landing page bitti", "")
	if err != nil {
		t.Fatalf("GenerateUpdate failed: %v", err)
	}
	if payload["translatedText"] != "Tasarım tamamlandı." || payload["category"] != "design" {
		t.Errorf("unexpected payload %v", payload)
	}
}

func TestGenerateUpdateUpstreamStatusPassthrough(t *testing.T) {
	svc, _, _ := newTestService(&fakeStore{}, &fakeAI{
		rewriteFn: func(string) (string, error) {
			return "", &ai.APIError{Status: http.StatusTooManyRequests, Message: "rate limit"}
		},
	})

	_, err := svc.GenerateUpdate(context.Background(), "deploy edildi", "translate")
	status, _ := domainStatus(t, err)
	if status != http.StatusTooManyRequests {
		t.Errorf("expected 429 passthrough, got %d", status)
	}
	var domainErr *DomainError
	errors.As(err, &domainErr)
	if domainErr.Message != "OpenAI API hatası: rate limit" {
		t.Errorf("unexpected message %q", domainErr.Message)
	}
}

func TestSubmitUpdateForcesPending(t *testing.T) {
	var inserted store.Update
	st := &fakeStore{
		getProjectFn: func(_ context.Context, id string) (store.Project, error) {
			return store.Project{ID: id, ClientID: "cli_1"}, nil
		},
		insertUpdateFn: func(_ context.Context, u store.Update) (store.Update, error) {
			inserted = u
			u.Status = store.StatusPending
			u.CreatedAt = time.Now()
			return u, nil
		},
	}
	svc, _, searchSvc := newTestService(st, &fakeAI{})

	update, err := svc.SubmitUpdate(context.Background(), adminSession(), "prj_1", SubmitUpdateInput{
		Title:       "Sprint 4",
		Description: "Ödeme akışı tamamlandı.",
		Category:    store.CategoryDev,
	})
	if err != nil {
		t.Fatalf("SubmitUpdate failed: %v", err)
	}
	if update.Status != store.StatusPending {
		t.Errorf("expected pending, got %s", update.Status)
	}
	if inserted.ID == "" {
		t.Error("expected generated update id")
	}
	if len(searchSvc.indexed) != 1 || searchSvc.indexed[0].ClientID != "cli_1" {
		t.Errorf("expected indexed record scoped to cli_1, got %+v", searchSvc.indexed)
	}
}

func TestSubmitUpdateValidation(t *testing.T) {
	st := &fakeStore{
		getProjectFn: func(_ context.Context, id string) (store.Project, error) {
			return store.Project{ID: id}, nil
		},
	}
	svc, _, _ := newTestService(st, &fakeAI{})

	cases := []SubmitUpdateInput{
		{Title: "", Description: "d", Category: store.CategoryDev},
		{Title: "t", Description: "", Category: store.CategoryDev},
		{Title: "t", Description: "d", Category: "operations"},
	}
	for i, input := range cases {
		_, err := svc.SubmitUpdate(context.Background(), adminSession(), "prj_1", input)
		status, code := domainStatus(t, err)
		if status != http.StatusUnprocessableEntity || code != "VALIDATION_ERROR" {
			t.Errorf("case %d: expected 422 VALIDATION_ERROR, got %d %s", i, status, code)
		}
	}
}

func TestSubmitUpdateForbiddenForClients(t *testing.T) {
	var denial store.PermissionDenial
	st := &fakeStore{
		insertDenialFn: func(_ context.Context, d store.PermissionDenial) error {
			denial = d
			return nil
		},
	}
	svc, _, _ := newTestService(st, &fakeAI{})

	_, err := svc.SubmitUpdate(context.Background(), clientSession("cli_1"), "prj_1", SubmitUpdateInput{
		Title: "t", Description: "d", Category: store.CategoryDev,
	})
	status, code := domainStatus(t, err)
	if status != http.StatusForbidden || code != "FORBIDDEN" {
		t.Fatalf("expected 403 FORBIDDEN, got %d %s", status, code)
	}
	if denial.ActorID != "usr_client" || denial.Action != "manage" {
		t.Errorf("expected recorded denial, got %+v", denial)
	}
}

func TestReviewUpdateSetsDecision(t *testing.T) {
	now := time.Now()
	st := &fakeStore{
		getUpdateFn: func(_ context.Context, id string) (store.Update, error) {
			return store.Update{ID: id, ProjectID: "prj_1", Status: store.StatusPending}, nil
		},
		getProjectFn: func(_ context.Context, id string) (store.Project, error) {
			return store.Project{ID: id, ClientID: "cli_1"}, nil
		},
		reviewUpdateFn: func(_ context.Context, id, status, reviewedBy string) (store.Update, error) {
			return store.Update{ID: id, ProjectID: "prj_1", Status: status, ReviewedAt: &now, ReviewedBy: reviewedBy}, nil
		},
	}
	svc, _, _ := newTestService(st, &fakeAI{})

	update, err := svc.ReviewUpdate(context.Background(), clientSession("cli_1"), "upd_1", store.StatusApproved)
	if err != nil {
		t.Fatalf("ReviewUpdate failed: %v", err)
	}
	if update.Status != store.StatusApproved {
		t.Errorf("expected approved, got %s", update.Status)
	}
	if update.ReviewedAt == nil || update.ReviewedBy != "usr_client" {
		t.Errorf("review fields must change together, got %+v", update)
	}
}

func TestReviewUpdateInvalidDecision(t *testing.T) {
	svc, _, _ := newTestService(&fakeStore{}, &fakeAI{})

	_, err := svc.ReviewUpdate(context.Background(), clientSession("cli_1"), "upd_1", "rejected")
	status, code := domainStatus(t, err)
	if status != http.StatusUnprocessableEntity || code != "VALIDATION_ERROR" {
		t.Errorf("expected 422 VALIDATION_ERROR, got %d %s", status, code)
	}
}

func TestReviewUpdateAdminForbidden(t *testing.T) {
	svc, _, _ := newTestService(&fakeStore{}, &fakeAI{})

	_, err := svc.ReviewUpdate(context.Background(), adminSession(), "upd_1", store.StatusApproved)
	status, code := domainStatus(t, err)
	if status != http.StatusForbidden || code != "FORBIDDEN" {
		t.Errorf("review is a client action, expected 403, got %d %s", status, code)
	}
}

func TestReviewUpdateWrongClientDeniedAndAudited(t *testing.T) {
	var denial store.PermissionDenial
	st := &fakeStore{
		getUpdateFn: func(_ context.Context, id string) (store.Update, error) {
			return store.Update{ID: id, ProjectID: "prj_1"}, nil
		},
		getProjectFn: func(_ context.Context, id string) (store.Project, error) {
			return store.Project{ID: id, ClientID: "cli_owner"}, nil
		},
		insertDenialFn: func(_ context.Context, d store.PermissionDenial) error {
			denial = d
			return nil
		},
	}
	svc, _, _ := newTestService(st, &fakeAI{})

	_, err := svc.ReviewUpdate(context.Background(), clientSession("cli_other"), "upd_1", store.StatusNeedsRevision)
	status, code := domainStatus(t, err)
	if status != http.StatusForbidden || code != "FORBIDDEN" {
		t.Fatalf("expected 403 FORBIDDEN, got %d %s", status, code)
	}
	if denial.ResourceType != "project" || denial.ResourceID != "prj_1" {
		t.Errorf("expected audited denial on the project, got %+v", denial)
	}
}

func TestReviewUpdateOverwritesPreviousDecision(t *testing.T) {
	current := store.Update{ID: "upd_1", ProjectID: "prj_1", Status: store.StatusApproved}
	st := &fakeStore{
		getUpdateFn: func(context.Context, string) (store.Update, error) {
			return current, nil
		},
		getProjectFn: func(_ context.Context, id string) (store.Project, error) {
			return store.Project{ID: id, ClientID: "cli_1"}, nil
		},
		reviewUpdateFn: func(_ context.Context, id, status, reviewedBy string) (store.Update, error) {
			now := time.Now()
			current = store.Update{ID: id, ProjectID: "prj_1", Status: status, ReviewedAt: &now, ReviewedBy: reviewedBy}
			return current, nil
		},
	}
	svc, _, _ := newTestService(st, &fakeAI{})

	update, err := svc.ReviewUpdate(context.Background(), clientSession("cli_1"), "upd_1", store.StatusNeedsRevision)
	if err != nil {
		t.Fatalf("ReviewUpdate failed: %v", err)
	}
	if update.Status != store.StatusNeedsRevision {
		t.Errorf("re-review must overwrite, got %s", update.Status)
	}
}

func TestListProjectUpdatesScopedToOwnClient(t *testing.T) {
	var denial store.PermissionDenial
	st := &fakeStore{
		getProjectFn: func(_ context.Context, id string) (store.Project, error) {
			return store.Project{ID: id, ClientID: "cli_owner"}, nil
		},
		insertDenialFn: func(_ context.Context, d store.PermissionDenial) error {
			denial = d
			return nil
		},
	}
	svc, _, _ := newTestService(st, &fakeAI{})

	_, err := svc.ListProjectUpdates(context.Background(), clientSession("cli_other"), "prj_1")
	status, _ := domainStatus(t, err)
	if status != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", status)
	}
	if denial.ActorID != "usr_client" {
		t.Errorf("expected denial audit row, got %+v", denial)
	}

	// The owning client reads fine.
	if _, err := svc.ListProjectUpdates(context.Background(), clientSession("cli_owner"), "prj_1"); err != nil {
		t.Errorf("owner read should succeed: %v", err)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	st := &fakeStore{
		getUserByIDFn: func(_ context.Context, id string) (store.User, error) {
			return store.User{ID: id, Email: "client@acme.dev", Role: "client", ClientID: "cli_1"}, nil
		},
	}
	svc, _, _ := newTestService(st, &fakeAI{})

	first, err := svc.issueSession(context.Background(), store.User{ID: "usr_1", Email: "client@acme.dev", Role: "client", ClientID: "cli_1"})
	if err != nil {
		t.Fatalf("issueSession failed: %v", err)
	}

	second, err := svc.Refresh(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Error("refresh must rotate the token")
	}
	if second.ClientID != "cli_1" {
		t.Errorf("session must keep client scope, got %q", second.ClientID)
	}

	// Old refresh token is dead after rotation.
	if _, err := svc.Refresh(context.Background(), first.RefreshToken); err == nil {
		t.Error("expected error reusing a rotated refresh token")
	}
}

func TestSearchPinsClientScope(t *testing.T) {
	svc, _, searchSvc := newTestService(&fakeStore{}, &fakeAI{})

	// A client asking for another client's scope still gets its own.
	if _, err := svc.Search(context.Background(), clientSession("cli_1"), "ödeme", "", "", 20, 0); err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if searchSvc.lastQuery.FilterClientID != "cli_1" {
		t.Errorf("client queries must be pinned to their own scope, got %q", searchSvc.lastQuery.FilterClientID)
	}

	if _, err := svc.Search(context.Background(), adminSession(), "ödeme", "", "", 20, 0); err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if searchSvc.lastQuery.FilterClientID != "" {
		t.Errorf("admin queries are unscoped, got %q", searchSvc.lastQuery.FilterClientID)
	}
}

func TestCreateUserClientRequiresClientID(t *testing.T) {
	svc, _, _ := newTestService(&fakeStore{}, &fakeAI{})

	_, err := svc.CreateUser(context.Background(), adminSession(), CreateUserInput{
		Email: "new@acme.dev",
		Role:  "client",
	})
	status, code := domainStatus(t, err)
	if status != http.StatusUnprocessableEntity || code != "VALIDATION_ERROR" {
		t.Errorf("expected 422, got %d %s", status, code)
	}
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	st := &fakeStore{
		getUserByEmailFn: func(_ context.Context, email string) (store.User, error) {
			return store.User{ID: "usr_existing", Email: email}, nil
		},
	}
	svc, _, _ := newTestService(st, &fakeAI{})

	_, err := svc.CreateUser(context.Background(), adminSession(), CreateUserInput{
		Email: "taken@agency.dev",
		Role:  "admin",
	})
	status, code := domainStatus(t, err)
	if status != http.StatusConflict || code != "EMAIL_EXISTS" {
		t.Errorf("expected 409 EMAIL_EXISTS, got %d %s", status, code)
	}
}
