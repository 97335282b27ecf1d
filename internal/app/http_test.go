package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"pulse/api/internal/store"
)

type fakeMedia struct {
	uploadFn func(projectID, filename, contentType string, size int64) (string, error)
}

func (f *fakeMedia) UploadProjectImage(_ context.Context, projectID, filename, contentType string, size int64, _ io.Reader) (string, error) {
	if f.uploadFn != nil {
		return f.uploadFn(projectID, filename, contentType, size)
	}
	return "https://cdn.example.com/" + projectID + "/" + filename, nil
}

func newTestServer(t *testing.T, st *fakeStore, aiClient aiClient) (*HTTPServer, *Service) {
	t.Helper()
	svc, _, _ := newTestService(st, aiClient)
	return NewHTTPServer(svc, nil, "*"), svc
}

// signedInAs issues a real access token for the given user so requests
// go through the same verification path production traffic does.
func signedInAs(t *testing.T, svc *Service, user store.User) string {
	t.Helper()
	session, err := svc.issueSession(context.Background(), user)
	if err != nil {
		t.Fatalf("issueSession failed: %v", err)
	}
	return session.Token
}

func doJSON(t *testing.T, server *HTTPServer, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)

	payload := map[string]any{}
	_ = json.Unmarshal(recorder.Body.Bytes(), &payload)
	return recorder, payload
}

func adminUser() store.User {
	return store.User{ID: "usr_admin", Email: "admin@agency.dev", Role: "admin"}
}

func clientUser(clientID string) store.User {
	return store.User{ID: "usr_client", Email: "client@acme.dev", Role: "client", ClientID: clientID}
}

func storeWithUsers(users ...store.User) *fakeStore {
	byID := make(map[string]store.User)
	for _, u := range users {
		byID[u.ID] = u
	}
	return &fakeStore{
		getUserByIDFn: func(_ context.Context, id string) (store.User, error) {
			if u, ok := byID[id]; ok {
				return u, nil
			}
			return store.User{}, sql.ErrNoRows
		},
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t, &fakeStore{}, &fakeAI{})

	recorder, payload := doJSON(t, server, http.MethodGet, "/api/health", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if payload["ok"] != true {
		t.Errorf("unexpected payload %v", payload)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	server, _ := newTestServer(t, &fakeStore{}, &fakeAI{})

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/generate-update"},
		{http.MethodGet, "/api/projects"},
		{http.MethodGet, "/api/clients"},
		{http.MethodGet, "/api/search"},
	}
	for _, p := range paths {
		recorder, _ := doJSON(t, server, p.method, p.path, "", "")
		if recorder.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d", p.method, p.path, recorder.Code)
		}
	}
}

func TestSessionEndpointWithBadToken(t *testing.T) {
	server, _ := newTestServer(t, &fakeStore{}, &fakeAI{})

	recorder, payload := doJSON(t, server, http.MethodGet, "/api/session", "not-a-token", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if payload["authenticated"] != false {
		t.Errorf("expected authenticated:false, got %v", payload)
	}
}

func TestGenerateUpdateEndpoint(t *testing.T) {
	st := storeWithUsers(adminUser())
	server, svc := newTestServer(t, st, &fakeAI{
		rewriteFn: func(string) (string, error) { return "Müşteri metni.", nil },
	})
	token := signedInAs(t, svc, adminUser())

	recorder, payload := doJSON(t, server, http.MethodPost, "/api/generate-update", token,
		`{"text":"bug fixlendi","action":"translate"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if payload["translatedText"] != "Müşteri metni." {
		t.Errorf("unexpected payload %v", payload)
	}
}

func TestGenerateUpdateEndpointShortText(t *testing.T) {
	st := storeWithUsers(adminUser())
	server, svc := newTestServer(t, st, &fakeAI{})
	token := signedInAs(t, svc, adminUser())

	recorder, payload := doJSON(t, server, http.MethodPost, "/api/generate-update", token,
		`{"text":"ab","action":"translate"}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if payload["error"] != "Lütfen en az 3 karakter girin" {
		t.Errorf("unexpected error message %v", payload["error"])
	}
}

func TestGenerateUpdateEndpointForbiddenForClients(t *testing.T) {
	st := storeWithUsers(clientUser("cli_1"))
	server, svc := newTestServer(t, st, &fakeAI{})
	token := signedInAs(t, svc, clientUser("cli_1"))

	recorder, _ := doJSON(t, server, http.MethodPost, "/api/generate-update", token,
		`{"text":"bug fixlendi","action":"translate"}`)
	if recorder.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", recorder.Code)
	}
}

func TestReviewEndpoint(t *testing.T) {
	now := time.Now()
	st := storeWithUsers(clientUser("cli_1"))
	st.getUpdateFn = func(_ context.Context, id string) (store.Update, error) {
		return store.Update{ID: id, ProjectID: "prj_1", Status: store.StatusPending}, nil
	}
	st.getProjectFn = func(_ context.Context, id string) (store.Project, error) {
		return store.Project{ID: id, ClientID: "cli_1"}, nil
	}
	st.reviewUpdateFn = func(_ context.Context, id, status, reviewedBy string) (store.Update, error) {
		return store.Update{ID: id, ProjectID: "prj_1", Status: status, ReviewedAt: &now, ReviewedBy: reviewedBy}, nil
	}

	server, svc := newTestServer(t, st, &fakeAI{})
	token := signedInAs(t, svc, clientUser("cli_1"))

	recorder, payload := doJSON(t, server, http.MethodPost, "/api/updates/upd_1/review", token,
		`{"decision":"approved"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if payload["status"] != "approved" || payload["reviewedBy"] != "usr_client" {
		t.Errorf("unexpected payload %v", payload)
	}
}

func TestProjectUpdatesEndpointScope(t *testing.T) {
	st := storeWithUsers(clientUser("cli_other"))
	st.getProjectFn = func(_ context.Context, id string) (store.Project, error) {
		return store.Project{ID: id, ClientID: "cli_owner"}, nil
	}

	server, svc := newTestServer(t, st, &fakeAI{})
	token := signedInAs(t, svc, clientUser("cli_other"))

	recorder, _ := doJSON(t, server, http.MethodGet, "/api/projects/prj_1/updates", token, "")
	if recorder.Code != http.StatusForbidden {
		t.Errorf("cross-client read must be denied, got %d", recorder.Code)
	}
}

func TestSubmitUpdateEndpoint(t *testing.T) {
	st := storeWithUsers(adminUser())
	st.getProjectFn = func(_ context.Context, id string) (store.Project, error) {
		return store.Project{ID: id, ClientID: "cli_1"}, nil
	}

	server, svc := newTestServer(t, st, &fakeAI{})
	token := signedInAs(t, svc, adminUser())

	recorder, payload := doJSON(t, server, http.MethodPost, "/api/projects/prj_1/updates", token,
		`{"title":"Sprint 4","description":"Ödeme akışı tamamlandı.","category":"dev"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if payload["status"] != "pending" {
		t.Errorf("new updates must be pending, got %v", payload["status"])
	}
}

func TestDenialAuditRecordsRequestRoute(t *testing.T) {
	var denial store.PermissionDenial
	st := storeWithUsers(clientUser("cli_other"))
	st.getUpdateFn = func(_ context.Context, id string) (store.Update, error) {
		return store.Update{ID: id, ProjectID: "prj_1", Status: store.StatusPending}, nil
	}
	st.getProjectFn = func(_ context.Context, id string) (store.Project, error) {
		return store.Project{ID: id, ClientID: "cli_owner"}, nil
	}
	st.insertDenialFn = func(_ context.Context, d store.PermissionDenial) error {
		denial = d
		return nil
	}

	server, svc := newTestServer(t, st, &fakeAI{})
	token := signedInAs(t, svc, clientUser("cli_other"))

	recorder, _ := doJSON(t, server, http.MethodPost, "/api/updates/upd_1/review", token,
		`{"decision":"approved"}`)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", recorder.Code)
	}
	if denial.Path != "/api/updates/upd_1/review" || denial.Method != http.MethodPost {
		t.Errorf("denial row must record the request route, got path=%q method=%q", denial.Path, denial.Method)
	}
	if denial.ActorID != "usr_client" || denial.Role != "client" {
		t.Errorf("unexpected denial actor %+v", denial)
	}
}

func TestProjectImageEndpointUpload(t *testing.T) {
	var gotProject, gotContentType string
	st := storeWithUsers(adminUser())
	st.getProjectFn = func(_ context.Context, id string) (store.Project, error) {
		return store.Project{ID: id, ClientID: "cli_1"}, nil
	}
	svc, _, _ := newTestService(st, &fakeAI{})
	server := NewHTTPServer(svc, &fakeMedia{
		uploadFn: func(projectID, filename, contentType string, _ int64) (string, error) {
			gotProject = projectID
			gotContentType = contentType
			return "https://cdn.example.com/" + projectID + "/" + filename, nil
		},
	}, "*")
	token := signedInAs(t, svc, adminUser())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="image"; filename="screenshot.png"`)
	header.Set("Content-Type", "image/png")
	part, err := mw.CreatePart(header)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write([]byte("pngdata")); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/projects/prj_1/images", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)

	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := map[string]any{}
	_ = json.Unmarshal(recorder.Body.Bytes(), &payload)
	if payload["url"] != "https://cdn.example.com/prj_1/screenshot.png" {
		t.Errorf("unexpected payload %v", payload)
	}
	if gotProject != "prj_1" || gotContentType != "image/png" {
		t.Errorf("upload got project=%q contentType=%q", gotProject, gotContentType)
	}
}

func TestProjectImageEndpointMalformedBody(t *testing.T) {
	st := storeWithUsers(adminUser())
	st.getProjectFn = func(_ context.Context, id string) (store.Project, error) {
		return store.Project{ID: id, ClientID: "cli_1"}, nil
	}
	svc, _, _ := newTestService(st, &fakeAI{})
	server := NewHTTPServer(svc, &fakeMedia{}, "*")
	token := signedInAs(t, svc, adminUser())

	req := httptest.NewRequest(http.MethodPost, "/api/projects/prj_1/images", strings.NewReader("not a multipart body"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=deadbeef")
	req.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := map[string]any{}
	_ = json.Unmarshal(recorder.Body.Bytes(), &payload)
	if payload["code"] != "INVALID_BODY" {
		t.Errorf("a bad body is not an oversized image, got %v", payload)
	}
}

func TestUnknownRoute(t *testing.T) {
	st := storeWithUsers(adminUser())
	server, svc := newTestServer(t, st, &fakeAI{})
	token := signedInAs(t, svc, adminUser())

	recorder, payload := doJSON(t, server, http.MethodGet, "/api/nope", token, "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
	if payload["code"] != "NOT_FOUND" {
		t.Errorf("unexpected payload %v", payload)
	}
}
