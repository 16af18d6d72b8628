package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ozon1688/internal/api/middleware"
	"ozon1688/internal/config"
	"ozon1688/internal/model"
	"ozon1688/internal/pkg/metrics"
	"ozon1688/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

const testURL = "https://www.ozon.ru/product/kruzhka-123/"

type mockTaskStore struct {
	tasks       map[uint]*model.Task
	addErr      error
	resultErr   error
	reprocErr   error
	addCalls    int
	addedURL    string
	statsOwner  uint
	profitRows  []model.ProfitabilityRecord
	resultMatch *model.Match
}

func newMockTaskStore() *mockTaskStore {
	return &mockTaskStore{tasks: map[uint]*model.Task{
		1: {ID: 1, UserID: 1, URL: testURL, Status: model.StatusCompleted},
		2: {ID: 2, UserID: 2, URL: testURL, Status: model.StatusPending},
	}}
}

func (m *mockTaskStore) AddTask(_ context.Context, url string, ownerID uint) (uint, error) {
	m.addCalls++
	m.addedURL = url
	if m.addErr != nil {
		return 0, m.addErr
	}
	id := uint(len(m.tasks) + 1)
	m.tasks[id] = &model.Task{ID: id, UserID: ownerID, URL: url, Status: model.StatusPending}
	return id, nil
}

func (m *mockTaskStore) GetTask(_ context.Context, id uint) (*model.Task, error) {
	if t, ok := m.tasks[id]; ok {
		return t, nil
	}
	return nil, store.ErrTaskNotFound
}

func (m *mockTaskStore) ListTasks(_ context.Context, ownerID uint, _ int) ([]model.Task, error) {
	var out []model.Task
	for _, t := range m.tasks {
		if t.UserID == ownerID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *mockTaskStore) GetTaskResult(context.Context, uint) (*model.SourceRecord, *model.Match, error) {
	if m.resultErr != nil {
		return nil, nil, m.resultErr
	}
	return &model.SourceRecord{Name: "Кружка", URL: testURL, PriceCurrent: 8500}, m.resultMatch, nil
}

func (m *mockTaskStore) Reprocess(context.Context, uint) (uint, error) {
	if m.reprocErr != nil {
		return 0, m.reprocErr
	}
	return 42, nil
}

func (m *mockTaskStore) TaskStats(_ context.Context, ownerID uint) (map[model.Status]int64, error) {
	m.statsOwner = ownerID
	return map[model.Status]int64{model.StatusPending: 1}, nil
}

func (m *mockTaskStore) ListProfitability(context.Context) ([]model.ProfitabilityRecord, error) {
	return m.profitRows, nil
}

type mockUserStore struct {
	byEmail map[string]*model.User
	nextID  uint
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{byEmail: map[string]*model.User{}, nextID: 1}
}

func (m *mockUserStore) CreateUser(_ context.Context, u *model.User) error {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if _, ok := m.byEmail[u.Email]; ok {
		return store.ErrUserExists
	}
	u.ID = m.nextID
	m.nextID++
	m.byEmail[u.Email] = u
	return nil
}

func (m *mockUserStore) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	if u, ok := m.byEmail[strings.ToLower(strings.TrimSpace(email))]; ok {
		return u, nil
	}
	return nil, store.ErrUserNotFound
}

func (m *mockUserStore) EnsureAdmin(ctx context.Context, email, hash string) (bool, error) {
	if u, err := m.GetUserByEmail(ctx, email); err == nil {
		u.Role = model.RoleAdmin
		return false, nil
	}
	return true, m.CreateUser(ctx, &model.User{Email: email, Password: hash, Role: model.RoleAdmin})
}

type mockDeduper struct {
	dup      bool
	err      error
	calls    int
	released int
}

func (m *mockDeduper) Acquire(context.Context, uint, string) (bool, error) {
	m.calls++
	return m.dup, m.err
}

func (m *mockDeduper) Release(context.Context, uint, string) error {
	m.released++
	return nil
}

func testConfig() *config.Config {
	return &config.Config{Security: config.SecurityConfig{
		JWTSecret:     "test-secret",
		InviteCode:    "invite",
		AdminEmail:    "admin@example.com",
		AdminPassword: "admin-pass",
	}}
}

func newTestServer(t *testing.T, tasks *mockTaskStore, guard *mockDeduper) (*Server, *mockUserStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	metrics.InitMetrics(1)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	users := newMockUserStore()
	return newServer(testConfig(), logger, tasks, users, guard), users
}

func token(t *testing.T, s *Server, userID uint, role string) string {
	t.Helper()
	tok, err := s.auth.IssueToken(userID, role)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return "Bearer " + tok
}

func do(s *Server, method, path, auth string, body any) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		payload, _ := json.Marshal(body)
		r = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

// createTask 直接调用 handler，模拟已通过认证的请求。
func createTask(s *Server, body []byte) *httptest.ResponseRecorder {
	r := gin.New()
	r.POST("/tasks", func(c *gin.Context) {
		c.Set(middleware.UserIDKey, uint(1))
		c.Set(middleware.RoleKey, model.RoleUser)
		s.handleCreateTask(c)
	})
	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateTask_Normal(t *testing.T) {
	tasks := newMockTaskStore()
	guard := &mockDeduper{}
	s, _ := newTestServer(t, tasks, guard)

	w := createTask(s, []byte(`{"url":"http://WWW.OZON.RU/product/kruzhka-123/?sh=abc"}`))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp createTaskResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.TaskID == 0 {
		t.Fatalf("unexpected body %s", w.Body.String())
	}
	if tasks.addedURL != testURL {
		t.Errorf("stored url = %q, want %q", tasks.addedURL, testURL)
	}
	if guard.calls != 1 || guard.released != 0 {
		t.Errorf("guard calls = %d, released = %d", guard.calls, guard.released)
	}
}

func TestCreateTask_Rejected(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		guard        *mockDeduper
		addErr       error
		wantCode     int
		wantAdds     int
		wantReleases int
	}{
		{"invalid body", `{`, &mockDeduper{}, nil, http.StatusBadRequest, 0, 0},
		{"not ozon", `{"url":"https://example.com/product/x-1/"}`, &mockDeduper{}, nil, http.StatusBadRequest, 0, 0},
		{"concurrent submit", `{"url":"` + testURL + `"}`, &mockDeduper{dup: true}, nil, http.StatusConflict, 0, 0},
		{"active task", `{"url":"` + testURL + `"}`, &mockDeduper{}, store.ErrDuplicateTask, http.StatusConflict, 1, 1},
		{"store error", `{"url":"` + testURL + `"}`, &mockDeduper{}, errors.New("db down"), http.StatusInternalServerError, 1, 1},
		{"dedup unavailable", `{"url":"` + testURL + `"}`, &mockDeduper{err: errors.New("redis down")}, nil, http.StatusCreated, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks := newMockTaskStore()
			tasks.addErr = tt.addErr
			s, _ := newTestServer(t, tasks, tt.guard)

			w := createTask(s, []byte(tt.body))
			if w.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d: %s", tt.wantCode, w.Code, w.Body.String())
			}
			if tasks.addCalls != tt.wantAdds {
				t.Errorf("add calls = %d, want %d", tasks.addCalls, tt.wantAdds)
			}
			if tt.guard.released != tt.wantReleases {
				t.Errorf("released = %d, want %d", tt.guard.released, tt.wantReleases)
			}
		})
	}
}

func TestAuthRequired(t *testing.T) {
	s, _ := newTestServer(t, newMockTaskStore(), &mockDeduper{})

	for _, auth := range []string{"", "Token abc", "Bearer not-a-jwt"} {
		if w := do(s, http.MethodGet, "/api/tasks", auth, nil); w.Code != http.StatusUnauthorized {
			t.Errorf("auth %q: expected 401, got %d", auth, w.Code)
		}
	}
}

func TestRegisterAndLogin(t *testing.T) {
	s, _ := newTestServer(t, newMockTaskStore(), &mockDeduper{})

	reg := map[string]string{"email": "Buyer@Example.com", "password": "secret1", "invite_code": "invite"}
	if w := do(s, http.MethodPost, "/api/register", "", reg); w.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if w := do(s, http.MethodPost, "/api/register", "", reg); w.Code != http.StatusConflict {
		t.Fatalf("duplicate register: expected 409, got %d", w.Code)
	}
	bad := map[string]string{"email": "x@example.com", "password": "secret1", "invite_code": "wrong"}
	if w := do(s, http.MethodPost, "/api/register", "", bad); w.Code != http.StatusForbidden {
		t.Fatalf("bad invite: expected 403, got %d", w.Code)
	}

	login := map[string]string{"email": "buyer@example.com", "password": "secret1"}
	w := do(s, http.MethodPost, "/api/login", "", login)
	if w.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", w.Code)
	}
	var resp tokenBody
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Token == "" {
		t.Fatalf("login body %s", w.Body.String())
	}
	if w := do(s, http.MethodGet, "/api/tasks", "Bearer "+resp.Token, nil); w.Code != http.StatusOK {
		t.Fatalf("token rejected: %d", w.Code)
	}

	login["password"] = "wrong-pass"
	if w := do(s, http.MethodPost, "/api/login", "", login); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: expected 401, got %d", w.Code)
	}
}

type tokenBody struct {
	Token string `json:"token"`
}

func TestGetTaskOwnership(t *testing.T) {
	s, _ := newTestServer(t, newMockTaskStore(), &mockDeduper{})
	owner := token(t, s, 1, model.RoleUser)

	w := do(s, http.MethodGet, "/api/tasks/1", owner, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("owner: expected 200, got %d", w.Code)
	}
	var resp taskResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Status != model.StatusCompleted || resp.StatusLabel != model.StatusCompleted.Label() {
		t.Errorf("unexpected task %+v", resp)
	}

	if w := do(s, http.MethodGet, "/api/tasks/2", owner, nil); w.Code != http.StatusNotFound {
		t.Errorf("foreign task: expected 404, got %d", w.Code)
	}
	if w := do(s, http.MethodGet, "/api/tasks/2", token(t, s, 9, model.RoleAdmin), nil); w.Code != http.StatusOK {
		t.Errorf("admin: expected 200, got %d", w.Code)
	}
	if w := do(s, http.MethodGet, "/api/tasks/abc", owner, nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad id: expected 400, got %d", w.Code)
	}
	if w := do(s, http.MethodGet, "/api/tasks/99", owner, nil); w.Code != http.StatusNotFound {
		t.Errorf("missing: expected 404, got %d", w.Code)
	}
}

func TestTaskErrorDetailsHiddenFromOwner(t *testing.T) {
	tasks := newMockTaskStore()
	tasks.tasks[3] = &model.Task{
		ID:           3,
		UserID:       1,
		URL:          testURL,
		Status:       model.StatusFailed,
		ErrorMessage: "source extraction: wait product heading: context deadline exceeded",
	}
	s, _ := newTestServer(t, tasks, &mockDeduper{})
	owner := token(t, s, 1, model.RoleUser)

	for _, path := range []string{"/api/tasks/3", "/api/tasks"} {
		w := do(s, http.MethodGet, path, owner, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, w.Code)
		}
		body := w.Body.String()
		if strings.Contains(body, "error_message") || strings.Contains(body, "deadline exceeded") {
			t.Errorf("%s: raw error leaked to owner: %s", path, body)
		}
		if !strings.Contains(body, model.StatusFailed.Label()) {
			t.Errorf("%s: status label missing: %s", path, body)
		}
	}

	w := do(s, http.MethodGet, "/api/tasks/3", token(t, s, 9, model.RoleAdmin), nil)
	var resp taskResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.ErrorMessage != tasks.tasks[3].ErrorMessage {
		t.Errorf("admin error_message = %q", resp.ErrorMessage)
	}
}

func TestTaskResult(t *testing.T) {
	tasks := newMockTaskStore()
	s, _ := newTestServer(t, tasks, &mockDeduper{})
	owner := token(t, s, 1, model.RoleUser)

	tasks.resultErr = store.ErrNotFound
	if w := do(s, http.MethodGet, "/api/tasks/1/result", owner, nil); w.Code != http.StatusNotFound {
		t.Fatalf("no result: expected 404, got %d", w.Code)
	}

	tasks.resultErr = nil
	tasks.resultMatch = &model.Match{
		Score:     90,
		Tier:      2,
		Candidate: model.CandidateRecord{Title: "陶瓷杯", URL: "https://detail.1688.com/offer/1.html", PriceUSD: decimal.RequireFromString("10.5")},
		Profitability: &model.ProfitabilityRecord{
			Profit:        decimal.RequireFromString("44.05"),
			MarginPercent: decimal.RequireFromString("44.05"),
		},
	}
	w := do(s, http.MethodGet, "/api/tasks/1/result", owner, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp resultResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Score != 90 || resp.Tier != 2 || resp.Profitability == nil || !resp.Profitability.Profit.Equal(decimal.RequireFromString("44.05")) {
		t.Errorf("unexpected result %+v", resp)
	}
	if resp.Source.Images == nil {
		t.Error("images should encode as empty list")
	}
}

func TestReprocess(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"ok", nil, http.StatusCreated},
		{"active", store.ErrTaskActive, http.StatusConflict},
		{"duplicate", store.ErrDuplicateTask, http.StatusConflict},
		{"db error", errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks := newMockTaskStore()
			tasks.reprocErr = tt.err
			s, _ := newTestServer(t, tasks, &mockDeduper{})

			w := do(s, http.MethodPost, "/api/tasks/1/reprocess", token(t, s, 1, model.RoleUser), nil)
			if w.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d", tt.wantCode, w.Code)
			}
			if tt.err == nil && !strings.Contains(w.Body.String(), `"task_id":42`) {
				t.Errorf("unexpected body %s", w.Body.String())
			}
		})
	}
}

func TestStatsScope(t *testing.T) {
	tasks := newMockTaskStore()
	s, _ := newTestServer(t, tasks, &mockDeduper{})

	if w := do(s, http.MethodGet, "/api/stats", token(t, s, 5, model.RoleUser), nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if tasks.statsOwner != 5 {
		t.Errorf("user stats owner = %d, want 5", tasks.statsOwner)
	}
	do(s, http.MethodGet, "/api/stats", token(t, s, 5, model.RoleAdmin), nil)
	if tasks.statsOwner != 0 {
		t.Errorf("admin stats owner = %d, want 0", tasks.statsOwner)
	}
}

func TestReportAdminOnly(t *testing.T) {
	tasks := newMockTaskStore()
	tasks.profitRows = []model.ProfitabilityRecord{{SourceName: "Кружка", Profit: decimal.RequireFromString("1")}}
	s, _ := newTestServer(t, tasks, &mockDeduper{})

	if w := do(s, http.MethodGet, "/api/report", token(t, s, 1, model.RoleUser), nil); w.Code != http.StatusForbidden {
		t.Fatalf("user: expected 403, got %d", w.Code)
	}
	w := do(s, http.MethodGet, "/api/report", token(t, s, 1, model.RoleAdmin), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("admin: expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Header().Get("Content-Disposition"), ".xlsx") || w.Body.Len() == 0 {
		t.Errorf("unexpected report response headers %v", w.Header())
	}
}

func TestHealthzWithoutBackends(t *testing.T) {
	s, _ := newTestServer(t, newMockTaskStore(), &mockDeduper{})
	if w := do(s, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestSeedAdmin(t *testing.T) {
	s, users := newTestServer(t, newMockTaskStore(), &mockDeduper{})
	if err := s.SeedAdmin(context.Background()); err != nil {
		t.Fatalf("SeedAdmin() error = %v", err)
	}
	u, err := users.GetUserByEmail(context.Background(), "admin@example.com")
	if err != nil || u.Role != model.RoleAdmin {
		t.Fatalf("admin not seeded: %v %+v", err, u)
	}

	w := do(s, http.MethodPost, "/api/login", "", map[string]string{"email": "admin@example.com", "password": "admin-pass"})
	if w.Code != http.StatusOK {
		t.Fatalf("admin login: expected 200, got %d", w.Code)
	}

	if err := s.SeedAdmin(context.Background()); err != nil {
		t.Fatalf("second SeedAdmin() error = %v", err)
	}
	if len(users.byEmail) != 1 {
		t.Errorf("users = %d, want 1", len(users.byEmail))
	}
}
