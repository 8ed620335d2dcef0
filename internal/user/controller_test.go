package user

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"marketplace_api/internal/apperror"
	"marketplace_api/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockUserService is a mock implementation of UserServiceInterface
type MockUserService struct {
	mock.Mock
}

func (m *MockUserService) Register(ctx context.Context, email, username, password string) (*User, error) {
	args := m.Called(email, username, password)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*User), args.Error(1)
}

func (m *MockUserService) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	args := m.Called(email, password)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*LoginResult), args.Error(1)
}

func (m *MockUserService) GetUserByID(ctx context.Context, id int) (*User, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*User), args.Error(1)
}

func setupTestRouter(service UserServiceInterface) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	controller := NewUserController(service)

	router.POST("/auth/register", controller.Register)
	router.POST("/auth/login", controller.Login)
	router.GET("/auth/me", func(c *gin.Context) {
		if id := c.GetHeader("X-Test-User"); id == "5" {
			c.Set(auth.UserIDKey, 5)
		}
		controller.Me(c)
	})
	return router
}

func doJSON(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRegisterHandler_Created(t *testing.T) {
	mockService := new(MockUserService)
	router := setupTestRouter(mockService)

	mockService.On("Register", "alice@example.com", "alice", "secret123").
		Return(&User{ID: 1, Email: "alice@example.com", Username: "alice", Password: "$2a$10$hash"}, nil)

	w := doJSON(router, http.MethodPost, "/auth/register",
		`{"email":"alice@example.com","username":"alice","password":"secret123"}`)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.NotContains(t, w.Body.String(), "$2a$10$hash")
	assert.NotContains(t, w.Body.String(), "password")

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "User created successfully", resp["message"])
	mockService.AssertExpectations(t)
}

func TestRegisterHandler_Conflict(t *testing.T) {
	mockService := new(MockUserService)
	router := setupTestRouter(mockService)

	mockService.On("Register", "alice@example.com", "alice", "secret123").
		Return(nil, apperror.Conflict("email already registered"))

	w := doJSON(router, http.MethodPost, "/auth/register",
		`{"email":"alice@example.com","username":"alice","password":"secret123"}`)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "email already registered")
}

func TestRegisterHandler_MalformedBody(t *testing.T) {
	mockService := new(MockUserService)
	router := setupTestRouter(mockService)

	w := doJSON(router, http.MethodPost, "/auth/register", `{"email":`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	mockService.AssertNotCalled(t, "Register")
}

func TestLoginHandler_Success(t *testing.T) {
	mockService := new(MockUserService)
	router := setupTestRouter(mockService)

	mockService.On("Login", "alice@example.com", "secret123").Return(&LoginResult{
		Token:     "signed.jwt.token",
		TokenType: "Bearer",
		ExpiresAt: time.Now().Add(time.Hour),
		User:      &User{ID: 1, Email: "alice@example.com", Username: "alice"},
	}, nil)

	w := doJSON(router, http.MethodPost, "/auth/login", `{"email":"alice@example.com","password":"secret123"}`)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "signed.jwt.token", resp["token"])
	assert.Equal(t, "Bearer", resp["token_type"])
	assert.Contains(t, resp, "user")
}

func TestLoginHandler_InvalidCredentials(t *testing.T) {
	mockService := new(MockUserService)
	router := setupTestRouter(mockService)

	mockService.On("Login", "alice@example.com", "nope").Return(nil, ErrInvalidCredentials)

	w := doJSON(router, http.MethodPost, "/auth/login", `{"email":"alice@example.com","password":"nope"}`)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_credentials")
}

func TestMeHandler(t *testing.T) {
	mockService := new(MockUserService)
	router := setupTestRouter(mockService)

	mockService.On("GetUserByID", 5).Return(&User{ID: 5, Username: "eve"}, nil)

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("X-Test-User", "5")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "eve")

	req = httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
