package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ozon1688/internal/model"
	"ozon1688/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// TokenTTL JWT 有效期。
const TokenTTL = 24 * time.Hour

// UserStore 定义认证需要的用户存储。
type UserStore interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
}

// Handler 提供注册与登录接口。
type Handler struct {
	users      UserStore
	jwtSecret  []byte
	inviteCode string
	logger     *slog.Logger
}

// NewHandler 创建 Auth Handler。
func NewHandler(users UserStore, jwtSecret string, inviteCode string, logger *slog.Logger) *Handler {
	return &Handler{
		users:      users,
		jwtSecret:  []byte(jwtSecret),
		inviteCode: strings.TrimSpace(inviteCode),
		logger:     logger,
	}
}

type registerRequest struct {
	Email      string `json:"email" binding:"required,email"`
	Password   string `json:"password" binding:"required,min=6"`
	InviteCode string `json:"invite_code"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type customClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Register 创建新用户并直接签发 JWT。
//
// 邀请码为空时禁止注册。
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.inviteCode == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "registration disabled"})
		return
	}
	if strings.TrimSpace(req.InviteCode) != h.inviteCode {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid invite code"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "hash password failed"})
		return
	}

	user := model.User{
		Email:    req.Email,
		Password: string(hash),
		Role:     model.RoleUser,
	}
	if err := h.users.CreateUser(c.Request.Context(), &user); err != nil {
		if errors.Is(err, store.ErrUserExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "email already exists"})
			return
		}
		h.logger.Error("create user failed", slog.String("email", user.Email), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create user failed"})
		return
	}

	token, err := h.IssueToken(user.ID, user.Role)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign token failed"})
		return
	}

	h.logger.Info("user registered", slog.String("email", user.Email))
	c.JSON(http.StatusCreated, tokenResponse{Token: token})
}

// Login 校验用户并返回 JWT。
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.users.GetUserByEmail(c.Request.Context(), req.Email)
	if err != nil {
		if !errors.Is(err, store.ErrUserNotFound) {
			h.logger.Error("load user failed", slog.String("error", err.Error()))
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := h.IssueToken(user.ID, user.Role)
	if err != nil {
		h.logger.Error("sign token failed", slog.String("email", user.Email), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign token failed"})
		return
	}

	h.logger.Info("user logged in", slog.String("email", user.Email), slog.String("role", user.Role))
	c.JSON(http.StatusOK, tokenResponse{Token: token})
}

// IssueToken 为用户签发 HS256 JWT。
//
// 参数:
//   - userID: 用户 ID（写入 sub）
//   - role: 用户角色
//
// 返回值:
//   - string: 签名后的 token
//   - error: 签名失败时返回错误
func (h *Handler) IssueToken(userID uint, role string) (string, error) {
	now := time.Now()
	claims := customClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(userID), 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role: role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.jwtSecret)
}
