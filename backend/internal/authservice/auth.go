package authservice

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"boardServer/backend/internal/model"
	"boardServer/backend/internal/store"
)

type loginReq struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type registerReq struct {
	Username    string `json:"username" binding:"required,max=64"`
	Password    string `json:"password" binding:"required,min=6"`
	DisplayName string `json:"displayName" binding:"max=128"`
}

type refreshReq struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

// Handler /v1/auth 下的登录、注册、刷新
type Handler struct {
	users  UserStore
	signer *Signer
}

func NewHandler(users UserStore, signer *Signer) *Handler {
	return &Handler{users: users, signer: signer}
}

func (h *Handler) Register(c *gin.Context) {
	var req registerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "hash password failed"})
		return
	}
	u := &model.User{
		Username:     strings.TrimSpace(req.Username),
		DisplayName:  req.DisplayName,
		PasswordHash: hash,
	}
	if err := h.users.CreateUser(c.Request.Context(), u); err != nil {
		if errors.Is(err, store.ErrUsernameTaken) {
			c.JSON(http.StatusConflict, gin.H{"code": "USERNAME_TAKEN", "message": "username already exists"})
			return
		}
		log.WithError(err).Error("register: create user")
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "create user failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": u})
}

func (h *Handler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	u, err := h.users.GetUserByUsername(c.Request.Context(), req.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "invalid username or password"})
			return
		}
		log.WithError(err).Error("login: load user")
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "load user failed"})
		return
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "invalid username or password"})
		return
	}
	h.issue(c, u.ID, u.Username, PrincipalOf(u))
}

// Refresh 用 refresh 令牌换一对新令牌
func (h *Handler) Refresh(c *gin.Context) {
	var req refreshReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	claims, err := h.signer.ParseToken(req.RefreshToken)
	if err != nil || claims.Type != TokenRefresh {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "invalid refresh token"})
		return
	}
	u, err := h.users.GetUser(c.Request.Context(), claims.UserID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "unknown user"})
		return
	}
	h.issue(c, u.ID, u.Username, PrincipalOf(u))
}

func (h *Handler) issue(c *gin.Context, userID uint64, username string, p Principal) {
	access, accessExp, err := h.signer.SignAccessToken(userID, username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "sign access token failed"})
		return
	}
	refresh, _, err := h.signer.SignRefreshToken(userID, username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "sign refresh token failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"accessToken":  access,
		"refreshToken": refresh,
		"expiresAt":    accessExp,
		"expiresIn":    int(h.signer.AccessTTL.Seconds()),
		"tokenType":    "Bearer",
		"principal":    p,
	})
}
