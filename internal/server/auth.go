package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"go-modelwatch/internal/cluster"
)

const (
	clusterHeader = cluster.SecretHeader
	tokenTTL      = 12 * time.Hour
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) login(c *gin.Context) {
	if s.pwHash == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "management API disabled: no admin password configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}
	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.cfg.AdminUsername)) == 1
	if bcrypt.CompareHashAndPassword(s.pwHash, []byte(req.Password)) != nil || !userOK {
		s.log.Warn("failed login", "user", req.Username, "ip", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   req.Username,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	})
	signed, err := token.SignedString(s.cfg.JWTKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not sign token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": signed, "expiresAt": now.Add(tokenTTL)})
}

func (s *Server) validToken(c *gin.Context) bool {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return false
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(parts[1], claims, func(*jwt.Token) (interface{}, error) {
		return s.cfg.JWTKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return false
	}
	c.Set("user", claims.Subject)
	return true
}

func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.pwHash == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "management API disabled"})
			return
		}
		if !s.validToken(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
			return
		}
		c.Next()
	}
}

// requireAdminOrPeer also admits the cluster peer by its shared secret.
func (s *Server) requireAdminOrPeer() gin.HandlerFunc {
	admin := s.requireAdmin()
	return func(c *gin.Context) {
		key := c.GetHeader(clusterHeader)
		if s.cfg.ClusterKey != "" && subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.ClusterKey)) == 1 {
			c.Next()
			return
		}
		admin(c)
	}
}
