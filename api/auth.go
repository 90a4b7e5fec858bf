package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

type adminLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// AdminToken issues a bearer token for the admin endpoints against the
// operator credentials from config.
func (s *Server) AdminToken(c echo.Context) error {
	var req adminLoginRequest
	if err := c.Bind(&req); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	if s.adminUser == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "admin access is not configured"})
	}
	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.adminUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.adminPass)) == 1
	if !userOK || !passOK {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
	}
	token, err := s.authService.GenerateToken()
	if err != nil {
		return fmt.Errorf("fail to generate token, err: %w", err)
	}
	return c.JSON(http.StatusOK, tokenResponse{Token: token})
}

// RefreshAdminToken trades a still-valid token for a fresh one.
func (s *Server) RefreshAdminToken(c echo.Context) error {
	var req tokenResponse
	if err := c.Bind(&req); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	token, err := s.authService.RefreshToken(req.Token)
	if err != nil {
		s.logger.Warnf("fail to refresh token, err: %v", err)
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
	return c.JSON(http.StatusOK, tokenResponse{Token: token})
}
