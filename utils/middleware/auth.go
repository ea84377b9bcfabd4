package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/lessonforge/api/utils/auth"
	"github.com/lessonforge/api/utils/response"
)

// Role names as issued by the auth service
const (
	RoleTeacher = "teacher"
	RoleStudent = "student"
)

// AuthMiddleware verifies bearer tokens and exposes the authenticated
// identity to handlers. Authentication itself (login, registration, token
// versioning) lives in the external auth service; this middleware only
// checks the signature and claims.
type AuthMiddleware struct {
	jwtManager *auth.JWTManager
}

// NewAuthMiddleware creates a new auth middleware
func NewAuthMiddleware(jwtManager *auth.JWTManager) *AuthMiddleware {
	return &AuthMiddleware{jwtManager: jwtManager}
}

// Required is middleware that requires a valid JWT token
func (m *AuthMiddleware) Required() fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return response.Unauthorized(c, "Missing authorization token")
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return response.Unauthorized(c, "Invalid authorization format")
		}

		claims, err := m.jwtManager.ValidateToken(parts[1])
		if err != nil {
			if err == auth.ErrExpiredToken {
				return response.Unauthorized(c, "Token has expired")
			}
			return response.Unauthorized(c, "Invalid token")
		}

		c.Locals("user_id", claims.UserID)
		c.Locals("user_role", claims.Role)

		return c.Next()
	}
}

// RequireTeacher restricts a route to teacher accounts. Must run after
// Required.
func (m *AuthMiddleware) RequireTeacher() fiber.Handler {
	return func(c *fiber.Ctx) error {
		role, _ := c.Locals("user_role").(string)
		if role != RoleTeacher {
			return response.Forbidden(c, "Teacher role required")
		}
		return c.Next()
	}
}

// GetUserID returns the authenticated user's ID from the request context
func GetUserID(c *fiber.Ctx) (uint, bool) {
	id, ok := c.Locals("user_id").(uint)
	return id, ok
}

// GetRole returns the authenticated user's role from the request context
func GetRole(c *fiber.Ctx) string {
	role, _ := c.Locals("user_role").(string)
	return role
}
