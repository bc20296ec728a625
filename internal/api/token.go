package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// HashToken возвращает bcrypt-хэш токена администратора для admin.token_hash
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// tokenMiddleware проверяет Bearer-токен по bcrypt-хэшу. Пустой хэш отключает проверку.
func (rs *RestServer) tokenMiddleware() gin.HandlerFunc {
	hash := []byte(rs.cfg.TokenHash)
	return func(c *gin.Context) {
		if len(hash) == 0 {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, GenericResponse{
				Success: false,
				Message: "Отсутствует токен авторизации",
			})
			c.Abort()
			return
		}

		// Формат "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, GenericResponse{
				Success: false,
				Message: "Неверный формат токена",
			})
			c.Abort()
			return
		}

		if err := bcrypt.CompareHashAndPassword(hash, []byte(parts[1])); err != nil {
			rs.log.Warn("Отклонён запрос %s: недействительный токен", c.Request.URL.Path)
			c.JSON(http.StatusUnauthorized, GenericResponse{
				Success: false,
				Message: "Недействительный токен",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
