package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/dkeye/liveroom/internal/domain"
)

const userKey = "user"

var ErrInvalidToken = errors.New("invalid or expired token")

// Claims is what the authentication service signs for us. Subject is the
// user id.
type Claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// Verifier checks identity tokens. It never issues them.
type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

func (v *Verifier) Verify(token string) (*domain.User, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	name := claims.Name
	if name == "" {
		name = claims.Subject
	}
	return domain.NewUser(claims.Subject, name)
}

// AuthMiddleware takes the token from the Authorization header, or from the
// token query parameter for browsers opening a WebSocket.
func AuthMiddleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c.Request)
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": "unauthorized", "message": "missing authorization"}})
			return
		}
		user, err := v.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": "unauthorized", "message": err.Error()}})
			return
		}
		c.Set(userKey, *user)
		c.Next()
	}
}

func currentUser(c *gin.Context) domain.User {
	u, _ := c.Get(userKey)
	user, _ := u.(domain.User)
	return user
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}
