package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"NeighborChat/server/internal/models"
)

// AuthService resolves bearer credentials to a stable user id.
type AuthService interface {
	Authenticate(ctx context.Context, token string) (string, error)
	IssueToken(userID, username string, ttl time.Duration) (string, error)
}

type authService struct {
	secret []byte
	users  UserService
	logger zerolog.Logger
}

func NewAuthService(secret string, users UserService, logger zerolog.Logger) *authService {
	return &authService{
		secret: []byte(secret),
		users:  users,
		logger: logger.With().Str("service", "auth").Logger(),
	}
}

func (as *authService) Authenticate(ctx context.Context, tokenStr string) (string, error) {
	if tokenStr == "" {
		return "", errors.Wrap(models.ErrUnauthenticated, "missing token")
	}

	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("invalid signing method %v", token.Header["alg"])
		}
		return as.secret, nil
	})
	if err != nil || !token.Valid {
		as.logger.Debug().Err(err).Msg("invalid token")
		return "", errors.Wrap(models.ErrUnauthenticated, "invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.Wrap(models.ErrUnauthenticated, "invalid claims")
	}
	userID := claimString(claims, "user_id")
	if userID == "" {
		userID = claimString(claims, "sub")
	}
	if userID == "" {
		return "", errors.Wrap(models.ErrUnauthenticated, "token has no subject")
	}

	user := models.User{ID: userID, Username: claimString(claims, "username")}
	if email := claimString(claims, "email"); email != "" {
		user.Email = &email
	}
	if err := as.users.EnsureUser(ctx, user); err != nil {
		return "", err
	}
	return userID, nil
}

func (as *authService) IssueToken(userID, username string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"user_id":  userID,
		"username": username,
		"iat":      time.Now().Unix(),
		"exp":      time.Now().Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(as.secret)
}

func claimString(claims jwt.MapClaims, key string) string {
	switch v := claims[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	}
	return ""
}
