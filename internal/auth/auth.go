package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/avdonin/pointsmarket/internal/config"
)

// Auth - адаптер внешнего шлюза авторизации. Проверяет подписанный
// токен и передает хендлерам только личность вызывающего. Роль из
// токена носит справочный характер: движок сверяет ее с хранилищем
type Auth interface {
	Middleware(h http.HandlerFunc) http.HandlerFunc
	BuildJWT(accountID string, role string) (string, error)
}

const (
	HeaderAccountKey = "X-Pointsmarket-Account"
	cookieUserToken  = "pointsmarketUserToken"
)

var ErrInvalidToken = errors.New("invalid token")

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

type auth struct {
	cfg config.AuthConfig
}

func NewAuth(cfg config.AuthConfig) Auth {
	return &auth{cfg: cfg}
}

func (a *auth) Middleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// личность вызывающего
		accountID, err := a.getAccount(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		// записываем
		r.Header.Set(HeaderAccountKey, accountID)

		// передаем управление хендлеру
		h.ServeHTTP(w, r)
	}
}

func (a *auth) getAccount(r *http.Request) (string, error) {
	// токен из куки либо из заголовка Authorization
	var tokenString string
	if cookie, err := r.Cookie(cookieUserToken); err == nil {
		tokenString = cookie.Value
	} else if header := r.Header.Get("Authorization"); len(header) > 7 && header[:7] == "Bearer " {
		tokenString = header[7:]
	} else {
		return "", ErrInvalidToken
	}

	parsed := &claims{}
	token, err := jwt.ParseWithClaims(tokenString, parsed, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(a.cfg.JWTSecret), nil
	})
	if err != nil {
		return "", err
	}
	if !token.Valid || parsed.Subject == "" {
		return "", ErrInvalidToken
	}
	return parsed.Subject, nil
}

// BuildJWT выпускает токен для шлюза авторизации и тестов
func (a *auth) BuildJWT(accountID string, role string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(a.cfg.TokenTTL)),
		},
		Role: role,
	})
	return token.SignedString([]byte(a.cfg.JWTSecret))
}
