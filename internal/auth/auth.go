package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrKeyNotFound = errors.New("api key not found")

const (
	KeyPrefix     = "atan_sk_live_"
	keyRandLen    = 32
	keyAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	visiblePrefix = 12
	cacheTTL      = 5 * time.Minute
)

type APIKey struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	KeyHash   string     `json:"-"`
	KeyPrefix string     `json:"keyPrefix"`
	Name      string     `json:"name"`
	Active    bool       `json:"isActive"`
	LastUsed  *time.Time `json:"lastUsed,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// cachedKey is the Redis representation; KeyHash is hidden from API JSON.
type cachedKey struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (a *APIKey) MarshalBinary() ([]byte, error) {
	return json.Marshal(cachedKey{ID: a.ID, UserID: a.UserID})
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (a *APIKey) UnmarshalBinary(data []byte) error {
	var c cachedKey
	if err := json.Unmarshal(data, &c); err != nil {
		return err
	}
	a.ID, a.UserID, a.Active = c.ID, c.UserID, true
	return nil
}

type Store interface {
	GetByKey(ctx context.Context, key string) (*APIKey, error)
	Create(ctx context.Context, apiKey *APIKey) error
	ListByUser(ctx context.Context, userID string) ([]*APIKey, error)
	Revoke(ctx context.Context, keyID string) error
}

// GenerateKey returns a new secret key and its unsaved record. The secret is
// only available at creation time.
func GenerateKey(userID, name string) (string, *APIKey, error) {
	var b strings.Builder
	b.WriteString(KeyPrefix)
	alphabetLen := big.NewInt(int64(len(keyAlphabet)))
	for i := 0; i < keyRandLen; i++ {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", nil, fmt.Errorf("failed to generate api key: %w", err)
		}
		b.WriteByte(keyAlphabet[n.Int64()])
	}
	key := b.String()

	if name == "" {
		name = "API Key"
	}
	return key, &APIKey{
		UserID:    userID,
		KeyHash:   HashKey(key),
		KeyPrefix: MaskKey(key),
		Name:      name,
		Active:    true,
	}, nil
}

func HashKey(key string) string {
	h := sha256.New()
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

// MaskKey keeps the first 12 characters and hides the rest.
func MaskKey(key string) string {
	if len(key) <= visiblePrefix {
		return key
	}
	return key[:visiblePrefix] + strings.Repeat("•", 28)
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	userIDKey    contextKey = "user_id"
	apiKeyIDKey  contextKey = "api_key_id"
	requestIDKey contextKey = "request_id"
)

func NewMiddleware(store Store, cache *redis.Client) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			// Reuse the router's request ID so logs and traces agree.
			requestID := chimiddleware.GetReqID(ctx)
			if requestID == "" {
				requestID = uuid.New().String()
			}
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "API key required")
				return
			}
			key := strings.TrimPrefix(authHeader, "Bearer ")
			if !strings.HasPrefix(key, "atan_sk_") {
				writeError(w, http.StatusUnauthorized, "Invalid API key")
				return
			}

			redisKey := fmt.Sprintf("auth:%s", HashKey(key))

			var apiKey APIKey
			err := cache.Get(ctx, redisKey).Scan(&apiKey)
			if err == nil {
				ctx = context.WithValue(ctx, userIDKey, apiKey.UserID)
				ctx = context.WithValue(ctx, apiKeyIDKey, apiKey.ID)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			} else if err != redis.Nil {
				log.Printf("auth: redis error: %v", err)
			}

			apiK, err := store.GetByKey(ctx, key)
			if err != nil {
				if errors.Is(err, ErrKeyNotFound) {
					writeError(w, http.StatusUnauthorized, "Invalid API key")
					return
				}
				log.Printf("auth: lookup failed: %v", err)
				writeError(w, http.StatusInternalServerError, "Internal Server Error")
				return
			}

			_ = cache.Set(ctx, redisKey, apiK, cacheTTL).Err()

			ctx = context.WithValue(ctx, userIDKey, apiK.UserID)
			ctx = context.WithValue(ctx, apiKeyIDKey, apiK.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Invalidate drops a cached key, e.g. after revocation.
func Invalidate(ctx context.Context, cache *redis.Client, keyHash string) error {
	return cache.Del(ctx, fmt.Sprintf("auth:%s", keyHash)).Err()
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}

func GetAPIKeyID(ctx context.Context) string {
	if id, ok := ctx.Value(apiKeyIDKey).(string); ok {
		return id
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func WithAPIKeyID(ctx context.Context, apiKeyID string) context.Context {
	return context.WithValue(ctx, apiKeyIDKey, apiKeyID)
}
