package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/chatforge/jobs-service/internal/database"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		expected string
	}{
		{"Valid", "Bearer abc123", "abc123"},
		{"Lowercase scheme", "bearer abc123", "abc123"},
		{"Empty", "", ""},
		{"No scheme", "abc123", ""},
		{"Wrong scheme", "Basic abc123", ""},
		{"Scheme only", "Bearer", ""},
		{"Extra whitespace", "Bearer   abc123 ", "abc123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, bearerToken(tt.header))
		})
	}
}

func TestWorkerSecretAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/trigger", WorkerSecretAuth("s3cret"), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	tests := []struct {
		name   string
		secret string
		code   int
	}{
		{"Correct secret", "s3cret", http.StatusOK},
		{"Wrong secret", "guess", http.StatusUnauthorized},
		{"Missing header", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPost, "/trigger", nil)
			if tt.secret != "" {
				req.Header.Set(WorkerSecretHeader, tt.secret)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.code, w.Code)
		})
	}
}

func TestWorkerSecretAuthUnsetSecretClosesEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/trigger", WorkerSecretAuth(""), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	req, _ := http.NewRequest(http.MethodPost, "/trigger", nil)
	req.Header.Set(WorkerSecretHeader, "")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func setupAuthTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	if testing.Short() {
		t.Skip("skipping auth test in short mode (requires Docker)")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "Failed to start postgres container")

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	config, err := pgxpool.ParseConfig(connStr)
	require.NoError(t, err)

	pool, err := pgxpool.NewWithConfig(ctx, config)
	require.NoError(t, err)

	require.NoError(t, database.Migrate(ctx, pool))

	cleanup := func() {
		pool.Close()
		testcontainers.TerminateContainer(container)
	}
	return pool, cleanup
}

func TestSessionAuth(t *testing.T) {
	pool, cleanup := setupAuthTestDB(t)
	defer cleanup()

	ctx := context.Background()
	userID := uuid.NewString()
	teamID := uuid.NewString()

	token := "session-token-value"
	sum := sha256.Sum256([]byte(token))
	_, err := pool.Exec(ctx, `
		INSERT INTO sessions (token_hash, user_id, team_id, expires_at)
		VALUES ($1, $2, $3, NOW() + INTERVAL '1 hour')
	`, hex.EncodeToString(sum[:]), userID, teamID)
	require.NoError(t, err)

	expiredToken := "expired-token-value"
	expiredSum := sha256.Sum256([]byte(expiredToken))
	_, err = pool.Exec(ctx, `
		INSERT INTO sessions (token_hash, user_id, team_id, expires_at)
		VALUES ($1, $2, $3, NOW() - INTERVAL '1 hour')
	`, hex.EncodeToString(expiredSum[:]), userID, teamID)
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/me", SessionAuth(func() *pgxpool.Pool { return pool }), func(c *gin.Context) {
		id, ok := GetIdentity(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"userId": id.UserID, "teamId": id.TeamID})
	})

	tests := []struct {
		name   string
		header string
		code   int
	}{
		{"Valid session", "Bearer " + token, http.StatusOK},
		{"Expired session", "Bearer " + expiredToken, http.StatusUnauthorized},
		{"Unknown token", "Bearer nope", http.StatusUnauthorized},
		{"Missing header", "", http.StatusUnauthorized},
		{"Raw token without scheme", token, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.code, w.Code)
			if tt.code == http.StatusOK {
				assert.Contains(t, w.Body.String(), userID)
				assert.Contains(t, w.Body.String(), teamID)
			}
		})
	}
}
