package importer

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/chatforge/jobs-service/internal/database"
	"github.com/chatforge/jobs-service/internal/queue"
)

func setupImporterTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	if testing.Short() {
		t.Skip("skipping importer test in short mode (requires Docker)")
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

// stubEnqueuer stands in for the embedding service
type stubEnqueuer struct {
	mu   sync.Mutex
	docs []string
}

func (s *stubEnqueuer) EnqueueDocument(ctx context.Context, documentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = append(s.docs, documentID)
	return 1, nil
}

func importerTestLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}

// testSite serves a base page linking to one good page and one broken one.
func testSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`<html><head><title>Home</title></head><body>
			<p>Welcome to the docs.</p>
			<a href="/good">Good page</a>
			<a href="/broken">Broken page</a>
		</body></html>`))
	})
	mux.HandleFunc("/good", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><title>Good</title></head><body><p>Useful content here.</p></body></html>`))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	return httptest.NewServer(mux)
}

func TestImportJobHappyAndFailedItems(t *testing.T) {
	pool, cleanup := setupImporterTestDB(t)
	defer cleanup()

	site := testSite(t)
	defer site.Close()

	ctx := context.Background()
	teamID := uuid.NewString()

	// One attempt per item so a bad page settles as failed in one pass.
	items := queue.NewStore(pool, Table, queue.Options{MaxAttempts: 1, StaleAfter: time.Minute})
	enqueuer := &stubEnqueuer{}
	svc := NewService(pool, items, enqueuer, importerTestLogger())

	job, err := svc.CreateJob(ctx, teamID, site.URL, 0)
	require.NoError(t, err)
	assert.Equal(t, "processing", job.Status)
	assert.Equal(t, 3, job.TotalCount)
	assert.Equal(t, 0, job.ProcessedCount)

	summary, err := svc.ProcessJob(ctx, job.ID, 10, "worker-test")
	require.NoError(t, err)

	// All three items settle in one pass: base and /good succeed, /broken
	// fails terminally. The parent completes despite the failure.
	assert.Equal(t, queue.Summary{Processed: 3, Succeeded: 2, Failed: 1}, summary.Cycle)
	assert.Equal(t, "completed", summary.Status)
	assert.Equal(t, 3, summary.ProcessedCount)
	assert.Equal(t, 2, summary.SuccessCount)
	assert.Equal(t, 1, summary.FailureCount)
	require.Len(t, summary.RecentFailures, 1)
	assert.Contains(t, summary.RecentFailures[0], "500")

	// Both successful pages became documents with chunks, and each
	// document was chained into the embedding queue.
	var docCount, chunkCount int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM documents WHERE team_id = $1`, teamID).Scan(&docCount))
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM document_chunks`).Scan(&chunkCount))
	assert.Equal(t, 2, docCount)
	assert.GreaterOrEqual(t, chunkCount, 2)
	assert.Len(t, enqueuer.docs, 2)
}

func TestImportJobRetryKeepsCountersConsistent(t *testing.T) {
	pool, cleanup := setupImporterTestDB(t)
	defer cleanup()

	// Every page 500s, so each item needs MaxAttempts passes to settle.
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			w.Write([]byte(`<a href="/down">Down</a>`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer site.Close()

	ctx := context.Background()
	teamID := uuid.NewString()

	items := queue.NewStore(pool, Table, queue.Options{MaxAttempts: 2, StaleAfter: time.Minute})
	svc := NewService(pool, items, &stubEnqueuer{}, importerTestLogger())

	job, err := svc.CreateJob(ctx, teamID, site.URL, 0)
	require.NoError(t, err)
	require.Equal(t, 2, job.TotalCount)

	// First pass only succeeds for the base page; /down goes back to
	// pending and must not move the counters yet.
	summary, err := svc.ProcessJob(ctx, job.ID, 10, "worker-test")
	require.NoError(t, err)
	assert.Equal(t, "processing", summary.Status)
	assert.Equal(t, 1, summary.ProcessedCount)
	assert.Equal(t, 1, summary.SuccessCount)
	assert.Equal(t, 0, summary.FailureCount)

	// Second pass exhausts the retry and settles the failure.
	summary, err = svc.ProcessJob(ctx, job.ID, 10, "worker-test")
	require.NoError(t, err)
	assert.Equal(t, "completed", summary.Status)
	assert.Equal(t, 2, summary.ProcessedCount)
	assert.Equal(t, 1, summary.SuccessCount)
	assert.Equal(t, 1, summary.FailureCount)

	// The invariant holds at every step.
	assert.Equal(t, summary.ProcessedCount, summary.SuccessCount+summary.FailureCount)
}

func TestImportJobCountersRecoverFromLostUpdate(t *testing.T) {
	pool, cleanup := setupImporterTestDB(t)
	defer cleanup()

	site := testSite(t)
	defer site.Close()

	ctx := context.Background()
	teamID := uuid.NewString()

	items := queue.NewStore(pool, Table, queue.Options{MaxAttempts: 1, StaleAfter: time.Minute})
	svc := NewService(pool, items, &stubEnqueuer{}, importerTestLogger())

	job, err := svc.CreateJob(ctx, teamID, site.URL, 0)
	require.NoError(t, err)

	summary, err := svc.ProcessJob(ctx, job.ID, 10, "worker-test")
	require.NoError(t, err)
	require.Equal(t, "completed", summary.Status)

	// Simulate counter recomputes lost to a transient error: the items
	// are settled but the parent never heard about them.
	_, err = pool.Exec(ctx, `
		UPDATE import_jobs
		SET status = 'processing', processed_count = 0,
		    success_count = 0, failure_count = 0
		WHERE id = $1
	`, job.ID)
	require.NoError(t, err)

	// The next processing pass derives the counters from the item rows
	// and finalizes the parent, even with nothing left to lease.
	summary, err = svc.ProcessJob(ctx, job.ID, 10, "worker-test")
	require.NoError(t, err)
	assert.Equal(t, queue.Summary{}, summary.Cycle)
	assert.Equal(t, "completed", summary.Status)
	assert.Equal(t, 3, summary.ProcessedCount)
	assert.Equal(t, 2, summary.SuccessCount)
	assert.Equal(t, 1, summary.FailureCount)
}

func TestImportJobReimportReplacesChunks(t *testing.T) {
	pool, cleanup := setupImporterTestDB(t)
	defer cleanup()

	content := `<html><head><title>V1</title></head><body><p>First version.</p></body></html>`
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, content)
	}))
	defer site.Close()

	ctx := context.Background()
	teamID := uuid.NewString()

	items := queue.NewStore(pool, Table, queue.Options{MaxAttempts: 1, StaleAfter: time.Minute})
	svc := NewService(pool, items, &stubEnqueuer{}, importerTestLogger())

	job, err := svc.CreateJob(ctx, teamID, site.URL, 1)
	require.NoError(t, err)
	_, err = svc.ProcessJob(ctx, job.ID, 10, "worker-test")
	require.NoError(t, err)

	// Re-import the same URL with new content; the document row is reused
	// and its chunk set replaced.
	content = `<html><head><title>V2</title></head><body><p>Second version entirely.</p></body></html>`
	job2, err := svc.CreateJob(ctx, teamID, site.URL, 1)
	require.NoError(t, err)
	_, err = svc.ProcessJob(ctx, job2.ID, 10, "worker-test")
	require.NoError(t, err)

	var docCount int
	var title string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM documents WHERE team_id = $1`, teamID).Scan(&docCount))
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT title FROM documents WHERE team_id = $1`, teamID).Scan(&title))
	assert.Equal(t, 1, docCount)
	assert.Equal(t, "V2", title)

	var chunks []string
	rows, err := pool.Query(ctx, `SELECT content FROM document_chunks ORDER BY position`)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var c string
		require.NoError(t, rows.Scan(&c))
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0], "Second version")
}

func TestProcessJobUnknownID(t *testing.T) {
	pool, cleanup := setupImporterTestDB(t)
	defer cleanup()

	items := queue.NewStore(pool, Table, queue.DefaultOptions())
	svc := NewService(pool, items, &stubEnqueuer{}, importerTestLogger())

	_, err := svc.ProcessJob(context.Background(), uuid.NewString(), 10, "worker-test")
	assert.ErrorIs(t, err, ErrNotFound)
}
