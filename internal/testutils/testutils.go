//go:build integration

// Package testutils provides shared test infrastructure for integration tests.
package testutils

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/s3blob"
)

// Preamble is the banner the report server prints before the CSV header.
const Preamble = "Reporte de regularizacion\nGenerado: 2025-01-01\n\n"

// Partition renders one report extract: the preamble, a header and rows
// kept rows with LM ids followed by one row with a foreign id.
func Partition(categoryID, year int, status string, rows int) []byte {
	b := []byte(Preamble + "NumeroTramite,Nombre,Estado\n")
	for i := 0; i < rows; i++ {
		b = fmt.Appendf(b, "LM%d-%d-%s-%04d,Persona %d,%s\n", categoryID, year, status, i, i, status)
	}
	return fmt.Appendf(b, "XX%d-%d-%s,Externo,%s\n", categoryID, year, status, status)
}

// ReportServer fakes the report server's CSV export endpoint. Requests must
// carry the configured basic-auth credentials when User is set.
type ReportServer struct {
	*httptest.Server

	User     string
	Password string

	// Rows is the number of kept rows per partition.
	Rows int

	mu       sync.Mutex
	fail     map[int]int
	requests map[string]int
}

// StartReportServer starts a fake report server.
func StartReportServer(t *testing.T, user, password string) *ReportServer {
	t.Helper()

	s := &ReportServer{
		User:     user,
		Password: password,
		Rows:     3,
		fail:     make(map[int]int),
		requests: make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// FailCategory makes every request for categoryID answer with code.
func (s *ReportServer) FailCategory(categoryID, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[categoryID] = code
}

// Requests returns how many requests were made for one partition.
func (s *ReportServer) Requests(categoryID, year int, status string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[fmt.Sprintf("%d/%d/%s", categoryID, year, status)]
}

func (s *ReportServer) serve(w http.ResponseWriter, r *http.Request) {
	if s.User != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.User || pass != s.Password {
			w.Header().Set("WWW-Authenticate", `Basic realm="ReportServer"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	q := r.URL.Query()
	id, err := strconv.Atoi(q.Get("nidtipoTramite"))
	if err != nil {
		http.Error(w, "bad nidtipoTramite", http.StatusBadRequest)
		return
	}
	year, err := strconv.Atoi(q.Get("anio"))
	if err != nil {
		http.Error(w, "bad anio", http.StatusBadRequest)
		return
	}
	status := q.Get("EstadoTramite")

	s.mu.Lock()
	s.requests[fmt.Sprintf("%d/%d/%s", id, year, status)]++
	code, failing := s.fail[id]
	s.mu.Unlock()

	if failing {
		w.WriteHeader(code)
		return
	}

	body := Partition(id, year, status, s.Rows)
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Write(body)
}

// MinioEnv describes a running MinIO server with one bucket.
type MinioEnv struct {
	Container testcontainers.Container
	Bucket    string
	BucketURL string
	Endpoint  string
}

// Close terminates the MinIO container.
func (e *MinioEnv) Close(ctx context.Context) error {
	if e.Container != nil {
		return e.Container.Terminate(ctx)
	}
	return nil
}

// OpenBucket opens the environment's bucket through the s3blob driver.
func (e *MinioEnv) OpenBucket(ctx context.Context) (*blob.Bucket, error) {
	return blob.OpenBucket(ctx, e.BucketURL)
}

const (
	minioUser     = "minioadmin"
	minioPassword = "minioadmin"
)

// StartMinioContainer starts MinIO on a private network, creates bucket with
// a short-lived mc container and exports the AWS credentials the s3blob
// driver reads from the environment.
func StartMinioContainer(t *testing.T, ctx context.Context, bucket string) *MinioEnv {
	t.Helper()

	netName := fmt.Sprintf("reportsync-minio-%d", time.Now().UnixNano())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{Name: netName},
	})
	if err != nil {
		t.Fatalf("create network: %v", err)
	}
	t.Cleanup(func() { network.Remove(ctx) })

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:          "minio/minio:latest",
			ExposedPorts:   []string{"9000/tcp"},
			Networks:       []string{netName},
			NetworkAliases: map[string][]string{netName: {"minio"}},
			Env: map[string]string{
				"MINIO_ROOT_USER":     minioUser,
				"MINIO_ROOT_PASSWORD": minioPassword,
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/ready").WithPort("9000"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start minio container: %v", err)
	}

	makeBucket(t, ctx, netName, bucket)

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("get container port: %v", err)
	}
	endpoint := fmt.Sprintf("%s:%s", host, port.Port())

	t.Setenv("AWS_ACCESS_KEY_ID", minioUser)
	t.Setenv("AWS_SECRET_ACCESS_KEY", minioPassword)

	return &MinioEnv{
		Container: container,
		Bucket:    bucket,
		BucketURL: fmt.Sprintf("s3://%s?endpoint=http://%s&use_path_style=true&disable_https=true&region=us-east-1", bucket, endpoint),
		Endpoint:  endpoint,
	}
}

func makeBucket(t *testing.T, ctx context.Context, netName, bucket string) {
	t.Helper()

	script := fmt.Sprintf("mc alias set local http://minio:9000 %s %s && mc mb --ignore-existing local/%s",
		minioUser, minioPassword, bucket)

	mc, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:      "minio/mc:latest",
			Networks:   []string{netName},
			Entrypoint: []string{"/bin/sh", "-c"},
			Cmd:        []string{script},
			WaitingFor: wait.ForExit(),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("create bucket %s: %v", bucket, err)
	}
	defer mc.Terminate(ctx)

	state, err := mc.State(ctx)
	if err != nil {
		t.Fatalf("inspect mc container: %v", err)
	}
	if state.ExitCode != 0 {
		t.Fatalf("mc exited with %d creating bucket %s", state.ExitCode, bucket)
	}
}

// PostgresEnv contains connection information for a Postgres test
// environment.
type PostgresEnv struct {
	Container testcontainers.Container
	DSN       string
}

// Close terminates the Postgres container.
func (e *PostgresEnv) Close(ctx context.Context) error {
	if e.Container != nil {
		return e.Container.Terminate(ctx)
	}
	return nil
}

// StartPostgresContainer starts a throwaway Postgres server and returns its
// DSN.
func StartPostgresContainer(t *testing.T, ctx context.Context) *PostgresEnv {
	t.Helper()

	const (
		user     = "reportsync"
		password = "reportsync"
		database = "reportsync"
	)

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     user,
			"POSTGRES_PASSWORD": password,
			"POSTGRES_DB":       database,
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(2 * time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("get container port: %v", err)
	}

	return &PostgresEnv{
		Container: container,
		DSN:       fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port.Port(), database),
	}
}
