package main

import (
	"bytes"
	"flag"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const preamble = "Reporte de regularizacion\nGenerado: 2025-01-01\n\n"

// captureOutput redirects the command streams for one test.
func captureOutput(t *testing.T) (out, errOut *bytes.Buffer) {
	t.Helper()
	out, errOut = &bytes.Buffer{}, &bytes.Buffer{}
	prevOut, prevErr := stdout, stderr
	stdout, stderr = out, errOut
	t.Cleanup(func() { stdout, stderr = prevOut, prevErr })
	return out, errOut
}

// writeConfig writes a small configuration rooted in a temp directory and
// returns its path and the output directory.
func writeConfig(t *testing.T, baseURL string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	output := filepath.Join(dir, "descargas")
	cfg := fmt.Sprintf(`base_url: %s
output_dir: %s
credentials_file: %s
auth: none
workers: 2
inter_chunk_delay: 0s
categories:
  - name: CCM
    id: 58
years: [2024]
statuses: [A, P]
retry:
  attempts: 2
  backoff: 1ms
  max_jitter: 0s
lock:
  wait_timeout: 1s
  wait_interval: 5ms
log:
  level: error
`, baseURL, output, filepath.Join(dir, "credentials.json"))
	path := filepath.Join(dir, "reportsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path, output
}

func TestRunUsage(t *testing.T) {
	_, errOut := captureOutput(t)

	assert.Equal(t, ExitInvalidArgs, run(nil))
	assert.Equal(t, ExitSuccess, run([]string{"help"}))
	assert.Equal(t, ExitInvalidArgs, run([]string{"frobnicate"}))
	assert.Contains(t, errOut.String(), "Unknown command: frobnicate")
	assert.Equal(t, ExitSuccess, run([]string{"download", "-h"}))
}

func TestDownloadInvalidMode(t *testing.T) {
	captureOutput(t)
	cfgPath, _ := writeConfig(t, "http://127.0.0.1:1/ReportServer")

	assert.Equal(t, ExitInvalidArgs, run([]string{"download", "-config", cfgPath, "-mode", "consolidate"}))
	assert.Equal(t, ExitInvalidArgs, run([]string{"download", "-config", cfgPath, "-mode", "sometimes"}))
	assert.Equal(t, ExitInvalidArgs, run([]string{"download", "-config", cfgPath, "-modules", "NOPE"}))
}

func TestDownloadAndConsolidate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("EstadoTramite")
		fmt.Fprintf(w, "%sNumeroTramite,Nombre\nLM-%s,ok\nZZ-%s,no\n", preamble, status, status)
	}))
	defer server.Close()

	out, errOut := captureOutput(t)
	cfgPath, output := writeConfig(t, server.URL)

	code := run([]string{"download", "-config", cfgPath, "-mode", "all"})
	require.Equal(t, ExitSuccess, code, errOut.String())

	consolidated := filepath.Join(output, "CCM", "consolidado_total_CCM.csv")
	data, err := os.ReadFile(consolidated)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"LM-A","ok","2024_A.csv"`)
	assert.Contains(t, string(data), `"LM-P","ok","2024_P.csv"`)
	assert.Contains(t, errOut.String(), "2 downloaded")

	// Consolidating again needs no server.
	server.Close()
	require.NoError(t, os.Remove(consolidated))
	require.Equal(t, ExitSuccess, run([]string{"consolidate", "-config", cfgPath}), errOut.String())
	assert.FileExists(t, consolidated)

	require.Equal(t, ExitSuccess, run([]string{"status", "-config", cfgPath}))
	assert.Contains(t, out.String(), "CCM")
	assert.Contains(t, out.String(), "Last run")
	assert.Contains(t, out.String(), "(consolidate)")
}

func TestConsolidateNothingOnDisk(t *testing.T) {
	captureOutput(t)
	cfgPath, _ := writeConfig(t, "http://127.0.0.1:1/ReportServer")

	assert.Equal(t, ExitPartial, run([]string{"consolidate", "-config", cfgPath}))
}

func TestStatusWithoutRuns(t *testing.T) {
	out, _ := captureOutput(t)
	cfgPath, _ := writeConfig(t, "http://127.0.0.1:1/ReportServer")

	assert.Equal(t, ExitSuccess, run([]string{"status", "-config", cfgPath}))
	assert.Contains(t, out.String(), "TOTAL")
	assert.Contains(t, out.String(), "No run recorded yet.")
}

func TestSweep(t *testing.T) {
	out, _ := captureOutput(t)
	cfgPath, output := writeConfig(t, "http://127.0.0.1:1/ReportServer")

	stale := filepath.Join(output, "CCM", "2024_A.csv.lock")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("pid=1\n"), 0o644))

	assert.Equal(t, ExitSuccess, run([]string{"sweep", "-config", cfgPath, "-max-age", "0"}))
	assert.NoFileExists(t, stale)
	assert.Contains(t, out.String(), "removed "+stale)
}

func TestStaleMaxAgeFlagOverridesConfig(t *testing.T) {
	out, _ := captureOutput(t)
	cfgPath, output := writeConfig(t, "http://127.0.0.1:1/ReportServer")
	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	data = []byte(strings.Replace(string(data), "lock:\n", "lock:\n  stale_max_age: 24h\n", 1))
	require.NoError(t, os.WriteFile(cfgPath, data, 0o644))

	stale := filepath.Join(output, "CCM", "2024_A.csv.lock")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("pid=1\n"), 0o644))

	var common commonFlags
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	common.register(fs)
	require.NoError(t, fs.Parse([]string{"-config", cfgPath}))
	cfg, err := common.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, cfg.Lock.StaleMaxAge)

	// The file is fresh, so the configured age keeps it.
	assert.Equal(t, ExitSuccess, run([]string{"sweep", "-config", cfgPath}))
	assert.FileExists(t, stale)

	assert.Equal(t, ExitSuccess, run([]string{"sweep", "-config", cfgPath, "-stale-max-age", "0s"}))
	assert.NoFileExists(t, stale)
	assert.Contains(t, out.String(), "removed "+stale)

	assert.Equal(t, ExitInvalidArgs, run([]string{"sweep", "-config", cfgPath, "-max-age", "soon"}))
}

func TestCredentialsLifecycle(t *testing.T) {
	t.Setenv("REPORTSYNC_NTLM_USER", "")
	t.Setenv("REPORTSYNC_NTLM_PASS", "")
	out, _ := captureOutput(t)
	cfgPath, _ := writeConfig(t, "http://127.0.0.1:1/ReportServer")

	assert.Equal(t, ExitAuth, run([]string{"credentials", "show", "-config", cfgPath}))

	prevIn := stdin
	stdin = strings.NewReader("hunter2\n")
	t.Cleanup(func() { stdin = prevIn })

	code := run([]string{"credentials", "set", "-config", cfgPath, "-user", "DOMAIN\\jdoe", "-password-stdin"})
	require.Equal(t, ExitSuccess, code)

	out.Reset()
	assert.Equal(t, ExitSuccess, run([]string{"credentials", "show", "-config", cfgPath}))
	assert.Contains(t, out.String(), "user: DOMAIN\\jdoe")
	assert.NotContains(t, out.String(), "hunter2")

	assert.Equal(t, ExitSuccess, run([]string{"credentials", "clear", "-config", cfgPath}))
	assert.Equal(t, ExitAuth, run([]string{"credentials", "show", "-config", cfgPath}))

	assert.Equal(t, ExitInvalidArgs, run([]string{"credentials", "set", "-config", cfgPath, "-user", "x"}))
	assert.Equal(t, ExitInvalidArgs, run([]string{"credentials", "rotate"}))
}
