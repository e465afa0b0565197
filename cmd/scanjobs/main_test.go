package main

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/scanjobs/internal/archive"
	"github.com/CZERTAINLY/scanjobs/internal/export"
	"github.com/CZERTAINLY/scanjobs/internal/model"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadScanFile(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    string
		then     model.ScanConfig
	}{
		{
			scenario: "yaml",
			given: `start_date: "2024-01-01"
end_date: "2024-02-01"
strategy: builtin
symbols: [AAPL, MSFT]
params:
  threshold: 3
`,
			then: model.ScanConfig{
				StartDate: "2024-01-01",
				EndDate:   "2024-02-01",
				Strategy:  model.StrategyBuiltin,
				Symbols:   []string{"AAPL", "MSFT"},
				Params:    map[string]any{"threshold": 3},
			},
		},
		{
			scenario: "json",
			given:    `{"start_date": "2024-01-01", "end_date": "2024-01-31", "strategy": "robust", "source": "print(1)"}`,
			then: model.ScanConfig{
				StartDate: "2024-01-01",
				EndDate:   "2024-01-31",
				Strategy:  model.StrategyRobust,
				Source:    "print(1)",
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			got, err := loadScanFile(writeFile(t, "scan", tc.given))
			require.NoError(t, err)
			require.Equal(t, tc.then, got)
		})
	}
}

func TestLoadScanFileErrors(t *testing.T) {
	t.Parallel()

	_, err := loadScanFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = loadScanFile(writeFile(t, "scan.yaml", "strategy: [\n"))
	require.Error(t, err)

	_, err = loadScanFile(writeFile(t, "scan.yaml", "start_date: \"2024-02-01\"\nend_date: \"2024-01-01\"\nstrategy: builtin\n"))
	require.ErrorIs(t, err, model.ErrInvalidConfig)
}

func TestLoadConfigFile(t *testing.T) {
	t.Parallel()

	cfg, err := loadConfigFile(writeFile(t, "scanjobs.yaml", "version: 0\nservice:\n  capacity: 2\n"))
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Service.CapacityOrDefault())

	_, err = loadConfigFile(writeFile(t, "scanjobs.yaml", "version: 0\nservice:\n  capacity: -1\n"))
	require.Error(t, err)
}

func TestStoreDefaultConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "scanjobs.yaml")

	stored, err := storeDefaultConfig(t.Context(), path)
	require.NoError(t, err)
	require.True(t, exists(path))

	loaded, err := loadConfigFile(path)
	require.NoError(t, err)
	require.Equal(t, stored, loaded)
}

func TestLoadEnvFile(t *testing.T) {
	require.NoError(t, loadEnvFile(""))
	require.NoError(t, loadEnvFile(filepath.Join(t.TempDir(), ".env")))

	const key = "SCANJOBS_TEST_ENV_FILE"
	t.Cleanup(func() { _ = os.Unsetenv(key) })
	require.NoError(t, loadEnvFile(writeFile(t, ".env", key+"=loaded\n")))
	require.Equal(t, "loaded", os.Getenv(key))
}

func TestApplyOverrides(t *testing.T) {
	t.Parallel()
	cfg := model.Config{
		Service: model.Service{Listen: "127.0.0.1:1", Capacity: 1},
	}

	applyOverrides(&cfg, viper.New())
	require.Equal(t, model.Service{Listen: "127.0.0.1:1", Capacity: 1}, cfg.Service)

	v := viper.New()
	v.Set("verbose", true)
	v.Set("listen", ":9090")
	v.Set("capacity", 8)
	applyOverrides(&cfg, v)
	require.Equal(t, model.Service{Verbose: true, Listen: ":9090", Capacity: 8}, cfg.Service)
}

func TestRunScan(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	dbPath := filepath.Join(t.TempDir(), "archive.db")
	script := `echo 'progress 50 half' >&2
echo '[{"symbol":"AAPL","date":"2024-01-02"},{"symbol":"AAPL","date":"2024-01-02"}]'`
	cfg := model.Config{
		Strategies: model.Strategies{
			Builtin: &model.Command{Path: sh, Args: []string{"-c", script}},
		},
		Archive: model.Archive{Enabled: true, Path: dbPath},
	}

	var stdout, stderr bytes.Buffer
	d, err := buildEngine(t.Context(), cfg, export.NewWriter(&stdout))
	require.NoError(t, err)

	status, err := runScan(t.Context(), d, model.ScanConfig{
		StartDate: "2024-01-01",
		EndDate:   "2024-01-31",
		Strategy:  model.StrategyBuiltin,
	}, &stderr)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, status.Status)
	require.Equal(t, 100, status.Progress)
	require.Contains(t, stderr.String(), "completed 100% completed with 1 results")
	require.Contains(t, stdout.String(), `"symbol":"AAPL"`)

	store, err := archive.Open(t.Context(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	rec, err := store.Get(t.Context(), status.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, rec.Status)
	require.Len(t, rec.Results, 1)
}

func TestRunScanUnsupportedStrategy(t *testing.T) {
	t.Parallel()
	d, err := buildEngine(t.Context(), model.Config{})
	require.NoError(t, err)

	_, err = runScan(t.Context(), d, model.ScanConfig{
		StartDate: "2024-01-01",
		EndDate:   "2024-01-31",
		Strategy:  model.StrategyBuiltin,
	}, &bytes.Buffer{})
	require.ErrorIs(t, err, model.ErrUnknownStrategy)
}
