package session

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkanpak21/sdcstats/pkg/config"
	"github.com/hkanpak21/sdcstats/pkg/metadata"
	"github.com/hkanpak21/sdcstats/pkg/privacy"
	"github.com/hkanpak21/sdcstats/pkg/storage"
)

const surveyYAML = `
name: survey
input: survey.asc
format:
  fixed: true
variables:
  - {name: region, type: categorical, pos: 1, width: 1, missing: ["9"], priority: 1}
  - {name: sex, type: categorical, pos: 2, width: 1, missing: ["9"], priority: 2}
  - {name: age, type: categorical, pos: 3, width: 1, missing: ["9"], priority: 3}
  - {name: weight, type: weight, pos: 4, width: 4}
tables:
  - vars: [region, sex, age]
    threshold: 2
safe:
  priority: true
  output:
    fixed: true
`

func newSession(t *testing.T) *Session {
	t.Helper()
	dir := t.TempDir()
	lines := []string{"111  10"}
	for i := 0; i < 5; i++ {
		lines = append(lines, "222  10")
	}
	for i := 0; i < 3; i++ {
		lines = append(lines, "321  10")
	}
	for i := 0; i < 3; i++ {
		lines = append(lines, "212  10")
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "survey.asc"), []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	setupPath := filepath.Join(dir, "survey.yaml")
	require.NoError(t, os.WriteFile(setupPath, []byte(surveyYAML), 0o644))

	setup, err := metadata.LoadSetup(setupPath)
	require.NoError(t, err)
	cfg := config.Default()
	cfg.Paths.RunDir = filepath.Join(dir, "runs")
	cfg.Engine.Seed = "session"

	s, err := Open(cfg, setup, slog.New(slog.NewTextHandler(io.Discard, nil)), "")
	require.NoError(t, err)
	return s
}

func TestPrepare(t *testing.T) {
	s := newSession(t)
	x, err := s.Prepare()
	require.NoError(t, err)
	assert.Equal(t, int64(12), x.Records)

	tab, err := s.Store.LoadTable(0)
	require.NoError(t, err)
	assert.Equal(t, int64(12), tab.Records())
	assert.Equal(t, []int{0, 1, 2}, tab.Vars)

	info, err := s.Store.LoadInfo()
	require.NoError(t, err)
	assert.Equal(t, storage.RunInfo{
		ID:      s.Store.ID,
		Setup:   "survey",
		Input:   s.Setup.Input,
		Created: info.Created,
		Tables:  1,
	}, info)
}

func TestTablesNeedExploration(t *testing.T) {
	s := newSession(t)
	assert.Error(t, s.Tables())
}

func TestSafe(t *testing.T) {
	s := newSession(t)
	_, err := s.Prepare()
	require.NoError(t, err)

	out, err := s.Safe(nil)
	require.NoError(t, err)
	assert.Equal(t, s.Store.OutputPath("safe.asc"), out.OutputPath)
	assert.Equal(t, int64(1), out.Result.Unsafe)
	assert.True(t, out.Inspection.Approved)

	data, err := os.ReadFile(out.OutputPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "991  10\n"))

	for _, name := range []string{WorkbookFile, MetricsFile} {
		_, err := os.Stat(s.Store.ReportPath(name))
		assert.NoError(t, err, name)
	}

	auditPath := filepath.Join(s.Config.Paths.RunDir, AuditFile)
	log, err := privacy.LoadAuditLog(auditPath)
	require.NoError(t, err)
	require.Len(t, log.Records, 1)
	assert.Equal(t, s.Store.ID, log.Records[0].RunID)
	assert.Equal(t, []privacy.VarCount{{Name: "region", Count: 1}, {Name: "sex", Count: 1}}, log.Records[0].Suppressed)

	strict := &privacy.Policy{ID: "strict", MinThreshold: 3, AuditEnabled: true}
	out, err = s.Safe(strict)
	require.NoError(t, err)
	assert.False(t, out.Inspection.Approved)
	require.Len(t, out.Inspection.Violations, 1)
	assert.Equal(t, "min_threshold", out.Inspection.Violations[0].Rule)

	log, err = privacy.LoadAuditLog(auditPath)
	require.NoError(t, err)
	assert.Len(t, log.Records, 2)
}

func TestSafeWritesConfiguredMetrics(t *testing.T) {
	s := newSession(t)
	s.Config.Paths.MetricsFile = filepath.Join(t.TempDir(), "sdc.prom")
	_, err := s.Prepare()
	require.NoError(t, err)
	_, err = s.Safe(nil)
	require.NoError(t, err)

	data, err := os.ReadFile(s.Config.Paths.MetricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `sdc_records{setup="survey"} 12`)
}

func TestExtract(t *testing.T) {
	s := newSession(t)
	_, err := s.Explore()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "keys.csv")
	n, err := s.Extract([]string{"sex", "region"}, ",", path)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 12)
	assert.Equal(t, "1,1", lines[0])
	assert.Equal(t, "2,3", lines[6])

	_, err = s.Extract([]string{"income"}, ",", path)
	assert.Error(t, err)
}
