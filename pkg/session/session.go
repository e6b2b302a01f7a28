// Package session runs the stages of a disclosure control job described by
// a setup document, keeping its tables, safe file and reports in a run
// directory.
package session

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/hkanpak21/sdcstats/pkg/config"
	"github.com/hkanpak21/sdcstats/pkg/engine"
	"github.com/hkanpak21/sdcstats/pkg/metadata"
	"github.com/hkanpak21/sdcstats/pkg/privacy"
	"github.com/hkanpak21/sdcstats/pkg/report"
	"github.com/hkanpak21/sdcstats/pkg/risk"
	"github.com/hkanpak21/sdcstats/pkg/storage"
)

// File names inside the run directory
const (
	WorkbookFile = "report.xlsx"
	MetricsFile  = "metrics.prom"
	AuditFile    = "audit.json"
)

// Session is one run of a setup
type Session struct {
	Config *config.Config
	Setup  *metadata.Setup
	Engine *engine.Engine
	Store  *storage.RunStore

	log     *slog.Logger
	created time.Time
}

// Open defines the setup on a new engine and creates the run directory. An
// empty runID gets a fresh one.
func Open(cfg *config.Config, setup *metadata.Setup, log *slog.Logger, runID string) (*Session, error) {
	store, err := storage.NewRunStore(cfg.Paths.RunDir, runID)
	if err != nil {
		return nil, err
	}
	log = log.With("run", store.ID, "setup", setup.Name)
	e := engine.New(
		engine.WithLogger(log),
		engine.WithRiskModel(risk.Model(cfg.Engine.RiskModel)),
		engine.WithMaxMemory(cfg.Engine.MaxMemory),
		engine.WithSeed(cfg.Engine.Seed),
		engine.WithProgress(func(stage engine.Stage, records int64) {
			log.Debug("progress", "stage", stage, "records", records)
		}, cfg.Engine.ProgressInterval),
	)
	if err := setup.Define(e); err != nil {
		return nil, err
	}
	return &Session{
		Config:  cfg,
		Setup:   setup,
		Engine:  e,
		Store:   store,
		log:     log,
		created: time.Now().UTC(),
	}, nil
}

// Explore reads the input file and applies the variable options
func (s *Session) Explore() (engine.Exploration, error) {
	x, err := s.Engine.ExploreFile(s.Setup.Input)
	if err != nil {
		return x, fmt.Errorf("failed to explore %s: %w", s.Setup.Input, err)
	}
	if err := s.Setup.Configure(s.Engine); err != nil {
		return x, err
	}
	return x, nil
}

// Tables computes the tables of an explored session, applies the risk
// thresholds and saves the tables in the run directory
func (s *Session) Tables() error {
	if err := s.Engine.ComputeTables(); err != nil {
		return fmt.Errorf("failed to compute tables: %w", err)
	}
	if err := s.Setup.ApplyThresholds(s.Engine); err != nil {
		return err
	}
	for t := 0; t < s.Engine.NumTables(); t++ {
		tab, err := s.Engine.Table(t)
		if err != nil {
			return err
		}
		if err := s.Store.SaveTable(t, tab); err != nil {
			return fmt.Errorf("failed to save table %d: %w", t, err)
		}
	}
	s.log.Info("saved tables", "tables", s.Engine.NumTables(), "dir", s.Store.BasePath)
	return s.saveInfo()
}

// Prepare explores the input and computes the tables
func (s *Session) Prepare() (engine.Exploration, error) {
	x, err := s.Explore()
	if err != nil {
		return x, err
	}
	return x, s.Tables()
}

// Report collects the summary of a session with computed tables
func (s *Session) Report(nClasses int) (*report.Report, error) {
	return report.Collect(s.Engine, s.Setup.Name, nClasses)
}

// Outcome is the result of a safe file run
type Outcome struct {
	OutputPath string
	Result     engine.SafeResult
	Report     *report.Report
	Inspection *privacy.InspectionResult
}

// Safe writes the safe file, its workbook and metrics, and checks the run
// against policy; a nil policy uses the default one. The run is appended to
// the audit log in the run root when the policy asks for it.
func (s *Session) Safe(policy *privacy.Policy) (*Outcome, error) {
	opts, err := s.Setup.SafeOptions()
	if err != nil {
		return nil, err
	}
	out := &Outcome{OutputPath: s.Store.OutputPath(outputName(s.Setup))}
	if out.Result, err = s.Engine.MakeFileSafe(out.OutputPath, opts); err != nil {
		return nil, fmt.Errorf("failed to write safe file: %w", err)
	}

	if out.Report, err = s.Report(report.DefaultClasses); err != nil {
		return nil, fmt.Errorf("failed to collect report: %w", err)
	}
	out.Report.SetSafe(out.Result)
	if err := out.Report.WriteWorkbook(s.Store.ReportPath(WorkbookFile)); err != nil {
		return nil, err
	}
	if err := s.writeMetrics(out.Report); err != nil {
		return nil, err
	}

	out.Inspection = privacy.NewInspector(policy).Inspect(s.summary(out))
	if rec := out.Inspection.AuditRecord; rec != nil {
		if err := s.audit(rec); err != nil {
			return nil, err
		}
	}
	s.log.Info("safe file ready",
		"path", out.OutputPath,
		"approved", out.Inspection.Approved,
		"violations", len(out.Inspection.Violations))
	return out, nil
}

func (s *Session) writeMetrics(r *report.Report) error {
	m := report.NewMetrics(s.Setup.Name)
	m.Observe(r)
	if err := m.WriteTextfile(s.Store.ReportPath(MetricsFile)); err != nil {
		return err
	}
	if s.Config.Paths.MetricsFile != "" {
		return m.WriteTextfile(s.Config.Paths.MetricsFile)
	}
	return nil
}

func (s *Session) summary(out *Outcome) privacy.Summary {
	sum := privacy.Summary{
		RunID:      s.Store.ID,
		Setup:      s.Setup.Name,
		Records:    out.Result.Records,
		Unsafe:     out.Result.Unsafe,
		Suppressed: make(map[string]int64),
		Randomized: s.Setup.Safe.Randomize,
	}
	for i, n := range out.Result.Suppressed {
		sum.Suppressed[s.Setup.Variables[i].Name] = n
	}
	for _, t := range s.Setup.Tables {
		if t.Weight == "" {
			sum.Thresholds = append(sum.Thresholds, t.Threshold)
		}
	}
	for _, rr := range out.Report.Risk {
		sum.BIRRates = append(sum.BIRRates, rr.BIR.Ksi)
	}
	return sum
}

func (s *Session) audit(rec *privacy.AuditRecord) error {
	path := filepath.Join(s.Config.Paths.RunDir, AuditFile)
	log, err := privacy.LoadAuditLog(path)
	if err != nil {
		return err
	}
	log.Add(rec)
	return log.Save(path)
}

// Extract writes the named variables of every record to path
func (s *Session) Extract(names []string, sep, path string) (int64, error) {
	vars := make([]int, len(names))
	for i, name := range names {
		if vars[i] = s.Setup.VarIndex(name); vars[i] < 0 {
			return 0, fmt.Errorf("unknown variable %q", name)
		}
	}
	return s.Engine.WriteVariables(path, vars, sep)
}

func (s *Session) saveInfo() error {
	return s.Store.SaveInfo(storage.RunInfo{
		ID:      s.Store.ID,
		Setup:   s.Setup.Name,
		Input:   s.Setup.Input,
		Created: s.created,
		Tables:  s.Engine.NumTables(),
	})
}

func outputName(s *metadata.Setup) string {
	if s.Safe.Output.Fixed {
		return "safe.asc"
	}
	return "safe.csv"
}
