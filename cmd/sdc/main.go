// SDC - statistical disclosure control of microdata files
// This tool explores a microdata file, finds unsafe combinations of
// identifying variables and writes a protected copy of the file.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"

	"github.com/hkanpak21/sdcstats/pkg/config"
	"github.com/hkanpak21/sdcstats/pkg/logging"
	"github.com/hkanpak21/sdcstats/pkg/metadata"
	"github.com/hkanpak21/sdcstats/pkg/privacy"
	"github.com/hkanpak21/sdcstats/pkg/report"
	"github.com/hkanpak21/sdcstats/pkg/session"
)

func main() {
	// Subcommands
	exploreCmd := flag.NewFlagSet("explore", flag.ExitOnError)
	tablesCmd := flag.NewFlagSet("tables", flag.ExitOnError)
	recodeCmd := flag.NewFlagSet("recode", flag.ExitOnError)
	histogramCmd := flag.NewFlagSet("histogram", flag.ExitOnError)
	safeCmd := flag.NewFlagSet("safe", flag.ExitOnError)
	extractCmd := flag.NewFlagSet("extract", flag.ExitOnError)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "explore":
		runExplore(exploreCmd, os.Args[2:])
	case "tables":
		runTables(tablesCmd, os.Args[2:])
	case "recode":
		runRecode(recodeCmd, os.Args[2:])
	case "histogram":
		runHistogram(histogramCmd, os.Args[2:])
	case "safe":
		runSafe(safeCmd, os.Args[2:])
	case "extract":
		runExtract(extractCmd, os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: sdc <command> -setup <setup.yaml> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  explore    Read the input file and list the codes of every variable")
	fmt.Println("  tables     Compute the tables and count unsafe combinations")
	fmt.Println("  recode     Try a recode of one variable and show its effect")
	fmt.Println("  histogram  Show the re-identification risk of a BIR table")
	fmt.Println("  safe       Write the safe file with its report and audit record")
	fmt.Println("  extract    Write selected variables of every record")
}

// common holds the flags every subcommand takes
type common struct {
	setup  *string
	config *string
	run    *string
}

func commonFlags(cmd *flag.FlagSet) common {
	return common{
		setup:  cmd.String("setup", "", "Path to setup document (JSON or YAML)"),
		config: cmd.String("config", "", "Path to configuration YAML"),
		run:    cmd.String("run", "", "Run ID (default: a new UUID)"),
	}
}

// open loads the configuration and the setup and starts a session; the
// returned closer flushes the log file
func (c common) open(name string) (*session.Session, io.Closer) {
	if *c.setup == "" {
		fmt.Fprintf(os.Stderr, "Usage: sdc %s -setup <setup.yaml> [options]\n", name)
		os.Exit(1)
	}
	cfg, err := config.Load(*c.config)
	if err != nil {
		fail("Failed to load config", err)
	}
	logger, closer, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		fail("Failed to create logger", err)
	}
	slog.SetDefault(logger)

	setup, err := metadata.LoadSetup(*c.setup)
	if err != nil {
		fail("Failed to load setup", err)
	}
	s, err := session.Open(cfg, setup, logger, *c.run)
	if err != nil {
		fail("Failed to open run", err)
	}
	return s, closer
}

func fail(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func printJSON(v any) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		fail("Failed to encode output", err)
	}
}

func runExplore(cmd *flag.FlagSet, args []string) {
	c := commonFlags(cmd)
	cmd.Parse(args)
	s, closer := c.open("explore")
	defer closer.Close()

	x, err := s.Explore()
	if err != nil {
		fail("Exploration failed", err)
	}
	fmt.Printf("Records: %d\n", x.Records)
	if x.Households > 0 {
		fmt.Printf("Households: %d\n", x.Households)
	}
	for i, v := range s.Setup.Variables {
		switch {
		case x.Codes[i] > 0:
			fmt.Printf("  %-16s %d codes\n", v.Name, x.Codes[i])
		case v.Type == metadata.Numeric || v.Type == metadata.Weight:
			fmt.Printf("  %-16s range [%g, %g]\n", v.Name, x.Min[i], x.Max[i])
		}
	}
}

func runTables(cmd *flag.FlagSet, args []string) {
	c := commonFlags(cmd)
	jsonOut := cmd.Bool("json", false, "Print the full report as JSON")
	cmd.Parse(args)
	s, closer := c.open("tables")
	defer closer.Close()

	if _, err := s.Prepare(); err != nil {
		fail("Failed to compute tables", err)
	}
	r, err := s.Report(report.DefaultClasses)
	if err != nil {
		fail("Failed to collect report", err)
	}
	if *jsonOut {
		printJSON(r)
		return
	}
	fmt.Printf("Run %s: %d records, tables saved to %s\n", s.Store.ID, r.Records, s.Store.BasePath)
	fmt.Println("Unsafe combinations per variable:")
	for _, v := range r.Variables {
		if len(v.Unsafe) > 0 {
			fmt.Printf("  %-16s %v\n", v.Name, v.Unsafe)
		}
	}
	fmt.Println("Subtables:")
	for _, st := range r.Subtables {
		base := ""
		if st.Base {
			base = " (base)"
		}
		fmt.Printf("  %dD %-32s %d unsafe%s\n", st.Dim, st.Vars, st.NUnsafe, base)
	}
}

func runRecode(cmd *flag.FlagSet, args []string) {
	c := commonFlags(cmd)
	name := cmd.String("var", "", "Variable to recode")
	spec := cmd.String("spec", "", "Recode specification, e.g. \"1 : 1-3\"")
	specFile := cmd.String("spec-file", "", "File holding the recode specification")
	truncate := cmd.Int("truncate", 0, "Drop this many rightmost characters instead of recoding")
	missing1 := cmd.String("missing1", "", "First missing code after recoding")
	missing2 := cmd.String("missing2", "", "Second missing code after recoding")
	cmd.Parse(args)

	if *name == "" || (*spec == "" && *specFile == "" && *truncate == 0) {
		fmt.Fprintln(os.Stderr, "Usage: sdc recode -setup <setup.yaml> -var <name> (-spec <spec> | -spec-file <file> | -truncate <n>)")
		os.Exit(1)
	}
	if *specFile != "" {
		data, err := os.ReadFile(*specFile)
		if err != nil {
			fail("Failed to read recode specification", err)
		}
		*spec = string(data)
	}

	s, closer := c.open("recode")
	defer closer.Close()
	v := s.Setup.VarIndex(*name)
	if v < 0 {
		fail("Unknown variable", fmt.Errorf("%q", *name))
	}
	if _, err := s.Prepare(); err != nil {
		fail("Failed to compute tables", err)
	}
	before, err := s.Engine.UnsafeVariable(v)
	if err != nil {
		fail("Failed to count unsafe combinations", err)
	}

	if *truncate > 0 {
		err = s.Engine.DoTruncate(v, *truncate)
	} else {
		var rep fmt.Stringer
		rep, err = s.Engine.DoRecode(v, *spec, *missing1, *missing2)
		if err == nil {
			fmt.Println(rep)
		}
	}
	if err != nil {
		fail("Recode failed", err)
	}
	if err := s.Engine.ApplyRecode(); err != nil {
		fail("Failed to apply recode", err)
	}
	after, err := s.Engine.UnsafeVariable(v)
	if err != nil {
		fail("Failed to count unsafe combinations", err)
	}
	fmt.Printf("Unsafe combinations of %s per dimension: %v -> %v\n", *name, before, after)
}

func runHistogram(cmd *flag.FlagSet, args []string) {
	c := commonFlags(cmd)
	tableIdx := cmd.Int("table", 0, "Index of the BIR table")
	classes := cmd.Int("classes", report.DefaultClasses, "Number of risk classes")
	threshold := cmd.Float64("threshold", 0, "Risk level in (0,1] to count unsafe records at")
	cmd.Parse(args)
	s, closer := c.open("histogram")
	defer closer.Close()

	if _, err := s.Prepare(); err != nil {
		fail("Failed to compute tables", err)
	}
	h, err := s.Engine.BIRHistogram(*tableIdx, *classes)
	if err != nil {
		fail("Failed to build histogram", err)
	}
	fmt.Printf("Table %d: %.6f expected re-identifications per record\n", *tableIdx, h.Ksi)
	for k, n := range h.Freq {
		fmt.Printf("  [%8.3f, %8.3f) %d\n", h.Bounds[k], h.Bounds[k+1], n)
	}

	if *threshold > 0 {
		n, err := s.Engine.SetBIRThreshold(*tableIdx, math.Log(*threshold))
		if err != nil {
			fail("Failed to set threshold", err)
		}
		fmt.Printf("Records with risk above %g: %d\n", *threshold, n)
	}

	if s.Engine.Households() == 0 {
		return
	}
	bh, err := s.Engine.BHRHistogram(*tableIdx, *classes)
	if err != nil {
		fail("Failed to build household histogram", err)
	}
	fmt.Println("Household risk:")
	for k := range bh.RecFreq {
		fmt.Printf("  [%8.3f, %8.3f) %d households, %d records\n",
			bh.Bounds[k], bh.Bounds[k+1], bh.HHFreq[k], bh.RecFreq[k])
	}
}

func runSafe(cmd *flag.FlagSet, args []string) {
	c := commonFlags(cmd)
	policyPath := cmd.String("policy", "", "Path to release policy JSON")
	cmd.Parse(args)

	var policy *privacy.Policy
	if *policyPath != "" {
		var err error
		policy, err = privacy.LoadPolicy(*policyPath)
		if err != nil {
			fail("Failed to load policy", err)
		}
	}

	s, closer := c.open("safe")
	defer closer.Close()
	if _, err := s.Prepare(); err != nil {
		fail("Failed to compute tables", err)
	}
	out, err := s.Safe(policy)
	if err != nil {
		fail("Failed to make file safe", err)
	}

	fmt.Printf("Safe file: %s\n", out.OutputPath)
	fmt.Printf("Records: %d, unsafe records: %d\n", out.Result.Records, out.Result.Unsafe)
	for i, n := range out.Result.Suppressed {
		if n > 0 {
			fmt.Printf("  %-16s %d suppressed\n", s.Setup.Variables[i].Name, n)
		}
	}
	printJSON(out.Inspection)
	if !out.Inspection.Approved {
		os.Exit(2)
	}
}

func runExtract(cmd *flag.FlagSet, args []string) {
	c := commonFlags(cmd)
	vars := cmd.String("vars", "", "Comma-separated variables to extract")
	sep := cmd.String("sep", ",", "Field separator")
	output := cmd.String("output", "", "Output file (default: output/extract.txt in the run)")
	cmd.Parse(args)

	if *vars == "" {
		fmt.Fprintln(os.Stderr, "Usage: sdc extract -setup <setup.yaml> -vars a,b [-sep ,] [-output file]")
		os.Exit(1)
	}
	s, closer := c.open("extract")
	defer closer.Close()
	if _, err := s.Explore(); err != nil {
		fail("Exploration failed", err)
	}
	path := *output
	if path == "" {
		path = s.Store.OutputPath("extract.txt")
	}
	n, err := s.Extract(strings.Split(*vars, ","), *sep, path)
	if err != nil {
		fail("Extraction failed", err)
	}
	fmt.Printf("Wrote %d records to %s\n", n, path)
}
