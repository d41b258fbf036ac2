// Package main provides the modver CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"modver/internal/catalog"
	"modver/internal/config"
	"modver/internal/console"
	"modver/internal/engine"
	"modver/internal/manifest"
	"modver/internal/matcher"
	"modver/internal/model"
	"modver/internal/props"
	"modver/internal/store"
	"modver/internal/workspace"
)

// Version is the current modver CLI version
var Version = "0.3.0"

var rootCmd = &cobra.Command{
	Use:   "modver",
	Short: "modver - version transitions across a graph of modules",
	Long: `modver walks the references between module versions and moves the
selected modules between dynamic (branch) and static (tag) versions, keeping
every reference consistent.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var createStaticCmd = &cobra.Command{
	Use:   "create-static ROOT...",
	Short: "Create static versions of the matched dynamic versions",
	Long: `Create static versions of the matched dynamic versions reachable from the
roots. Dynamic references of a promoted module are promoted first, and the
new static versions are propagated to the references of their parents.

Roots are given as <node-path>@<version>:
  modver create-static App@D/main --match 'Libs/**'`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCreateStatic,
}

var releaseCmd = &cobra.Command{
	Use:   "release ROOT...",
	Short: "Release the matched dynamic versions under operator-chosen versions",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRelease,
}

var switchDynamicCmd = &cobra.Command{
	Use:   "switch-dynamic ROOT...",
	Short: "Switch the matched modules to a dynamic version",
	Long: `Switch the matched modules to a dynamic version, creating it when needed,
and update the references of their parents, which are switched as well when
they are static.

  modver switch-dynamic App@D/main --match Libs/Core --to feature/login`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSwitchDynamic,
}

var mergeCmd = &cobra.Command{
	Use:   "merge ROOT...",
	Short: "Merge the matched static versions into a dynamic version",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMerge,
}

var graphCmd = &cobra.Command{
	Use:   "graph ROOT...",
	Short: "Show the reference graph below the roots",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runGraph,
}

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "Show the journal of performed actions",
	RunE:  runActions,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show recent job runs",
	RunE:  runRuns,
}

var buildLogCmd = &cobra.Command{
	Use:   "build-log [ID]",
	Short: "List archived build logs or print one",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBuildLog,
}

var workspacesCmd = &cobra.Command{
	Use:   "workspaces",
	Short: "List known workspaces",
	RunE:  runWorkspaces,
}

var propsCmd = &cobra.Command{
	Use:   "props",
	Short: "Manage persisted operator defaults",
}

var propsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted properties",
	RunE:  runPropsList,
}

var propsSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Persist a property",
	Args:  cobra.ExactArgs(2),
	RunE:  runPropsSet,
}

var propsUnsetCmd = &cobra.Command{
	Use:   "unset KEY",
	Short: "Remove a persisted property",
	Args:  cobra.ExactArgs(1),
	RunE:  runPropsUnset,
}

var (
	configPath    string
	debugFlag     bool
	assumeYes     bool
	stateFlag     string
	workspaceFlag string

	matchFlags   []string
	excludeFlags []string
	maxDepth     int
	rulesFile    string

	skipBuild     bool
	switchTo      string
	ancestorWins  bool
	mergeInto     string
	excludeBumps  bool
	graphAllPaths bool

	runFilter string
	listLimit int
	propScope string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file (default modver.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "Answer yes to every confirmation")
	rootCmd.PersistentFlags().StringVar(&stateFlag, "state", "", "State directory")
	rootCmd.PersistentFlags().StringVar(&workspaceFlag, "workspaces", "", "Operator workspace root")

	for _, cmd := range []*cobra.Command{createStaticCmd, releaseCmd, switchDynamicCmd, mergeCmd, graphCmd} {
		cmd.Flags().StringArrayVarP(&matchFlags, "match", "m", nil, "Node path pattern selecting modules (repeatable)")
		cmd.Flags().StringArrayVar(&excludeFlags, "exclude", nil, "Node path pattern excluding modules (repeatable)")
		cmd.Flags().IntVar(&maxDepth, "max-depth", 0, "Only select modules at most this deep (root is 1)")
		cmd.Flags().StringVar(&rulesFile, "rules", "", "Matcher rules file")
	}
	createStaticCmd.Flags().BoolVar(&skipBuild, "skip-build", false, "Do not validate static versions by building them")
	switchDynamicCmd.Flags().StringVar(&switchTo, "to", "", "Dynamic version to switch to (asked when empty)")
	switchDynamicCmd.Flags().BoolVar(&ancestorWins, "ancestor-wins", false, "Do not switch matched modules below an already switched module")
	mergeCmd.Flags().StringVar(&mergeInto, "into", "", "Dynamic version to merge into (asked when empty)")
	mergeCmd.Flags().BoolVar(&excludeBumps, "exclude-version-changes", false, "Leave out commits that only change the artifact version")
	graphCmd.Flags().BoolVar(&graphAllPaths, "all-paths", true, "Expand a module version on every path reaching it")

	actionsCmd.Flags().StringVar(&runFilter, "run", "", "Only show actions of this run")
	actionsCmd.Flags().IntVarP(&listLimit, "limit", "n", 0, "Number of entries to show")
	runsCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "Number of runs to show")
	buildLogCmd.Flags().StringVar(&runFilter, "run", "", "Only list build logs of this run")
	propsSetCmd.Flags().StringVar(&propScope, "module", "", "Node path the property applies to (default all modules)")
	propsUnsetCmd.Flags().StringVar(&propScope, "module", "", "Node path the property applies to (default all modules)")

	propsCmd.AddCommand(propsListCmd, propsSetCmd, propsUnsetCmd)
	rootCmd.AddCommand(createStaticCmd, releaseCmd, switchDynamicCmd, mergeCmd, graphCmd,
		actionsCmd, runsCmd, buildLogCmd, workspacesCmd, propsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app bundles what a command needs.
type app struct {
	cfg     *config.Config
	log     *logrus.Logger
	db      *store.DB
	console *console.Console
	props   *props.Store
	ws      *workspace.Allocator
	engine  *engine.Engine
}

func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Resolve(configPath)
	if err != nil {
		return nil, nil, err
	}
	if stateFlag != "" {
		cfg.StateDir = stateFlag
	}
	if workspaceFlag != "" {
		cfg.WorkspaceRoot = workspaceFlag
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	log.SetLevel(logrus.WarnLevel)
	if debugFlag || cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
	}
	return cfg, log, nil
}

// openStore opens the state database only.
func openStore() (*config.Config, *store.DB, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	db, err := store.OpenDir(cfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}

// setup assembles the engine and its collaborators.
func setup() (*app, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	db, err := store.OpenDir(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, db: db}

	if !assumeYes && !console.Interactive(os.Stdin) {
		log.Warn("standard input is not a terminal; unanswered confirmations abort the run")
	}
	a.console = console.New(os.Stdin, os.Stdout, console.Options{AssumeYes: assumeYes})
	a.props = props.New(db, cfg.Properties, log)

	a.ws, err = workspace.NewAllocator(cfg.WorkspaceRoot, cfg.ScratchDir(), db, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	file, err := catalog.Load(cfg.Catalog)
	if err != nil {
		db.Close()
		return nil, err
	}
	cat, err := catalog.New(file, catalog.Deps{
		Scratch:        a.ws,
		Operator:       a.console,
		MirrorRoot:     cfg.MirrorDir(),
		AuthorName:     cfg.AuthorName,
		AuthorEmail:    cfg.AuthorEmail,
		DynamicVersion: switchTo,
		Log:            log,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	logs := &store.BuildLogs{DB: db}
	if cfg.EchoBuilds {
		logs.Echo = os.Stderr
	}
	a.engine, err = engine.New(engine.Config{
		Catalog:         cat,
		Workspaces:      a.ws,
		Operator:        a.console,
		Properties:      a.props,
		Recorder:        db,
		BuildLogs:       logs,
		DynamicArtifact: manifest.IsDynamicArtifact,
		Log:             log,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.log.Warnf("closing state database: %v", err)
	}
}

// runContext is canceled on interrupt, which aborts the run.
func (a *app) runContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	if a.cfg.Timeout > 0 {
		tctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		return tctx, func() { cancel(); stop() }
	}
	return ctx, stop
}

func parseRoots(args []string) ([]model.ModuleVersion, error) {
	roots := make([]model.ModuleVersion, 0, len(args))
	for _, arg := range args {
		mv, err := model.ParseModuleVersion(arg)
		if err != nil {
			return nil, err
		}
		roots = append(roots, mv)
	}
	return roots, nil
}

// buildMatcher combines the selection flags. Without any, every module is
// selected.
func buildMatcher(cfg *config.Config) (matcher.Matcher, error) {
	var parts matcher.And
	rules := rulesFile
	if rules == "" {
		rules = cfg.Matcher
	}
	if rules != "" {
		m, err := matcher.LoadRules(rules)
		if err != nil {
			return nil, err
		}
		parts = append(parts, m)
	}
	if len(matchFlags) > 0 || len(excludeFlags) > 0 {
		parts = append(parts, &matcher.NodePathGlob{Include: matchFlags, Exclude: excludeFlags})
	}
	if maxDepth > 0 {
		parts = append(parts, &matcher.Depth{Max: maxDepth})
	}
	switch len(parts) {
	case 0:
		return matcher.All(), nil
	case 1:
		return parts[0], nil
	default:
		return parts, nil
	}
}

// jobInputs parses the roots and matcher shared by every job.
func (a *app) jobInputs(args []string) ([]model.ModuleVersion, matcher.Matcher, error) {
	roots, err := parseRoots(args)
	if err != nil {
		return nil, nil, err
	}
	m, err := buildMatcher(a.cfg)
	if err != nil {
		return nil, nil, err
	}
	return roots, m, nil
}

// finish journals the run and prints its report. Node failures make the
// command fail after the report is shown.
func (a *app) finish(started time.Time, rep *engine.Report, runErr error) error {
	if rep != nil {
		finished := time.Now().UnixMilli()
		run := &store.Run{
			ID:         rep.RunID,
			Job:        rep.Job,
			StartedAt:  started.UnixMilli(),
			FinishedAt: &finished,
			Aborted:    rep.Aborted,
		}
		if rep.Failures != nil {
			msg := rep.Failures.Error()
			run.Failures = &msg
		}
		if err := a.db.RecordRun(run); err != nil {
			a.log.Warnf("journaling run: %v", err)
		}
		printReport(os.Stdout, rep)
		if a.props != nil {
			printRunAnswers(os.Stdout, a.props.Snapshot())
		}
	}
	if runErr != nil {
		return runErr
	}
	if rep != nil && rep.Failures != nil {
		var merr *multierror.Error
		if errors.As(rep.Failures, &merr) {
			return fmt.Errorf("%d modules failed", len(merr.Errors))
		}
		return errors.New("some modules failed")
	}
	return nil
}

func runCreateStatic(cmd *cobra.Command, args []string) error {
	return runStatic(args, false)
}

func runRelease(cmd *cobra.Command, args []string) error {
	return runStatic(args, true)
}

func runStatic(args []string, release bool) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()
	roots, m, err := a.jobInputs(args)
	if err != nil {
		return err
	}
	ctx, cancel := a.runContext()
	defer cancel()

	job := engine.StaticJob{Roots: roots, Matcher: m, SkipBuild: skipBuild || a.cfg.SkipBuild}
	started := time.Now()
	var rep *engine.Report
	if release {
		rep, err = a.engine.Release(ctx, job)
	} else {
		rep, err = a.engine.CreateStaticVersion(ctx, job)
	}
	return a.finish(started, rep, err)
}

func runSwitchDynamic(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()
	roots, m, err := a.jobInputs(args)
	if err != nil {
		return err
	}
	ctx, cancel := a.runContext()
	defer cancel()

	job := engine.SwitchJob{Roots: roots, Matcher: m, Precedence: engine.MatchWins}
	if ancestorWins {
		job.Precedence = engine.AncestorWins
	}
	started := time.Now()
	rep, err := a.engine.SwitchToDynamicVersion(ctx, job)
	return a.finish(started, rep, err)
}

func runMerge(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()
	roots, m, err := a.jobInputs(args)
	if err != nil {
		return err
	}
	job := engine.MergeJob{Roots: roots, Matcher: m, ExcludeVersionChanges: excludeBumps}
	if mergeInto != "" {
		v, err := model.ParseVersion(mergeInto)
		if err != nil {
			v = model.NewDynamic(mergeInto)
		}
		job.Destination = &v
	}
	ctx, cancel := a.runContext()
	defer cancel()

	started := time.Now()
	rep, err := a.engine.Merge(ctx, job)
	return a.finish(started, rep, err)
}

func runGraph(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()
	roots, m, err := a.jobInputs(args)
	if err != nil {
		return err
	}
	ctx, cancel := a.runContext()
	defer cancel()

	reentry := engine.ReentryAlways
	if !graphAllPaths {
		reentry = engine.ReentryOnce
	}
	g, rep, err := a.engine.ReferenceGraph(ctx, engine.GraphJob{Roots: roots, Matcher: m, Reentry: &reentry})
	if err != nil {
		return err
	}
	printGraph(os.Stdout, g)
	if rep.Failures != nil {
		fmt.Fprintf(os.Stdout, "\nFailures:\n%v\n", rep.Failures)
	}
	return nil
}

func runActions(cmd *cobra.Command, args []string) error {
	_, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()
	entries, err := db.ListActions(runFilter, listLimit)
	if err != nil {
		return err
	}
	printActions(os.Stdout, entries)
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	_, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()
	runs, err := db.ListRuns(listLimit)
	if err != nil {
		return err
	}
	printRuns(os.Stdout, runs)
	return nil
}

func runBuildLog(cmd *cobra.Command, args []string) error {
	_, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()
	if len(args) == 0 {
		logs, err := db.ListBuildLogs(runFilter)
		if err != nil {
			return err
		}
		printBuildLogs(os.Stdout, logs)
		return nil
	}
	var id int64
	if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
		return fmt.Errorf("invalid build log id %q", args[0])
	}
	content, err := db.ReadBuildLog(id)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(content)
	return err
}

func runWorkspaces(cmd *cobra.Command, args []string) error {
	cfg, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()
	records, err := db.ListWorkspaces()
	if err != nil {
		return err
	}
	root, _ := filepath.Abs(cfg.WorkspaceRoot)
	printWorkspaces(os.Stdout, records, root)
	return nil
}

func runPropsList(cmd *cobra.Command, args []string) error {
	_, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()
	list, err := db.ListProperties()
	if err != nil {
		return err
	}
	printProperties(os.Stdout, list)
	return nil
}

func runPropsSet(cmd *cobra.Command, args []string) error {
	_, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()
	key := strings.ToUpper(args[0])
	if err := db.SetProperty(propScope, key, args[1]); err != nil {
		return err
	}
	fmt.Printf("%s = %s\n", scopedName(propScope, key), args[1])
	return nil
}

func runPropsUnset(cmd *cobra.Command, args []string) error {
	_, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()
	key := strings.ToUpper(args[0])
	deleted, err := db.DeleteProperty(propScope, key)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("property %s is not set", scopedName(propScope, key))
	}
	fmt.Printf("%s removed\n", scopedName(propScope, key))
	return nil
}

func scopedName(scope, key string) string {
	if scope == "" {
		return key
	}
	return scope + ":" + key
}
