// quoteharvest: harvests quotes, translates them through LibreTranslate and
// keeps a cached multi-language snapshot.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/minios-linux/quoteharvest/config"
	"github.com/minios-linux/quoteharvest/fanout"
	"github.com/minios-linux/quoteharvest/i18n"
	"github.com/minios-linux/quoteharvest/langmeta"
	"github.com/minios-linux/quoteharvest/pipeline"
	"github.com/minios-linux/quoteharvest/scrape"
	"github.com/minios-linux/quoteharvest/server"
	"github.com/minios-linux/quoteharvest/settings"
	"github.com/minios-linux/quoteharvest/snapshot"
	"github.com/minios-linux/quoteharvest/translate"
)

// Version information (set via -ldflags during build)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ANSI colors
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[0;31m"
	colorGreen  = "\033[0;32m"
	colorYellow = "\033[1;33m"
	colorBlue   = "\033[0;34m"
)

func logInfo(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorBlue+"[INFO]"+colorReset+" "+i18n.T(format)+"\n", args...)
}

func logSuccess(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorGreen+"[OK]"+colorReset+" "+i18n.T(format)+"\n", args...)
}

func logWarning(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorYellow+"[WARN]"+colorReset+" "+i18n.T(format)+"\n", args...)
}

func logError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorRed+"[ERROR]"+colorReset+" "+i18n.T(format)+"\n", args...)
}

// logVerbose is handed to packages as OnLog when --verbose is set.
func logVerbose(format string, args ...any) {
	if verbose {
		logInfo(format, args...)
	}
}

// ---------------------------------------------------------------------------
// Global flags
// ---------------------------------------------------------------------------

var (
	rootDir   string
	cacheFlag string
	verbose   bool
)

// ---------------------------------------------------------------------------
// Root command
// ---------------------------------------------------------------------------

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "quoteharvest",
		Short: "Harvest quotes and keep them translated into several languages",
		Long: `quoteharvest scrapes quotes from a quotation site, translates them
through a LibreTranslate instance and keeps the result as a cached snapshot.

Translations already present in a fresh snapshot are reused, so repeated
runs only translate what is new. At most max_concurrent translation
requests are in flight at any time.

Commands:
  run      Harvest in a loop, sleeping between cycles
  once     Run a single harvest cycle
  status   Show snapshot age and per-language statistics
  random   Print a random quote from the snapshot
  serve    Serve quotes and metrics over HTTP

Settings are read from .quoteharvest.yaml in --root; flags override them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&rootDir, "root", ".", "Directory containing .quoteharvest.yaml")
	root.PersistentFlags().StringVar(&cacheFlag, "cache", "", "Snapshot location: JSON file path or sqlite://path")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log every request and state change")

	root.AddCommand(
		newRunCmd(),
		newOnceCmd(),
		newStatusCmd(),
		newRandomCmd(),
		newServeCmd(),
		newVersionCmd(),
	)

	return root
}

func main() {
	i18n.Init("")
	if err := newRootCmd().Execute(); err != nil {
		logError("%v", err)
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// ---------------------------------------------------------------------------
// version
// ---------------------------------------------------------------------------

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("quoteharvest version %s\n", version)
			fmt.Printf("  commit:    %s\n", commit)
			fmt.Printf("  built:     %s\n", date)
		},
	}
}

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// harvestArgs holds flags that override .quoteharvest.yaml.
type harvestArgs struct {
	topicURL        string
	documents       int
	sourceLang      string
	languages       string
	ttl             time.Duration
	interval        time.Duration
	endpoint        string
	apiKey          string
	maxConcurrent   int
	timeout         time.Duration
	rateLimit       float64
	breakerFailures int
	proxy           string
	listen          string
}

func addHarvestFlags(cmd *cobra.Command, a *harvestArgs) {
	f := cmd.Flags()
	f.StringVar(&a.topicURL, "topic-url", "", "Topic index page listing documents")
	f.IntVarP(&a.documents, "documents", "n", 0, "Documents to sample per cycle")
	f.StringVar(&a.sourceLang, "source-lang", "", "Language of the harvested quotes")
	f.StringVarP(&a.languages, "languages", "l", "", "Comma-separated target languages")
	f.DurationVar(&a.ttl, "ttl", 0, "How long a saved snapshot is reused")
	f.StringVar(&a.endpoint, "endpoint", "", "LibreTranslate translate URL")
	f.StringVar(&a.apiKey, "api-key", "", "LibreTranslate API key (or "+config.APIKeyEnv+")")
	f.IntVarP(&a.maxConcurrent, "max-concurrent", "k", 0, "Maximum translation requests in flight")
	f.DurationVar(&a.timeout, "timeout", 0, "Per-request timeout")
	f.Float64Var(&a.rateLimit, "rate-limit", 0, "Translation requests per second (0 = unlimited)")
	f.IntVar(&a.breakerFailures, "breaker-failures", 0, "Consecutive backend failures that pause translation (0 = off)")
	f.StringVar(&a.proxy, "proxy", "", "HTTP/HTTPS proxy URL")
}

// apply copies flags the user actually set into cfg.
func (a *harvestArgs) apply(f *pflag.FlagSet, cfg *config.Config) {
	if f.Changed("topic-url") {
		cfg.TopicURL = a.topicURL
	}
	if f.Changed("documents") {
		cfg.Documents = a.documents
	}
	if f.Changed("source-lang") {
		cfg.SourceLang = a.sourceLang
	}
	if f.Changed("languages") {
		cfg.Languages = config.ParseLanguages(a.languages)
	}
	if f.Changed("ttl") {
		cfg.TTL = a.ttl
	}
	if f.Changed("interval") {
		cfg.Interval = a.interval
	}
	if f.Changed("endpoint") {
		cfg.Endpoint = a.endpoint
	}
	if f.Changed("api-key") {
		cfg.APIKey = a.apiKey
	}
	if f.Changed("max-concurrent") {
		cfg.MaxConcurrent = a.maxConcurrent
	}
	if f.Changed("timeout") {
		cfg.Timeout = a.timeout
	}
	if f.Changed("rate-limit") {
		cfg.RateLimit = a.rateLimit
	}
	if f.Changed("breaker-failures") {
		cfg.BreakerFailures = a.breakerFailures
	}
	if f.Changed("proxy") {
		cfg.Proxy = a.proxy
	}
	if f.Changed("listen") {
		cfg.Listen = a.listen
	}
}

// loadConfig reads .quoteharvest.yaml and applies command-line overrides.
func loadConfig(cmd *cobra.Command, a *harvestArgs) (*config.Config, error) {
	cfg, err := config.Load(rootDir)
	if err != nil {
		return nil, err
	}
	if a != nil {
		a.apply(cmd.Flags(), cfg)
	}
	if cacheFlag != "" {
		cfg.Cache = cacheFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if a != nil {
		if unknown := unknownLanguages(cfg.Languages); len(unknown) > 0 {
			logWarning(i18n.N("unknown language code, the backend may reject it: %s",
				"unknown language codes, the backend may reject them: %s", len(unknown)),
				strings.Join(unknown, ", "))
		}
	}
	return cfg, nil
}

// unknownLanguages returns the target codes missing from the language registry.
func unknownLanguages(langs []string) []string {
	var out []string
	for _, lang := range langs {
		if !langmeta.Known(lang) {
			out = append(out, lang)
		}
	}
	return out
}

// openStore opens the configured snapshot store with the given TTL.
func openStore(cfg *config.Config, ttl time.Duration) (snapshot.Store, error) {
	return snapshot.Open(settings.ResolveCache(cfg.Cache), snapshot.Options{
		TTL:        ttl,
		SourceLang: cfg.SourceLang,
	})
}

// openReader opens the configured store for inspecting or serving. The
// snapshot is returned whatever its age and is never removed.
func openReader(cfg *config.Config) (snapshot.Store, error) {
	return snapshot.Open(settings.ResolveCache(cfg.Cache), snapshot.ReaderOptions(snapshot.Options{
		SourceLang: cfg.SourceLang,
	}))
}

// newPipeline wires scraper, translation client, fan-out and store.
func newPipeline(cfg *config.Config, store snapshot.Store) *pipeline.Pipeline {
	scraper := scrape.New(scrape.Options{
		Timeout:   cfg.Timeout,
		UserAgent: "quoteharvest/" + version,
		OnLog:     logVerbose,
		OnError:   logWarning,
	})

	client := translate.NewClient(translate.NewGate(cfg.MaxConcurrent), translate.Options{
		Endpoint:        cfg.Endpoint,
		APIKey:          cfg.APIKey,
		Timeout:         cfg.Timeout,
		Proxy:           cfg.Proxy,
		RateLimit:       cfg.RateLimit,
		BreakerFailures: cfg.BreakerFailures,
		OnLog:           logVerbose,
		OnError:         logWarning,
		Verbose:         verbose,
	})

	coord := fanout.New(client, fanout.Options{
		SourceLang: cfg.SourceLang,
		Languages:  cfg.Languages,
		OnLog:      logInfo,
	})

	return pipeline.New(scraper, store, coord, pipeline.Options{
		TopicURL:  cfg.TopicURL,
		Documents: cfg.Documents,
		Interval:  cfg.Interval,
		OnLog:     logInfo,
		OnError:   logError,
		OnState: func(s pipeline.State) {
			logVerbose("state: %s", s)
		},
		OnCycle: logCycle,
	})
}

func logCycle(res pipeline.CycleResult) {
	if res.Interrupted {
		logWarning("Harvest interrupted")
		return
	}
	if res.SaveErr != nil {
		logError("Harvest finished without saving")
	} else {
		logSuccess("Harvest finished")
	}
	logInfo("%d documents, %d translated, %d cached, %d failed in %s",
		res.Documents, res.Report.Translated, res.Report.Hits, res.Report.Failed,
		res.Duration.Round(time.Millisecond))
}

// ---------------------------------------------------------------------------
// run / once
// ---------------------------------------------------------------------------

func newRunCmd() *cobra.Command {
	var a harvestArgs

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Harvest in a loop, sleeping between cycles",
		Long: `Harvest, translate and save a snapshot, then sleep for the configured
interval and repeat until interrupted (Ctrl+C or SIGTERM). A cycle in
progress finishes its translations; the sleep is cut short.

With --listen the quote endpoint and /metrics are served alongside.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, &a)
			if err != nil {
				return err
			}
			return runLoop(cfg)
		},
	}

	addHarvestFlags(cmd, &a)
	cmd.Flags().DurationVar(&a.interval, "interval", 0, "Sleep between cycles")
	cmd.Flags().StringVar(&a.listen, "listen", "", "Also serve quotes over HTTP on this address")

	return cmd
}

func runLoop(cfg *config.Config) error {
	store, err := openStore(cfg, cfg.TTL)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signalContext()
	defer stop()

	logInfo("Harvesting %d documents into %s (max %d concurrent translations)",
		cfg.Documents, strings.Join(cfg.TargetLanguages(), ", "), cfg.MaxConcurrent)
	logInfo("Snapshot: %s", store.Location())

	p := newPipeline(cfg, store)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		p.Run(ctx)
		return nil
	})

	if cfg.Listen != "" {
		reader, err := openReader(cfg)
		if err != nil {
			return err
		}
		defer reader.Close()

		srv := server.New(server.StoreLoader(reader), server.Options{
			Verbose: verbose,
			OnLog:   logInfo,
			OnError: logError,
		})
		g.Go(func() error {
			return srv.ListenAndServe(ctx, cfg.Listen)
		})
	}

	err = g.Wait()
	logInfo("Shutting down")
	return err
}

func newOnceCmd() *cobra.Command {
	var a harvestArgs

	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single harvest cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, &a)
			if err != nil {
				return err
			}
			store, err := openStore(cfg, cfg.TTL)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, stop := signalContext()
			defer stop()

			res := newPipeline(cfg, store).RunOnce(ctx)
			return res.SaveErr
		},
	}

	addHarvestFlags(cmd, &a)

	return cmd
}

// ---------------------------------------------------------------------------
// status (read-only: snapshot age + per-language table)
// ---------------------------------------------------------------------------

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show snapshot age and per-language statistics",
		Long: `Show where the snapshot lives, when it was saved, whether it is still
fresh, and how many documents and passages each language holds.
Does not modify the snapshot, even when it has expired.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, nil)
			if err != nil {
				return err
			}
			return runStatus(cfg)
		},
	}
}

func runStatus(cfg *config.Config) error {
	store, err := openReader(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	fmt.Fprintf(os.Stderr, "\n%s%s%s\n", colorBlue, i18n.T("Snapshot"), colorReset)
	fmt.Fprintln(os.Stderr, strings.Repeat("─", 60))
	fmt.Fprintf(os.Stderr, "  %-12s %s\n", i18n.T("Location:"), store.Location())

	snap, err := store.Load(context.Background())
	if errors.Is(err, snapshot.ErrNotFound) {
		fmt.Fprintln(os.Stderr)
		logInfo("No snapshot yet. Run: quoteharvest once")
		return nil
	}
	if err != nil {
		return err
	}

	age := snap.Age(time.Now())
	freshness := colorGreen + i18n.T("fresh") + colorReset
	if !snap.Valid(time.Now(), cfg.TTL) {
		freshness = colorYellow + i18n.T("expired") + colorReset
	}
	fmt.Fprintf(os.Stderr, "  %-12s %s\n", i18n.T("Saved:"), snap.Timestamp.Local().Format(time.DateTime))
	fmt.Fprintf(os.Stderr, "  %-12s %s (%s, ttl %s)\n", i18n.T("Age:"), age.Round(time.Second), freshness, cfg.TTL)
	fmt.Fprintln(os.Stderr)

	showStatsTable(snap)
	return nil
}

func showStatsTable(snap *snapshot.Snapshot) {
	stats := snap.Stats()
	if len(stats) == 0 || snap.Empty() {
		logInfo("Snapshot holds no documents")
		return
	}

	langs := make([]string, len(stats))
	for i, st := range stats {
		langs[i] = st.Lang
	}
	langWidth := langColumnWidth(langs)
	nameWidth := len("Language")
	for _, lang := range langs {
		nameWidth = max(nameWidth, runewidth.StringWidth(langmeta.Resolve(lang).Name))
	}

	fmt.Fprintf(os.Stderr, "%s%s%s\n", colorBlue, i18n.T("Translation Statistics"), colorReset)
	header := fmt.Sprintf("%s  %s  %-10s %-10s %s",
		runewidth.FillRight("Lang", langWidth+3), runewidth.FillRight("Language", nameWidth),
		"Documents", "Passages", "Untranslated")
	fmt.Fprintln(os.Stderr, header)
	fmt.Fprintln(os.Stderr, strings.Repeat("─", runewidth.StringWidth(header)))

	for _, st := range stats {
		untranslated := fmt.Sprintf("%d", st.Untranslated)
		if st.Untranslated > 0 {
			untranslated = colorYellow + untranslated + colorReset
		}
		role := ""
		if st.Lang == snap.SourceLang {
			role = " " + i18n.T("(source)")
		}
		fmt.Fprintf(os.Stderr, "%s  %s  %-10d %-10d %s%s\n",
			langCell(st.Lang, langWidth), runewidth.FillRight(langmeta.Resolve(st.Lang).Name, nameWidth),
			st.Documents, st.Passages, untranslated, role)
	}
	fmt.Fprintln(os.Stderr)
}

// langColumnWidth returns the widest language code in langs.
func langColumnWidth(langs []string) int {
	width := 0
	for _, lang := range langs {
		width = max(width, runewidth.StringWidth(lang))
	}
	return width
}

// langCell renders "<flag> <code>" padded so that cells of different
// languages line up; width is the code column width.
func langCell(lang string, width int) string {
	flag := langmeta.Resolve(lang).Flag
	if flag == "" {
		flag = "  "
	}
	return runewidth.FillRight(flag+" "+lang, width+3)
}

// ---------------------------------------------------------------------------
// random
// ---------------------------------------------------------------------------

func newRandomCmd() *cobra.Command {
	var lang string

	cmd := &cobra.Command{
		Use:   "random",
		Short: "Print a random quote from the snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, nil)
			if err != nil {
				return err
			}
			store, err := openReader(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			snap, err := store.Load(context.Background())
			if err != nil && !snapshot.IsSoftFailure(err) {
				return err
			}
			quote, ok := snap.Random(lang, rand.IntN)
			if !ok {
				return fmt.Errorf("no quotes available for language %q (run: quoteharvest once)", lang)
			}
			fmt.Println(quote)
			return nil
		},
	}

	cmd.Flags().StringVar(&lang, "lang", "", "Language to pick from (default: any)")

	return cmd
}

// ---------------------------------------------------------------------------
// serve
// ---------------------------------------------------------------------------

const defaultListen = "127.0.0.1:8090"

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve quotes and metrics over HTTP",
		Long: `Serve the current snapshot without harvesting:

  GET /quote?lang=xx       random quote as text/plain
  GET /quote.json?lang=xx  random quote as JSON
  GET /healthz             liveness check
  GET /metrics             Prometheus metrics`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, nil)
			if err != nil {
				return err
			}
			addr := cfg.Listen
			if cmd.Flags().Changed("listen") || addr == "" {
				addr = listen
			}

			store, err := openReader(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, stop := signalContext()
			defer stop()

			srv := server.New(server.StoreLoader(store), server.Options{
				Verbose: verbose,
				OnLog:   logInfo,
				OnError: logError,
			})
			return srv.ListenAndServe(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", defaultListen, "Address to listen on")

	return cmd
}
