// Package main implements the knowledgeengine CLI entry point.
//
// Commands:
//   - serve  - run the HTTP and stdio adapters against a project's knowledge directory
//   - sync   - reconcile knowledge.db against the markdown knowledge directory
//   - index  - run the embedding/indexing pipeline
//   - migrate - apply pending SQLite schema migrations
//   - info   - print the resolved configuration and schema version
//
// Exit codes follow spec.md §6: 0 success, 1 unrecoverable error, 2 CLI
// usage/validation error.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/knowledgeengine/core/internal/actions"
	apihttp "github.com/knowledgeengine/core/internal/api/http"
	"github.com/knowledgeengine/core/internal/api/stdio"
	"github.com/knowledgeengine/core/internal/config"
	"github.com/knowledgeengine/core/internal/constitution"
	"github.com/knowledgeengine/core/internal/embedding"
	"github.com/knowledgeengine/core/internal/gateway"
	"github.com/knowledgeengine/core/internal/graph"
	"github.com/knowledgeengine/core/internal/guards"
	"github.com/knowledgeengine/core/internal/indexing"
	"github.com/knowledgeengine/core/internal/logging"
	"github.com/knowledgeengine/core/internal/repository"
	"github.com/knowledgeengine/core/internal/search"
	"github.com/knowledgeengine/core/internal/store"
	"github.com/knowledgeengine/core/internal/sync"
	"github.com/knowledgeengine/core/internal/usage"
)

var (
	verbose    bool
	workspace  string
	httpAddr   string
	clearIndex bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "knowledgeengine",
	Short: "Recipe and pattern knowledge engine for a codebase's AutoSnippet/ directory",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "project directory (default: current directory)")

	serveCmd.Flags().StringVar(&httpAddr, "addr", ":8787", "HTTP listen address")
	serveCmd.Flags().Bool("stdio", false, "also serve the line-delimited JSON stdio adapter over stdin/stdout")

	syncCmd.Flags().Bool("skip-violations", false, "import records even when front matter validation reports violations")

	indexCmd.Flags().BoolVar(&clearIndex, "clear", false, "clear and rebuild every embedding before reindexing")

	rootCmd.AddCommand(serveCmd, syncCmd, indexCmd, migrateCmd, infoCmd)
}

func main() {
	rootCmd.SilenceErrors = true
	ranSubcommand := false
	for _, c := range rootCmd.Commands() {
		c.PreRunE = func(cmd *cobra.Command, args []string) error {
			ranSubcommand = true
			return nil
		}
	}

	err := rootCmd.Execute()
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "error:", err)

	// Cobra rejects unknown commands/flags and argument-count mismatches
	// before a subcommand's RunE ever runs (spec.md §6 exit code 2); once
	// RunE has started, a returned error is an engine failure (exit 1).
	if !ranSubcommand {
		os.Exit(2)
	}
	os.Exit(1)
}

func projectDir() (string, error) {
	if workspace != "" {
		return filepath.Abs(workspace)
	}
	return os.Getwd()
}

// bootstrap wires the storage, repository, and config layers every
// subcommand needs, in the order main.go's teacher analogue wires its
// own global state in PersistentPreRunE/init.
type bootstrap struct {
	cfg        *config.Config
	st         *store.Store
	recipes    *repository.RecipeRepository
	candidates *repository.CandidateRepository
	snippets   *repository.SnippetRepository
	violations *repository.GuardViolationRepository
	audit      *repository.AuditRepository
	edges      *repository.EdgeRepository
	provider   embedding.Provider
	tracker    *usage.Tracker
	gw         *gateway.Gateway
	deps       actions.Deps
}

func newBootstrap() (*bootstrap, error) {
	dir, err := projectDir()
	if err != nil {
		return nil, fmt.Errorf("resolve project directory: %w", err)
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if err := logging.Initialize(filepath.Join(dir, cfg.RuntimeDir), cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "warning: file logging disabled: %v\n", err)
	}

	dbPath := filepath.Join(dir, cfg.RuntimeDir, "knowledge.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create runtime dir: %w", err)
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	recipes := repository.NewRecipeRepository(st)
	candidates := repository.NewCandidateRepository(st)
	snippets := repository.NewSnippetRepository(st)
	violations := repository.NewGuardViolationRepository(st)
	audit := repository.NewAuditRepository(st)
	edges := repository.NewEdgeRepository(st)

	provider := embedding.NewLocalProvider(cfg.AI.EmbeddingDims)

	tracker, err := usage.NewTracker(filepath.Join(dir, cfg.RuntimeDir))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open usage tracker: %w", err)
	}

	doc, err := loadConstitution(dir, cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	gw := gateway.NewGateway(constitution.NewEngine(doc), audit)

	pipeline := indexing.NewPipeline(st, recipes, candidates, provider, cfg)
	deps := actions.Deps{Recipes: recipes, Candidates: candidates, Snippets: snippets, Pipeline: pipeline}
	actions.Register(gw, deps)

	return &bootstrap{
		cfg: cfg, st: st, recipes: recipes, candidates: candidates, snippets: snippets,
		violations: violations, audit: audit, edges: edges, provider: provider, tracker: tracker,
		gw: gw, deps: deps,
	}, nil
}

func (b *bootstrap) close() {
	b.st.Close()
}

// loadConstitution reads <projectDir>/<knowledgeDir>/constitution.yaml,
// falling back to a permissive single-role default when the project
// hasn't defined one yet (a fresh `init`, or a project that only wants
// the knowledge engine's read paths).
func loadConstitution(dir string, cfg *config.Config) (*constitution.Document, error) {
	path := filepath.Join(dir, cfg.KnowledgeDir, "constitution.yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read constitution %s: %w", path, err)
		}
		raw = []byte(defaultConstitutionYAML)
	}
	doc, err := constitution.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("parse constitution %s: %w", path, err)
	}
	return doc, nil
}

const defaultConstitutionYAML = `
roles:
  developer_admin:
    permissions:
      - "*:*"
  visitor:
    permissions:
      - "read:*"
`

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP (and optionally stdio) adapters",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := newBootstrap()
		if err != nil {
			return err
		}
		defer b.close()

		dir, _ := projectDir()
		core := search.NewCore(b.st, b.recipes, b.candidates, b.provider, b.tracker, nil, b.cfg)
		graphSvc := graph.NewService(b.edges)
		guardSvc := guards.NewService(b.violations, b.recipes, b.tracker)
		server := apihttp.NewServer(dir, b.gw, b.recipes, b.candidates, core, graphSvc, guardSvc, b.deps)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		useStdio, _ := cmd.Flags().GetBool("stdio")
		if useStdio {
			stdioSrv := stdio.NewServer(b.gw, b.recipes, b.candidates, core, graphSvc, b.tracker, b.deps)
			go func() {
				if err := stdioSrv.Serve(ctx, os.Stdin, os.Stdout); err != nil {
					logger.Warn("stdio adapter stopped", zap.Error(err))
				}
			}()
		}

		httpServer := &http.Server{Addr: httpAddr, Handler: server}
		go func() {
			<-ctx.Done()
			_ = httpServer.Close()
		}()

		logger.Info("knowledge engine listening", zap.String("addr", httpAddr), zap.String("project", dir))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile knowledge.db against AutoSnippet/recipes and AutoSnippet/candidates",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := newBootstrap()
		if err != nil {
			return err
		}
		defer b.close()

		skipViolations, _ := cmd.Flags().GetBool("skip-violations")
		svc := sync.NewService(b.cfg, b.recipes, b.candidates)
		report, err := svc.SyncAll(skipViolations)
		if err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		fmt.Printf("synced: total=%d created=%d updated=%d orphaned=%d violations=%d\n",
			report.Synced, report.Created, report.Updated, len(report.Orphaned), len(report.Violations))
		for _, o := range report.Orphaned {
			fmt.Fprintln(os.Stderr, "orphaned:", o)
		}
		return nil
	},
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Run the embedding/indexing pipeline over recipes and candidates",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := newBootstrap()
		if err != nil {
			return err
		}
		defer b.close()

		result, err := b.deps.RunEmbed(context.Background(), clearIndex)
		if err != nil {
			return fmt.Errorf("index: %w", err)
		}
		fmt.Printf("indexed: indexed=%d skipped=%d removed=%d\n", result.Indexed, result.Skipped, result.Removed)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations to knowledge.db",
	RunE: func(cmd *cobra.Command, args []string) error {
		// store.Open runs every pending migration as part of opening the
		// database, so bootstrapping is itself the migrate operation.
		b, err := newBootstrap()
		if err != nil {
			return err
		}
		defer b.close()
		fmt.Printf("schema version %d\n", store.GetSchemaVersion(b.st.DB()))
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print the resolved configuration and project paths",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := projectDir()
		if err != nil {
			return err
		}
		cfg, err := config.Load(dir)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		fmt.Printf("project:   %s\n", dir)
		fmt.Printf("knowledge: %s\n", filepath.Join(dir, cfg.KnowledgeDir))
		fmt.Printf("runtime:   %s\n", filepath.Join(dir, cfg.RuntimeDir))
		fmt.Printf("ai:        provider=%s disableAssist=%v\n", cfg.AI.Provider, cfg.AI.DisableAssist)
		fmt.Printf("search:    semantic=%.2f keyword=%.2f authority=%.2f\n",
			cfg.Search.SemanticWeight, cfg.Search.KeywordWeight, cfg.Search.AuthorityWeight)
		return nil
	},
}
