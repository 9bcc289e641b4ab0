package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/knowledgeengine/core/internal/config"
	"github.com/knowledgeengine/core/internal/domain"
	"github.com/knowledgeengine/core/internal/errs"
	"github.com/knowledgeengine/core/internal/logging"
	"github.com/knowledgeengine/core/internal/pathguard"
	"github.com/knowledgeengine/core/internal/repository"
)

// Report summarizes one sync pass (spec.md §4.4: "{synced, created,
// updated, orphaned[], violations[]}").
type Report struct {
	Synced    int                  `json:"synced"`
	Created   int                  `json:"created"`
	Updated   int                  `json:"updated"`
	Orphaned  []string             `json:"orphaned"`
	Violations []FileViolations    `json:"violations"`
}

// FileViolations groups validation issues found in one file.
type FileViolations struct {
	File       string      `json:"file"`
	Violations []Violation `json:"violations"`
}

// Service is the Sync Service (C5): bidirectional translation between
// markdown files under the project's knowledge directory and the
// recipes/candidates tables, with orphan detection and an optional
// file-watch mode.
type Service struct {
	cfg        *config.Config
	recipes    *repository.RecipeRepository
	candidates *repository.CandidateRepository
}

func NewService(cfg *config.Config, recipes *repository.RecipeRepository, candidates *repository.CandidateRepository) *Service {
	return &Service{cfg: cfg, recipes: recipes, candidates: candidates}
}

// SyncAll runs a full sync pass over the knowledge directory and the
// parallel candidates/ directory, then detects orphans.
func (s *Service) SyncAll(skipViolations bool) (Report, error) {
	timer := logging.StartTimer(logging.CategorySync, "SyncAll")
	defer timer.Stop()

	var report Report

	recipeFiles, err := listMarkdownFiles(s.cfg.KnowledgePath())
	if err != nil {
		return report, err
	}
	knownFiles := make(map[string]bool, len(recipeFiles))
	for _, f := range recipeFiles {
		knownFiles[f] = true
		if err := s.syncRecipeFile(f, skipViolations, &report); err != nil {
			logging.Get(logging.CategorySync).Error("sync %s: %v", f, err)
		}
	}

	if err := s.detectOrphans(knownFiles, &report); err != nil {
		return report, err
	}

	candidatesDir := filepath.Join(s.cfg.KnowledgePath(), "candidates")
	candidateFiles, err := listMarkdownFiles(candidatesDir)
	if err == nil {
		for _, f := range candidateFiles {
			if err := s.syncCandidateFile(f, &report); err != nil {
				logging.Get(logging.CategorySync).Error("sync candidate %s: %v", f, err)
			}
		}
	}

	logging.Get(logging.CategorySync).Info("sync complete: synced=%d created=%d updated=%d orphaned=%d violations=%d",
		report.Synced, report.Created, report.Updated, len(report.Orphaned), len(report.Violations))
	return report, nil
}

func listMarkdownFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage(err, "read knowledge directory %s", dir)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out, nil
}

// syncRecipeFile parses a single file (which may hold multiple records)
// and upserts each into the recipes table.
func (s *Service) syncRecipeFile(path string, skipViolations bool, report *Report) error {
	if err := pathguard.AssertProjectWriteSafe(s.cfg.ProjectDir, path); err != nil {
		return err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return errs.Storage(err, "read %s", path)
	}

	docs, err := ParseFile(string(raw))
	if err != nil {
		return err
	}

	for _, doc := range docs {
		violations := Validate(doc)
		if len(violations) > 0 {
			report.Violations = append(report.Violations, FileViolations{File: path, Violations: violations})
			if !skipViolations {
				continue
			}
		}

		rec, err := s.docToRecipe(doc, path)
		if err != nil {
			return err
		}

		existing, getErr := s.recipes.Get(rec.ID)
		if getErr != nil {
			if errs.CodeOf(getErr) != errs.CodeNotFound {
				return getErr
			}
			if err := s.recipes.Create(rec); err != nil {
				return err
			}
			report.Created++
		} else {
			rec.CreatedAt = existing.CreatedAt
			rec.Status = existing.Status
			rec.Stats = existing.Stats
			rec.Quality = existing.Quality
			if err := s.recipes.Update(rec); err != nil {
				return err
			}
			report.Updated++
		}
		report.Synced++
	}
	return nil
}

// docToRecipe maps a parsed front-matter record onto a domain.Recipe,
// computing a stable id from source_file+title when the front matter
// carries none (spec.md §4.4 "compute stable id"). A record whose front
// matter gives neither kind nor knowledgeType is imported as a pattern.
func (s *Service) docToRecipe(doc RecipeDoc, sourceFile string) (*domain.Recipe, error) {
	fm := doc.FrontMatter
	id := fm.ID
	if id == "" {
		id = StableID(sourceFile, fm.Title)
	}

	kind := domain.RecipeKind(fm.Kind)
	kt := domain.KnowledgeType(fm.KnowledgeType)
	if kind == "" && kt == "" {
		kind = domain.KindPattern
	}
	rec, err := domain.NewRecipe(id, fm.Title, fm.Language, fm.Category, kind, kt)
	if err != nil {
		return nil, err
	}
	rec.Summary = domain.Localized{CN: fm.SummaryCN, EN: fm.SummaryEN}
	rec.UsageGuide = domain.Localized{CN: fm.UsageGuideCN, EN: fm.UsageGuideEN}
	rec.Trigger = fm.Trigger
	rec.Complexity = domain.Complexity(fm.Complexity)
	rec.Scope = domain.Scope(fm.Scope)
	rec.Content = domain.Content{Pattern: doc.CodeBlock, Markdown: doc.UsageGuide}
	rec.SourceFile = &sourceFile
	return rec, nil
}

// StableID derives a deterministic id from source file and title so
// repeated syncs of an unchanged file never mint a second row.
func StableID(sourceFile, title string) string {
	h := sha256.Sum256([]byte(sourceFile + "|" + title))
	return "recipe_" + hex.EncodeToString(h[:])[:16]
}

// detectOrphans marks every recipe whose source_file is set but no
// longer present among knownFiles as deprecated/orphaned (spec.md §4.4,
// never hard-deleted).
func (s *Service) detectOrphans(knownFiles map[string]bool, report *Report) error {
	for pageNum := 1; ; pageNum++ {
		page, err := s.recipes.List(pageNum, 200)
		if err != nil {
			return err
		}
		recipes, _ := page.Data.([]*domain.Recipe)
		for _, rec := range recipes {
			if rec.SourceFile == nil || knownFiles[*rec.SourceFile] {
				continue
			}
			if rec.Status == domain.RecipeStatusDeprecated && rec.Deprecation != nil && rec.Deprecation.Reason == "orphaned" {
				continue // already orphaned, nothing to do
			}
			rec.MarkOrphaned()
			if err := s.recipes.Update(rec); err != nil {
				return err
			}
			report.Orphaned = append(report.Orphaned, *rec.SourceFile)
		}
		if pageNum >= page.Pages || len(recipes) == 0 {
			break
		}
	}
	return nil
}

// syncCandidateFile parses a candidate markdown file (same front-matter
// shape, minus the recipe-only fields) and upserts it into the
// candidates table.
func (s *Service) syncCandidateFile(path string, report *Report) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errs.Storage(err, "read %s", path)
	}
	docs, err := ParseFile(string(raw))
	if err != nil {
		return err
	}
	for _, doc := range docs {
		id := StableID(path, doc.FrontMatter.Title)
		existing, getErr := s.candidates.Get(id)
		if getErr == nil {
			existing.Code = doc.CodeBlock
			if err := s.candidates.Update(existing); err != nil {
				return err
			}
			report.Updated++
			continue
		}
		c := domain.NewCandidate(id, doc.CodeBlock, doc.FrontMatter.Language, doc.FrontMatter.Category, "file-sync", "sync")
		if err := s.candidates.Create(c); err != nil {
			return err
		}
		report.Created++
		report.Synced++
	}
	return nil
}

// ExportRecipe serializes a recipe back to its canonical markdown form at
// its recorded source_file, re-using Serialize so the round-trip property
// (spec.md §4.4) holds.
func (s *Service) ExportRecipe(rec *domain.Recipe) error {
	if rec.SourceFile == nil {
		return errs.Validation("recipe %s has no source_file to export to", rec.ID)
	}
	if err := pathguard.AssertProjectWriteSafe(s.cfg.ProjectDir, *rec.SourceFile); err != nil {
		return err
	}
	doc := RecipeDoc{
		FrontMatter: FrontMatter{
			ID: rec.ID, Title: rec.Title, Trigger: rec.Trigger, Category: rec.Category, Language: rec.Language,
			SummaryCN: rec.Summary.CN, SummaryEN: rec.Summary.EN,
			UsageGuideCN: rec.UsageGuide.CN, UsageGuideEN: rec.UsageGuide.EN,
			KnowledgeType: string(rec.KnowledgeType), Kind: string(rec.Kind),
			Complexity: string(rec.Complexity), Scope: string(rec.Scope),
		},
		CodeFence:  rec.Language,
		CodeBlock:  rec.Content.Pattern,
		UsageGuide: rec.Content.Markdown,
		IntroOnly:  rec.Content.Pattern == "",
	}
	return os.WriteFile(*rec.SourceFile, []byte(Serialize(doc)), 0644)
}

// Watch runs a continuous fsnotify-driven sync: on a write/create/rename
// event for a .md file under the knowledge directory, debounce 300ms then
// re-sync just that file (spec.md SPEC_FULL C5 addition; editor-embedded
// trigger comments remain out of scope per spec.md §1).
func (s *Service) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errs.Internal(err, "create fsnotify watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(s.cfg.KnowledgePath()); err != nil {
		return errs.Storage(err, "watch knowledge directory")
	}

	debounce := map[string]*time.Timer{}
	results := make(chan string, 16)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(ev.Name, ".md") {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if t, exists := debounce[ev.Name]; exists {
				t.Stop()
			}
			path := ev.Name
			debounce[path] = time.AfterFunc(300*time.Millisecond, func() {
				results <- path
			})
		case path := <-results:
			var report Report
			if err := s.syncRecipeFile(path, false, &report); err != nil {
				logging.Get(logging.CategorySync).Error("watch sync %s: %v", path, err)
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Get(logging.CategorySync).Error("watcher error: %v", werr)
		}
	}
}
