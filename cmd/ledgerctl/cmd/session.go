package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"ledger-reconciliation-engine/internal/engine"
	"ledger-reconciliation-engine/internal/feed"
	"ledger-reconciliation-engine/internal/fines"
	"ledger-reconciliation-engine/internal/matcher"
	"ledger-reconciliation-engine/internal/models"
	"ledger-reconciliation-engine/internal/store"
	"ledger-reconciliation-engine/pkg/logger"
)

// session is one in-process run: feed files loaded into a fresh store with
// the engine wired over it. Every command that needs state starts from one.
type session struct {
	engine *engine.Engine
	store  *store.Store
	result *engine.BatchResult
}

// loadSession reads the document and movement files and runs the import
// batch over a fresh engine.
func loadSession(ctx context.Context, documentFiles, movementFiles []string, profile string, progress bool) (*session, error) {
	matching, err := matchingProfile(profile)
	if err != nil {
		return nil, err
	}

	st := store.New()
	config := engine.DefaultConfig()
	config.Matching = matching
	config.ProgressReporting = progress

	eng, err := engine.New(st, fines.NewRegistry(), config, logger.GetGlobalLogger())
	if err != nil {
		return nil, err
	}

	reader, err := feed.NewReader(feed.DefaultConfig(), logger.GetGlobalLogger())
	if err != nil {
		return nil, err
	}

	batch := &engine.Batch{Name: batchName(documentFiles, movementFiles)}

	for _, path := range documentFiles {
		records, _, err := reader.ReadFile(path)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			if r.Document.Kind == models.KindBankMovement {
				batch.Movements = append(batch.Movements, r.Document)
				continue
			}
			batch.Documents = append(batch.Documents, &engine.BatchDocument{
				Document: r.Document,
				RawText:  r.Raw.RawReference,
			})
		}
	}

	for _, path := range movementFiles {
		records, _, err := reader.ReadFile(path)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			batch.Movements = append(batch.Movements, r.Document)
		}
	}

	result, err := eng.ImportBatch(ctx, batch)
	if err != nil {
		return nil, err
	}

	return &session{engine: eng, store: st, result: result}, nil
}

// findDocument resolves a document by id first, then by reference over the
// whole store, so references survive across runs while ids do not.
func (s *session) findDocument(idOrReference string) (*models.LedgerDocument, error) {
	if doc, err := s.engine.GetDocument(idOrReference); err == nil {
		return doc, nil
	}

	matches := s.store.Snapshot(func(d *models.LedgerDocument) bool {
		return d.Reference == idOrReference
	})
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no document with id or reference %q", idOrReference)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("reference %q matches %d documents, use the document id", idOrReference, len(matches))
	}
}

func matchingProfile(profile string) (*matcher.MatchingConfig, error) {
	switch profile {
	case "", "default":
		return matcher.DefaultMatchingConfig(), nil
	case "strict":
		return matcher.StrictMatchingConfig(), nil
	case "relaxed":
		return matcher.RelaxedMatchingConfig(), nil
	default:
		return nil, fmt.Errorf("unknown matching profile %q. Valid profiles: default, strict, relaxed", profile)
	}
}

func batchName(documentFiles, movementFiles []string) string {
	for _, files := range [][]string{movementFiles, documentFiles} {
		if len(files) > 0 {
			return filepath.Base(files[0])
		}
	}
	return "import"
}

func validateFileExists(filePath, description string) error {
	if filePath == "" {
		return fmt.Errorf("%s path cannot be empty", description)
	}

	info, err := os.Stat(filePath)
	if os.IsNotExist(err) {
		return fmt.Errorf("%s does not exist: %s", description, filePath)
	}
	if err != nil {
		return fmt.Errorf("error accessing %s: %w", description, err)
	}

	if info.IsDir() {
		return fmt.Errorf("%s is a directory, expected a file: %s", description, filePath)
	}

	return nil
}

func validateSessionFlags(documentFiles, movementFiles []string) error {
	if len(documentFiles) == 0 && len(movementFiles) == 0 {
		return fmt.Errorf("at least one of --documents or --movements is required")
	}
	for i, f := range documentFiles {
		if err := validateFileExists(f, fmt.Sprintf("document file %d", i+1)); err != nil {
			return err
		}
	}
	for i, f := range movementFiles {
		if err := validateFileExists(f, fmt.Sprintf("movement file %d", i+1)); err != nil {
			return err
		}
	}
	return nil
}
