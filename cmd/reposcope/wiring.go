package main

import (
	"reposcope/internal/blame"
	"reposcope/internal/churn"
	"reposcope/internal/codeintel"
	"reposcope/internal/depgraph"
	"reposcope/internal/gitcache"
	"reposcope/internal/historyminer"
	"reposcope/internal/jobs"
	"reposcope/internal/models"
	"reposcope/internal/query"
	"reposcope/internal/storage"
)

// engines bundles every analysis component wired against one open database
// and repository cache, shared by the worker pool and the query commands.
type engines struct {
	db    *storage.DB
	cache *gitcache.Cache

	jobStore  *jobs.Store
	extractor *depgraph.Extractor
	miner     *historyminer.Miner
	ingester  *codeintel.Ingester
	blamer    *blame.Provider
	facade    *query.Facade
}

func openEngines() (*engines, error) {
	db, err := storage.Open(openedDBPath(), storage.Options{
		BusyTimeoutMs: cfg.Database.BusyTimeoutMs,
		WALMode:       cfg.Database.WALMode,
	}, logger)
	if err != nil {
		return nil, err
	}

	cache, err := gitcache.New(cfg.Cache.BaseDir, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	depRepo := storage.NewFileDependencyRepository(db)
	churnRepo := storage.NewFileChurnStatRepository(db)
	commitRepo := storage.NewCommitSummaryRepository(db)
	docRepo := storage.NewIndexDocumentRepository(db)
	symbolRepo := storage.NewSymbolInfoRepository(db)

	aggregator := churn.NewAggregator(churnRepo, logger)

	return &engines{
		db:    db,
		cache: cache,

		jobStore: jobs.NewStore(db, logger),
		extractor: depgraph.NewExtractor(cache, depRepo, logger, depgraph.Config{
			Extensions:       cfg.Import.Extensions,
			SkipDirs:         cfg.Import.SkipDirs,
			MaxFileSizeBytes: int64(cfg.Import.MaxFileSizeBytes),
		}),
		miner:    historyminer.NewMiner(cache, commitRepo, aggregator, logger),
		ingester: codeintel.NewIngester(docRepo, symbolRepo, logger),
		blamer:   blame.NewProvider(cache),
		facade:   query.NewFacade(docRepo, symbolRepo, depRepo, churnRepo),
	}, nil
}

func (e *engines) close() {
	e.db.Close()
}

// registerHandlers wires each job kind to the engine that performs it, for
// the worker pool to dispatch through.
func registerHandlers(pool *jobs.Pool, e *engines) {
	pool.RegisterHandler(models.JobKindGitMine, gitMineHandler(e))
	pool.RegisterHandler(models.JobKindGraphBuild, graphBuildHandler(e))
	pool.RegisterHandler(models.JobKindScipIndex, scipIndexHandler(e))
}
