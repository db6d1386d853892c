package di

import (
	"github.com/google/wire"

	"rae-backend/internal/interfaces/http/handlers"
	"rae-backend/internal/interfaces/http/rest"
	"rae-backend/internal/repository"
	"rae-backend/internal/repository/sqlite"
	"rae-backend/internal/service/cost"
	"rae-backend/internal/service/governance"
	"rae-backend/internal/service/graph"
	"rae-backend/internal/service/importance"
	"rae-backend/internal/service/memory"
	"rae-backend/internal/service/orchestrator"
	"rae-backend/internal/service/retrieval"
	"rae-backend/internal/vector"
)

// Provider sets group constructors by layer for wire-generated injectors.
// NewContainer assembles the same graph by hand; the sets keep the layering
// declared in one place and let tooling check it.

// StorageSet provides the relational store, its repositories and the vector
// index that shares the store's database handle.
var StorageSet = wire.NewSet(
	provideStore,
	provideVectorIndex,
	sqlite.NewMemoryRepository,
	sqlite.NewGraphRepository,
	sqlite.NewCostRepository,
	sqlite.NewQueryLogRepository,
	wire.Bind(new(repository.MemoryRepository), new(*sqlite.MemoryRepository)),
	wire.Bind(new(repository.GraphRepository), new(*sqlite.GraphRepository)),
	wire.Bind(new(repository.CostRepository), new(*sqlite.CostRepository)),
	wire.Bind(new(repository.QueryLogRepository), new(*sqlite.QueryLogRepository)),
	wire.Bind(new(repository.TxManager), new(*sqlite.Store)),
	wire.Bind(new(vector.Index), new(*vector.SQLiteIndex)),
)

// ProviderSet provides the external-facing dependencies: logging, model
// providers, embeddings and the context cache.
var ProviderSet = wire.NewSet(
	provideLogger,
	provideEmbedder,
	provideLLM,
	provideContextCache,
	provideClusterer,
	provideCollector,
	provideValidator,
	provideRateLimiter,
)

// ServiceSet provides the domain services.
var ServiceSet = wire.NewSet(
	memory.NewService,
	importance.NewService,
	graph.NewService,
	retrieval.NewAnalyzer,
	retrieval.NewLexicalReranker,
	cost.NewService,
	governance.NewService,
	orchestrator.NewService,
	wire.Bind(new(retrieval.GraphTraverser), new(*graph.Service)),
	wire.Bind(new(retrieval.Reranker), new(*retrieval.LexicalReranker)),
)

// InterfaceSet provides the HTTP surface.
var InterfaceSet = wire.NewSet(
	handlers.NewMemoryHandler,
	handlers.NewGraphHandler,
	handlers.NewAgentHandler,
	handlers.NewCacheHandler,
	handlers.NewGovernanceHandler,
	rest.NewRouter,
)
