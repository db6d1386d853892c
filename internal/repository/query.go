package repository

import "rae-backend/internal/domain"

// Direction selects which edges Neighbors follows.
type Direction string

const (
	DirectionOut  Direction = "out"
	DirectionIn   Direction = "in"
	DirectionBoth Direction = "both"
)

// NodeOrder selects the ordering for ListNodes.
type NodeOrder string

const (
	NodeOrderRecency  NodeOrder = "recency"
	NodeOrderPageRank NodeOrder = "pagerank"
)

// MemoryQuery narrows a memory listing. Zero values mean "no filter" except
// TenantID and ProjectID, which are always required.
type MemoryQuery struct {
	TenantID  string
	ProjectID string
	Layer     domain.Layer
	Filters   domain.Filters

	// IncludeArchived widens the listing to archived memories; retrieval
	// paths never set it.
	IncludeArchived bool

	Limit  int
	Offset int
}

// NodeQuery narrows a graph node listing.
type NodeQuery struct {
	TenantID  string
	ProjectID string

	// MinPageRank filters out nodes below the threshold when positive.
	MinPageRank float64

	OrderBy NodeOrder
	Limit   int
	Offset  int
}

// EdgeQuery narrows a graph edge listing.
type EdgeQuery struct {
	TenantID  string
	ProjectID string

	// Relation filters to one relation label when non-empty.
	Relation string

	Limit  int
	Offset int
}
