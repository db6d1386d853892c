package graph

import (
	"context"
	"math"

	"go.uber.org/zap"

	"rae-backend/internal/repository"
)

const (
	pagerankDamping    = 0.85
	pagerankIterations = 20
	pagerankTolerance  = 1e-6

	// pagerankMaxNodes bounds how much of a project graph one recompute
	// loads; scopes are expected to stay well under this.
	pagerankMaxNodes = 50000
)

// RecomputePageRank runs the power iteration over one project's graph and
// stores each node's score in its pagerank_score property. Dangling nodes
// redistribute their rank uniformly. Iteration stops early once the L1 delta
// between rounds falls below the tolerance.
func (s *Service) RecomputePageRank(ctx context.Context, tenantID, projectID string) error {
	nodes, err := s.graph.ListNodes(ctx, repository.NodeQuery{
		TenantID:  tenantID,
		ProjectID: projectID,
		Limit:     pagerankMaxNodes,
	})
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return nil
	}
	edges, err := s.graph.ListEdges(ctx, repository.EdgeQuery{
		TenantID:  tenantID,
		ProjectID: projectID,
		Limit:     pagerankMaxNodes * 4,
	})
	if err != nil {
		return err
	}

	index := make(map[int64]int, len(nodes))
	for i, n := range nodes {
		index[n.InternalID] = i
	}
	outgoing := make([][]int, len(nodes))
	for _, e := range edges {
		src, okSrc := index[e.SourceNodeID]
		dst, okDst := index[e.TargetNodeID]
		if !okSrc || !okDst {
			continue
		}
		outgoing[src] = append(outgoing[src], dst)
	}

	n := float64(len(nodes))
	rank := make([]float64, len(nodes))
	next := make([]float64, len(nodes))
	for i := range rank {
		rank[i] = 1 / n
	}

	iterations := 0
	for iter := 0; iter < pagerankIterations; iter++ {
		iterations++
		base := (1 - pagerankDamping) / n
		var dangling float64
		for i, targets := range outgoing {
			if len(targets) == 0 {
				dangling += rank[i]
			}
		}
		base += pagerankDamping * dangling / n

		for i := range next {
			next[i] = base
		}
		for i, targets := range outgoing {
			if len(targets) == 0 {
				continue
			}
			share := pagerankDamping * rank[i] / float64(len(targets))
			for _, t := range targets {
				next[t] += share
			}
		}

		var delta float64
		for i := range rank {
			delta += math.Abs(next[i] - rank[i])
		}
		rank, next = next, rank
		if delta < pagerankTolerance {
			break
		}
	}

	for i, node := range nodes {
		if err := s.graph.UpdateNodeProperties(ctx, tenantID, node.InternalID, map[string]any{
			"pagerank_score": rank[i],
		}); err != nil {
			return err
		}
	}

	s.logger.Debug("pagerank recomputed",
		zap.String("tenant_id", tenantID),
		zap.String("project_id", projectID),
		zap.Int("nodes", len(nodes)),
		zap.Int("edges", len(edges)),
		zap.Int("iterations", iterations),
	)
	return nil
}
