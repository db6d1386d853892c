package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
	"strconv"
	"strings"
	"time"

	"rae-backend/internal/domain"
)

// CanonicalQuery returns query in fingerprint-canonical form: leading and
// trailing whitespace trimmed, internal whitespace runs collapsed to single
// spaces, all lowercased.
func CanonicalQuery(query string) string {
	return strings.ToLower(strings.Join(strings.Fields(query), " "))
}

// CanonicalFilters renders filters as a deterministic key=value list. Tags
// are sorted, keys are emitted in sorted order, and unset fields are dropped
// so two equivalent filter sets always render identically.
func CanonicalFilters(f domain.Filters) string {
	pairs := make([]string, 0, 6)
	if f.Layer != "" {
		pairs = append(pairs, "layer="+string(f.Layer))
	}
	if len(f.Tags) > 0 {
		tags := append([]string(nil), f.Tags...)
		sort.Strings(tags)
		pairs = append(pairs, "tags="+strings.Join(tags, ","))
	}
	if f.Source != "" {
		pairs = append(pairs, "source="+f.Source)
	}
	if f.CreatedAfter != nil {
		pairs = append(pairs, "created_after="+f.CreatedAfter.UTC().Format(time.RFC3339Nano))
	}
	if f.CreatedBefore != nil {
		pairs = append(pairs, "created_before="+f.CreatedBefore.UTC().Format(time.RFC3339Nano))
	}
	if f.MinImportance != nil {
		pairs = append(pairs, "min_importance="+strconv.FormatFloat(*f.MinImportance, 'g', -1, 64))
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ";")
}

// Fingerprint derives the cache key hash for one retrieval request. Two
// requests that differ only in query whitespace, tag order, or by less than
// sixty seconds hash identically. Requests from different tenants, projects,
// or pipeline versions never collide by construction.
func Fingerprint(tenantID, projectID, query string, filters domain.Filters, now time.Time, pipelineVersion string) string {
	bucket := now.Unix() / 60

	h := sha256.New()
	writeField(h, tenantID)
	writeField(h, projectID)
	writeField(h, CanonicalQuery(query))
	writeField(h, CanonicalFilters(filters))
	writeField(h, strconv.FormatInt(bucket, 10))
	writeField(h, pipelineVersion)
	return hex.EncodeToString(h.Sum(nil))
}

// NewKey computes the fingerprint for a request and wraps it with its scope.
func NewKey(tenantID, projectID, query string, filters domain.Filters, now time.Time, pipelineVersion string) Key {
	return Key{
		TenantID:    tenantID,
		ProjectID:   projectID,
		Fingerprint: Fingerprint(tenantID, projectID, query, filters, now, pipelineVersion),
	}
}

// writeField hashes one tuple element as a length-prefixed byte string so
// adjacent fields cannot alias each other.
func writeField(h hash.Hash, s string) {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}
