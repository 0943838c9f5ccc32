// Package toolcache is the Workspace Tool Cache: a signature-keyed cache of
// the fully compiled, invocable tool set for one workspace. A lookup either
// rehydrates a cached snapshot (reattaching live invokers to stored
// artifact records) or rebuilds from the workspace's enabled Tool Sources.
package toolcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/sandboxgw/core/internal/tools"
	"github.com/sandboxgw/core/internal/toolsource"
)

// VersionTag controls cold-cache invalidation on CompiledArtifact shape
// changes: bump it instead of migrating previously cached snapshots.
const VersionTag = "v1"

// Map is the minimal key/value collaborator the cache is built on. The same
// shape as preparedspec.Map; a rediskv.Map satisfies both interfaces
// structurally.
type Map interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) (previous []byte, err error)
	Delete(ctx context.Context, key string) ([]byte, error)
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Signature computes the stable hash of versionTag | workspaceId |
// sorted(sourceId:updatedAt:enabledFlag) that keys a Workspace Tool Cache
// entry. Sorting makes the hash independent of ListEnabled's row order.
func Signature(workspaceID string, sources []toolsource.Source) string {
	parts := make([]string, len(sources))
	for i, s := range sources {
		parts[i] = fmt.Sprintf("%s:%d:%t", s.ID, s.UpdatedAt.UnixNano(), s.Enabled)
	}
	sort.Strings(parts)
	raw := VersionTag + "|" + workspaceID + "|" + strings.Join(parts, ",")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// metadata is the small row recording which signature a workspace's cached
// snapshot was built from, plus the storage ids of its typedef blobs.
type metadata struct {
	WorkspaceID   string   `json:"workspaceId"`
	Signature     string   `json:"signature"`
	DtsStorageIDs []string `json:"dtsStorageIds"`
}

func metaKey(workspaceID string) string { return "toolcache:meta:" + workspaceID }
func snapshotKey(workspaceID string) string { return "toolcache:snapshot:" + workspaceID }
func typedefKey(workspaceID, sourceID string) string {
	return "toolcache:typedef:" + workspaceID + ":" + sourceID
}

// typedefBlob carries the schema bytes for every artifact compiled from one
// source, keyed by tool name within that source.
type typedefBlob struct {
	Payload map[tools.Ident][]byte `json:"payload"`
	Result  map[tools.Ident][]byte `json:"result"`
}

// Cache is the Workspace Tool Cache.
type Cache struct {
	store     toolsource.Store
	compilers map[toolsource.Type]toolsource.Compiler
	m         Map
	logger    *slog.Logger
}

// New constructs a Cache. compilers must have one entry per toolsource.Type
// the workspace might register. logger defaults to slog.Default().
func New(store toolsource.Store, compilers map[toolsource.Type]toolsource.Compiler, m Map, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{store: store, compilers: compilers, m: m, logger: logger}
}

// Lookup returns the full callable tool set for workspaceID: baseTools plus
// every compiled tool source, with a discover tool closing over the merged
// set. baseTools must not include a tools.DiscoverName entry; buildDiscover
// receives the final merged slice (excluding discover itself) and returns
// the live discover Definition.
func (c *Cache) Lookup(ctx context.Context, workspaceID string, baseTools []tools.Definition, buildDiscover func([]tools.Definition) tools.Definition) ([]tools.Definition, []toolsource.CompileWarning, error) {
	sources, err := c.store.ListEnabled(ctx, workspaceID)
	if err != nil {
		return nil, nil, fmt.Errorf("toolcache lookup %s: list enabled sources: %w", workspaceID, err)
	}
	signature := Signature(workspaceID, sources)

	if defs, ok := c.rehydrate(ctx, workspaceID, signature, sources, baseTools, buildDiscover); ok {
		return defs, nil, nil
	}
	return c.rebuild(ctx, workspaceID, signature, sources, baseTools, buildDiscover)
}

// rehydrate attempts the cache-hit path: step 1 of §4.5. Any failure
// (missing metadata, signature mismatch, corrupt blob, missing typedef)
// falls through to a rebuild rather than erroring the caller.
func (c *Cache) rehydrate(ctx context.Context, workspaceID, signature string, sources []toolsource.Source, baseTools []tools.Definition, buildDiscover func([]tools.Definition) tools.Definition) ([]tools.Definition, bool) {
	rawMeta, ok, err := c.m.Get(ctx, metaKey(workspaceID))
	if err != nil || !ok {
		return nil, false
	}
	var meta metadata
	if err := json.Unmarshal(rawMeta, &meta); err != nil || meta.Signature != signature {
		return nil, false
	}

	rawSnapshot, ok, err := c.m.Get(ctx, snapshotKey(workspaceID))
	if err != nil || !ok {
		return nil, false
	}
	var artifacts []toolsource.CompiledArtifact
	if err := json.Unmarshal(rawSnapshot, &artifacts); err != nil {
		return nil, false
	}

	sourceByID := make(map[string]toolsource.Source, len(sources))
	for _, s := range sources {
		sourceByID[s.ID] = s
	}
	typedefs := make(map[string]typedefBlob)

	merged := make(map[tools.Ident]tools.Definition)
	for _, bt := range baseTools {
		if bt.Name == tools.DiscoverName {
			continue
		}
		merged[bt.Name] = bt
	}

	for _, a := range artifacts {
		src, ok := sourceByID[a.SourceID]
		if !ok {
			// Source was removed between snapshot write and this read; the
			// next signature change will drop it for good.
			continue
		}
		td, ok := typedefs[a.SourceID]
		if !ok {
			raw, ok, err := c.m.Get(ctx, typedefKey(workspaceID, a.SourceID))
			if err != nil || !ok {
				return nil, false
			}
			if err := json.Unmarshal(raw, &td); err != nil {
				return nil, false
			}
			typedefs[a.SourceID] = td
		}
		a.Payload.Schema = td.Payload[a.Name]
		a.Result.Schema = td.Result[a.Name]

		compiler, ok := c.compilers[src.Type]
		if !ok {
			return nil, false
		}
		def, err := compiler.Recompile(ctx, src, a)
		if err != nil {
			// A pseudo-tool artifact (graphqlsource) rejects Recompile by
			// design; it is never part of the callable set.
			continue
		}
		merged[def.Name] = def
	}

	defs := make([]tools.Definition, 0, len(merged)+1)
	for _, d := range merged {
		defs = append(defs, d)
	}
	defs = append(defs, buildDiscover(defs))
	return defs, true
}

// rebuild is §4.5 step 2: load sources, normalize+compile in parallel,
// merge with base tools (later artifact wins on name conflict), rebuild
// discover, and best-effort write the snapshot back.
func (c *Cache) rebuild(ctx context.Context, workspaceID, signature string, sources []toolsource.Source, baseTools []tools.Definition, buildDiscover func([]tools.Definition) tools.Definition) ([]tools.Definition, []toolsource.CompileWarning, error) {
	type compiled struct {
		source   toolsource.Source
		result   toolsource.CompileResult
		err      error
	}
	results := make([]compiled, len(sources))

	var wg sync.WaitGroup
	for i, s := range sources {
		wg.Add(1)
		go func(i int, s toolsource.Source) {
			defer wg.Done()
			compiler, ok := c.compilers[s.Type]
			if !ok {
				results[i] = compiled{source: s, err: fmt.Errorf("no compiler registered for type %q", s.Type)}
				return
			}
			result, err := compiler.Compile(ctx, s)
			results[i] = compiled{source: s, result: result, err: err}
		}(i, s)
	}
	wg.Wait()

	var warnings []toolsource.CompileWarning
	merged := make(map[tools.Ident]tools.Definition)
	for _, bt := range baseTools {
		if bt.Name == tools.DiscoverName {
			continue
		}
		merged[bt.Name] = bt
	}

	artifactsBySource := make(map[string][]toolsource.CompiledArtifact)
	var allArtifacts []toolsource.CompiledArtifact
	for _, r := range results {
		if r.err != nil {
			warnings = append(warnings, toolsource.CompileWarning{SourceID: r.source.ID, Detail: r.err.Error()})
			continue
		}
		warnings = append(warnings, r.result.Warnings...)
		compiler := c.compilers[r.source.Type]
		for _, a := range r.result.Artifacts {
			def, err := compiler.Recompile(ctx, r.source, a)
			if err != nil {
				// Pseudo-tool artifacts (graphqlsource) are policy-only and
				// never join the callable set.
				artifactsBySource[r.source.ID] = append(artifactsBySource[r.source.ID], a)
				allArtifacts = append(allArtifacts, a)
				continue
			}
			merged[def.Name] = def
			artifactsBySource[r.source.ID] = append(artifactsBySource[r.source.ID], a)
			allArtifacts = append(allArtifacts, a)
		}
	}

	defs := make([]tools.Definition, 0, len(merged)+1)
	for _, d := range merged {
		defs = append(defs, d)
	}
	defs = append(defs, buildDiscover(defs))

	c.writeBack(ctx, workspaceID, signature, allArtifacts, artifactsBySource)

	return defs, warnings, nil
}

// writeBack is a best-effort store of the rebuilt snapshot: a failed write
// logs a warning and never affects the value already returned to the
// caller, per §4.5's "cache writes are best-effort" contract.
func (c *Cache) writeBack(ctx context.Context, workspaceID, signature string, artifacts []toolsource.CompiledArtifact, bySource map[string][]toolsource.CompiledArtifact) {
	dtsIDs := make([]string, 0, len(bySource))
	for sourceID, srcArtifacts := range bySource {
		blob := typedefBlob{Payload: map[tools.Ident][]byte{}, Result: map[tools.Ident][]byte{}}
		for _, a := range srcArtifacts {
			if len(a.Payload.Schema) > 0 {
				blob.Payload[a.Name] = a.Payload.Schema
			}
			if len(a.Result.Schema) > 0 {
				blob.Result[a.Name] = a.Result.Schema
			}
		}
		raw, err := json.Marshal(blob)
		if err != nil {
			c.logger.Warn("toolcache: encode typedef blob", "workspace", workspaceID, "source", sourceID, "error", err)
			continue
		}
		if _, err := c.m.Set(ctx, typedefKey(workspaceID, sourceID), raw); err != nil {
			c.logger.Warn("toolcache: write typedef blob", "workspace", workspaceID, "source", sourceID, "error", err)
			continue
		}
		dtsIDs = append(dtsIDs, sourceID)
	}

	stripped := make([]toolsource.CompiledArtifact, len(artifacts))
	for i, a := range artifacts {
		a.Payload.Schema = nil
		a.Result.Schema = nil
		stripped[i] = a
	}
	rawSnapshot, err := json.Marshal(stripped)
	if err != nil {
		c.logger.Warn("toolcache: encode snapshot", "workspace", workspaceID, "error", err)
		return
	}
	if _, err := c.m.Set(ctx, snapshotKey(workspaceID), rawSnapshot); err != nil {
		c.logger.Warn("toolcache: write snapshot", "workspace", workspaceID, "error", err)
		return
	}

	sort.Strings(dtsIDs)
	rawMeta, err := json.Marshal(metadata{WorkspaceID: workspaceID, Signature: signature, DtsStorageIDs: dtsIDs})
	if err != nil {
		c.logger.Warn("toolcache: encode metadata", "workspace", workspaceID, "error", err)
		return
	}
	if _, err := c.m.Set(ctx, metaKey(workspaceID), rawMeta); err != nil {
		c.logger.Warn("toolcache: write metadata", "workspace", workspaceID, "error", err)
	}
}
