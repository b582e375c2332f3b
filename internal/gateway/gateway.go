// Package gateway maps shelby:// URIs onto named parts in an object store.
//
// A bundle is published by writing config.json last and unpublished by deleting
// it first, so a reader that finds config.json sees every part of the latest put
// that completed. Readers treat a bundle missing a required part as absent.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"slices"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-bundle-service/internal/bundle"
	"github.com/book-expert/voice-bundle-service/internal/core"
	"github.com/book-expert/voice-bundle-service/internal/metrics"
	"github.com/book-expert/voice-bundle-service/internal/storageuri"
	"golang.org/x/sync/errgroup"
)

// ContentIDPrefix tags content identifiers with the digest algorithm.
const ContentIDPrefix = "sha256:"

// Operation labels used for metrics.
const (
	opPut    = "put"
	opGet    = "get"
	opDelete = "delete"
	opList   = "list"
	opLoad   = "load_bundle"
)

// PutResult describes a completed put.
type PutResult struct {
	URI       string `json:"uri"`
	ContentID string `json:"cid"`
	TotalSize int    `json:"size"`
}

// DeleteResult describes a completed delete. AlreadyAbsent is set when nothing
// was stored under the URI.
type DeleteResult struct {
	Success       bool     `json:"success"`
	URI           string   `json:"uri"`
	AlreadyAbsent bool     `json:"alreadyAbsent,omitempty"`
	Removed       []string `json:"removed,omitempty"`
}

// Gateway is the storage gateway for voice model bundles.
type Gateway struct {
	store   core.ObjectStore
	log     *logger.Logger
	metrics *metrics.Metrics
}

// New creates a Gateway over store. m may be nil.
func New(store core.ObjectStore, log *logger.Logger, m *metrics.Metrics) *Gateway {
	return &Gateway{store: store, log: log, metrics: m}
}

// Put writes parts under shelby://account/namespace/objectID and returns the
// canonical URI with the content identifier of the written set. Parts left over
// from an earlier put that are not in the new set are removed.
func (g *Gateway) Put(
	ctx context.Context,
	account, namespace, objectID string,
	parts map[string][]byte,
) (result *PutResult, err error) {
	defer func() { g.metrics.RecordGatewayOperation(opPut, string(core.Classify(err))) }()

	uri, err := storageuri.Build(account, namespace, objectID)
	if err != nil {
		return nil, err
	}

	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: at least one part is required", core.ErrValidation)
	}

	for name := range parts {
		if !bundle.IsKnownPart(name) {
			return nil, fmt.Errorf("%w: unknown part %q", core.ErrValidation, name)
		}
	}

	err = g.unpublish(ctx, uri, parts)
	if err != nil {
		return nil, err
	}

	totalSize := 0

	for _, name := range bundle.PartNames() {
		data, ok := parts[name]
		if !ok {
			continue
		}

		err = g.store.Upload(ctx, uri.Key(name), data)
		if err != nil {
			return nil, fmt.Errorf("failed to write part '%s' of %s: %w", name, uri, err)
		}

		totalSize += len(data)
	}

	g.metrics.RecordGatewayBytes("in", totalSize)

	result = &PutResult{
		URI:       uri.String(),
		ContentID: ContentID(parts),
		TotalSize: totalSize,
	}

	g.log.Info("Stored %s (%d bytes, %s)", result.URI, result.TotalSize, result.ContentID)

	return result, nil
}

// Get reads one named part. A part that does not exist yields an error wrapping
// core.ErrNotFound.
func (g *Gateway) Get(ctx context.Context, rawURI, filename string) (data []byte, err error) {
	defer func() { g.metrics.RecordGatewayOperation(opGet, string(core.Classify(err))) }()

	uri, err := storageuri.Parse(rawURI)
	if err != nil {
		return nil, err
	}

	return g.getPart(ctx, uri, filename)
}

// Delete removes every part stored under rawURI. Only the owning account may
// delete; the comparison ignores case. Deleting an absent object succeeds with
// AlreadyAbsent set.
func (g *Gateway) Delete(ctx context.Context, rawURI, requester string) (result *DeleteResult, err error) {
	defer func() { g.metrics.RecordGatewayOperation(opDelete, string(core.Classify(err))) }()

	uri, err := storageuri.Parse(rawURI)
	if err != nil {
		return nil, err
	}

	if !uri.OwnedBy(requester) {
		return nil, fmt.Errorf("%w: account '%s' does not own %s", core.ErrUnauthorized, requester, uri)
	}

	names, err := g.listPartNames(ctx, uri)
	if err != nil {
		return nil, err
	}

	result = &DeleteResult{Success: true, URI: uri.String()}

	if len(names) == 0 {
		result.AlreadyAbsent = true

		g.log.Info("Delete of %s requested by %s: nothing stored", uri, requester)

		return result, nil
	}

	// config.json goes first so readers stop seeing the bundle before it is torn down.
	if i := slices.Index(names, bundle.PartConfig); i > 0 {
		names = append([]string{bundle.PartConfig}, slices.Delete(names, i, i+1)...)
	}

	for _, name := range names {
		deleteErr := g.store.Delete(ctx, uri.Key(name))
		if deleteErr != nil && !errors.Is(deleteErr, core.ErrNotFound) {
			return nil, fmt.Errorf("failed to delete part '%s' of %s: %w", name, uri, deleteErr)
		}

		result.Removed = append(result.Removed, name)
	}

	g.log.Info("Deleted %s (%d parts) for %s", uri, len(result.Removed), requester)

	return result, nil
}

// ListParts returns the names of the parts stored under rawURI in write order.
func (g *Gateway) ListParts(ctx context.Context, rawURI string) (names []string, err error) {
	defer func() { g.metrics.RecordGatewayOperation(opList, string(core.Classify(err))) }()

	uri, err := storageuri.Parse(rawURI)
	if err != nil {
		return nil, err
	}

	return g.listPartNames(ctx, uri)
}

// LoadBundle reads every part of a bundle in parallel. embedding.bin and
// config.json are required; a missing one yields an error wrapping both
// core.ErrModelIncomplete and core.ErrNotFound. meta.json and preview.wav are
// optional.
func (g *Gateway) LoadBundle(ctx context.Context, uri storageuri.URI) (decoded *bundle.Bundle, err error) {
	defer func() { g.metrics.RecordGatewayOperation(opLoad, string(core.Classify(err))) }()

	err = uri.Validate()
	if err != nil {
		return nil, err
	}

	names := bundle.PartNames()
	contents := make([][]byte, len(names))
	found := make([]bool, len(names))
	required := bundle.RequiredParts()

	group, groupCtx := errgroup.WithContext(ctx)

	for i, name := range names {
		group.Go(func() error {
			data, getErr := g.getPart(groupCtx, uri, name)
			if getErr == nil {
				contents[i] = data
				found[i] = true

				return nil
			}

			if errors.Is(getErr, core.ErrNotFound) {
				if slices.Contains(required, name) {
					return fmt.Errorf("%w: %w", core.ErrModelIncomplete, getErr)
				}

				return nil
			}

			return getErr
		})
	}

	err = group.Wait()
	if err != nil {
		return nil, err
	}

	parts := make(map[string][]byte, len(names))
	totalSize := 0

	for i, name := range names {
		if found[i] {
			parts[name] = contents[i]
			totalSize += len(contents[i])
		}
	}

	g.metrics.RecordGatewayBytes("out", totalSize)

	return bundle.FromParts(parts)
}

// ContentID hashes the known parts concatenated in bundle.PartNames order.
func ContentID(parts map[string][]byte) string {
	hasher := sha256.New()

	for _, name := range bundle.PartNames() {
		if data, ok := parts[name]; ok {
			hasher.Write(data)
		}
	}

	return ContentIDPrefix + hex.EncodeToString(hasher.Sum(nil))
}

func (g *Gateway) getPart(ctx context.Context, uri storageuri.URI, filename string) ([]byte, error) {
	if !bundle.IsKnownPart(filename) {
		return nil, fmt.Errorf("%w: unknown part %q", core.ErrValidation, filename)
	}

	start := time.Now()

	data, err := g.store.Download(ctx, uri.Key(filename))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("%w: part '%s' of %s", core.ErrNotFound, filename, uri)
		}

		return nil, fmt.Errorf("failed to read part '%s' of %s: %w", filename, uri, err)
	}

	g.log.Info("Read %s/%s (%d bytes) in %s", uri, filename, len(data), time.Since(start))

	return data, nil
}

// unpublish removes config.json and any part the next write will not replace.
func (g *Gateway) unpublish(ctx context.Context, uri storageuri.URI, next map[string][]byte) error {
	existing, err := g.listPartNames(ctx, uri)
	if err != nil {
		return err
	}

	for _, name := range existing {
		_, replaced := next[name]
		if replaced && name != bundle.PartConfig {
			continue
		}

		deleteErr := g.store.Delete(ctx, uri.Key(name))
		if deleteErr != nil && !errors.Is(deleteErr, core.ErrNotFound) {
			return fmt.Errorf("failed to unpublish part '%s' of %s: %w", name, uri, deleteErr)
		}
	}

	return nil
}

func (g *Gateway) listPartNames(ctx context.Context, uri storageuri.URI) ([]string, error) {
	keys, err := g.store.List(ctx, uri.Prefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", uri, err)
	}

	present := make(map[string]bool, len(keys))

	for _, key := range keys {
		dir, name := path.Split(key)
		if dir == uri.Prefix() {
			present[name] = true
		}
	}

	names := make([]string, 0, len(present))

	for _, name := range bundle.PartNames() {
		if present[name] {
			names = append(names, name)
		}
	}

	return names, nil
}
