package mtlhal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/gogpu/naga/msl"

	"github.com/gogpu/mtlhal/internal/cache"
	"github.com/gogpu/mtlhal/native"
)

// pipelineCacheVersion is bumped whenever the persisted layout or the
// translators' output changes incompatibly.
const pipelineCacheVersion = 1

// canonical encodes cache keys and fingerprints. Canonical CBOR sorts map
// keys, so equal values always encode to equal bytes.
var canonical = func() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// mustCanonical encodes v canonically. The values encoded here are plain
// data, so failure is a bug.
func mustCanonical(v any) []byte {
	b, err := canonical.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("mtlhal: canonical encoding of %T: %v", v, err))
	}
	return b
}

// compileKey identifies one translation: the translator chain and its
// options, the pipeline-specific options, and the module.
type compileKey struct {
	Module      [sha256.Size]byte `cbor:"1,keyasint"`
	Layout      string            `cbor:"2,keyasint"`
	Stage       Stage             `cbor:"3,keyasint"`
	Entry       string            `cbor:"4,keyasint"`
	Constants   string            `cbor:"5,keyasint"`
	PointSize   bool              `cbor:"6,keyasint"`
	LangMajor   uint8             `cbor:"7,keyasint"`
	LangMinor   uint8             `cbor:"8,keyasint"`
	Translators string            `cbor:"9,keyasint"`
}

func newCompileKey(d *Device, req *TranslateRequest, mod *ShaderModule) compileKey {
	names := make([]string, len(d.translators))
	for i, t := range d.translators {
		names[i] = t.Name()
	}
	k := compileKey{
		Module:      mod.hash,
		Layout:      req.Layout.fingerprint,
		Stage:       req.Stage,
		Entry:       req.EntryPoint,
		PointSize:   req.ForcePointSize,
		LangMajor:   req.LangVersion.Major,
		LangMinor:   req.LangVersion.Minor,
		Translators: strings.Join(names, ","),
	}
	if len(req.Constants) > 0 {
		k.Constants = hex.EncodeToString(mustCanonical(req.Constants))
	}
	return k
}

func compileKeyString(k compileKey) string { return string(mustCanonical(k)) }

// layoutFingerprint is the canonical form of a pipeline layout's binding
// model.
type layoutFingerprint struct {
	Bindings        []fingerprintBinding  `cbor:"1,keyasint"`
	Arguments       []fingerprintArgument `cbor:"2,keyasint"`
	PushConstants   [stageCount]uint32    `cbor:"3,keyasint"`
	SizesBuffers    [stageCount]int32     `cbor:"4,keyasint"`
	InlineSamplers  []msl.InlineSampler   `cbor:"5,keyasint"`
	TotalPushConsts uint32                `cbor:"6,keyasint"`
}

type fingerprintBinding struct {
	Stage   Stage  `cbor:"1,keyasint"`
	Set     uint32 `cbor:"2,keyasint"`
	Binding uint32 `cbor:"3,keyasint"`
	Target  string `cbor:"4,keyasint"`
}

type fingerprintArgument struct {
	Stage Stage  `cbor:"1,keyasint"`
	Set   uint32 `cbor:"2,keyasint"`
	Slot  uint32 `cbor:"3,keyasint"`
}

// computeFingerprint digests everything a translator reads from the
// layout.
func (l *PipelineLayout) computeFingerprint() {
	fp := layoutFingerprint{
		InlineSamplers:  l.inlineSamplers,
		TotalPushConsts: l.totalPushConstants,
	}
	for _, e := range l.Bindings() {
		fp.Bindings = append(fp.Bindings, fingerprintBinding{
			Stage: e.Key.Stage, Set: e.Key.Set, Binding: e.Key.Binding, Target: e.Target.String(),
		})
	}
	for k, slot := range l.argumentBuffers {
		fp.Arguments = append(fp.Arguments, fingerprintArgument{Stage: k.Stage, Set: k.Set, Slot: slot})
	}
	slices.SortFunc(fp.Arguments, func(a, b fingerprintArgument) int {
		return compareKeys(BindingKey{Stage: a.Stage, Set: a.Set}, BindingKey{Stage: b.Stage, Set: b.Set})
	})
	for s, info := range l.stages {
		fp.SizesBuffers[s] = -1
		if info.PushConstants != nil {
			fp.PushConstants[s] = info.PushConstants.Words
		}
		if info.SizesBuffer != nil {
			fp.SizesBuffers[s] = int32(*info.SizesBuffer)
		}
	}
	sum := sha256.Sum256(mustCanonical(fp))
	l.fingerprint = hex.EncodeToString(sum[:])
}

// Fingerprint returns a digest of the layout's binding model. Layouts with
// equal fingerprints translate shaders identically.
func (l *PipelineLayout) Fingerprint() string { return l.fingerprint }

// PipelineCache holds translations and a native binary archive across
// pipeline creations. A translation is computed at most once per key,
// even under concurrent pipeline creation.
//
// PipelineCache is safe for concurrent use.
type PipelineCache struct {
	translations *cache.Once[compileKey, *Translation]

	mu        sync.Mutex
	archive   native.BinaryArchive
	destroyed bool
}

// pipelineCacheBlob is the persisted form of a PipelineCache.
type pipelineCacheBlob struct {
	Version uint32       `cbor:"1,keyasint"`
	Archive []byte       `cbor:"2,keyasint"`
	Entries []cacheEntry `cbor:"3,keyasint"`
}

type cacheEntry struct {
	Key         compileKey   `cbor:"1,keyasint"`
	Translation *Translation `cbor:"2,keyasint"`
}

// CreatePipelineCache creates a pipeline cache, restoring it from data
// produced by PipelineCacheData. Empty data yields a cold cache, as does
// data written by an incompatible version.
func (d *Device) CreatePipelineCache(data []byte) (*PipelineCache, error) {
	c := &PipelineCache{
		translations: cache.NewOnce[compileKey, *Translation](compileKeyString),
	}

	var blob pipelineCacheBlob
	if len(data) > 0 {
		if err := cbor.Unmarshal(data, &blob); err != nil {
			return nil, fmt.Errorf("%w: pipeline cache data: %w", ErrInvalidDescriptor, err)
		}
		if blob.Version != pipelineCacheVersion {
			Logger().Warn("mtlhal: discarding pipeline cache of another version",
				"version", blob.Version, "want", pipelineCacheVersion)
			blob = pipelineCacheBlob{}
		}
	}

	err := d.withNative(func(raw native.Device) error {
		var err error
		if c.archive, err = raw.NewBinaryArchive(blob.Archive); err != nil {
			return deviceError("create binary archive", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, e := range blob.Entries {
		if e.Translation != nil {
			c.translations.Insert(e.Key, e.Translation)
		}
	}
	Logger().Debug("mtlhal: pipeline cache created", "entries", len(blob.Entries))
	return c, nil
}

// translation returns the cached translation for key, translating req on
// a miss.
func (c *PipelineCache) translation(d *Device, key compileKey, req *TranslateRequest) (*Translation, error) {
	return c.translations.GetOrCompute(key, func() (*Translation, error) {
		return d.translate(req)
	})
}

// nativeArchives returns the archive to hand to native pipeline creation.
func (c *PipelineCache) nativeArchives() []native.BinaryArchive {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || c.archive == nil {
		return nil
	}
	return []native.BinaryArchive{c.archive}
}

// Stats returns translation cache statistics.
func (c *PipelineCache) Stats() cache.Stats { return c.translations.Stats() }

// Len returns the number of cached translations.
func (c *PipelineCache) Len() int { return c.translations.Len() }

// PipelineCacheData serializes the cache. Entries are ordered by key, so
// equal caches serialize to equal bytes.
func (d *Device) PipelineCacheData(c *PipelineCache) ([]byte, error) {
	blob := pipelineCacheBlob{Version: pipelineCacheVersion}

	c.mu.Lock()
	archive := c.archive
	c.mu.Unlock()
	if archive != nil {
		data, err := archive.Serialize()
		if err != nil {
			return nil, fmt.Errorf("mtlhal: serialize binary archive: %w", err)
		}
		blob.Archive = data
	}

	c.translations.Range(func(k compileKey, v *Translation) bool {
		blob.Entries = append(blob.Entries, cacheEntry{Key: k, Translation: v})
		return true
	})
	slices.SortFunc(blob.Entries, func(a, b cacheEntry) int {
		return strings.Compare(compileKeyString(a.Key), compileKeyString(b.Key))
	})
	return canonical.Marshal(blob)
}

// MergePipelineCaches copies translations from srcs into dst. Keys dst
// already holds keep their value. Native archives are not merged.
func (d *Device) MergePipelineCaches(dst *PipelineCache, srcs ...*PipelineCache) {
	for _, src := range srcs {
		if src == nil || src == dst {
			continue
		}
		src.translations.Range(func(k compileKey, v *Translation) bool {
			dst.translations.Insert(k, v)
			return true
		})
	}
}

// DestroyPipelineCache releases the cache's native archive.
func (d *Device) DestroyPipelineCache(c *PipelineCache) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.destroyed = true
	c.archive = nil
	c.mu.Unlock()
}
