// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package merkle implements the frontend that bridges a filesystem tree
// and a content-addressed block store: building a tree of encrypted
// blocks from a directory, materializing one back to disk, and the
// shared depth-first traversal that both resolve and verify are built
// from.
package merkle

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/ristretto/v2"

	"github.com/luxfi/scsync/block"
	"github.com/luxfi/scsync/crypt"
	"github.com/luxfi/scsync/store"
	"github.com/luxfi/scsync/tree"
)

// Decoded is the decrypted payload reached while walking the tree, tagged
// by which of the three kinds it is.
type Decoded struct {
	Kind tree.Kind
	Dir  tree.Directory
	Meta []block.BlockRef
	Leaf []byte
}

// Visitor observes a depth-first walk of the tree rooted at a BlockRef.
// Each method returns (value, true) to stop the walk and bubble that
// value up through traverse as its result; (zero, false) continues it.
// VisitMeta is never called for a FileMeta reached only as a leaf of
// another FileMeta — that shape is rejected at decode time.
type Visitor interface {
	VisitDir(path string, full *block.Full, dir tree.Directory) (any, bool)
	VisitMeta(path string, full *block.Full, refs []block.BlockRef) (any, bool)
	VisitLeaf(path string, full *block.Full, data []byte) (any, bool)
	VisitPartial(path string, p *block.Partial) (any, bool)
	VisitMissing(path string, id block.BlockId) (any, bool)
}

// Frontend is the entry point for building, materializing, resolving and
// verifying a directory tree stored in db.
type Frontend struct {
	db    *store.Db
	cache *ristretto.Cache[string, Decoded]
}

// NewFrontend wraps db with a decode cache for hot directory blocks. Only
// decoded Directory payloads are cached; FileMeta and leaf payloads are
// decrypted and decoded afresh each time they are visited.
func NewFrontend(db *store.Db) (*Frontend, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, Decoded]{
		NumCounters: 10_000,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init decode cache")
	}
	return &Frontend{db: db, cache: cache}, nil
}

// Close releases the decode cache's background resources.
func (f *Frontend) Close() { f.cache.Close() }

// DB returns the block store this frontend wraps.
func (f *Frontend) DB() *store.Db { return f.db }

// BuildFromDirectory walks root (contents-first, so every block is ready
// before its parent directory is sealed) and returns a freshly populated
// store with one Full block per file and directory, each under a fresh
// random key. Symlinks are skipped.
func BuildFromDirectory(root string) (*store.Db, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrapf(err, "stat %q", root)
	}
	if !info.IsDir() {
		return nil, errors.Newf("scsync: %q is not a directory", root)
	}

	blocks := make(map[block.BlockId]block.Block)

	var walk func(dir string) (block.BlockRef, error)
	walk = func(dir string) (block.BlockRef, error) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return block.BlockRef{}, errors.Wrapf(err, "read dir %q", dir)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		var children []tree.Child
		for _, e := range entries {
			path := filepath.Join(dir, e.Name())
			info, err := e.Info()
			if err != nil {
				return block.BlockRef{}, errors.Wrapf(err, "stat %q", path)
			}
			if info.Mode()&os.ModeSymlink != 0 {
				continue
			}
			md := tree.Metadata{Mode: uint32(info.Mode().Perm()), ModTime: info.ModTime().Unix()}

			if e.IsDir() {
				ref, err := walk(path)
				if err != nil {
					return block.BlockRef{}, err
				}
				children = append(children, tree.NewChild(e.Name(), tree.KindDirectory, md, ref))
				continue
			}

			data, err := os.ReadFile(path)
			if err != nil {
				return block.BlockRef{}, errors.Wrapf(err, "read %q", path)
			}
			ref, err := sealLeaf(blocks, data)
			if err != nil {
				return block.BlockRef{}, err
			}
			children = append(children, tree.NewChild(e.Name(), tree.KindLeaf, md, ref))
		}

		encoded, err := tree.EncodeDirectory(tree.Directory{Children: children})
		if err != nil {
			return block.BlockRef{}, err
		}
		return sealBlock(blocks, encoded)
	}

	rootRef, err := walk(root)
	if err != nil {
		return nil, err
	}
	return store.NewWithBlocks(rootRef, blocks), nil
}

func sealLeaf(blocks map[block.BlockId]block.Block, data []byte) (block.BlockRef, error) {
	encoded, err := tree.EncodeLeaf(data)
	if err != nil {
		return block.BlockRef{}, err
	}
	return sealBlock(blocks, encoded)
}

func sealBlock(blocks map[block.BlockId]block.Block, plaintext []byte) (block.BlockRef, error) {
	key, err := block.NewKey()
	if err != nil {
		return block.BlockRef{}, err
	}
	ciphertext, err := crypt.Seal(key, plaintext)
	if err != nil {
		return block.BlockRef{}, err
	}
	id := block.Sum(ciphertext)
	blocks[id] = &block.Full{Id: id, Data: ciphertext}
	return block.BlockRef{Id: id, Key: key}, nil
}

// Materialize writes the tree rooted at the store's current root to
// outDir, replacing any existing contents. It requires every block
// reachable from that root to be Full; callers should Verify first.
func (f *Frontend) Materialize(outDir string) error {
	if err := os.RemoveAll(outDir); err != nil {
		return errors.Wrapf(err, "clear %q", outDir)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.Wrapf(err, "create %q", outDir)
	}
	root := f.db.Root()
	dir, _, err := f.decodeDirectory(root)
	if err != nil {
		return err
	}
	return f.materializeDir(outDir, dir)
}

func (f *Frontend) materializeDir(dir string, d tree.Directory) error {
	for _, c := range d.Children {
		path := filepath.Join(dir, c.Name)
		ref := tree.ChildRef(c)
		switch c.Type {
		case tree.KindDirectory:
			if err := os.MkdirAll(path, os.FileMode(c.Metadata.Mode)|0o700); err != nil {
				return errors.Wrapf(err, "mkdir %q", path)
			}
			sub, _, err := f.decodeDirectory(ref)
			if err != nil {
				return err
			}
			if err := f.materializeDir(path, sub); err != nil {
				return err
			}
		case tree.KindFileMeta:
			if err := f.materializeFileMeta(path, ref, c.Metadata); err != nil {
				return err
			}
		case tree.KindLeaf:
			if err := f.materializeLeaf(path, ref, c.Metadata); err != nil {
				return err
			}
		default:
			return errors.Newf("scsync: unknown child kind %d for %q", c.Type, path)
		}
	}
	return nil
}

func (f *Frontend) materializeFileMeta(path string, ref block.BlockRef, md tree.Metadata) error {
	full, err := f.db.GetFull(ref.Id)
	if err != nil {
		return err
	}
	plaintext, err := crypt.Open(ref.Key, full.Data)
	if err != nil {
		return err
	}
	refs, err := tree.DecodeFileMeta(plaintext)
	if err != nil {
		return err
	}
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(md.Mode)|0o600)
	if err != nil {
		return errors.Wrapf(err, "create %q", path)
	}
	defer out.Close()
	for _, leafRef := range refs {
		data, err := f.readLeaf(leafRef)
		if err != nil {
			return err
		}
		if hint := soleHint(leafRef); hint != nil {
			lo, hi := hintBounds(hint, len(data))
			data = data[lo:hi]
		}
		if _, err := out.Write(data); err != nil {
			return errors.Wrapf(err, "write %q", path)
		}
	}
	return nil
}

func (f *Frontend) materializeLeaf(path string, ref block.BlockRef, md tree.Metadata) error {
	data, err := f.readLeaf(ref)
	if err != nil {
		return err
	}
	if hint := soleHint(ref); hint != nil {
		lo, hi := hintBounds(hint, len(data))
		data = data[lo:hi]
	}
	if err := os.WriteFile(path, data, os.FileMode(md.Mode)|0o600); err != nil {
		return errors.Wrapf(err, "write %q", path)
	}
	return nil
}

func (f *Frontend) readLeaf(ref block.BlockRef) ([]byte, error) {
	full, err := f.db.GetFull(ref.Id)
	if err != nil {
		return nil, err
	}
	plaintext, err := crypt.Open(ref.Key, full.Data)
	if err != nil {
		return nil, err
	}
	data, err := tree.DecodeLeaf(plaintext)
	if err != nil {
		if _, metaErr := tree.DecodeFileMeta(plaintext); metaErr == nil {
			return nil, errors.Wrapf(tree.ErrNestedFileMeta, "block %s", ref.Id)
		}
		return nil, err
	}
	return data, nil
}

// soleHint returns ref's hint, if it carries exactly one. No builder in
// this repository populates Hints, but a ref built elsewhere with one is
// still honored here.
func soleHint(ref block.BlockRef) *block.Hint {
	if len(ref.Hints) != 1 {
		return nil
	}
	return &ref.Hints[0]
}

func hintBounds(h *block.Hint, length int) (int, int) {
	lo := int(h.Offset)
	hi := lo + int(h.Length)
	if lo < 0 {
		lo = 0
	}
	if hi > length {
		hi = length
	}
	if lo > hi {
		lo = hi
	}
	return lo, hi
}

func (f *Frontend) decodeDirectory(ref block.BlockRef) (tree.Directory, *block.Full, error) {
	if cached, ok := f.cache.Get(ref.Id.String()); ok {
		full, err := f.db.GetFull(ref.Id)
		if err != nil {
			return tree.Directory{}, nil, err
		}
		return cached.Dir, full, nil
	}
	full, err := f.db.GetFull(ref.Id)
	if err != nil {
		return tree.Directory{}, nil, err
	}
	plaintext, err := crypt.Open(ref.Key, full.Data)
	if err != nil {
		return tree.Directory{}, nil, err
	}
	dir, err := tree.DecodeDirectory(plaintext)
	if err != nil {
		return tree.Directory{}, nil, err
	}
	f.cache.Set(ref.Id.String(), Decoded{Kind: tree.KindDirectory, Dir: dir}, int64(len(plaintext)))
	return dir, full, nil
}

// Resolve decodes the block named by id, found by walking the tree
// rooted at the store's current (or, if pending is true, pending) root.
// It returns store.ErrUnknownBlock if id is not reachable.
func (f *Frontend) Resolve(id block.BlockId, pending bool) (Decoded, error) {
	root, err := f.rootRef(pending)
	if err != nil {
		return Decoded{}, err
	}
	var found *Decoded
	_, _ = traverse(f.db, f, root, visitorFuncs{
		dir: func(path string, full *block.Full, dir tree.Directory) (any, bool) {
			if full.Id == id {
				found = &Decoded{Kind: tree.KindDirectory, Dir: dir}
				return nil, true
			}
			return nil, false
		},
		meta: func(path string, full *block.Full, refs []block.BlockRef) (any, bool) {
			if full.Id == id {
				found = &Decoded{Kind: tree.KindFileMeta, Meta: refs}
				return nil, true
			}
			return nil, false
		},
		leaf: func(path string, full *block.Full, data []byte) (any, bool) {
			if full.Id == id {
				found = &Decoded{Kind: tree.KindLeaf, Leaf: data}
				return nil, true
			}
			return nil, false
		},
		partial: func(string, *block.Partial) (any, bool) { return nil, false },
		missing: func(string, block.BlockId) (any, bool) { return nil, false },
	})
	if found == nil {
		return Decoded{}, errors.Wrapf(store.ErrUnknownBlock, "%s", id)
	}
	return *found, nil
}

// Verify reports whether the tree rooted at the store's current (or, if
// pending is true, pending) root is fully present: no reachable block is
// Partial or missing.
func (f *Frontend) Verify(pending bool) bool {
	root, err := f.rootRef(pending)
	if err != nil {
		return false
	}
	incomplete := false
	_, _ = traverse(f.db, f, root, visitorFuncs{
		dir:     func(string, *block.Full, tree.Directory) (any, bool) { return nil, false },
		meta:    func(string, *block.Full, []block.BlockRef) (any, bool) { return nil, false },
		leaf:    func(string, *block.Full, []byte) (any, bool) { return nil, false },
		partial: func(string, *block.Partial) (any, bool) { incomplete = true; return nil, true },
		missing: func(string, block.BlockId) (any, bool) { incomplete = true; return nil, true },
	})
	return !incomplete
}

func (f *Frontend) rootRef(pending bool) (block.BlockRef, error) {
	if !pending {
		return f.db.Root(), nil
	}
	ref, ok := f.db.PendingRoot()
	if !ok {
		return block.BlockRef{}, store.ErrNoPendingRoot
	}
	return ref, nil
}

// Traverse runs visitor over the tree rooted at ref in db, depth-first,
// stopping at the first block the visitor reports a result for.
func Traverse(db *store.Db, f *Frontend, ref block.BlockRef, visitor Visitor) (any, bool) {
	return traverse(db, f, ref, visitor)
}

func traverse(db *store.Db, f *Frontend, ref block.BlockRef, visitor Visitor) (any, bool) {
	return traverseAt("", db, f, ref, visitor)
}

func traverseAt(path string, db *store.Db, f *Frontend, ref block.BlockRef, visitor Visitor) (any, bool) {
	if !db.Contains(ref.Id) {
		return visitor.VisitMissing(path, ref.Id)
	}
	b, err := db.Get(ref.Id)
	if err != nil {
		return visitor.VisitMissing(path, ref.Id)
	}
	if p, ok := b.(*block.Partial); ok {
		return visitor.VisitPartial(path, p)
	}
	full := b.(*block.Full)

	dir, _, err := f.decodeDirectory(ref)
	if err == nil {
		if v, ok := visitor.VisitDir(path, full, dir); ok {
			return v, true
		}
		for _, c := range dir.Children {
			childPath := filepath.Join(path, c.Name)
			cref := tree.ChildRef(c)
			if !db.Contains(cref.Id) {
				if v, ok := visitor.VisitMissing(childPath, cref.Id); ok {
					return v, true
				}
				continue
			}
			cb, err := db.Get(cref.Id)
			if err != nil {
				continue
			}
			if p, ok := cb.(*block.Partial); ok {
				if v, ok := visitor.VisitPartial(childPath, p); ok {
					return v, true
				}
				continue
			}
			switch c.Type {
			case tree.KindDirectory:
				if v, ok := traverseAt(childPath, db, f, cref, visitor); ok {
					return v, true
				}
			case tree.KindFileMeta:
				cfull := cb.(*block.Full)
				plaintext, err := crypt.Open(cref.Key, cfull.Data)
				if err != nil {
					continue
				}
				refs, err := tree.DecodeFileMeta(plaintext)
				if err != nil {
					continue
				}
				if v, ok := visitor.VisitMeta(childPath, cfull, refs); ok {
					return v, true
				}
				if v, ok := traverseFileMetaLeaves(childPath, db, refs, visitor); ok {
					return v, true
				}
			case tree.KindLeaf:
				cfull := cb.(*block.Full)
				plaintext, err := crypt.Open(cref.Key, cfull.Data)
				if err != nil {
					continue
				}
				data, err := tree.DecodeLeaf(plaintext)
				if err != nil {
					continue
				}
				if v, ok := visitor.VisitLeaf(childPath, cfull, data); ok {
					return v, true
				}
			}
		}
		return nil, false
	}
	return nil, false
}

// traverseFileMetaLeaves visits every Leaf a FileMeta's Blocks concatenate,
// so a missing or still-Partial leaf referenced only from a FileMeta (not
// reachable as a Directory child in its own right) is still surfaced to
// the visitor — otherwise Verify would report a FileMeta's subtree
// complete while one of its constituent leaves is still outstanding.
func traverseFileMetaLeaves(path string, db *store.Db, refs []block.BlockRef, visitor Visitor) (any, bool) {
	for i, ref := range refs {
		leafPath := fmt.Sprintf("%s[%d]", path, i)
		if !db.Contains(ref.Id) {
			if v, ok := visitor.VisitMissing(leafPath, ref.Id); ok {
				return v, true
			}
			continue
		}
		b, err := db.Get(ref.Id)
		if err != nil {
			continue
		}
		if p, ok := b.(*block.Partial); ok {
			if v, ok := visitor.VisitPartial(leafPath, p); ok {
				return v, true
			}
			continue
		}
		full := b.(*block.Full)
		plaintext, err := crypt.Open(ref.Key, full.Data)
		if err != nil {
			continue
		}
		data, err := tree.DecodeLeaf(plaintext)
		if err != nil {
			continue
		}
		if v, ok := visitor.VisitLeaf(leafPath, full, data); ok {
			return v, true
		}
	}
	return nil, false
}

// visitorFuncs adapts plain closures to the Visitor interface, for
// one-off traversals like Resolve and Verify that don't warrant a named
// type.
type visitorFuncs struct {
	dir     func(string, *block.Full, tree.Directory) (any, bool)
	meta    func(string, *block.Full, []block.BlockRef) (any, bool)
	leaf    func(string, *block.Full, []byte) (any, bool)
	partial func(string, *block.Partial) (any, bool)
	missing func(string, block.BlockId) (any, bool)
}

func (v visitorFuncs) VisitDir(path string, full *block.Full, dir tree.Directory) (any, bool) {
	return v.dir(path, full, dir)
}
func (v visitorFuncs) VisitMeta(path string, full *block.Full, refs []block.BlockRef) (any, bool) {
	return v.meta(path, full, refs)
}
func (v visitorFuncs) VisitLeaf(path string, full *block.Full, data []byte) (any, bool) {
	return v.leaf(path, full, data)
}
func (v visitorFuncs) VisitPartial(path string, p *block.Partial) (any, bool) {
	return v.partial(path, p)
}
func (v visitorFuncs) VisitMissing(path string, id block.BlockId) (any, bool) {
	return v.missing(path, id)
}
