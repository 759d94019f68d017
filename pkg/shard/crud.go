package shard

import (
	"github.com/meshdb/meshdb/pkg/blobstore"
	"github.com/meshdb/meshdb/pkg/errors"
	"github.com/meshdb/meshdb/pkg/ident"
	"github.com/meshdb/meshdb/pkg/value"
	"github.com/meshdb/meshdb/pkg/wal"
)

// PutDoc inserts or replaces a document. On replace, the secondary index is
// maintained by diffing the old and new flattened scalar sets rather than
// dropping and re-adding every field.
func (s *Shard) PutDoc(id ident.ID, ns, coll string, doc value.Doc) error {
	return s.putTyped(id, ns, coll, doc, false)
}

// PutRow is PutDoc's row counterpart; rows and documents share identical
// storage/indexing mechanics and differ only in which blobstore/index they
// land in.
func (s *Shard) PutRow(id ident.ID, ns, tbl string, row value.Doc) error {
	return s.putTyped(id, ns, tbl, row, true)
}

func (s *Shard) putTyped(id ident.ID, ns, coll string, doc value.Doc, isRow bool) error {
	bsonBytes, err := value.Marshal(doc)
	if err != nil {
		return errors.Wrap(errors.KindInvalidArgument, "shard.putTyped", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index, store, kind := s.typedIndex(isRow)

	var oldDoc value.Doc
	if loc, ok := index[id]; ok {
		if raw, _, err := store.Get(loc.offset); err == nil {
			oldDoc, _ = value.Unmarshal(raw)
		}
	}

	payload, err := wal.EncodeDocPayload(wal.DocPayload{ID: id, Namespace: ns, Collection: coll, Value: bsonBytes})
	if err != nil {
		return errors.Wrap(errors.KindIoError, "shard.putTyped", err)
	}
	lsn, err := s.appendWAL(kind, payload)
	if err != nil {
		return err
	}

	offset, err := store.Put(bsonBytes, lsn)
	if err != nil {
		return errors.Wrap(errors.KindIoError, "shard.putTyped", err)
	}
	index[id] = docLoc{offset: offset, namespace: ns, collection: coll}

	added, removed := value.DiffPaths(oldDoc, doc)
	for _, ps := range removed {
		s.secondary.Remove(ns, coll, ps.Path, ps.Value, id)
	}
	for _, ps := range added {
		s.secondary.Put(ns, coll, ps.Path, ps.Value, id)
	}
	return nil
}

// GetDoc returns the document for id. No namespace argument is needed — the
// shard already knows which collection id belongs to.
func (s *Shard) GetDoc(id ident.ID) (value.Doc, string, string, error) {
	return s.getTyped(id, false)
}

// GetRow is GetDoc's row counterpart.
func (s *Shard) GetRow(id ident.ID) (value.Doc, string, string, error) {
	return s.getTyped(id, true)
}

func (s *Shard) getTyped(id ident.ID, isRow bool) (value.Doc, string, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, store, _ := s.typedIndex(isRow)
	loc, ok := index[id]
	if !ok {
		return nil, "", "", errors.NotFoundf("shard.getTyped", "id %s not found", id)
	}
	raw, _, err := store.Get(loc.offset)
	if err != nil {
		return nil, "", "", errors.Wrap(errors.KindIoError, "shard.getTyped", err)
	}
	doc, err := value.Unmarshal(raw)
	if err != nil {
		return nil, "", "", errors.Wrap(errors.KindCorruption, "shard.getTyped", err)
	}
	return doc, loc.namespace, loc.collection, nil
}

// DeleteDoc hard-removes a document; doc/row deletes are immediate removal,
// unlike the deferred-tombstone model vectors/edges use.
func (s *Shard) DeleteDoc(id ident.ID) error {
	return s.deleteTyped(id, false)
}

// DeleteRow is DeleteDoc's row counterpart.
func (s *Shard) DeleteRow(id ident.ID) error {
	return s.deleteTyped(id, true)
}

func (s *Shard) deleteTyped(id ident.ID, isRow bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, store, _ := s.typedIndex(isRow)
	loc, ok := index[id]
	if !ok {
		return errors.NotFoundf("shard.deleteTyped", "id %s not found", id)
	}

	raw, _, err := store.Get(loc.offset)
	if err != nil {
		return errors.Wrap(errors.KindIoError, "shard.deleteTyped", err)
	}
	oldDoc, err := value.Unmarshal(raw)
	if err != nil {
		return errors.Wrap(errors.KindCorruption, "shard.deleteTyped", err)
	}

	delKind := wal.EntryDocDel
	if isRow {
		delKind = wal.EntryRowDel
	}
	payload, err := wal.EncodeIDPayload(wal.IDPayload{ID: id})
	if err != nil {
		return errors.Wrap(errors.KindIoError, "shard.deleteTyped", err)
	}
	lsn, err := s.appendWAL(delKind, payload)
	if err != nil {
		return err
	}
	if err := store.Tombstone(loc.offset, lsn); err != nil {
		return errors.Wrap(errors.KindIoError, "shard.deleteTyped", err)
	}

	for _, ps := range value.Flatten(oldDoc) {
		s.secondary.Remove(loc.namespace, loc.collection, ps.Path, ps.Value, id)
	}
	delete(index, id)
	return nil
}

func (s *Shard) typedIndex(isRow bool) (map[ident.ID]docLoc, *blobstore.Manager, uint8) {
	if isRow {
		return s.rowIndex, s.rows, wal.EntryRowPut
	}
	return s.docIndex, s.docs, wal.EntryDocPut
}
