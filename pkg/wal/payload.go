package wal

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/google/uuid"
)

// Payload structs for each EntryType, gob-encoded directly with no code
// generation step: a stable, length-prefixed serialization driven straight
// off these struct definitions.

type DocPayload struct {
	ID         uuid.UUID
	Namespace  string
	Collection string // also used for Row's "table"
	Value      []byte // BSON-encoded value.Doc
}

type IDPayload struct {
	ID uuid.UUID
}

type VectorPutPayload struct {
	ID        uuid.UUID
	Namespace string
	Vector    []float32
	Meta      []byte // BSON-encoded value.Doc, may be empty
	Metric    uint8  // hnsw.Metric, carried so a namespace's first insert replays deterministically
}

type VectorMetaMergePayload struct {
	ID      uuid.UUID
	Partial []byte // BSON-encoded value.Doc
}

type VectorMetaDelKeysPayload struct {
	ID   uuid.UUID
	Keys []string
}

type EdgeAddPayload struct {
	Src    uuid.UUID
	Dst    uuid.UUID
	Weight float64
	Kind   string
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("wal: payload encode failed: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("wal: payload decode failed: %w", err)
	}
	return nil
}

func EncodeDocPayload(p DocPayload) ([]byte, error)  { return encode(p) }
func DecodeDocPayload(data []byte) (DocPayload, error) {
	var p DocPayload
	err := decode(data, &p)
	return p, err
}

func EncodeIDPayload(p IDPayload) ([]byte, error) { return encode(p) }
func DecodeIDPayload(data []byte) (IDPayload, error) {
	var p IDPayload
	err := decode(data, &p)
	return p, err
}

func EncodeVectorPutPayload(p VectorPutPayload) ([]byte, error) { return encode(p) }
func DecodeVectorPutPayload(data []byte) (VectorPutPayload, error) {
	var p VectorPutPayload
	err := decode(data, &p)
	return p, err
}

func EncodeVectorMetaMergePayload(p VectorMetaMergePayload) ([]byte, error) { return encode(p) }
func DecodeVectorMetaMergePayload(data []byte) (VectorMetaMergePayload, error) {
	var p VectorMetaMergePayload
	err := decode(data, &p)
	return p, err
}

func EncodeVectorMetaDelKeysPayload(p VectorMetaDelKeysPayload) ([]byte, error) { return encode(p) }
func DecodeVectorMetaDelKeysPayload(data []byte) (VectorMetaDelKeysPayload, error) {
	var p VectorMetaDelKeysPayload
	err := decode(data, &p)
	return p, err
}

func EncodeEdgeAddPayload(p EdgeAddPayload) ([]byte, error) { return encode(p) }
func DecodeEdgeAddPayload(data []byte) (EdgeAddPayload, error) {
	var p EdgeAddPayload
	err := decode(data, &p)
	return p, err
}
