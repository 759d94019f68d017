package shard

import (
	"bytes"
	"encoding/gob"

	"github.com/meshdb/meshdb/pkg/errors"
)

// encodeVectorRecord/decodeVectorRecord gob-encode the vector blobstore's
// record payload: the vector and its metadata together.
func encodeVectorRecord(rec VectorRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeVectorRecord(data []byte) (VectorRecord, error) {
	var rec VectorRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return VectorRecord{}, errors.Wrap(errors.KindCorruption, "shard.decodeVectorRecord", err)
	}
	return rec, nil
}
