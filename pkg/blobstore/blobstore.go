// Package blobstore is the segment-file record store backing a shard's
// typed value stores (docs, rows, vectors): a magic/version header, segment
// rotation at a fixed max size, and a length-prefixed record with a
// CreateLSN/DeleteLSN entry header. A shard's typed stores hold one offset
// per id and overwrite it on update, so there is never more than one live
// version to chain from.
package blobstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

const (
	Magic             = 0x4D455348 // "MESH"
	Version           = 1
	HeaderSize        = 14 // Magic(4) + Version(2) + NextOffset(8)
	EntryHeaderSize   = 21 // Length(4) + Valid(1) + CreateLSN(8) + DeleteLSN(8)
	DefaultMaxSegment = 64 * 1024 * 1024
)

// RecordHeader is the per-record metadata stored alongside the payload.
type RecordHeader struct {
	Valid     bool
	CreateLSN uint64
	DeleteLSN uint64
}

type segment struct {
	id          int
	path        string
	startOffset int64
	size        int64
	file        *os.File
}

// Manager owns one rotating chain of segment files for a single shard's
// typed store (docs, rows, or vectors each get their own Manager instance,
// distinguished by basePath suffix).
type Manager struct {
	mu             sync.RWMutex
	basePath       string
	segments       []*segment
	active         *segment
	nextOffset     int64
	maxSegmentSize int64
}

// Open opens or creates the segment chain rooted at basePath (e.g.
// "<shard-dir>/docs").
func Open(basePath string) (*Manager, error) {
	m := &Manager{
		basePath:       basePath,
		maxSegmentSize: DefaultMaxSegment,
	}

	var globalOffset int64
	id := 1
	for {
		segPath := fmt.Sprintf("%s_%03d.blob", basePath, id)
		f, err := os.OpenFile(segPath, os.O_RDWR, 0644)
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("blobstore: open segment %s: %w", segPath, err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		m.segments = append(m.segments, &segment{
			id:          id,
			path:        segPath,
			startOffset: globalOffset,
			size:        info.Size(),
			file:        f,
		})
		globalOffset += info.Size()
		id++
	}

	if len(m.segments) == 0 {
		if err := m.createSegment(1, 0); err != nil {
			return nil, err
		}
		return m, nil
	}

	m.active = m.segments[len(m.segments)-1]
	if err := m.loadActiveState(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) createSegment(id int, startOffset int64) error {
	segPath := fmt.Sprintf("%s_%03d.blob", m.basePath, id)
	f, err := os.OpenFile(segPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("blobstore: create segment %s: %w", segPath, err)
	}
	seg := &segment{id: id, path: segPath, startOffset: startOffset, file: f}
	m.segments = append(m.segments, seg)
	m.active = seg

	if err := m.writeHeader(seg); err != nil {
		return err
	}
	seg.size = int64(HeaderSize)
	m.nextOffset = startOffset + int64(HeaderSize)
	return nil
}

func (m *Manager) writeHeader(seg *segment) error {
	if _, err := seg.file.Seek(0, 0); err != nil {
		return err
	}
	if err := binary.Write(seg.file, binary.LittleEndian, uint32(Magic)); err != nil {
		return err
	}
	if err := binary.Write(seg.file, binary.LittleEndian, uint16(Version)); err != nil {
		return err
	}
	if err := binary.Write(seg.file, binary.LittleEndian, int64(HeaderSize)); err != nil {
		return err
	}
	return seg.file.Sync()
}

func (m *Manager) loadActiveState() error {
	seg := m.active
	if _, err := seg.file.Seek(0, 0); err != nil {
		return err
	}
	var magic uint32
	if err := binary.Read(seg.file, binary.LittleEndian, &magic); err != nil {
		return err
	}
	if magic != Magic {
		return fmt.Errorf("blobstore: bad magic in segment %d", seg.id)
	}
	var version uint16
	if err := binary.Read(seg.file, binary.LittleEndian, &version); err != nil {
		return err
	}
	if version != Version {
		return fmt.Errorf("blobstore: unsupported version %d", version)
	}
	var localNext int64
	if err := binary.Read(seg.file, binary.LittleEndian, &localNext); err != nil {
		return err
	}
	m.nextOffset = seg.startOffset + localNext

	if stat, err := seg.file.Stat(); err == nil && stat.Size() > localNext {
		m.nextOffset = seg.startOffset + stat.Size()
		_ = m.updateNextOffset()
	}
	return nil
}

func (m *Manager) updateNextOffset() error {
	seg := m.active
	if _, err := seg.file.Seek(6, 0); err != nil {
		return err
	}
	local := m.nextOffset - seg.startOffset
	return binary.Write(seg.file, binary.LittleEndian, local)
}

// Put appends a new record and returns its offset. createLSN is stamped
// into the entry header so recovery can confirm a record predates or
// postdates a given snapshot LSN.
func (m *Manager) Put(payload []byte, createLSN uint64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	needed := int64(EntryHeaderSize + len(payload))
	localOffset := m.nextOffset - m.active.startOffset
	if localOffset+needed > m.maxSegmentSize {
		if err := m.createSegment(m.active.id+1, m.nextOffset); err != nil {
			return 0, fmt.Errorf("blobstore: rotate segment: %w", err)
		}
	}

	offset := m.nextOffset
	seg := m.active
	local := offset - seg.startOffset

	if _, err := seg.file.Seek(local, 0); err != nil {
		return 0, err
	}
	if err := binary.Write(seg.file, binary.LittleEndian, uint32(len(payload))); err != nil {
		return 0, err
	}
	if err := binary.Write(seg.file, binary.LittleEndian, uint8(1)); err != nil {
		return 0, err
	}
	if err := binary.Write(seg.file, binary.LittleEndian, createLSN); err != nil {
		return 0, err
	}
	if err := binary.Write(seg.file, binary.LittleEndian, uint64(0)); err != nil {
		return 0, err
	}
	if _, err := seg.file.Write(payload); err != nil {
		return 0, err
	}

	m.nextOffset += int64(EntryHeaderSize + len(payload))
	seg.size = m.nextOffset - seg.startOffset
	if err := m.updateNextOffset(); err != nil {
		return 0, err
	}
	return offset, nil
}

func (m *Manager) segmentFor(offset int64) (*segment, error) {
	for _, seg := range m.segments {
		if offset >= seg.startOffset && offset < seg.startOffset+seg.size {
			return seg, nil
		}
	}
	if offset < m.nextOffset && offset >= m.active.startOffset {
		return m.active, nil
	}
	return nil, fmt.Errorf("blobstore: no segment for offset %d", offset)
}

// Get reads the payload and header at offset.
func (m *Manager) Get(offset int64) ([]byte, RecordHeader, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seg, err := m.segmentFor(offset)
	if err != nil {
		return nil, RecordHeader{}, err
	}
	local := offset - seg.startOffset
	if _, err := seg.file.Seek(local, 0); err != nil {
		return nil, RecordHeader{}, err
	}

	var payloadLen uint32
	if err := binary.Read(seg.file, binary.LittleEndian, &payloadLen); err != nil {
		return nil, RecordHeader{}, err
	}
	var valid uint8
	if err := binary.Read(seg.file, binary.LittleEndian, &valid); err != nil {
		return nil, RecordHeader{}, err
	}
	var createLSN, deleteLSN uint64
	if err := binary.Read(seg.file, binary.LittleEndian, &createLSN); err != nil {
		return nil, RecordHeader{}, err
	}
	if err := binary.Read(seg.file, binary.LittleEndian, &deleteLSN); err != nil {
		return nil, RecordHeader{}, err
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(seg.file, payload); err != nil {
		return nil, RecordHeader{}, err
	}

	return payload, RecordHeader{Valid: valid == 1, CreateLSN: createLSN, DeleteLSN: deleteLSN}, nil
}

// Tombstone marks the record at offset deleted in place, recording
// deleteLSN. Doc, row, and vector deletes all call it; doc/row deletes
// additionally drop the id's offset from their in-memory map.
func (m *Manager) Tombstone(offset int64, deleteLSN uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seg, err := m.segmentFor(offset)
	if err != nil {
		return err
	}
	local := offset - seg.startOffset
	validOffset := local + 4
	deleteLSNOffset := local + 4 + 1 + 8

	if _, err := seg.file.Seek(validOffset, 0); err != nil {
		return err
	}
	if err := binary.Write(seg.file, binary.LittleEndian, uint8(0)); err != nil {
		return err
	}
	if _, err := seg.file.Seek(deleteLSNOffset, 0); err != nil {
		return err
	}
	return binary.Write(seg.file, binary.LittleEndian, deleteLSN)
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, seg := range m.segments {
		if err := seg.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Path returns the store's base path.
func (m *Manager) Path() string { return m.basePath }

// Iterator walks every record (live or tombstoned) across all segments, in
// write order. Used by vacuum/rebuild to re-derive live state without
// trusting the WAL alone.
type Iterator struct {
	m          *Manager
	segIdx     int
	file       *os.File
	pos        int64
}

func (m *Manager) NewIterator() (*Iterator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.segments) == 0 {
		return nil, fmt.Errorf("blobstore: no segments")
	}
	seg := m.segments[0]
	f, err := os.Open(seg.path)
	if err != nil {
		return nil, err
	}
	return &Iterator{m: m, file: f, pos: HeaderSize}, nil
}

// Next returns the next record's payload, header, and global offset. Returns
// io.EOF once every segment has been consumed.
func (it *Iterator) Next() ([]byte, RecordHeader, int64, error) {
	for {
		it.m.mu.RLock()
		if it.segIdx >= len(it.m.segments) {
			it.m.mu.RUnlock()
			return nil, RecordHeader{}, 0, io.EOF
		}
		seg := it.m.segments[it.segIdx]
		start := seg.startOffset
		it.m.mu.RUnlock()

		global := start + it.pos
		if _, err := it.file.Seek(it.pos, 0); err != nil {
			return nil, RecordHeader{}, 0, err
		}

		hdr := make([]byte, EntryHeaderSize)
		if _, err := io.ReadFull(it.file, hdr); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				if err := it.nextSegment(); err != nil {
					return nil, RecordHeader{}, 0, err
				}
				continue
			}
			return nil, RecordHeader{}, 0, err
		}

		payloadLen := binary.LittleEndian.Uint32(hdr[0:4])
		valid := hdr[4]
		createLSN := binary.LittleEndian.Uint64(hdr[5:13])
		deleteLSN := binary.LittleEndian.Uint64(hdr[13:21])

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(it.file, payload); err != nil {
			return nil, RecordHeader{}, 0, err
		}

		it.pos += int64(EntryHeaderSize) + int64(payloadLen)
		return payload, RecordHeader{Valid: valid == 1, CreateLSN: createLSN, DeleteLSN: deleteLSN}, global, nil
	}
}

func (it *Iterator) nextSegment() error {
	it.file.Close()
	it.segIdx++

	it.m.mu.RLock()
	defer it.m.mu.RUnlock()
	if it.segIdx >= len(it.m.segments) {
		return io.EOF
	}
	seg := it.m.segments[it.segIdx]
	f, err := os.Open(seg.path)
	if err != nil {
		return err
	}
	it.file = f
	it.pos = HeaderSize
	return nil
}

func (it *Iterator) Close() {
	if it.file != nil {
		it.file.Close()
	}
}
