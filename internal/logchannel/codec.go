package logchannel

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/beaver-ledger/ledgerstore/pkg/ledger"
)

// Encode renders a LogEntry as its on-disk record: a one-byte
// kind tag followed by a kind-specific fixed/variable layout, all
// big-endian. Every record is self-delimiting — no outer length prefix is
// needed because each family carries its own lengths.
func Encode(e ledger.LogEntry) ([]byte, error) {
	switch e.Kind {
	case ledger.EntryMarkerBegin, ledger.EntryMarkerEnd, ledger.EntryMarkerDurable, ledger.EntryMarkerInvalidatedBegin:
		buf := make([]byte, 9)
		buf[0] = byte(e.Kind)
		binary.BigEndian.PutUint64(buf[1:9], uint64(e.Epoch))
		return buf, nil

	case ledger.EntryNormal:
		return encodeKV(e, false), nil

	case ledger.EntryNormalWithBlob:
		return encodeKV(e, true), nil

	case ledger.EntryRemove:
		key := []byte(e.Key)
		buf := make([]byte, 1+8+16+4+len(key))
		off := 0
		buf[off] = byte(e.Kind)
		off++
		binary.BigEndian.PutUint64(buf[off:off+8], uint64(e.Storage))
		off += 8
		off = putWriteVersion(buf, off, e.WriteVersion)
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(key)))
		off += 4
		copy(buf[off:], key)
		return buf, nil

	case ledger.EntryClearStorage, ledger.EntryAddStorage, ledger.EntryRemoveStorage:
		buf := make([]byte, 1+8+16)
		buf[0] = byte(e.Kind)
		off := 1
		binary.BigEndian.PutUint64(buf[off:off+8], uint64(e.Storage))
		off += 8
		putWriteVersion(buf, off, e.WriteVersion)
		return buf, nil

	default:
		return nil, fmt.Errorf("logchannel: cannot encode entry kind %s", e.Kind)
	}
}

func encodeKV(e ledger.LogEntry, withBlobs bool) []byte {
	key := []byte(e.Key)
	size := 1 + 8 + 16 + 4 + 4 + len(key) + len(e.Value)
	if withBlobs {
		size += 4 + 8*len(e.BlobIDs)
	}
	buf := make([]byte, size)
	off := 0
	buf[off] = byte(e.Kind)
	off++
	binary.BigEndian.PutUint64(buf[off:off+8], uint64(e.Storage))
	off += 8
	off = putWriteVersion(buf, off, e.WriteVersion)
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(key)))
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(e.Value)))
	off += 4
	if withBlobs {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(e.BlobIDs)))
		off += 4
	}
	copy(buf[off:], key)
	off += len(key)
	copy(buf[off:], e.Value)
	off += len(e.Value)
	if withBlobs {
		for _, id := range e.BlobIDs {
			binary.BigEndian.PutUint64(buf[off:off+8], uint64(id))
			off += 8
		}
	}
	return buf
}

func putWriteVersion(buf []byte, off int, wv ledger.WriteVersion) int {
	binary.BigEndian.PutUint64(buf[off:off+8], uint64(wv.Major))
	binary.BigEndian.PutUint64(buf[off+8:off+16], wv.Minor)
	return off + 16
}

// Decode reads a single LogEntry from r. It returns io.EOF (unwrapped) when
// r is exhausted exactly at a record boundary, and io.ErrUnexpectedEOF when
// a record is truncated partway through — callers (internal/logscan)
// distinguish the two when deciding whether a trailing region terminated
// cleanly.
func Decode(r io.Reader) (ledger.LogEntry, error) {
	var kindBuf [1]byte
	if _, err := io.ReadFull(r, kindBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return ledger.LogEntry{}, io.ErrUnexpectedEOF
		}
		return ledger.LogEntry{}, err
	}
	kind := ledger.EntryKind(kindBuf[0])

	switch kind {
	case ledger.EntryMarkerBegin, ledger.EntryMarkerEnd, ledger.EntryMarkerDurable, ledger.EntryMarkerInvalidatedBegin:
		var rest [8]byte
		if _, err := io.ReadFull(r, rest[:]); err != nil {
			return ledger.LogEntry{}, io.ErrUnexpectedEOF
		}
		return ledger.LogEntry{Kind: kind, Epoch: ledger.EpochID(binary.BigEndian.Uint64(rest[:]))}, nil

	case ledger.EntryNormal, ledger.EntryNormalWithBlob:
		return decodeKV(r, kind)

	case ledger.EntryRemove:
		var head [8 + 16 + 4]byte
		if _, err := io.ReadFull(r, head[:]); err != nil {
			return ledger.LogEntry{}, io.ErrUnexpectedEOF
		}
		storage := ledger.StorageID(binary.BigEndian.Uint64(head[0:8]))
		wv := readWriteVersion(head[8:24])
		keyLen := binary.BigEndian.Uint32(head[24:28])
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return ledger.LogEntry{}, io.ErrUnexpectedEOF
		}
		return ledger.LogEntry{Kind: kind, Storage: storage, Key: string(key), WriteVersion: wv}, nil

	case ledger.EntryClearStorage, ledger.EntryAddStorage, ledger.EntryRemoveStorage:
		var rest [8 + 16]byte
		if _, err := io.ReadFull(r, rest[:]); err != nil {
			return ledger.LogEntry{}, io.ErrUnexpectedEOF
		}
		storage := ledger.StorageID(binary.BigEndian.Uint64(rest[0:8]))
		wv := readWriteVersion(rest[8:24])
		return ledger.LogEntry{Kind: kind, Storage: storage, WriteVersion: wv}, nil

	default:
		return ledger.LogEntry{}, fmt.Errorf("logchannel: unknown entry kind byte %d", kindBuf[0])
	}
}

func decodeKV(r io.Reader, kind ledger.EntryKind) (ledger.LogEntry, error) {
	var head [8 + 16 + 4 + 4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return ledger.LogEntry{}, io.ErrUnexpectedEOF
	}
	storage := ledger.StorageID(binary.BigEndian.Uint64(head[0:8]))
	wv := readWriteVersion(head[8:24])
	keyLen := binary.BigEndian.Uint32(head[24:28])
	valueLen := binary.BigEndian.Uint32(head[28:32])

	var blobCount uint32
	if kind == ledger.EntryNormalWithBlob {
		var cnt [4]byte
		if _, err := io.ReadFull(r, cnt[:]); err != nil {
			return ledger.LogEntry{}, io.ErrUnexpectedEOF
		}
		blobCount = binary.BigEndian.Uint32(cnt[:])
	}

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return ledger.LogEntry{}, io.ErrUnexpectedEOF
	}
	value := make([]byte, valueLen)
	if _, err := io.ReadFull(r, value); err != nil {
		return ledger.LogEntry{}, io.ErrUnexpectedEOF
	}

	var blobIDs []ledger.BlobID
	if kind == ledger.EntryNormalWithBlob {
		blobIDs = make([]ledger.BlobID, blobCount)
		raw := make([]byte, 8*blobCount)
		if _, err := io.ReadFull(r, raw); err != nil {
			return ledger.LogEntry{}, io.ErrUnexpectedEOF
		}
		for i := range blobIDs {
			blobIDs[i] = ledger.BlobID(binary.BigEndian.Uint64(raw[i*8 : i*8+8]))
		}
	}

	return ledger.LogEntry{
		Kind:         kind,
		Storage:      storage,
		Key:          string(key),
		Value:        value,
		WriteVersion: wv,
		BlobIDs:      blobIDs,
	}, nil
}

func readWriteVersion(b []byte) ledger.WriteVersion {
	return ledger.WriteVersion{
		Major: ledger.EpochID(binary.BigEndian.Uint64(b[0:8])),
		Minor: binary.BigEndian.Uint64(b[8:16]),
	}
}
