package kv

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// --------------------------------------------------------------------------
// Append-Only Commit Log
// --------------------------------------------------------------------------

// On-disk format: the log file is a concatenation of commit records in
// generation order, starting at generation 1 (genesis is implicit). Each
// record is
//
//	[u32 LE write_count]
//	write_count times:
//	  [u32 LE key_len][key]
//	  [u8 tombstone]               0 = write, 1 = delete
//	  if tombstone == 0: [u32 LE val_len][value]
//
// Recovery tolerates truncation at any byte: the file prefix up to the last
// complete record is authoritative, a partial trailing record is cut off.

const (
	// maxFrameLen bounds any single length field read during recovery.
	// A larger value cannot come from a record we wrote (the whole database
	// must fit in memory) and is treated as a torn tail.
	maxFrameLen = 1 << 30
)

// errTornRecord marks an incomplete or implausible trailing record during
// recovery. It never escapes openLog.
var errTornRecord = errors.New("torn record")

// commitLog owns the append end of the log file. All access is serialized by
// the database mutex; the log itself holds no locks.
type commitLog struct {
	f *os.File

	// durableGen is the generation up to which records have been written
	// and fsynced. Guarded by the database mutex.
	durableGen uint64
}

// openLog opens (or creates) the log at path and replays it into a commit
// chain. It returns the log positioned for appending, the chain tip, and the
// number of bytes discarded from a torn trailing record (0 if none).
func openLog(path string) (*commitLog, *commit, int64, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, 0, errors.Wrap(err, "open log")
	}

	tip := newGenesis()
	var offset int64

	br := bufio.NewReaderSize(f, 1<<20)
	for {
		writes, n, err := readRecord(br)
		if err == io.EOF {
			break
		}
		if err != nil && isTorn(err) {
			// cut the partial tail, the committer never got an ok for it
			size, serr := f.Seek(0, io.SeekEnd)
			if serr != nil {
				_ = f.Close()
				return nil, nil, 0, errors.Wrap(serr, "recovery seek")
			}
			if terr := f.Truncate(offset); terr != nil {
				_ = f.Close()
				return nil, nil, 0, errors.Wrap(terr, "recovery truncate")
			}
			return finishOpen(f, tip, offset, size-offset)
		}
		if err != nil {
			_ = f.Close()
			return nil, nil, 0, errors.Wrap(err, "read log record")
		}
		tip = &commit{prev: tip, gen: tip.gen + 1, writes: writes}
		offset += n
	}

	return finishOpen(f, tip, offset, 0)
}

// finishOpen positions the file at the append offset and assembles the log.
func finishOpen(f *os.File, tip *commit, offset, discarded int64) (*commitLog, *commit, int64, error) {
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, nil, 0, errors.Wrap(err, "seek to append offset")
	}
	return &commitLog{f: f, durableGen: tip.gen}, tip, discarded, nil
}

// isTorn reports whether err indicates a record that stops short of its
// declared length or declares an implausible length.
func isTorn(err error) bool {
	return errors.Is(err, errTornRecord) || errors.Is(err, io.ErrUnexpectedEOF)
}

// readRecord decodes one commit record. It returns io.EOF when the reader is
// exhausted at a record boundary, and a torn-record error when the record is
// incomplete or malformed.
func readRecord(br *bufio.Reader) (map[string]mvValue, int64, error) {
	count, err := readUint32(br)
	if err == io.EOF {
		return nil, 0, io.EOF
	}
	if err != nil {
		return nil, 0, err
	}
	// commits never have an empty write-set, a zero count is a torn tail
	if count == 0 || count > maxFrameLen {
		return nil, 0, errTornRecord
	}

	n := int64(4)
	writes := make(map[string]mvValue, count)
	for i := uint32(0); i < count; i++ {
		keyLen, err := readUint32(br)
		if err != nil {
			return nil, 0, tear(err)
		}
		if keyLen > maxFrameLen {
			return nil, 0, errTornRecord
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(br, key); err != nil {
			return nil, 0, tear(err)
		}
		n += 4 + int64(keyLen)

		flag, err := br.ReadByte()
		if err != nil {
			return nil, 0, tear(err)
		}
		n++
		switch flag {
		case tombstoneClear:
			valLen, err := readUint32(br)
			if err != nil {
				return nil, 0, tear(err)
			}
			if valLen > maxFrameLen {
				return nil, 0, errTornRecord
			}
			val := make([]byte, valLen)
			if _, err := io.ReadFull(br, val); err != nil {
				return nil, 0, tear(err)
			}
			n += 4 + int64(valLen)
			writes[string(key)] = mvValue{data: val}
		case tombstoneSet:
			writes[string(key)] = mvValue{tombstone: true}
		default:
			return nil, 0, errTornRecord
		}
	}
	return writes, n, nil
}

const (
	tombstoneClear = 0
	tombstoneSet   = 1
)

// tear converts an EOF in the middle of a record into a torn-record error.
func tear(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// append encodes one commit as a record and writes it to the file. It does
// not sync; the caller batches a sync after the last record it appends.
//
// Thread-safety: caller must hold the database mutex.
func (l *commitLog) append(c *commit) error {
	buf := make([]byte, 0, recordSize(c))
	var u32 [4]byte

	binary.LittleEndian.PutUint32(u32[:], uint32(len(c.writes)))
	buf = append(buf, u32[:]...)

	for key, v := range c.writes {
		binary.LittleEndian.PutUint32(u32[:], uint32(len(key)))
		buf = append(buf, u32[:]...)
		buf = append(buf, key...)
		if v.tombstone {
			buf = append(buf, tombstoneSet)
			continue
		}
		buf = append(buf, tombstoneClear)
		binary.LittleEndian.PutUint32(u32[:], uint32(len(v.data)))
		buf = append(buf, u32[:]...)
		buf = append(buf, v.data...)
	}

	if _, err := l.f.Write(buf); err != nil {
		return errors.Wrapf(err, "append record gen %d", c.gen)
	}
	return nil
}

// sync flushes appended records to stable storage. A commit is durable, and
// its committer may be told ok, only after this returns.
//
// Thread-safety: caller must hold the database mutex.
func (l *commitLog) sync() error {
	return errors.Wrap(l.f.Sync(), "sync log")
}

func (l *commitLog) close() error {
	return l.f.Close()
}

// recordSize returns the encoded size of c's record in bytes.
func recordSize(c *commit) int {
	size := 4
	for key, v := range c.writes {
		size += 4 + len(key) + 1
		if !v.tombstone {
			size += 4 + len(v.data)
		}
	}
	return size
}
