package rowindex

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/edsrzf/mmap-go"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

const (
	queryableFileName = "index.qidx"
	magic             = uint32(0x52494458) // "RIDX"
	formatVersion     = uint16(1)
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// writeRows serializes rows to w in the on-disk QueryableIndex format:
// a small fixed header followed by one record per row (timestamp + a
// length-prefixed JSON-encoded field bag). The format is intentionally
// flat; there is no column layout here, unlike a real columnar engine,
// because this package only needs to be correct and swappable, not fast.
func writeRows(w io.Writer, rows []Row) error {
	var header [10]byte
	binary.BigEndian.PutUint32(header[0:4], magic)
	binary.BigEndian.PutUint16(header[4:6], formatVersion)
	binary.BigEndian.PutUint32(header[6:10], uint32(len(rows)))
	if _, err := w.Write(header[:]); err != nil {
		return errors.Wrap(err, "write queryable index header")
	}

	for i, row := range rows {
		encoded, err := json.Marshal(row.Fields)
		if err != nil {
			return errors.Wrapf(err, "encode fields for row %d", i)
		}

		var rec [12]byte
		binary.BigEndian.PutUint64(rec[0:8], uint64(row.Timestamp.UnixNano()))
		binary.BigEndian.PutUint32(rec[8:12], uint32(len(encoded)))
		if _, err := w.Write(rec[:]); err != nil {
			return errors.Wrapf(err, "write record header for row %d", i)
		}
		if _, err := w.Write(encoded); err != nil {
			return errors.Wrapf(err, "write fields for row %d", i)
		}
	}

	return nil
}

// persistTo writes rows to a fresh QueryableIndex directory at dir,
// creating it if necessary. It is shared by MemIndex.Persist and the
// Merger so both produce byte-identical layouts.
func persistTo(dir string, rows []Row) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, errors.Wrapf(err, "create queryable index dir %s", dir)
	}

	path := filepath.Join(dir, queryableFileName)
	f, err := os.Create(path)
	if err != nil {
		return 0, errors.Wrapf(err, "create queryable index file %s", path)
	}

	w := bufio.NewWriter(f)
	if err := writeRows(w, rows); err != nil {
		f.Close()
		return 0, err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return 0, errors.Wrap(err, "flush queryable index file")
	}
	if err := f.Close(); err != nil {
		return 0, errors.Wrap(err, "close queryable index file")
	}

	return len(rows), nil
}

// QueryableIndex is the on-disk, read-only form of an Index. Its file is
// mapped through mmap-go, and OpenQueryableIndex decodes every row into Go
// values up front, so an open index holds all of its rows in the Go heap
// as well as the mapping, which is kept until Close.
type QueryableIndex struct {
	file *os.File
	data mmap.MMap
	rows []Row
}

// OpenQueryableIndex mmaps and decodes the index directory written by
// persistTo. The directory must have been produced by this package.
func OpenQueryableIndex(dir string) (*QueryableIndex, error) {
	path := filepath.Join(dir, queryableFileName)

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open queryable index file %s", path)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "stat queryable index file")
	}
	if fi.Size() == 0 {
		f.Close()
		return &QueryableIndex{rows: nil}, nil
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "mmap queryable index file %s", path)
	}

	rows, err := decodeRows(data)
	if err != nil {
		data.Unmap()
		f.Close()
		return nil, errors.Wrapf(err, "decode queryable index file %s", path)
	}

	return &QueryableIndex{file: f, data: data, rows: rows}, nil
}

func decodeRows(data []byte) ([]Row, error) {
	if len(data) < 10 {
		return nil, errors.New("queryable index file shorter than header")
	}
	if got := binary.BigEndian.Uint32(data[0:4]); got != magic {
		return nil, errors.Errorf("bad magic %x", got)
	}
	if v := binary.BigEndian.Uint16(data[4:6]); v != formatVersion {
		return nil, errors.Errorf("unsupported queryable index version %d", v)
	}
	count := binary.BigEndian.Uint32(data[6:10])

	rows := make([]Row, 0, count)
	offset := 10
	for i := uint32(0); i < count; i++ {
		if offset+12 > len(data) {
			return nil, errors.Errorf("truncated record header for row %d", i)
		}
		tsNanos := int64(binary.BigEndian.Uint64(data[offset : offset+8]))
		fieldsLen := int(binary.BigEndian.Uint32(data[offset+8 : offset+12]))
		offset += 12

		if offset+fieldsLen > len(data) {
			return nil, errors.Errorf("truncated fields for row %d", i)
		}

		var fields map[string]interface{}
		if fieldsLen > 0 {
			if err := json.Unmarshal(data[offset:offset+fieldsLen], &fields); err != nil {
				return nil, errors.Wrapf(err, "unmarshal fields for row %d", i)
			}
		}
		offset += fieldsLen

		rows = append(rows, Row{Timestamp: unixNano(tsNanos), Fields: fields})
	}

	return rows, nil
}

func unixNano(nanos int64) time.Time {
	return time.Unix(0, nanos).UTC()
}

// Rows returns the decoded rows. The returned slice is the index's own, not
// a copy, so it must not be mutated.
func (q *QueryableIndex) Rows() []Row {
	return q.rows
}

// NumRows returns the row count without requiring the caller to len() the
// decoded slice, mirroring the teacher's Memtable.Size accessor shape.
func (q *QueryableIndex) NumRows() int {
	return len(q.rows)
}

// Close unmaps and closes the backing file. It is safe to call multiple
// times.
func (q *QueryableIndex) Close() error {
	var err error
	if q.data != nil {
		err = q.data.Unmap()
		q.data = nil
	}
	if q.file != nil {
		if cerr := q.file.Close(); err == nil {
			err = cerr
		}
		q.file = nil
	}
	return err
}
