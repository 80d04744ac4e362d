package appenderator

import (
	"os"
	"path/filepath"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/gofrs/flock"

	"github.com/loquisgon/appenderator/segment"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// layout computes every path under a base persist directory that the
// appenderator needs. It holds no state of its own beyond the base
// directory, so path computation can be unit-tested without touching the
// filesystem.
type layout struct {
	base string
}

func newLayout(base string) *layout { return &layout{base: base} }

func (l *layout) lockFile() string { return filepath.Join(l.base, ".lock") }

func (l *layout) sinkDir(id segment.Identifier) string {
	return filepath.Join(l.base, id.String())
}

func (l *layout) identifierFile(id segment.Identifier) string {
	return filepath.Join(l.sinkDir(id), "identifier.json")
}

func (l *layout) spillDir(id segment.Identifier, n int) string {
	return filepath.Join(l.sinkDir(id), spillDirName(n))
}

func (l *layout) mergedDir(id segment.Identifier) string {
	return filepath.Join(l.sinkDir(id), "merged")
}

func (l *layout) descriptorFile(id segment.Identifier) string {
	return filepath.Join(l.sinkDir(id), "descriptor.json")
}

func spillDirName(n int) string {
	return strconv.Itoa(n)
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// writeIdentifierFile writes the canonical JSON form of id to path if it
// does not already exist. Returns nil if the file is already present.
func writeIdentifierFile(path string, id segment.Identifier) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "stat identifier file %s", path)
	}

	b, err := jsonAPI.Marshal(id)
	if err != nil {
		return errors.Wrap(err, "marshal identifier")
	}
	return errors.Wrapf(os.WriteFile(path, b, 0o644), "write identifier file %s", path)
}

func readIdentifierFile(path string) (segment.Identifier, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return segment.Identifier{}, errors.Wrapf(err, "read identifier file %s", path)
	}
	var id segment.Identifier
	if err := jsonAPI.Unmarshal(b, &id); err != nil {
		return segment.Identifier{}, errors.Wrapf(err, "unmarshal identifier file %s", path)
	}
	return id, nil
}

func writeDescriptorFile(path string, ds segment.DataSegment) error {
	b, err := jsonAPI.Marshal(ds)
	if err != nil {
		return errors.Wrap(err, "marshal descriptor")
	}
	return errors.Wrapf(os.WriteFile(path, b, 0o644), "write descriptor file %s", path)
}

func readDescriptorFile(path string) (segment.DataSegment, bool, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return segment.DataSegment{}, false, nil
	} else if err != nil {
		return segment.DataSegment{}, false, errors.Wrapf(err, "read descriptor file %s", path)
	}
	var ds segment.DataSegment
	if err := jsonAPI.Unmarshal(b, &ds); err != nil {
		return segment.DataSegment{}, false, errors.Wrapf(err, "unmarshal descriptor file %s", path)
	}
	return ds, true, nil
}

// acquireLock creates the base persist directory if needed and takes a
// non-blocking exclusive lock on lockFile. A second appenderator pointed at
// the same base directory fails fast here rather than silently
// corrupting the first one's spills.
func acquireLock(base string) (*flock.Flock, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create base persist directory %s", base)
	}

	l := newLayout(base)
	fl := flock.New(l.lockFile())
	ok, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "acquire lock %s", l.lockFile())
	}
	if !ok {
		return nil, errors.Errorf("appenderator: base persist directory %s is locked by another process", base)
	}
	return fl, nil
}
