package taridx

import (
	"bytes"
	"errors"
	"io/fs"
	"path"
	"time"
)

// Interface compliance.
var (
	_ fs.FS         = (*archiveFS)(nil)
	_ fs.StatFS     = (*archiveFS)(nil)
	_ fs.ReadFileFS = (*archiveFS)(nil)
)

// FS returns a read-only fs.FS over the archive's current view.
//
// The member namespace is flat: names are served as-is and no directory
// entries are synthesized, so only members whose names are valid fs paths
// are reachable. Superseded members are not visible.
func (a *Archive) FS() fs.FS {
	return &archiveFS{a: a}
}

type archiveFS struct {
	a *Archive
}

func (afs *archiveFS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	data, err := afs.a.Read(name)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: mapFSErr(err)}
	}
	return &memberFile{
		Reader: *bytes.NewReader(data),
		info:   memberInfo{name: path.Base(name), size: int64(len(data))},
	}, nil
}

func (afs *archiveFS) Stat(name string) (fs.FileInfo, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrInvalid}
	}
	e, ok, err := afs.a.idx.Lookup(name)
	if err != nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: err}
	}
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}
	return memberInfo{name: path.Base(name), size: int64(e.Size)}, nil
}

func (afs *archiveFS) ReadFile(name string) ([]byte, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: fs.ErrInvalid}
	}
	data, err := afs.a.Read(name)
	if err != nil {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: mapFSErr(err)}
	}
	return data, nil
}

func mapFSErr(err error) error {
	if errors.Is(err, ErrNotFound) {
		return fs.ErrNotExist
	}
	return err
}

// memberFile is an in-memory fs.File over a member payload.
type memberFile struct {
	bytes.Reader
	info memberInfo
}

func (f *memberFile) Stat() (fs.FileInfo, error) { return f.info, nil }
func (f *memberFile) Close() error               { return nil }

// memberInfo is synthetic file info for a member. The index does not
// persist modification times, so ModTime is zero.
type memberInfo struct {
	name string
	size int64
}

func (i memberInfo) Name() string       { return i.name }
func (i memberInfo) Size() int64        { return i.size }
func (i memberInfo) Mode() fs.FileMode  { return 0o644 }
func (i memberInfo) ModTime() time.Time { return time.Time{} }
func (i memberInfo) IsDir() bool        { return false }
func (i memberInfo) Sys() any           { return nil }
