package metainfo

import (
	"fmt"
	"path/filepath"
)

// FileEntry describes one file within a multi-file torrent.
type FileEntry struct {
	// Path is the file's path relative to Info.Name, as path components
	// (not yet joined with an OS separator).
	Path   []string
	Length int64
}

// JoinedPath returns Path joined with the OS-specific separator, relative to
// the torrent's root directory (Info.Name).
func (f FileEntry) JoinedPath() string {
	return filepath.Join(f.Path...)
}

// Info is the decoded "info" dictionary of a metainfo file. A torrent is
// single-file when Files is nil, in which case Length holds the file size;
// otherwise Name is the containing directory and Files lists its members.
type Info struct {
	Name        string
	PieceLength int64
	Pieces      []byte // concatenated 20-byte SHA-1 hashes, one per piece
	Private     bool

	// Length is valid only for single-file torrents.
	Length int64
	MD5Sum string

	// Files is non-nil only for multi-file torrents.
	Files []FileEntry
}

// IsMultiFile reports whether this Info describes a multi-file torrent.
func (info *Info) IsMultiFile() bool {
	return info.Files != nil
}

// TotalLength returns the sum of all file lengths described by Info.
func (info *Info) TotalLength() int64 {
	if !info.IsMultiFile() {
		return info.Length
	}
	var total int64
	for _, f := range info.Files {
		total += f.Length
	}
	return total
}

// NumPieces returns the number of fixed-size pieces the content is divided
// into, derived from the total content length and PieceLength.
func (info *Info) NumPieces() int {
	if info.PieceLength == 0 {
		return 0
	}
	total := info.TotalLength()
	n := total / info.PieceLength
	if total%info.PieceLength != 0 {
		n++
	}
	return int(n)
}

// PieceLengthAt returns the length in bytes of piece i. Every piece has
// length PieceLength except possibly the last, which holds the remainder --
// computed as total - (n-1)*PieceLength rather than total % PieceLength so
// that a content length which is an exact multiple of PieceLength still
// yields a full-length final piece instead of zero.
func (info *Info) PieceLengthAt(i int) (int64, error) {
	n := info.NumPieces()
	if i < 0 || i >= n {
		return 0, fmt.Errorf("metainfo: piece index %d out of range [0,%d)", i, n)
	}
	if i < n-1 {
		return info.PieceLength, nil
	}
	return info.TotalLength() - info.PieceLength*int64(n-1), nil
}

// PieceHash returns the expected 20-byte SHA-1 hash of piece i.
func (info *Info) PieceHash(i int) ([]byte, error) {
	n := info.NumPieces()
	if i < 0 || i >= n {
		return nil, fmt.Errorf("metainfo: piece index %d out of range [0,%d)", i, n)
	}
	if len(info.Pieces) != n*20 {
		return nil, fmt.Errorf("metainfo: pieces field has %d bytes, want %d", len(info.Pieces), n*20)
	}
	return info.Pieces[i*20 : i*20+20], nil
}
