// Package metainfo decodes ".torrent" metainfo files (BEP 3) into typed
// single- or multi-file torrent descriptions and computes their info hash.
package metainfo

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-leech/leech/bencode"
)

// MetaInfo is a fully decoded ".torrent" file.
type MetaInfo struct {
	Info     Info
	InfoHash InfoHash

	Announce     string
	AnnounceList [][]string

	CreationDate int64
	Comment      string
	CreatedBy    string
	Encoding     string
}

// AnnounceURLs flattens Announce and AnnounceList (BEP 12) into the list of
// tracker URLs a client should try, primary announce first, duplicates
// removed while preserving order.
func (m *MetaInfo) AnnounceURLs() []string {
	seen := make(map[string]bool)
	var urls []string
	add := func(u string) {
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		urls = append(urls, u)
	}
	add(m.Announce)
	for _, tier := range m.AnnounceList {
		for _, u := range tier {
			add(u)
		}
	}
	return urls
}

// Load reads and decodes a metainfo file from path.
func Load(path string) (*MetaInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metainfo: %w", err)
	}
	return Decode(data)
}

// Decode parses the bencoded bytes of a metainfo file.
func Decode(data []byte) (*MetaInfo, error) {
	v, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("metainfo: decode: %w", err)
	}
	root, ok := v.(*bencode.Dict)
	if !ok {
		return nil, fmt.Errorf("metainfo: top-level value is not a dictionary")
	}

	infoDict, err := root.GetDict("info")
	if err != nil {
		return nil, fmt.Errorf("metainfo: %w", err)
	}

	// The info hash is computed over the info dictionary exactly as it
	// appeared in the source bytes; re-encoding a Dict decoded in
	// canonical order reproduces those bytes.
	infoBytes, err := bencode.Marshal(infoDict)
	if err != nil {
		return nil, fmt.Errorf("metainfo: re-encoding info dict: %w", err)
	}

	info, err := decodeInfo(infoDict)
	if err != nil {
		return nil, err
	}

	m := &MetaInfo{
		Info:     *info,
		InfoHash: NewInfoHashFromBytes(infoBytes),
	}

	m.Announce, _ = root.GetString("announce")
	m.Comment, _ = root.GetString("comment")
	// "created by" and "creation date" use space-separated wire keys;
	// the rest of this package refers to them as CreatedBy/CreationDate.
	m.CreatedBy, _ = root.GetString("created by")
	m.Encoding, _ = root.GetString("encoding")
	if cd, err := root.GetInt("creation date"); err == nil {
		m.CreationDate = cd
	}
	if al, err := root.GetList("announce-list"); err == nil {
		m.AnnounceList = decodeAnnounceList(al)
	}

	if m.Announce == "" && len(m.AnnounceList) == 0 {
		return nil, fmt.Errorf("metainfo: missing announce URL")
	}

	return m, nil
}

func decodeAnnounceList(tiers []interface{}) [][]string {
	var out [][]string
	for _, t := range tiers {
		tl, ok := t.([]interface{})
		if !ok {
			continue
		}
		var tier []string
		for _, u := range tl {
			if s, ok := u.(string); ok {
				tier = append(tier, s)
			} else if b, ok := u.([]byte); ok {
				tier = append(tier, string(b))
			}
		}
		if len(tier) > 0 {
			out = append(out, tier)
		}
	}
	return out
}

func decodeInfo(d *bencode.Dict) (*Info, error) {
	info := &Info{}

	name, err := d.GetString("name")
	if err != nil {
		return nil, fmt.Errorf("metainfo: info: %w", err)
	}
	info.Name = name

	pieceLength, err := d.GetInt("piece length")
	if err != nil {
		return nil, fmt.Errorf("metainfo: info: %w", err)
	}
	if pieceLength <= 0 {
		return nil, fmt.Errorf("metainfo: info: piece length must be positive")
	}
	info.PieceLength = pieceLength

	pieces, err := d.GetBytes("pieces")
	if err != nil {
		return nil, fmt.Errorf("metainfo: info: %w", err)
	}
	if len(pieces)%20 != 0 {
		return nil, fmt.Errorf("metainfo: info: pieces field is not a multiple of 20 bytes")
	}
	info.Pieces = pieces

	if priv, err := d.GetInt("private"); err == nil {
		info.Private = priv != 0
	}

	filesList, hasFiles := d.Get("files")
	if hasFiles {
		fl, ok := filesList.([]interface{})
		if !ok {
			return nil, fmt.Errorf("metainfo: info: files is not a list")
		}
		files, err := decodeFileEntries(fl)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("metainfo: info: multi-file torrent has no files")
		}
		info.Files = files
	} else {
		length, err := d.GetInt("length")
		if err != nil {
			return nil, fmt.Errorf("metainfo: info: single-file torrent missing length: %w", err)
		}
		info.Length = length
		info.MD5Sum, _ = d.GetString("md5sum")
	}

	if info.NumPieces() == 0 && info.TotalLength() > 0 {
		return nil, fmt.Errorf("metainfo: info: total length %d cannot be divided into pieces", info.TotalLength())
	}
	if expect := int64(info.NumPieces()) * 20; int64(len(info.Pieces)) != expect {
		return nil, fmt.Errorf("metainfo: info: pieces field has %d bytes, expected %d for %d pieces", len(info.Pieces), expect, info.NumPieces())
	}

	return info, nil
}

func decodeFileEntries(fl []interface{}) ([]FileEntry, error) {
	files := make([]FileEntry, 0, len(fl))
	for _, fv := range fl {
		fd, ok := fv.(*bencode.Dict)
		if !ok {
			return nil, fmt.Errorf("metainfo: info: file entry is not a dictionary")
		}
		length, err := fd.GetInt("length")
		if err != nil {
			return nil, fmt.Errorf("metainfo: info: file entry: %w", err)
		}
		pathList, err := fd.GetList("path")
		if err != nil {
			return nil, fmt.Errorf("metainfo: info: file entry: %w", err)
		}
		path := make([]string, 0, len(pathList))
		for _, p := range pathList {
			switch t := p.(type) {
			case string:
				path = append(path, t)
			case []byte:
				path = append(path, string(t))
			default:
				return nil, fmt.Errorf("metainfo: info: file entry: path component is not a string")
			}
		}
		if len(path) == 0 {
			return nil, fmt.Errorf("metainfo: info: file entry has empty path")
		}
		for _, c := range path {
			if c == ".." || c == "" || strings.ContainsAny(c, "/\\") {
				return nil, fmt.Errorf("metainfo: info: file entry has unsafe path component %q", c)
			}
		}
		files = append(files, FileEntry{Path: path, Length: length})
	}
	return files, nil
}
