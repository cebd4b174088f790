package metainfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-leech/leech/bencode"
)

func buildSingleFileTorrent() []byte {
	info := bencode.NewDict()
	info.Set("name", "movie.mp4")
	info.Set("piece length", int64(16))
	info.Set("pieces", make([]byte, 40)) // 2 pieces worth of zero hashes
	info.Set("length", int64(24))

	root := bencode.NewDict()
	root.Set("announce", "http://tracker.example.com/announce")
	root.Set("info", info)

	data, err := bencode.Marshal(root)
	if err != nil {
		panic(err)
	}
	return data
}

func buildMultiFileTorrent() []byte {
	f1 := bencode.NewDict()
	f1.Set("length", int64(10))
	f1.Set("path", []interface{}{"sub", "a.txt"})

	f2 := bencode.NewDict()
	f2.Set("length", int64(20))
	f2.Set("path", []interface{}{"b.txt"})

	info := bencode.NewDict()
	info.Set("name", "album")
	info.Set("piece length", int64(16))
	info.Set("pieces", make([]byte, 40)) // ceil(30/16) = 2 pieces
	info.Set("files", []interface{}{f1, f2})

	root := bencode.NewDict()
	root.Set("announce", "http://tracker.example.com/announce")
	tier1 := []interface{}{"http://tracker1.example.com/announce"}
	tier2 := []interface{}{"http://tracker2.example.com/announce", "http://tracker3.example.com/announce"}
	root.Set("announce-list", []interface{}{tier1, tier2})
	root.Set("created by", "leech-test/1.0")
	root.Set("info", info)

	data, err := bencode.Marshal(root)
	if err != nil {
		panic(err)
	}
	return data
}

func TestDecodeSingleFile(t *testing.T) {
	m, err := Decode(buildSingleFileTorrent())
	require.NoError(t, err)

	assert.Equal(t, "movie.mp4", m.Info.Name)
	assert.False(t, m.Info.IsMultiFile())
	assert.Equal(t, int64(24), m.Info.TotalLength())
	assert.Equal(t, 2, m.Info.NumPieces())

	l0, err := m.Info.PieceLengthAt(0)
	require.NoError(t, err)
	assert.Equal(t, int64(16), l0)

	l1, err := m.Info.PieceLengthAt(1)
	require.NoError(t, err)
	assert.Equal(t, int64(8), l1)

	assert.Equal(t, "http://tracker.example.com/announce", m.Announce)
	assert.Equal(t, []string{"http://tracker.example.com/announce"}, m.AnnounceURLs())
}

func TestDecodeMultiFile(t *testing.T) {
	m, err := Decode(buildMultiFileTorrent())
	require.NoError(t, err)

	require.True(t, m.Info.IsMultiFile())
	require.Len(t, m.Info.Files, 2)
	assert.Equal(t, []string{"sub", "a.txt"}, m.Info.Files[0].Path)
	assert.Equal(t, "sub/a.txt", filepathJoinForTest(m.Info.Files[0]))
	assert.Equal(t, int64(30), m.Info.TotalLength())
	assert.Equal(t, 2, m.Info.NumPieces())
	assert.Equal(t, "leech-test/1.0", m.CreatedBy)

	urls := m.AnnounceURLs()
	assert.Equal(t, []string{
		"http://tracker.example.com/announce",
		"http://tracker1.example.com/announce",
		"http://tracker2.example.com/announce",
		"http://tracker3.example.com/announce",
	}, urls)
}

func filepathJoinForTest(f FileEntry) string {
	return f.JoinedPath()
}

func TestInfoHashStableAcrossReencode(t *testing.T) {
	data := buildMultiFileTorrent()
	m1, err := Decode(data)
	require.NoError(t, err)

	v, err := bencode.Unmarshal(data)
	require.NoError(t, err)
	reencoded, err := bencode.Marshal(v)
	require.NoError(t, err)

	m2, err := Decode(reencoded)
	require.NoError(t, err)

	assert.Equal(t, m1.InfoHash, m2.InfoHash)
}

func TestDecodeRejectsMissingAnnounce(t *testing.T) {
	info := bencode.NewDict()
	info.Set("name", "f")
	info.Set("piece length", int64(16))
	info.Set("pieces", make([]byte, 20))
	info.Set("length", int64(10))

	root := bencode.NewDict()
	root.Set("info", info)

	data, err := bencode.Marshal(root)
	require.NoError(t, err)

	_, err = Decode(data)
	assert.Error(t, err)
}

func TestDecodeRejectsUnsafeFilePath(t *testing.T) {
	f1 := bencode.NewDict()
	f1.Set("length", int64(10))
	f1.Set("path", []interface{}{"..", "escape.txt"})

	info := bencode.NewDict()
	info.Set("name", "album")
	info.Set("piece length", int64(16))
	info.Set("pieces", make([]byte, 20))
	info.Set("files", []interface{}{f1})

	root := bencode.NewDict()
	root.Set("announce", "http://tracker.example.com/announce")
	root.Set("info", info)

	data, err := bencode.Marshal(root)
	require.NoError(t, err)

	_, err = Decode(data)
	assert.Error(t, err)
}

func TestRandomPeerIDFormat(t *testing.T) {
	p := RandomPeerID()
	s := string(p.Bytes())
	assert.Equal(t, "-GT0001-", s[:8])
	for _, c := range s[8:] {
		assert.True(t, c >= '0' && c <= '9')
	}
}

func TestInfoHashHexRoundTrip(t *testing.T) {
	h := NewInfoHashFromBytes([]byte("some info dict bytes"))
	h2, err := NewInfoHashFromHex(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, h2)
}
