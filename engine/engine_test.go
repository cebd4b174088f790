package engine

import (
	"crypto/sha1"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/go-leech/leech/bencode"
)

// writeTestTorrent builds a single-file .torrent describing content and
// writes it to a temp file, returning the path. The announce URL points at
// an unresolvable host: New only wires trackers and Run starts them, so the
// only announce these tests trigger is the best-effort "stopped" one sent
// by Close, whose failure is ignored.
func writeTestTorrent(t *testing.T, name string, content []byte, pieceLength int) string {
	t.Helper()

	numPieces := (len(content) + pieceLength - 1) / pieceLength
	pieces := make([]byte, 0, numPieces*20)
	for i := 0; i < numPieces; i++ {
		lo := i * pieceLength
		hi := lo + pieceLength
		if hi > len(content) {
			hi = len(content)
		}
		h := sha1.Sum(content[lo:hi])
		pieces = append(pieces, h[:]...)
	}

	info := bencode.NewDict()
	info.Set("length", int64(len(content)))
	info.Set("name", name)
	info.Set("piece length", int64(pieceLength))
	info.Set("pieces", pieces)

	root := bencode.NewDict()
	root.Set("announce", "http://tracker.invalid/announce")
	root.Set("info", info)

	data, err := bencode.Marshal(root)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), name+".torrent")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestNewResumesFromCompleteExistingData(t *testing.T) {
	content := make([]byte, 40000)
	rng := rand.New(rand.NewSource(1))
	rng.Read(content)

	torrentPath := writeTestTorrent(t, "resume.bin", content, 16384)

	outputDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outputDir, "resume.bin"), content, 0o644))

	e, err := New(torrentPath, outputDir, Config{}, tally.NoopScope, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer e.Close()

	// Every piece verified against the pre-existing bytes: complete before
	// any tracker or peer activity.
	assert.True(t, e.Complete())
	downloaded, total := e.Progress()
	assert.Equal(t, int64(len(content)), total)
	assert.Equal(t, total, downloaded)
}

func TestNewStartsIncompleteWithoutExistingData(t *testing.T) {
	content := make([]byte, 40000)
	rng := rand.New(rand.NewSource(2))
	rng.Read(content)

	torrentPath := writeTestTorrent(t, "fresh.bin", content, 16384)

	e, err := New(torrentPath, t.TempDir(), Config{}, tally.NoopScope, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer e.Close()

	assert.False(t, e.Complete())
	downloaded, total := e.Progress()
	assert.Equal(t, int64(len(content)), total)
	assert.Equal(t, int64(0), downloaded)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := "output_dir: /tmp/leech\nscheduler:\n  max_peers: 10\ntracker:\n  numwant: 25\n"
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/leech", c.OutputDir)
	assert.Equal(t, 10, c.Scheduler.MaxPeers)
	assert.Equal(t, 25, c.Tracker.NumWant)
}

func TestNewRejectsMalformedTorrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.torrent")
	require.NoError(t, os.WriteFile(path, []byte("not bencode at all"), 0o644))

	_, err := New(path, t.TempDir(), Config{}, tally.NoopScope, zap.NewNop().Sugar())
	assert.Error(t, err)
}
