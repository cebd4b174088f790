package peer

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-leech/leech/metainfo"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var ih metainfo.InfoHash
	for i := range ih {
		ih[i] = byte(i)
	}
	var pid metainfo.PeerID
	copy(pid[:], "-GT0001-123456789012")

	var buf bytes.Buffer
	require.NoError(t, WriteHandshake(&buf, ih, pid))
	assert.Equal(t, HandshakeLength, buf.Len())

	gotHash, gotID, err := ReadHandshake(&buf)
	require.NoError(t, err)
	assert.Equal(t, ih, gotHash)
	assert.Equal(t, pid, gotID)
}

func TestHandshakeRejectsUnknownProtocol(t *testing.T) {
	raw := make([]byte, HandshakeLength)
	raw[0] = 19
	copy(raw[1:], "NotTorrent protocol")

	_, _, err := ReadHandshake(bytes.NewReader(raw))
	assert.Error(t, err)
}

func TestHandshakeRejectsShortRead(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHandshake(&buf, metainfo.InfoHash{}, metainfo.PeerID{}))
	truncated := buf.Bytes()[:HandshakeLength-1]

	_, _, err := ReadHandshake(bytes.NewReader(truncated))
	assert.Error(t, err)
}

func TestMessageRoundTrips(t *testing.T) {
	cases := []struct {
		name    string
		write   func(w io.Writer) error
		id      MessageID
		payload []byte
	}{
		{"choke", WriteChoke, MsgChoke, nil},
		{"unchoke", WriteUnchoke, MsgUnchoke, nil},
		{"interested", WriteInterested, MsgInterested, nil},
		{"not_interested", WriteNotInterested, MsgNotInterested, nil},
		{"have", func(w io.Writer) error { return WriteHave(w, 42) }, MsgHave, []byte{0, 0, 0, 42}},
		{"bitfield", func(w io.Writer) error { return WriteBitfield(w, []byte{0xA0, 0x01}) }, MsgBitfield, []byte{0xA0, 0x01}},
		{
			"request",
			func(w io.Writer) error { return WriteRequest(w, 1, 16384, 16384) },
			MsgRequest,
			[]byte{0, 0, 0, 1, 0, 0, 0x40, 0, 0, 0, 0x40, 0},
		},
		{
			"piece",
			func(w io.Writer) error { return WritePiece(w, 1, 16384, []byte{0xDE, 0xAD}) },
			MsgPiece,
			[]byte{0, 0, 0, 1, 0, 0, 0x40, 0, 0xDE, 0xAD},
		},
		{
			"cancel",
			func(w io.Writer) error { return WriteCancel(w, 1, 16384, 16384) },
			MsgCancel,
			[]byte{0, 0, 0, 1, 0, 0, 0x40, 0, 0, 0, 0x40, 0},
		},
		{"port", func(w io.Writer) error { return WritePort(w, 6881) }, MsgPort, []byte{0x1A, 0xE1}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, c.write(&buf))

			msg, err := ReadMessage(&buf)
			require.NoError(t, err)
			assert.Equal(t, c.id, msg.ID)
			assert.Equal(t, c.payload, msg.Payload)
			assert.False(t, msg.IsKeepAlive())
		})
	}
}

func TestReadMessageKeepAlive(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteKeepAlive(&buf))

	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.True(t, msg.IsKeepAlive())
}

func TestReadMessageUnknownIDIsKeepAlive(t *testing.T) {
	// id 200 with a 3-byte payload: unknown ids are ignored like keep-alives.
	raw := []byte{0, 0, 0, 4, 200, 1, 2, 3}

	msg, err := ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.True(t, msg.IsKeepAlive())
}

func TestReadMessageRejectsTruncatedPayload(t *testing.T) {
	raw := []byte{0, 0, 0, 10, byte(MsgHave), 0, 0} // claims 10 bytes, delivers 3
	_, err := ReadMessage(bytes.NewReader(raw))
	assert.Error(t, err)
}

func TestReadMessageRejectsOversizedLength(t *testing.T) {
	raw := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	_, err := ReadMessage(bytes.NewReader(raw))
	assert.Error(t, err)
}

func TestParseHave(t *testing.T) {
	index, err := ParseHave([]byte{0, 0, 1, 0})
	require.NoError(t, err)
	assert.Equal(t, 256, index)

	_, err = ParseHave([]byte{1, 2})
	assert.Error(t, err)
}

func TestParseRequestLike(t *testing.T) {
	payload := []byte{0, 0, 0, 7, 0, 0, 0x40, 0, 0, 0, 0x20, 0}
	index, begin, length, err := ParseRequestLike(payload)
	require.NoError(t, err)
	assert.Equal(t, 7, index)
	assert.Equal(t, 16384, begin)
	assert.Equal(t, 8192, length)

	_, _, _, err = ParseRequestLike(payload[:8])
	assert.Error(t, err)
}

func TestParsePiece(t *testing.T) {
	payload := []byte{0, 0, 0, 2, 0, 0, 0, 8, 0xCA, 0xFE}
	index, begin, block, err := ParsePiece(payload)
	require.NoError(t, err)
	assert.Equal(t, 2, index)
	assert.Equal(t, 8, begin)
	assert.Equal(t, []byte{0xCA, 0xFE}, block)

	_, _, _, err = ParsePiece(payload[:7])
	assert.Error(t, err)
}
