// Package store owns the mapping between a torrent's logical byte stream and
// the files on disk that back it, along with per-piece verification and
// resume-from-partial-data support.
package store

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/willf/bitset"
	"go.uber.org/atomic"

	"github.com/go-leech/leech/metainfo"
)

// BlockLength is the fixed request granularity (16 KiB) used for all blocks
// except the last block of a piece, which may be shorter.
const BlockLength = 16 * 1024

// file is one destination file mapped into the torrent's contiguous virtual
// byte stream.
type file struct {
	name   string
	length int64
	begin  int64

	mu sync.Mutex
	f  *os.File
}

// Block is one fixed-size (except possibly the last) request unit of a
// piece.
type Block struct {
	PieceID       int
	BlockID       int
	Begin         int64 // offset within the piece
	AbsoluteBegin int64 // offset within the torrent's virtual byte stream
	Length        int64
	Downloaded    bool

	// lastRequested is the request time in unix nanos, 0 if never requested.
	// Atomic because peer request loops stamp it while the scheduler reads
	// it for reassignment.
	lastRequested atomic.Int64
}

// MarkRequested stamps the block as requested at now.
func (b *Block) MarkRequested(now time.Time) {
	b.lastRequested.Store(now.UnixNano())
}

// RequestTimedOut reports whether the block is eligible for (re)assignment:
// it has never been requested, or it was requested more than timeout ago.
func (b *Block) RequestTimedOut(now time.Time, timeout time.Duration) bool {
	if b.Downloaded {
		return false
	}
	last := b.lastRequested.Load()
	return last == 0 || now.Sub(time.Unix(0, last)) > timeout
}

// Piece is one content-addressed, independently-verifiable unit of the
// torrent.
type Piece struct {
	mu sync.Mutex

	ID              int
	Begin           int64
	Length          int64
	SHA1Hash        []byte
	BytesDownloaded int64
	Confirmed       bool
	Blocks          []*Block
}

// Store maps a metainfo descriptor onto on-disk files, and serves block
// writes, piece reads, and verification against the files it owns.
type Store struct {
	mi     *metainfo.MetaInfo
	files  []*file
	pieces []*Piece
}

// New constructs a Store for mi rooted at outputRoot, creating directories
// and opening (or creating) every backing file. Existing file content is
// preserved; files are only extended, never truncated, so that a previous
// partial download can be resumed and verified via CheckExistingData.
func New(mi *metainfo.MetaInfo, outputRoot string) (*Store, error) {
	root := filepath.Join(outputRoot, mi.Info.Name)

	var files []*file
	if mi.Info.IsMultiFile() {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("store: creating root dir: %w", err)
		}
		var begin int64
		for _, fe := range mi.Info.Files {
			path := filepath.Join(root, fe.JoinedPath())
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("store: creating parent dir for %q: %w", path, err)
			}
			f, err := openSized(path, fe.Length)
			if err != nil {
				return nil, err
			}
			files = append(files, &file{name: path, length: fe.Length, begin: begin, f: f})
			begin += fe.Length
		}
	} else {
		if err := os.MkdirAll(outputRoot, 0o755); err != nil {
			return nil, fmt.Errorf("store: creating output dir: %w", err)
		}
		f, err := openSized(root, mi.Info.Length)
		if err != nil {
			return nil, err
		}
		files = append(files, &file{name: root, length: mi.Info.Length, begin: 0, f: f})
	}

	pieces := make([]*Piece, mi.Info.NumPieces())
	for i := range pieces {
		length, err := mi.Info.PieceLengthAt(i)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		hash, err := mi.Info.PieceHash(i)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		begin := int64(i) * mi.Info.PieceLength
		pieces[i] = &Piece{
			ID:       i,
			Begin:    begin,
			Length:   length,
			SHA1Hash: hash,
			Blocks:   makeBlocks(i, begin, length),
		}
	}

	return &Store{mi: mi, files: files, pieces: pieces}, nil
}

func openSized(path string, length int64) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: opening %q: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("store: stat %q: %w", path, err)
	}
	if info.Size() < length {
		if err := f.Truncate(length); err != nil {
			f.Close()
			return nil, fmt.Errorf("store: sizing %q: %w", path, err)
		}
	}
	return f, nil
}

func makeBlocks(pieceID int, pieceBegin, pieceLength int64) []*Block {
	n := pieceLength / BlockLength
	if pieceLength%BlockLength != 0 {
		n++
	}
	blocks := make([]*Block, n)
	for i := range blocks {
		begin := int64(i) * BlockLength
		length := int64(BlockLength)
		if i == len(blocks)-1 {
			length = pieceLength - begin
		}
		blocks[i] = &Block{
			PieceID:       pieceID,
			BlockID:       i,
			Begin:         begin,
			AbsoluteBegin: pieceBegin + begin,
			Length:        length,
		}
	}
	return blocks
}

// NumPieces returns the number of pieces in the torrent.
func (s *Store) NumPieces() int {
	return len(s.pieces)
}

// Piece returns piece i.
func (s *Store) Piece(i int) (*Piece, error) {
	if i < 0 || i >= len(s.pieces) {
		return nil, fmt.Errorf("store: piece index %d out of range", i)
	}
	return s.pieces[i], nil
}

// BlockAt locates the block at the given piece-relative begin offset,
// matching a received Piece message's (index, begin) to its block, per
// spec.md §4.7's received-block handling.
func (s *Store) BlockAt(pieceIndex int, begin int64) (*Block, error) {
	piece, err := s.Piece(pieceIndex)
	if err != nil {
		return nil, err
	}
	for _, b := range piece.Blocks {
		if b.Begin == begin {
			return b, nil
		}
	}
	return nil, fmt.Errorf("store: no block at piece %d begin %d", pieceIndex, begin)
}

// Confirmed reports whether piece i has been verified.
func (s *Store) Confirmed(i int) bool {
	piece, err := s.Piece(i)
	if err != nil {
		return false
	}
	piece.mu.Lock()
	defer piece.mu.Unlock()
	return piece.Confirmed
}

// PendingBlocks returns piece i's blocks that are eligible for (re)request:
// not yet downloaded, and either never requested or last requested more
// than timeout ago, per spec.md §4.7's rarest-first assignment step.
func (s *Store) PendingBlocks(i int, now time.Time, timeout time.Duration) ([]*Block, error) {
	piece, err := s.Piece(i)
	if err != nil {
		return nil, err
	}
	piece.mu.Lock()
	defer piece.mu.Unlock()
	var pending []*Block
	for _, b := range piece.Blocks {
		if b.RequestTimedOut(now, timeout) {
			pending = append(pending, b)
		}
	}
	return pending, nil
}

// Complete reports whether every piece has been confirmed.
func (s *Store) Complete() bool {
	for _, p := range s.pieces {
		p.mu.Lock()
		c := p.Confirmed
		p.mu.Unlock()
		if !c {
			return false
		}
	}
	return true
}

// BytesDownloaded returns the total confirmed bytes across all pieces.
func (s *Store) BytesDownloaded() int64 {
	var total int64
	for _, p := range s.pieces {
		p.mu.Lock()
		if p.Confirmed {
			total += p.Length
		}
		p.mu.Unlock()
	}
	return total
}

// Bitfield returns a bitset with bit i set iff piece i is confirmed.
func (s *Store) Bitfield() *bitset.BitSet {
	bs := bitset.New(uint(len(s.pieces)))
	for _, p := range s.pieces {
		p.mu.Lock()
		c := p.Confirmed
		p.mu.Unlock()
		if c {
			bs.Set(uint(p.ID))
		}
	}
	return bs
}

// filesIntersecting applies fn to every file whose range overlaps [a, b),
// passing the file, and the intersection's offset relative to a and to the
// file's own start.
func (s *Store) filesIntersecting(a, b int64, fn func(f *file, relA, relC int64, length int64) error) error {
	for _, fl := range s.files {
		ok, absLo, absHi, relA, relC := intersect(a, b, fl.begin, fl.begin+fl.length)
		if !ok {
			continue
		}
		if err := fn(fl, relA, relC, absHi-absLo); err != nil {
			return err
		}
	}
	return nil
}

// WriteBlock writes data (which must be exactly block.Length bytes) to the
// file region(s) backing block, then updates the owning piece's state. If
// the write completes the piece, the piece is verified: on success it is
// confirmed, on failure all of its blocks are reset for re-download.
func (s *Store) WriteBlock(block *Block, data []byte) error {
	if int64(len(data)) != block.Length {
		return fmt.Errorf("store: block %d/%d expected %d bytes, got %d", block.PieceID, block.BlockID, block.Length, len(data))
	}

	piece, err := s.Piece(block.PieceID)
	if err != nil {
		return err
	}

	absBegin := piece.Begin + block.Begin
	if err := s.writeRange(absBegin, data); err != nil {
		return fmt.Errorf("store: write block %d/%d: %w", block.PieceID, block.BlockID, err)
	}

	piece.mu.Lock()
	if !block.Downloaded {
		block.Downloaded = true
		piece.BytesDownloaded += block.Length
	}
	allDownloaded := true
	for _, b := range piece.Blocks {
		if !b.Downloaded {
			allDownloaded = false
			break
		}
	}
	piece.mu.Unlock()

	if allDownloaded {
		return s.finishPiece(piece)
	}
	return nil
}

func (s *Store) writeRange(absBegin int64, data []byte) error {
	absEnd := absBegin + int64(len(data))
	return s.filesIntersecting(absBegin, absEnd, func(fl *file, relA, relC, length int64) error {
		fl.mu.Lock()
		defer fl.mu.Unlock()
		_, err := fl.f.WriteAt(data[relA:relA+length], relC)
		return err
	})
}

// finishPiece verifies a fully-downloaded piece, confirming it on success or
// resetting its blocks for re-download on a hash mismatch.
func (s *Store) finishPiece(piece *Piece) error {
	ok, err := s.VerifyPiece(piece.ID)
	if err != nil {
		return err
	}
	piece.mu.Lock()
	defer piece.mu.Unlock()
	if ok {
		piece.Confirmed = true
	} else {
		for _, b := range piece.Blocks {
			b.Downloaded = false
		}
		piece.BytesDownloaded = 0
	}
	return nil
}

// ReadPiece returns the current bytes of piece i, concatenated from every
// file it spans, in file order. File handles are flushed before reading so
// that a just-completed write is visible.
func (s *Store) ReadPiece(i int) ([]byte, error) {
	piece, err := s.Piece(i)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, piece.Length)
	absBegin := piece.Begin
	absEnd := absBegin + piece.Length
	err = s.filesIntersecting(absBegin, absEnd, func(fl *file, relA, relC, length int64) error {
		fl.mu.Lock()
		defer fl.mu.Unlock()
		if err := fl.f.Sync(); err != nil {
			return err
		}
		_, err := fl.f.ReadAt(buf[relA:relA+length], relC)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: read piece %d: %w", i, err)
	}
	return buf, nil
}

// VerifyPiece reports whether piece i's current on-disk bytes hash to its
// expected SHA-1 digest.
func (s *Store) VerifyPiece(i int) (bool, error) {
	piece, err := s.Piece(i)
	if err != nil {
		return false, err
	}
	data, err := s.ReadPiece(i)
	if err != nil {
		return false, err
	}
	sum := sha1.Sum(data)
	return bytes.Equal(sum[:], piece.SHA1Hash), nil
}

// CheckExistingData verifies every piece against whatever bytes already sit
// in the backing files, confirming matches (and marking their blocks
// downloaded) so interrupted downloads resume without re-fetching verified
// data. Returns true iff every piece was already confirmed.
func (s *Store) CheckExistingData() (bool, error) {
	allConfirmed := true
	for _, piece := range s.pieces {
		ok, err := s.VerifyPiece(piece.ID)
		if err != nil {
			return false, err
		}
		piece.mu.Lock()
		if ok {
			piece.Confirmed = true
			piece.BytesDownloaded = piece.Length
			for _, b := range piece.Blocks {
				b.Downloaded = true
			}
		} else {
			allConfirmed = false
			if piece.BytesDownloaded > 0 {
				piece.BytesDownloaded = 0
				for _, b := range piece.Blocks {
					b.Downloaded = false
				}
			}
		}
		piece.mu.Unlock()
	}
	return allConfirmed, nil
}

// Close flushes and closes every backing file.
func (s *Store) Close() error {
	var firstErr error
	for _, fl := range s.files {
		fl.mu.Lock()
		err := fl.f.Close()
		fl.mu.Unlock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
