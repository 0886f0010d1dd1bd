package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"

	"github.com/zeebo/bencode"
)

// File is one entry of a multi-file torrent's info.files list.
type File struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// rawInfo mirrors the info dictionary's bencode shape for decoding;
// Info adds the derived fields (hash, piece count) sanity-checked per
// spec §6.
type rawInfo struct {
	PieceLength int64  `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
	Name        string `bencode:"name"`
	Length      int64  `bencode:"length"`
	Files       []File `bencode:"files"`
	Private     int64  `bencode:"private"`
}

// Info is the parsed, sanity-checked "info" dictionary.
type Info struct {
	Hash        [20]byte
	PieceLength int64
	NumPieces   int
	Pieces      []byte // 20 bytes per piece, concatenated
	Name        string
	Length      int64 // total size across all files
	Files       []File
	Private     bool
}

const maxPieceLength = 4 << 20 // 4 MiB

var (
	ErrZeroPieceLength     = errors.New("metainfo: piece length is zero")
	ErrPieceLengthNotPow2  = errors.New("metainfo: piece length is not a power of two")
	ErrPieceLengthTooLarge = errors.New("metainfo: piece length exceeds 4 MiB")
	ErrBadPiecesLength     = errors.New("metainfo: pieces length is not a multiple of 20")
	ErrNoPieces            = errors.New("metainfo: pieces is empty")
	ErrLengthMismatch      = errors.New("metainfo: total length does not fit the piece count")
	ErrEmptyFilePath       = errors.New("metainfo: file has empty path")
	ErrEmptyPathComponent  = errors.New("metainfo: file path has an empty component")
	ErrSingleAndMultiFile  = errors.New("metainfo: both length and files are set")
)

// NewInfo parses and sanity-checks raw (the exact bytes of the "info"
// value as they appeared on the wire/on disk) per spec §6's boundary
// checks, carried over from the original's sanity.rs.
func NewInfo(raw []byte) (*Info, error) {
	var ri rawInfo
	if err := bencode.DecodeBytes(raw, &ri); err != nil {
		return nil, err
	}

	if ri.PieceLength == 0 {
		return nil, ErrZeroPieceLength
	}
	if ri.PieceLength&(ri.PieceLength-1) != 0 {
		return nil, ErrPieceLengthNotPow2
	}
	if ri.PieceLength > maxPieceLength {
		return nil, ErrPieceLengthTooLarge
	}
	if len(ri.Pieces) == 0 {
		return nil, ErrNoPieces
	}
	if len(ri.Pieces)%20 != 0 {
		return nil, ErrBadPiecesLength
	}
	numPieces := len(ri.Pieces) / 20

	if ri.Length != 0 && len(ri.Files) != 0 {
		return nil, ErrSingleAndMultiFile
	}
	total := ri.Length
	files := ri.Files
	if len(files) == 0 {
		files = []File{{Length: ri.Length, Path: []string{ri.Name}}}
	} else {
		total = 0
		for _, f := range files {
			if len(f.Path) == 0 {
				return nil, ErrEmptyFilePath
			}
			for _, c := range f.Path {
				if c == "" {
					return nil, ErrEmptyPathComponent
				}
			}
			total += f.Length
		}
	}

	if total <= (int64(numPieces)-1)*ri.PieceLength || total > int64(numPieces)*ri.PieceLength {
		return nil, fmt.Errorf("%w: total=%d pieces=%d piece_length=%d", ErrLengthMismatch, total, numPieces, ri.PieceLength)
	}

	return &Info{
		Hash:        sha1.Sum(raw),
		PieceLength: ri.PieceLength,
		NumPieces:   numPieces,
		Pieces:      []byte(ri.Pieces),
		Name:        ri.Name,
		Length:      total,
		Files:       files,
		Private:     ri.Private != 0,
	}, nil
}

// PieceHash returns the expected SHA-1 for piece index i.
func (info *Info) PieceHash(i int) []byte {
	return info.Pieces[i*20 : i*20+20]
}
