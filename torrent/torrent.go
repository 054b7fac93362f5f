// Package torrent holds the decoded descriptor and the shared types
// derived from it: info-hash, piece geometry and the client peer id.
package torrent

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"os"

	bencode "github.com/jackpal/bencode-go"
)

// Torrent is the immutable, decoded form of a .torrent descriptor.
type Torrent struct {
	MetaInfo  MetaInfo
	InfoHash  []byte
	NumPieces int
	Length    int64
}

type MetaInfo struct {
	Info         Info
	Announce     string
	AnnounceList [][]string `bencode:"announce-list"`
	CreationDate int        `bencode:"creation date"`
	Comment      string
	CreatedBy    string `bencode:"created by"`
	Encoding     string
}

type Info struct {
	PieceLength int64 `bencode:"piece length"`
	Pieces      string
	Private     int
	Name        string
	Length      int64
	Md5sum      string
	Files       []File
}

type File struct {
	Length int64
	Md5sum string
	Path   []string
}

// NewTorrent decodes the descriptor at filename.
func NewTorrent(filename string) (*Torrent, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, &Error{Kind: KindIO, Op: "torrent.open", Err: err}
	}
	defer file.Close()
	return NewTorrentFromReader(file)
}

// NewTorrentFromReader decodes a descriptor from r. The info-hash is
// the SHA-1 of the exact bencoding of the "info" dictionary, so the
// dictionary is re-encoded from the decoded tree before the typed
// unmarshal pass.
func NewTorrentFromReader(r io.ReadSeeker) (*Torrent, error) {
	tor := &Torrent{}

	metaInfo, err := bencode.Decode(r)
	if err != nil {
		return nil, &Error{Kind: KindProtocol, Op: "torrent.decode", Err: err}
	}
	metaInfoMap, ok := metaInfo.(map[string]interface{})
	if !ok {
		return nil, &Error{Kind: KindProtocol, Op: "torrent.decode", Err: fmt.Errorf("root is not a dictionary")}
	}
	infoMap, ok := metaInfoMap["info"]
	if !ok {
		return nil, &Error{Kind: KindProtocol, Op: "torrent.decode", Err: fmt.Errorf("missing info dictionary")}
	}

	infoBencode := &bytes.Buffer{}
	if err := bencode.Marshal(infoBencode, infoMap); err != nil {
		return nil, &Error{Kind: KindProtocol, Op: "torrent.infohash", Err: err}
	}
	infoHash := sha1.Sum(infoBencode.Bytes())
	tor.InfoHash = infoHash[:]

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, &Error{Kind: KindIO, Op: "torrent.decode", Err: err}
	}
	if err := bencode.Unmarshal(r, &tor.MetaInfo); err != nil {
		return nil, &Error{Kind: KindProtocol, Op: "torrent.decode", Err: err}
	}

	if len(tor.MetaInfo.Info.Pieces)%20 != 0 {
		return nil, &Error{Kind: KindProtocol, Op: "torrent.decode", Err: fmt.Errorf("pieces length %d is not a multiple of 20", len(tor.MetaInfo.Info.Pieces))}
	}
	if tor.MetaInfo.Info.PieceLength <= 0 {
		return nil, &Error{Kind: KindProtocol, Op: "torrent.decode", Err: fmt.Errorf("invalid piece length %d", tor.MetaInfo.Info.PieceLength)}
	}
	tor.NumPieces = len(tor.MetaInfo.Info.Pieces) / 20

	// Total size of all files
	if len(tor.MetaInfo.Info.Files) > 0 {
		for i := 0; i < len(tor.MetaInfo.Info.Files); i++ {
			tor.Length += tor.MetaInfo.Info.Files[i].Length
		}
	} else {
		tor.Length = tor.MetaInfo.Info.Length
	}
	return tor, nil
}

// PieceHash returns the 20-byte SHA-1 for piece index, or nil when
// the index is out of range.
func (t *Torrent) PieceHash(index int) []byte {
	if index < 0 || index >= t.NumPieces {
		return nil
	}
	return []byte(t.MetaInfo.Info.Pieces[20*index : 20*(index+1)])
}

// PieceSize returns the true byte length of piece index; the final
// piece is usually shorter than the descriptor's piece length.
func (t *Torrent) PieceSize(index int) int64 {
	start := int64(index) * t.MetaInfo.Info.PieceLength
	if start+t.MetaInfo.Info.PieceLength > t.Length {
		return t.Length - start
	}
	return t.MetaInfo.Info.PieceLength
}
