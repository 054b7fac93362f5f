package storage

import (
	"crypto/sha1"
	"crypto/subtle"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Akdrewp/GoTorrent/bitfield"
	"github.com/Akdrewp/GoTorrent/torrent"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

var log = logrus.New()

// DefaultMaxOpenFiles bounds the repository's file-handle pool.
const DefaultMaxOpenFiles = 64

// fileEntry places one descriptor file inside the torrent's global
// byte space.
type fileEntry struct {
	path         string
	length       int64
	globalOffset int64
}

type repository struct {
	tor     *torrent.Torrent
	files   []fileEntry
	mu      sync.Mutex
	bf      bitfield.Bitfield
	handles *lru.Cache
}

// NewRepository builds a repository rooted at downloadDir. The files
// table carries running global offsets so piece ranges can be walked
// across file boundaries. maxOpenFiles caps the handle pool; pass 0
// for the default.
func NewRepository(tor *torrent.Torrent, downloadDir string, maxOpenFiles int) (Repository, error) {
	if maxOpenFiles <= 0 {
		maxOpenFiles = DefaultMaxOpenFiles
	}
	handles, err := lru.NewWithEvict(maxOpenFiles, func(key, value interface{}) {
		value.(afero.File).Close()
	})
	if err != nil {
		return nil, &torrent.Error{Kind: torrent.KindResource, Op: "storage.pool", Err: err}
	}

	r := &repository{
		tor:     tor,
		bf:      bitfield.New(tor.NumPieces),
		handles: handles,
	}

	info := &tor.MetaInfo.Info
	if len(info.Files) > 0 {
		offset := int64(0)
		for _, file := range info.Files {
			parts := append([]string{downloadDir, info.Name}, file.Path...)
			r.files = append(r.files, fileEntry{
				path:         filepath.Join(parts...),
				length:       file.Length,
				globalOffset: offset,
			})
			offset += file.Length
		}
	} else {
		r.files = append(r.files, fileEntry{
			path:   filepath.Join(downloadDir, info.Name),
			length: info.Length,
		})
	}
	return r, nil
}

// Initialize creates parent directories and pre-allocates every file
// to its declared length. A pre-existing target file aborts the whole
// initialization; this client never overwrites.
func (r *repository) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range r.files {
		if err := appFS.MkdirAll(filepath.Dir(entry.path), 0755); err != nil {
			return &torrent.Error{Kind: torrent.KindIO, Op: "storage.init", Err: err}
		}
		file, err := openFile(entry.path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
		if err != nil {
			if os.IsExist(err) {
				return &torrent.Error{Kind: torrent.KindResource, Op: "storage.init",
					Err: fmt.Errorf("%s already exists", entry.path)}
			}
			return &torrent.Error{Kind: torrent.KindIO, Op: "storage.init", Err: err}
		}
		if err := file.Truncate(entry.length); err != nil {
			file.Close()
			return &torrent.Error{Kind: torrent.KindIO, Op: "storage.init", Err: err}
		}
		r.handles.Add(entry.path, file)
		log.WithFields(logrus.Fields{
			"path":   entry.path,
			"length": entry.length,
		}).Debug("pre-allocated file")
	}
	return nil
}

// getFileStream returns the pooled handle for path, opening it and
// evicting the least recently used handle when the pool is full.
func (r *repository) getFileStream(path string) (afero.File, error) {
	if value, ok := r.handles.Get(path); ok {
		return value.(afero.File), nil
	}
	file, err := openFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, &torrent.Error{Kind: torrent.KindIO, Op: "storage.open", Err: err}
	}
	r.handles.Add(path, file)
	return file, nil
}

// writeRange walks the files table and writes data across every file
// intersecting the global range [globalOffset, globalOffset+len).
func (r *repository) writeRange(globalOffset int64, data []byte) error {
	remaining := data
	for _, entry := range r.files {
		if len(remaining) == 0 {
			break
		}
		if globalOffset >= entry.globalOffset+entry.length ||
			globalOffset+int64(len(remaining)) <= entry.globalOffset {
			continue
		}
		localOffset := globalOffset - entry.globalOffset
		chunk := entry.length - localOffset
		if chunk > int64(len(remaining)) {
			chunk = int64(len(remaining))
		}
		file, err := r.getFileStream(entry.path)
		if err != nil {
			return err
		}
		if _, err := file.WriteAt(remaining[:chunk], localOffset); err != nil {
			return &torrent.Error{Kind: torrent.KindIO, Op: "storage.write", Err: err}
		}
		remaining = remaining[chunk:]
		globalOffset += chunk
	}
	if len(remaining) > 0 {
		return &torrent.Error{Kind: torrent.KindIO, Op: "storage.write",
			Err: fmt.Errorf("%d bytes fall outside the file layout", len(remaining))}
	}
	return nil
}

// readRange is the read-side mirror of writeRange.
func (r *repository) readRange(globalOffset int64, length int) ([]byte, error) {
	data := make([]byte, length)
	remaining := data
	for _, entry := range r.files {
		if len(remaining) == 0 {
			break
		}
		if globalOffset >= entry.globalOffset+entry.length ||
			globalOffset+int64(len(remaining)) <= entry.globalOffset {
			continue
		}
		localOffset := globalOffset - entry.globalOffset
		chunk := entry.length - localOffset
		if chunk > int64(len(remaining)) {
			chunk = int64(len(remaining))
		}
		file, err := r.getFileStream(entry.path)
		if err != nil {
			return nil, err
		}
		if _, err := file.ReadAt(remaining[:chunk], localOffset); err != nil {
			return nil, &torrent.Error{Kind: torrent.KindIO, Op: "storage.read", Err: err}
		}
		remaining = remaining[chunk:]
		globalOffset += chunk
	}
	if len(remaining) > 0 {
		return nil, &torrent.Error{Kind: torrent.KindIO, Op: "storage.read",
			Err: fmt.Errorf("%d bytes fall outside the file layout", len(remaining))}
	}
	return data, nil
}

// VerifyHash reports whether data hashes to the descriptor's digest
// for pieceIndex. A mismatch is an expected negative, not an error.
func (r *repository) VerifyHash(pieceIndex int, data []byte) bool {
	expected := r.tor.PieceHash(pieceIndex)
	if expected == nil {
		return false
	}
	digest := sha1.Sum(data)
	return subtle.ConstantTimeCompare(digest[:], expected) == 1
}

// SavePiece writes a verified piece and marks it in the bitfield.
// The write and the bit set share one critical section so a reader
// never observes the bit without the bytes.
func (r *repository) SavePiece(pieceIndex int, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.writeRange(int64(pieceIndex)*r.tor.MetaInfo.Info.PieceLength, data); err != nil {
		return err
	}
	r.bf.SetPiece(pieceIndex)
	return nil
}

// ReadBlock returns length bytes starting at begin within pieceIndex.
// Only pieces the repository holds may be read.
func (r *repository) ReadBlock(pieceIndex, begin, length int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.bf.HasPiece(pieceIndex) {
		return nil, &torrent.Error{Kind: torrent.KindIO, Op: "storage.read",
			Err: fmt.Errorf("piece %d is not present", pieceIndex)}
	}
	return r.readRange(int64(pieceIndex)*r.tor.MetaInfo.Info.PieceLength+int64(begin), length)
}

func (r *repository) HavePiece(pieceIndex int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bf.HasPiece(pieceIndex)
}

// Bitfield returns a copy of the local bitfield.
func (r *repository) Bitfield() bitfield.Bitfield {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bf.Clone()
}

func (r *repository) PieceLength() int64 { return r.tor.MetaInfo.Info.PieceLength }

func (r *repository) TotalLength() int64 { return r.tor.Length }

// Left returns the number of bytes still missing, as reported to the
// tracker.
func (r *repository) Left() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	left := int64(0)
	for i := 0; i < r.tor.NumPieces; i++ {
		if !r.bf.HasPiece(i) {
			left += r.tor.PieceSize(i)
		}
	}
	return left
}

// Complete reports whether every piece has been saved.
func (r *repository) Complete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.tor.NumPieces; i++ {
		if !r.bf.HasPiece(i) {
			return false
		}
	}
	return true
}

// Close drains the handle pool, closing every open file.
func (r *repository) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles.Purge()
}
