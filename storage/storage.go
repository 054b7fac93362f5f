// Package storage persists pieces to disk. The repository maps piece
// byte ranges onto the descriptor's file layout, verifies piece
// hashes and tracks local progress in a bitfield.
package storage

import (
	"github.com/Akdrewp/GoTorrent/bitfield"
	"github.com/spf13/afero"
)

var appFS = afero.NewOsFs()
var openFile = appFS.OpenFile

// Repository is the piece store shared by every peer of a session.
type Repository interface {
	Initialize() error
	VerifyHash(pieceIndex int, data []byte) bool
	SavePiece(pieceIndex int, data []byte) error
	ReadBlock(pieceIndex, begin, length int) ([]byte, error)
	HavePiece(pieceIndex int) bool
	Bitfield() bitfield.Bitfield
	PieceLength() int64
	TotalLength() int64
	Left() int64
	Complete() bool
	Close()
}
