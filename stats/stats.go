// Package stats accumulates transfer totals for tracker announces
// and smooths per-second activity into display rates.
package stats

import (
	"sync"

	underscore "github.com/ahl5esoft/golang-underscore"
)

// Stats collects byte counters from every peer of a session.
type Stats interface {
	AddUploaded(n int)
	AddDownloaded(n int)
	TrackerStats() (uploaded, downloaded int)
	Tick()
	UploadRate() int
	DownloadRate() int
}

// ponderationTime is the width of the rolling rate window in ticks.
const ponderationTime = 10

type stats struct {
	sync.Mutex

	totalUploaded   int
	totalDownloaded int
	intervalUp      int
	intervalDown    int

	uploadActivity   [ponderationTime]int
	downloadActivity [ponderationTime]int
	i                int
	uploadRate       int
	downloadRate     int
}

func NewStats() Stats {
	return &stats{}
}

func (s *stats) AddUploaded(n int) {
	s.Lock()
	defer s.Unlock()
	s.totalUploaded += n
	s.intervalUp += n
}

func (s *stats) AddDownloaded(n int) {
	s.Lock()
	defer s.Unlock()
	s.totalDownloaded += n
	s.intervalDown += n
}

// TrackerStats returns the lifetime totals reported on announces.
func (s *stats) TrackerStats() (int, int) {
	s.Lock()
	defer s.Unlock()
	return s.totalUploaded, s.totalDownloaded
}

func sumReduce(acc int, x, _ int) int {
	return acc + x
}

// Tick folds the current interval counters into the rolling window
// and recomputes the smoothed rates. Call once per second.
func (s *stats) Tick() {
	s.Lock()
	defer s.Unlock()

	s.uploadActivity[s.i] = s.intervalUp
	s.downloadActivity[s.i] = s.intervalDown
	s.intervalUp = 0
	s.intervalDown = 0
	s.i = (s.i + 1) % ponderationTime

	underscore.Chain(s.uploadActivity).Reduce(0, sumReduce).Value(&s.uploadRate)
	s.uploadRate /= ponderationTime
	underscore.Chain(s.downloadActivity).Reduce(0, sumReduce).Value(&s.downloadRate)
	s.downloadRate /= ponderationTime
}

func (s *stats) UploadRate() int {
	s.Lock()
	defer s.Unlock()
	return s.uploadRate
}

func (s *stats) DownloadRate() int {
	s.Lock()
	defer s.Unlock()
	return s.downloadRate
}
