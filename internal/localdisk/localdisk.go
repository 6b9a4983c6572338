// Package localdisk implements the local backing store for a replicated
// device on top of a regular file or block device.
package localdisk

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/blocksync/blocksync/internal/replication"
)

const sectorSize = 512

// submission is one queued I/O.
type submission struct {
	sector uint64
	size   int
	dir    replication.IODirection
	data   []byte
	done   func(data []byte, err error)
	meta   func(err error)
}

// Disk is a file-backed replication.LocalIO. Submissions run on a small pool
// of I/O goroutines; completion callbacks run on whichever goroutine
// finished the I/O, matching the engine's completion contract.
type Disk struct {
	f        *os.File
	capacity uint64 // sectors

	subCh chan submission
	wg    sync.WaitGroup
	log   zerolog.Logger
}

// Open opens the backing file and starts the I/O pool. workers <= 0 selects
// a default of 4.
func Open(path string, workers int, logger zerolog.Logger) (*Disk, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open backing store: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat backing store: %w", err)
	}
	if fi.Size()%sectorSize != 0 {
		f.Close()
		return nil, fmt.Errorf("backing store size %d is not sector aligned", fi.Size())
	}
	if workers <= 0 {
		workers = 4
	}

	d := &Disk{
		f:        f,
		capacity: uint64(fi.Size()) / sectorSize,
		subCh:    make(chan submission, 128),
		log:      logger.With().Str("component", "localdisk").Str("path", path).Logger(),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d, nil
}

// Close drains the pool and closes the backing file. No Submit may be in
// flight or follow.
func (d *Disk) Close() error {
	close(d.subCh)
	d.wg.Wait()
	return d.f.Close()
}

// Capacity implements replication.LocalIO.
func (d *Disk) Capacity() uint64 { return d.capacity }

// Submit implements replication.LocalIO.
func (d *Disk) Submit(sector uint64, size int, dir replication.IODirection, data []byte, done func(data []byte, err error)) {
	d.subCh <- submission{sector: sector, size: size, dir: dir, data: data, done: done}
}

// SubmitMeta implements replication.LocalIO. File-backed stores have no
// separate metadata area; a flush of the data file stands in for the
// metadata write.
func (d *Disk) SubmitMeta(done func(err error)) {
	d.subCh <- submission{meta: done}
}

func (d *Disk) run() {
	defer d.wg.Done()
	for sub := range d.subCh {
		if sub.meta != nil {
			sub.meta(d.f.Sync())
			continue
		}

		off := int64(sub.sector) * sectorSize
		if sub.dir == replication.IOWrite {
			_, err := d.f.WriteAt(sub.data, off)
			if err != nil {
				d.log.Error().Err(err).Uint64("sector", sub.sector).Msg("write failed")
			}
			sub.done(nil, err)
			continue
		}

		buf := make([]byte, sub.size)
		_, err := d.f.ReadAt(buf, off)
		if err != nil {
			d.log.Error().Err(err).Uint64("sector", sub.sector).Msg("read failed")
			sub.done(nil, err)
			continue
		}
		sub.done(buf, nil)
	}
}
