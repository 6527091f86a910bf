package pager

import "github.com/sombra/sombra/metrics"

// Checkpoint moves the durability boundary forward (spec.md §4.1
// "checkpoint"). Because this pager applies every committed page
// directly to the main file at commit time (see commit.go), every mode
// appends a checkpoint marker to the WAL and fsyncs it; Passive and
// Force do nothing more, and neither waits for writers or readers.
// Restart then fsyncs the main file and truncates the WAL, unless a
// reader is still pinned to a snapshot older than the current commit
// LSN (the watermark rule); in that case it returns without truncating
// rather than blocking.
func (p *Pager) Checkpoint(mode CheckpointMode) error {
	if p.wal == nil {
		return nil
	}

	p.stateMu.Lock()
	lsn := p.commitLSN
	p.stateMu.Unlock()

	if err := p.wal.logCheckpoint(lsn); err != nil {
		return err
	}
	if err := p.wal.sync(); err != nil {
		return err
	}

	if mode != CheckpointRestart {
		p.sink.Inc(metrics.CheckpointRunsTotal, 1)
		return nil
	}

	watermark := p.oldestActiveReaderLSN(lsn)
	if watermark < lsn {
		// A reader is still pinned to a pre-checkpoint snapshot; the WAL
		// can't be truncated yet without breaking its visibility. Leave
		// the WAL as-is; the next Restart checkpoint will retry.
		p.sink.Inc(metrics.CheckpointRunsTotal, 1)
		return nil
	}

	if err := p.file.Sync(); err != nil {
		return err
	}
	if err := p.wal.truncate(); err != nil {
		return err
	}
	p.sink.Inc(metrics.CheckpointRunsTotal, 1)
	return nil
}

func (p *Pager) oldestActiveReaderLSN(fallback uint64) uint64 {
	p.readersMu.Lock()
	defer p.readersMu.Unlock()
	watermark := fallback
	for _, r := range p.readers {
		if r.lsn < watermark {
			watermark = r.lsn
		}
	}
	return watermark
}
