package media

import "context"

func sendControl(ctx context.Context, f Fifo, fill func(*Buffer)) error {
	b, err := f.Alloc(ctx)
	if err != nil {
		return err
	}
	fill(b)
	return f.Put(ctx, b)
}

// SendStart tells the consumer a new stream is beginning.
func SendStart(ctx context.Context, f Fifo) error {
	return sendControl(ctx, f, func(b *Buffer) {
		b.Control = ControlStart
	})
}

// SendDiscontinuity tells the consumer the timeline jumped by offset
// (90 kHz units) and presentation times should be rebased.
func SendDiscontinuity(ctx context.Context, f Fifo, offset int64) error {
	return sendControl(ctx, f, func(b *Buffer) {
		b.Control = ControlDiscontinuity
		b.Offset = offset
	})
}

// SendNewPTS tells the consumer to discard its timeline and resync on the
// next timestamp it sees.
func SendNewPTS(ctx context.Context, f Fifo, flags Flag) error {
	return sendControl(ctx, f, func(b *Buffer) {
		b.Control = ControlNewPTS
		b.Flags = flags
	})
}

// SendEnd tells the consumer no further buffers follow.
func SendEnd(ctx context.Context, f Fifo, reason EndReason) error {
	return sendControl(ctx, f, func(b *Buffer) {
		b.Control = ControlEnd
		b.Reason = reason
	})
}
