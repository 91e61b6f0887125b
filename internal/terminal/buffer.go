package terminal

import "sync"

// RetentionBytes bounds the per-session output buffer. Old chunks roll off;
// their sequence numbers stay burned.
const RetentionBytes = 100 << 10

// Chunk is one captured slice of terminal output with its sequence number.
// Sequences start at 1 and never repeat within a session.
type Chunk struct {
	Seq  uint64
	Data []byte
}

// Buffer retains recent output chunks for replay after reconnects.
type Buffer struct {
	mu     sync.Mutex
	chunks []Chunk
	next   uint64
	size   int
	limit  int
}

// NewBuffer creates a buffer with the default retention.
func NewBuffer() *Buffer {
	return &Buffer{next: 1, limit: RetentionBytes}
}

// Append stores a copy of data and returns its sequence number.
func (b *Buffer) Append(data []byte) uint64 {
	cp := make([]byte, len(data))
	copy(cp, data)

	b.mu.Lock()
	defer b.mu.Unlock()
	seq := b.next
	b.next++
	b.chunks = append(b.chunks, Chunk{Seq: seq, Data: cp})
	b.size += len(cp)
	for b.size > b.limit && len(b.chunks) > 1 {
		b.size -= len(b.chunks[0].Data)
		b.chunks = b.chunks[1:]
	}
	return seq
}

// StartSeq returns the sequence of the oldest retained chunk, or the next
// sequence when the buffer is empty.
func (b *Buffer) StartSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.chunks) == 0 {
		return b.next
	}
	return b.chunks[0].Seq
}

// CurrentSeq returns the sequence of the most recent chunk, 0 if none yet.
func (b *Buffer) CurrentSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next - 1
}

// Since returns retained chunks with sequence >= from. When from predates the
// retention window, skipped reports the dropped range [skippedFrom,
// skippedTo] so the client can render a gap.
func (b *Buffer) Since(from uint64) (chunks []Chunk, skippedFrom, skippedTo uint64, skipped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.chunks) == 0 {
		return nil, 0, 0, false
	}
	start := b.chunks[0].Seq
	if from < start {
		skipped = true
		skippedFrom = from
		skippedTo = start - 1
		from = start
	}
	for _, c := range b.chunks {
		if c.Seq >= from {
			chunks = append(chunks, c)
		}
	}
	return chunks, skippedFrom, skippedTo, skipped
}
