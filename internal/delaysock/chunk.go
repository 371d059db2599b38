package delaysock

//
// Delayed write chunks
//

import "time"

// writeChunk is a unit of buffered data queued for delayed delivery. Our
// reading twin queues chunks for us and we write them to our descriptor
// once their send time has passed. A chunk without data is the close
// sentinel: it carries end-of-stream (or error) notice through the same
// delayed queue, so that closure also incurs the configured delay.
type writeChunk struct {
	// sendTime is the moment after which we may write the chunk.
	sendTime time.Time

	// data is the payload still to be written. Partial writes trim
	// the written prefix; the chunk is otherwise immutable.
	data []byte
}

// newWriteChunk creates a chunk owning a copy of data and released
// at now plus the given delay. Copying matters: the caller reuses its
// read buffer across readiness callbacks.
func newWriteChunk(now time.Time, delay time.Duration, data []byte) *writeChunk {
	return &writeChunk{
		sendTime: now.Add(delay),
		data:     append([]byte{}, data...),
	}
}

// newCloseChunk creates the zero-length close sentinel released at
// now plus the given delay.
func newCloseChunk(now time.Time, delay time.Duration) *writeChunk {
	return &writeChunk{
		sendTime: now.Add(delay),
		data:     nil,
	}
}

// isClose returns whether this chunk is the close sentinel.
func (c *writeChunk) isClose() bool {
	return len(c.data) == 0
}

// consume trims the first count bytes, which have been written.
func (c *writeChunk) consume(count int) {
	c.data = c.data[count:]
}

// chunkQueue is a strict FIFO of chunks awaiting write. Because the
// forwarding delay is constant and chunks are pushed in arrival order,
// send times are monotonically non-decreasing from head to tail.
type chunkQueue struct {
	chunks []*writeChunk
}

// push appends a chunk to the queue.
func (q *chunkQueue) push(c *writeChunk) {
	q.chunks = append(q.chunks, c)
}

// empty returns whether the queue holds no chunks.
func (q *chunkQueue) empty() bool {
	return len(q.chunks) == 0
}

// len returns the number of queued chunks.
func (q *chunkQueue) len() int {
	return len(q.chunks)
}

// head returns the first chunk in the queue. It is a programming
// error to call head on an empty queue.
func (q *chunkQueue) head() *writeChunk {
	return q.chunks[0]
}

// popHead removes the first chunk in the queue.
func (q *chunkQueue) popHead() {
	q.chunks = q.chunks[1:]
}
