package buffer

// CircularFloat is a fixed size window over the most recent float64 values
// appended, iterable oldest first.
type CircularFloat struct {
	buffer    []float64 // actual storage
	pos       int       // Current position in buffer
	sum       float64   // Sum of values currently held
	BufSize   int       // BufSize is the fixed number of values maintained in memory
	Count     int       // Count is the number of values in memory. Will always be <= BufSize
	TotalSeen int64     // TotalSeen is the total number of times Add has been called
}

// NewCircularFloat creates a new circular buffer of totalSize. A size below 1
// is bumped to 1.
func NewCircularFloat(totalSize int) *CircularFloat {
	if totalSize < 1 {
		totalSize = 1
	}

	return &CircularFloat{
		buffer:  make([]float64, totalSize),
		pos:     0,
		BufSize: totalSize,
		Count:   0,
	}
}

// Internal: return the next array position
func (c *CircularFloat) nextPos() int {
	return (c.pos + 1) % c.BufSize
}

// Add appends the given value to the buffer, overwriting the oldest entry
func (c *CircularFloat) Add(v float64) {
	c.TotalSeen++

	if c.Count == c.BufSize {
		c.sum -= c.buffer[c.pos]
	}
	c.buffer[c.pos] = v
	c.sum += v

	c.pos = c.nextPos()

	c.Count++
	if c.Count > c.BufSize {
		c.Count = c.BufSize // max out
	}
}

// AddAll appends every value in order
func (c *CircularFloat) AddAll(vs []float64) {
	for _, v := range vs {
		c.Add(v)
	}
}

// Mean of the values currently held, 0 when empty
func (c *CircularFloat) Mean() float64 {
	if c.Count < 1 {
		return 0
	}
	return c.sum / float64(c.Count)
}

// Values returns an iterator over the stored values, oldest first
func (c *CircularFloat) Values() *CircularFloatIterator {
	start := 0
	if c.Count == c.BufSize {
		start = c.pos // Oldest is the one we're about to write
	}

	return &CircularFloatIterator{
		buf:    c,
		curr:   start,
		remain: c.Count,
	}
}

// CircularFloatIterator provides an iterator over a CircularFloat buffer
type CircularFloatIterator struct {
	buf    *CircularFloat
	curr   int
	remain int
}

// Next returns True when there are more values to read via Value
func (i *CircularFloatIterator) Next() bool {
	return i.remain > 0
}

// Value return the next value to be read. Should only be called if Next() is
// True
func (i *CircularFloatIterator) Value() float64 {
	v := i.buf.buffer[i.curr]
	i.curr = (i.curr + 1) % i.buf.BufSize
	i.remain--
	return v
}
