package window

import "overbought-alerts/internal/market"

// ring is a fixed-capacity FIFO of candles. The oldest element is evicted
// when a push would exceed capacity.
type ring struct {
	buf   []market.Candle
	start int
	size  int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]market.Candle, capacity)}
}

func (r *ring) capacity() int { return len(r.buf) }

func (r *ring) len() int { return r.size }

func (r *ring) at(i int) market.Candle {
	return r.buf[(r.start+i)%len(r.buf)]
}

func (r *ring) last() (market.Candle, bool) {
	if r.size == 0 {
		return market.Candle{}, false
	}
	return r.at(r.size - 1), true
}

func (r *ring) push(c market.Candle) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = c
		r.size++
		return
	}
	r.buf[r.start] = c
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) setLast(c market.Candle) {
	if r.size == 0 {
		r.push(c)
		return
	}
	r.buf[(r.start+r.size-1)%len(r.buf)] = c
}

func (r *ring) reset() {
	r.start = 0
	r.size = 0
}

func (r *ring) slice() []market.Candle {
	out := make([]market.Candle, r.size)
	for i := range out {
		out[i] = r.at(i)
	}
	return out
}
