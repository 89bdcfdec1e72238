// Package randperm reproduces numpy's legacy RandomState permutation stream
// so that index splits match the ones produced by np.random.RandomState(seed).
package randperm

const (
	stateLen  = 624
	period    = 397
	matrixA   = 0x9908b0df
	upperMask = 0x80000000
	lowerMask = 0x7fffffff
)

// MT19937 is the 32-bit Mersenne Twister.
type MT19937 struct {
	key [stateLen]uint32
	pos int
}

// New seeds the generator the way RandomState(int) does.
func New(seed uint32) *MT19937 {
	m := &MT19937{}
	for i := 0; i < stateLen; i++ {
		m.key[i] = seed
		seed = 1812433253*(seed^(seed>>30)) + uint32(i+1)
	}
	m.pos = stateLen
	return m
}

func (m *MT19937) generate() {
	var i int
	for ; i < stateLen-period; i++ {
		y := (m.key[i] & upperMask) | (m.key[i+1] & lowerMask)
		m.key[i] = m.key[i+period] ^ (y >> 1) ^ (-(y & 1) & matrixA)
	}
	for ; i < stateLen-1; i++ {
		y := (m.key[i] & upperMask) | (m.key[i+1] & lowerMask)
		m.key[i] = m.key[i+period-stateLen] ^ (y >> 1) ^ (-(y & 1) & matrixA)
	}
	y := (m.key[stateLen-1] & upperMask) | (m.key[0] & lowerMask)
	m.key[stateLen-1] = m.key[period-1] ^ (y >> 1) ^ (-(y & 1) & matrixA)
	m.pos = 0
}

// Uint32 returns the next tempered output.
func (m *MT19937) Uint32() uint32 {
	if m.pos == stateLen {
		m.generate()
	}
	y := m.key[m.pos]
	m.pos++
	y ^= y >> 11
	y ^= (y << 7) & 0x9d2c5680
	y ^= (y << 15) & 0xefc60000
	y ^= y >> 18
	return y
}

// Interval returns a uniform value in [0, max] using masked rejection.
func (m *MT19937) Interval(max uint64) uint64 {
	if max == 0 {
		return 0
	}
	mask := max
	mask |= mask >> 1
	mask |= mask >> 2
	mask |= mask >> 4
	mask |= mask >> 8
	mask |= mask >> 16
	mask |= mask >> 32
	if max <= 0xffffffff {
		for {
			if v := uint64(m.Uint32()) & mask; v <= max {
				return v
			}
		}
	}
	for {
		v := (uint64(m.Uint32())<<32 | uint64(m.Uint32())) & mask
		if v <= max {
			return v
		}
	}
}

// Permutation returns a shuffled 0..n-1, matching
// np.random.RandomState(seed).permutation(n).
func Permutation(seed uint32, n int) []int {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	m := New(seed)
	for i := n - 1; i > 0; i-- {
		j := int(m.Interval(uint64(i)))
		p[i], p[j] = p[j], p[i]
	}
	return p
}
