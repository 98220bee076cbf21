package fairness

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"strconv"
)

// stream expands (serverSeed, clientSeed) into an endless deterministic byte
// sequence: HMAC(serverSeed, clientSeed:counter) blocks.
type stream struct {
	serverSeed []byte
	clientSeed string
	counter    uint64
	buf        []byte
}

func newStream(serverSeed, clientSeed string) *stream {
	return &stream{serverSeed: []byte(serverSeed), clientSeed: clientSeed}
}

func (s *stream) uint64() uint64 {
	if len(s.buf) < 8 {
		h := hmac.New(sha256.New, s.serverSeed)
		h.Write([]byte(s.clientSeed + ":" + strconv.FormatUint(s.counter, 10)))
		s.counter++
		s.buf = append(s.buf, h.Sum(nil)...)
	}
	v := binary.BigEndian.Uint64(s.buf[:8])
	s.buf = s.buf[8:]
	return v
}

// intn returns a uniform value in [0, n) using rejection sampling.
func (s *stream) intn(n uint64) uint64 {
	limit := ^uint64(0) - (^uint64(0) % n)
	for {
		v := s.uint64()
		if v < limit {
			return v % n
		}
	}
}

// Shuffle returns a permutation of [0, n) fully determined by the seeds.
func Shuffle(serverSeed, clientSeed string, n int) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	s := newStream(serverSeed, clientSeed)
	for i := n - 1; i > 0; i-- {
		j := int(s.intn(uint64(i + 1)))
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm
}
