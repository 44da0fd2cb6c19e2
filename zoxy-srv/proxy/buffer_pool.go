package proxy

import (
	"sync"
)

const (
	// RecvBufferSize is the default size of a single relay read when no
	// BufferSize is configured.
	RecvBufferSize = 32 * 1024
)

// sizedPool hands out buffers of one fixed size.
type sizedPool struct {
	size int
	pool sync.Pool
}

func newSizedPool(size int) *sizedPool {
	sp := &sizedPool{size: size}
	sp.pool.New = func() interface{} {
		buf := make([]byte, size)
		return &buf
	}
	return sp
}

func (sp *sizedPool) get() *[]byte {
	return sp.pool.Get().(*[]byte)
}

func (sp *sizedPool) put(buf *[]byte) {
	if buf != nil && cap(*buf) >= sp.size {
		*buf = (*buf)[:sp.size]
		sp.pool.Put(buf)
	}
}

// relayPools holds one pool per relay buffer size, shared by all servers.
var relayPools sync.Map // map[int]*sizedPool

func poolFor(size int) *sizedPool {
	if size <= 0 {
		size = RecvBufferSize
	}
	if sp, ok := relayPools.Load(size); ok {
		return sp.(*sizedPool)
	}
	sp, _ := relayPools.LoadOrStore(size, newSizedPool(size))
	return sp.(*sizedPool)
}

// getBuffer retrieves a relay buffer of the given size (RecvBufferSize when
// size is not positive). The caller must return it using putBuffer.
func getBuffer(size int) *[]byte {
	return poolFor(size).get()
}

// putBuffer returns a buffer obtained from getBuffer with the same size.
func putBuffer(size int, buf *[]byte) {
	poolFor(size).put(buf)
}
