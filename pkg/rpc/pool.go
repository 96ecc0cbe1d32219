package rpc

import (
	"sync"
)

const readChunkSize = 32 * 1024

var (
	// read buffers for stream connections; frames are copied out by the
	// framer so buffers can be recycled immediately
	chunkPool = &sync.Pool{
		New: func() interface{} {
			bs := make([]byte, readChunkSize)
			return &bs
		},
	}
)

func getChunk() *[]byte {
	return chunkPool.Get().(*[]byte)
}

func putChunk(bs *[]byte) {
	chunkPool.Put(bs)
}
