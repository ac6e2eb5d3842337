package chunkdecoder

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/gregorycollins/riegeli/internal/rerr"
)

// zstdPool recycles zstd.Decoder contexts across chunks instead of paying
// zstd's allocation cost per call. It is a bounded LIFO stack: the most
// recently released context is reused first (its internal buffers are the
// most likely to still be warm), and contexts beyond the bound are closed
// rather than retained. Decoding one chunk is very likely to be followed
// by decoding another of a similar shape, so the warm context wins.
type decoderPool struct {
	mu    sync.Mutex
	stack []*zstd.Decoder
}

const poolBound = 4

var zstdPool decoderPool

func (p *decoderPool) get() (*zstd.Decoder, error) {
	p.mu.Lock()
	if n := len(p.stack); n > 0 {
		d := p.stack[n-1]
		p.stack = p.stack[:n-1]
		p.mu.Unlock()
		return d, nil
	}
	p.mu.Unlock()

	d, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: allocating zstd decoder: %v", rerr.Internal, err)
	}
	return d, nil
}

func (p *decoderPool) put(d *zstd.Decoder) {
	p.mu.Lock()
	if len(p.stack) < poolBound {
		p.stack = append(p.stack, d)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	d.Close()
}

// scratchPool holds the intermediate buffer used to drain a brotli.Reader,
// which exposes no reusable decoder context of its own.
var scratchPool = sync.Pool{
	New: func() any { return make([]byte, 32*1024) },
}

func getScratchBuf() []byte  { return scratchPool.Get().([]byte) }
func putScratchBuf(b []byte) { scratchPool.Put(b) }
