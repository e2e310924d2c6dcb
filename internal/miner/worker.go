package miner

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/junocash/jmined/internal/block"
	"github.com/junocash/jmined/internal/pool"
	"github.com/junocash/jmined/internal/randomx"
	"github.com/junocash/jmined/pkg/errors"
)

// runWorker iterates nonces over [start, end) for one template. The
// generation is checked on every nonce so workers abandon stale work
// within a single hash of a template switch.
func (c *Coordinator) runWorker(ctx context.Context, id int, tmpl *pool.ShareTemplate,
	gen uint64, start, end uint64) {

	logger := c.logger.WithWorker(id).WithTemplate(tmpl.Height, tmpl.PrevHash.String())
	logger.Debug("worker starting", "nonce_start", start, "nonce_end", end)

	// Each worker mutates its own header copy.
	header := make([]byte, len(tmpl.HeaderBlob))
	copy(header, tmpl.HeaderBlob)

	for nonce := start; nonce < end; nonce++ {
		if ctx.Err() != nil {
			return
		}
		if c.generation.Load() != gen {
			return
		}

		block.SetNonceCounterBytes(header, nonce)

		powHash, err := c.engine.Compute(header, tmpl.SeedHash)
		if err != nil {
			if errors.IsFatal(err) {
				c.enterDegraded(err)
				return
			}
			logger.WithError(err).Error("hash computation failed")
			return
		}
		c.hashes.Add(1)

		if randomx.HashMeetsTarget(powHash, tmpl.Target) {
			c.enqueueShare(&Share{
				Height:     tmpl.Height,
				Nonce:      nonce,
				HeaderHex:  hex.EncodeToString(header),
				PowHash:    powHash,
				FoundAt:    time.Now(),
				Generation: gen,
			})
		}
	}

	// Nonce range exhausted without a generation change: only fresh
	// extra-nonce space from the pool provides new work.
	logger.Debug("nonce range exhausted")
	c.RequestRepoll()
}
