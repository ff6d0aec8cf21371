package gc

import "context"

// generationalCollect promotes well-referenced objects generation by
// generation, youngest first, running a full mark-and-sweep after each.
// Generations never decrease and are capped at Generations-1. The pass stops
// between generations once ctx is done.
func (c *Collector) generationalCollect(ctx context.Context) sweepResult {
	var total sweepResult
	gens := c.config.Generational.Generations
	for gen := uint8(0); gen < gens; gen++ {
		if err := ctx.Err(); err != nil {
			c.logger.Warn("generational pass stopped early", "generation", gen, "error", err)
			break
		}
		promoted := c.promoteGeneration(gen)
		res := c.markAndSweep()
		c.logger.Debug("generation collected",
			"generation", gen,
			"promoted", promoted,
			"collected", len(res.collected),
		)
		total.add(res)
	}
	return total
}

// promoteGeneration moves objects of generation gen whose reference count
// meets the generation's threshold one generation up.
func (c *Collector) promoteGeneration(gen uint8) int {
	cfg := c.config.Generational
	if int(gen) >= len(cfg.PromotionThresholds) {
		return 0
	}
	threshold := cfg.PromotionThresholds[gen]
	oldest := cfg.Generations - 1

	c.objMu.Lock()
	defer c.objMu.Unlock()

	promoted := 0
	for _, obj := range c.objects {
		if obj.Generation != gen || obj.ReferenceCount == 0 {
			continue
		}
		if obj.ReferenceCount >= threshold {
			next := min(gen+1, oldest)
			if next > obj.Generation {
				if gen == 0 && c.alloc != nil {
					c.alloc.Promote(obj.ID)
				}
				obj.Generation = next
				promoted++
			}
		}
	}
	return promoted
}
