/*
Engine implements the sharded signal and position runtime.

# Module
  - bus: bounded per-shard queue carrying market events, fills and control messages
  - window store: rolling windows of the shard's instruments
  - detectors: setup classification on every accepted event
  - arbiter: one admission per instrument per event
  - position machine: single writer of the shard's positions
  - risk governor: the one structure shared by every shard

# Source
 1. market events from a feed reader or a live normalizer
 2. fills and fill failures from the execution sink
 3. governor flatten broadcasts and the sweep ticker

# Produce
  - order and cancel intents to the execution gateway

# Sharded
  - instrument (xxhash mod shards)
*/
package engine
