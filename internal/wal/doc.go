// Package wal implements the per-shard append-only write log.
//
// A log is a directory of numbered segment files plus an optional compacted
// checkpoint:
//
//	shard-003/
//	  checkpoint.snap   compressed snapshot covering segments < N
//	  00000007.log      sealed segment
//	  00000008.log      active segment (appends go here)
//
// Every segment starts with a 16 byte header (magic "HCWL", version, flags,
// shard id). Records are framed as
//
//	[crc32c u32][type u8][lsn u64][len u32][payload len bytes]
//
// where the checksum covers everything after itself. Payloads are opaque to
// this package; the metastore encodes entries into them.
//
// Appends land in a buffered writer and become durable on the next flush. A
// background loop flushes every FlushInterval; a zero interval flushes after
// every append.
//
// Replay reads the checkpoint first and then every segment newer than the
// checkpoint. A segment that ends in a short or corrupt record is cut at the
// last good record and replay continues with the next segment. The active
// segment is physically truncated so new appends follow valid data.
package wal
