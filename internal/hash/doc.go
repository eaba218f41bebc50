// Package hash provides the checksum used to frame write log records and
// snapshot files.
//
// All on-disk checksums use CRC32-Castagnoli (CRC32C). Go's hash/crc32
// package selects hardware instructions (SSE4.2, ARMv8 CRC) when available.
//
// For one-shot checksums:
//
//	sum := hash.CRC32C(data)
//
// For checksums over several disjoint buffers (record header then payload):
//
//	sum := hash.CRC32C(header)
//	sum = hash.UpdateCRC32C(sum, payload)
package hash
