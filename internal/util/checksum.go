package util

import (
	"hash/crc32"
)

// Checksums protect every sstable record. CRC32 with the Castagnoli
// polynomial is hardware accelerated on amd64 and arm64.
var crc32Table = crc32.MakeTable(crc32.Castagnoli)

// ComputeChecksum computes a CRC32 checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ValidateChecksum validates data against an expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}
