package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC32C_KnownVector(t *testing.T) {
	// RFC 3720 B.4 check value for "123456789".
	assert.Equal(t, uint32(0xE3069283), CRC32C([]byte("123456789")))
}

func TestCRC32C_UpdateMatchesOneShot(t *testing.T) {
	header := []byte{0x01, 0x02, 0x03}
	payload := []byte("cached blob metadata")

	joined := append(append([]byte{}, header...), payload...)
	assert.Equal(t, CRC32C(joined), UpdateCRC32C(CRC32C(header), payload))

	h := NewCRC32C()
	_, _ = h.Write(header)
	_, _ = h.Write(payload)
	assert.Equal(t, CRC32C(joined), h.Sum32())
}
