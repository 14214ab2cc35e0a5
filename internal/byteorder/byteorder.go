package byteorder

import (
	"encoding/binary"
)

// ShortSize is the size of a network short, which is what every frame on the
// wire is prefixed with.
const ShortSize = 2

// MaxShort is the largest payload length a short prefix can describe.
const MaxShort = 1<<16 - 1

// https://linux.die.net/man/3/ntohs
// https://github.com/vishvananda/netlink/blob/e5fd1f8193dee65ec93fafde8faf67e32a34692a/order.go

// NOTE: only shorts are left, the frame prefix is the one thing on the wire
// that is not text.
// h = host, n = network, s = short (16 bit)

func Htons(val uint16) []byte {
	buf := make([]byte, ShortSize)
	binary.BigEndian.PutUint16(buf, val)
	return buf
}

func Ntohs(buf []byte) uint16 {
	return binary.BigEndian.Uint16(buf)
}
