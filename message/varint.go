package message

const (
	// MaxSizeFieldLength is the longest size field, covering values up to 2^32-1.
	MaxSizeFieldLength int = 5

	sizeFieldContinuation byte = 0x80
	sizeFieldPayloadMask  byte = 0x7f
)

// SizeFieldLength returns how many bytes the size field for n occupies.
func SizeFieldLength(n uint32) int {
	length := 1
	for _, limit := range [...]uint32{1 << 7, 1 << 14, 1 << 21, 1 << 28} {
		if n >= limit {
			length++
		}
	}
	return length
}

// AppendSizeField appends the size field for n to dst. Groups of seven bits are
// written most significant first; every byte except the last carries the
// continuation bit.
func AppendSizeField(dst []byte, n uint32) []byte {
	length := SizeFieldLength(n)
	for i := length; i > 0; i-- {
		b := byte(n>>(uint(i-1)*7)) & sizeFieldPayloadMask
		if i > 1 {
			b |= sizeFieldContinuation
		}
		dst = append(dst, b)
	}
	return dst
}

// DecodeSizeField parses a size field from the start of buf. ok is false when
// buf ends before the terminating byte; consumed is then len(buf).
func DecodeSizeField(buf []byte) (n uint32, consumed int, ok bool) {
	var tmp uint64
	for i := 0; i < len(buf) && i < MaxSizeFieldLength; i++ {
		b := buf[i]
		tmp |= uint64(b & sizeFieldPayloadMask)
		if b&sizeFieldContinuation == 0 {
			if tmp > 0xffffffff {
				return 0, i + 1, false
			}
			return uint32(tmp), i + 1, true
		}
		tmp <<= 7
	}

	if len(buf) > MaxSizeFieldLength {
		return 0, MaxSizeFieldLength, false
	}
	return 0, len(buf), false
}

// SizeFieldDecoder consumes a size field one byte at a time, the way bytes
// arrive from a stream.
type SizeFieldDecoder struct {
	buf [MaxSizeFieldLength]byte
	n   int
}

// Push adds b. done reports a complete field; invalid reports a field that
// cannot terminate within MaxSizeFieldLength bytes or overflows 32 bits.
func (d *SizeFieldDecoder) Push(b byte) (size uint32, done bool, invalid bool) {
	d.buf[d.n] = b
	d.n++

	size, _, ok := DecodeSizeField(d.buf[:d.n])
	if ok {
		return size, true, false
	}

	if b&sizeFieldContinuation == 0 || d.n >= MaxSizeFieldLength {
		return 0, false, true
	}

	return 0, false, false
}

func (d *SizeFieldDecoder) Reset() {
	d.n = 0
}
