package wire

// COBS (Consistent Overhead Byte Stuffing) removes every 0x00 from a frame
// body so that a bare 0x00 can delimit frames on a byte stream. Encoded data
// is a chain of groups: one code byte (1..255) followed by code-1 literal
// bytes. Codes 1..254 mean "these bytes were followed by a zero" (except for
// the final group); code 255 means "254 bytes, no zero". Worst-case overhead
// is one byte per 254, plus the leading code byte.

// stuffedCap returns a capacity bound for encoding n raw bytes.
func stuffedCap(n int) int {
	return n + n/254 + 1
}

// StuffBytes COBS-encodes src. The result contains no 0x00 bytes and is
// never empty: encoding zero bytes yields the single code byte 0x01. The
// frame delimiter is not appended; that is the Writer's job.
func StuffBytes(src []byte) []byte {
	dst := make([]byte, 0, stuffedCap(len(src)))

	codeIdx := 0
	dst = append(dst, 0) // placeholder for the first code byte
	code := byte(1)

	for i, b := range src {
		if b == 0 {
			dst[codeIdx] = code
			codeIdx = len(dst)
			dst = append(dst, 0)
			code = 1
			continue
		}
		dst = append(dst, b)
		code++
		// A full 254-byte group only opens a successor when input remains,
		// otherwise a lone trailing 0x01 group would decode to a phantom run.
		if code == 0xFF && i != len(src)-1 {
			dst[codeIdx] = code
			codeIdx = len(dst)
			dst = append(dst, 0)
			code = 1
		}
	}
	dst[codeIdx] = code
	return dst
}

// UnstuffBytes reverses StuffBytes. src must be one whole encoded frame body
// with the delimiter already stripped. A zero byte inside src or a group
// code pointing past the end means corruption and returns ErrBadFrame.
func UnstuffBytes(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return nil, ErrBadFrame
	}

	dst := make([]byte, 0, len(src))
	for i := 0; i < len(src); {
		code := src[i]
		if code == 0 {
			return nil, ErrBadFrame
		}
		i++

		n := int(code) - 1
		if i+n > len(src) {
			return nil, ErrBadFrame
		}
		for _, b := range src[i : i+n] {
			if b == 0 {
				return nil, ErrBadFrame
			}
			dst = append(dst, b)
		}
		i += n

		if code != 0xFF && i < len(src) {
			dst = append(dst, 0)
		}
	}
	return dst, nil
}
