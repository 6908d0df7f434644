package frame

import "errors"

// Frame decode errors. DecodeFrame wraps codec failures separately.
var (
	ErrBadCOBS     = errors.New("invalid COBS framing")
	ErrTruncated   = errors.New("frame truncated")
	ErrCRCMismatch = errors.New("frame CRC mismatch")
)

// cobsEncode byte-stuffs |src| so the output contains no 0x00 byte,
// then appends the single 0x00 frame terminator. Runs of up to 254
// non-zero bytes are prefixed by a length code; code 0xFF marks a
// maximal run with no implied zero. Empty input encodes as {0x01, 0x00}.
func cobsEncode(src []byte) []byte {
	var dst = make([]byte, 1, len(src)+len(src)/254+2)
	var codeIdx = 0
	var code byte = 1

	for _, b := range src {
		if b == 0 {
			dst[codeIdx] = code
			codeIdx = len(dst)
			dst = append(dst, 0)
			code = 1
			continue
		}
		dst = append(dst, b)
		code++
		if code == 0xFF {
			dst[codeIdx] = code
			codeIdx = len(dst)
			dst = append(dst, 0)
			code = 1
		}
	}
	dst[codeIdx] = code
	return append(dst, 0)
}

// cobsDecode reverses cobsEncode. The input must end with the 0x00
// terminator. A zero length code, or a block which overruns the buffer,
// is rejected with ErrBadCOBS.
func cobsDecode(src []byte) ([]byte, error) {
	if len(src) == 0 || src[len(src)-1] != 0 {
		return nil, ErrBadCOBS
	}
	var body = src[:len(src)-1]
	var dst = make([]byte, 0, len(body))

	for idx := 0; idx < len(body); {
		var code = body[idx]
		if code == 0 {
			return nil, ErrBadCOBS
		}
		idx++
		var end = idx + int(code) - 1
		if end > len(body) {
			return nil, ErrBadCOBS
		}
		dst = append(dst, body[idx:end]...)
		idx = end
		if code < 0xFF && idx < len(body) {
			dst = append(dst, 0)
		}
	}
	return dst, nil
}
