package candrive

const bitsPerByte = 8

// signal describes where a value lives in a CAN payload and how to scale it.
// Signals are limited to 32 bits.
type signal struct {
	scale        float64
	offset       float64
	start        uint8 // first bit
	length       uint8 // bits
	littleEndian bool
	signed       bool
}

// byteMask returns the bits of byte byteNum covered by a signal spanning
// payload bits lsb through msb.
func byteMask(byteNum, lsb, msb uint8) uint8 {
	byteLsb := int(byteNum) * bitsPerByte
	byteMsb := byteLsb + bitsPerByte - 1

	var maskLsb, maskMsb uint8
	if int(lsb) > byteLsb {
		maskLsb = uint8(int(lsb) - byteLsb)
	}
	if int(msb) >= byteMsb {
		maskMsb = bitsPerByte - 1
	} else {
		maskMsb = uint8(int(msb) - byteLsb)
	}

	all := uint8(0xFF)
	return (all << (maskMsb + 1)) ^ (all << maskLsb)
}

func (s signal) lastByte() int {
	return (int(s.start) + int(s.length) - 1) / bitsPerByte
}

// fits reports whether data is long enough to hold the signal.
func (s signal) fits(data []byte) bool {
	return s.length > 0 && s.length <= 32 && s.lastByte() < len(data)
}

// extract decodes the signal from data. Callers check fits first.
func (s signal) extract(data []byte) float64 {
	msb := s.start + s.length - 1
	first := s.start / bitsPerByte
	last := msb / bitsPerByte

	var raw uint32
	for i := first; i <= last; i++ {
		var shift uint8
		if s.littleEndian {
			shift = i - first
		} else {
			shift = last - i
		}
		raw |= uint32(byteMask(i, s.start, msb)&data[i]) << (shift * bitsPerByte)
	}
	raw >>= s.start - bitsPerByte*first

	if !s.signed {
		return float64(raw)*s.scale + s.offset
	}
	if s.length < 32 && raw&(1<<(s.length-1)) != 0 {
		raw |= ^uint32(0) << s.length
	}
	return float64(int32(raw))*s.scale + s.offset
}
