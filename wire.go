package kixdns

import (
	"encoding/binary"
	"unicode/utf8"
)

// maxCompressionJumps bounds compression-pointer chasing so a crafted
// packet with a pointer cycle cannot spin the parser forever.
const maxCompressionJumps = 5

// QuickQuery is the result of a partial request parse: just enough to drive
// pipeline selection, the rule index, and the caches without a full message
// decode.
type QuickQuery struct {
	TxID   uint16
	QName  string // lowercased, dot-separated labels ending in a dot ("example.com.")
	QType  uint16
	QClass uint16
}

// ParseQuickRequest extracts {tx_id, qname, qtype, qclass} from a raw DNS
// request packet. buf must have length >= 256 and is used as scratch space
// for the lowercased, dot-joined QNAME (the returned QName is a new string
// built from it, so callers may reuse buf immediately after the call
// returns). Returns ok=false on any malformed input; callers must fall back
// to a full decode.
func ParseQuickRequest(packet []byte, buf []byte) (QuickQuery, bool) {
	if len(packet) < 12 || len(buf) < 256 {
		return QuickQuery{}, false
	}
	txID := binary.BigEndian.Uint16(packet[0:2])
	qdcount := binary.BigEndian.Uint16(packet[4:6])
	if qdcount == 0 {
		return QuickQuery{}, false
	}

	pos := 12
	bufPos := 0
	jumps := maxCompressionJumps
	jumped := false
	origEnd := pos

	for {
		if pos >= len(packet) {
			return QuickQuery{}, false
		}
		length := int(packet[pos])

		if length == 0 {
			if !jumped {
				origEnd = pos + 1
			}
			pos++
			break
		}

		// Compression pointer: top two bits set.
		if length&0xC0 == 0xC0 {
			if pos+1 >= len(packet) {
				return QuickQuery{}, false
			}
			if jumps == 0 {
				return QuickQuery{}, false
			}
			jumps--
			if !jumped {
				origEnd = pos + 2
				jumped = true
			}
			ptr := int(length&0x3F)<<8 | int(packet[pos+1])
			if ptr >= pos {
				// Only backward pointers are legal; forward/self pointers
				// would allow unbounded or cyclic chasing.
				return QuickQuery{}, false
			}
			pos = ptr
			continue
		}

		if length&0xC0 != 0 {
			return QuickQuery{}, false // reserved label type
		}

		pos++
		if pos+length > len(packet) {
			return QuickQuery{}, false
		}
		if bufPos > 0 {
			if bufPos >= len(buf) {
				return QuickQuery{}, false
			}
			buf[bufPos] = '.'
			bufPos++
		}
		for i := 0; i < length; i++ {
			if bufPos >= len(buf) {
				return QuickQuery{}, false
			}
			buf[bufPos] = toASCIILower(packet[pos+i])
			bufPos++
		}
		pos += length
	}

	if !jumped {
		origEnd = pos
	}
	if origEnd+4 > len(packet) {
		return QuickQuery{}, false
	}
	qtype := binary.BigEndian.Uint16(packet[origEnd : origEnd+2])
	qclass := binary.BigEndian.Uint16(packet[origEnd+2 : origEnd+4])

	// Terminate the name with the root dot, the same canonical form the
	// full-decode path gets from dns.CanonicalName.
	if bufPos >= len(buf) {
		return QuickQuery{}, false
	}
	buf[bufPos] = '.'
	bufPos++

	name := buf[:bufPos]
	if !utf8.Valid(name) {
		return QuickQuery{}, false
	}
	return QuickQuery{
		TxID:   txID,
		QName:  string(name),
		QType:  qtype,
		QClass: qclass,
	}, true
}

func toASCIILower(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}

// QuickResponse is the result of a partial response parse: just the RCODE
// and the minimum TTL across all answer records, used to compute L2 cache
// expiry without decoding the whole message.
type QuickResponse struct {
	Rcode  uint8
	MinTTL uint32
}

// ParseQuickResponse extracts {rcode, min_ttl} from a raw DNS response
// packet. Returns ok=false on any malformed input.
func ParseQuickResponse(packet []byte) (QuickResponse, bool) {
	if len(packet) < 12 {
		return QuickResponse{}, false
	}
	rcode := packet[3] & 0x0F
	qdcount := binary.BigEndian.Uint16(packet[4:6])
	ancount := binary.BigEndian.Uint16(packet[6:8])

	if ancount == 0 {
		return QuickResponse{Rcode: rcode, MinTTL: 0}, true
	}

	pos := 12
	for i := uint16(0); i < qdcount; i++ {
		var ok bool
		pos, ok = skipName(packet, pos)
		if !ok {
			return QuickResponse{}, false
		}
		pos += 4 // QTYPE + QCLASS
		if pos > len(packet) {
			return QuickResponse{}, false
		}
	}

	var minTTL uint32 = ^uint32(0)
	found := false
	for i := uint16(0); i < ancount; i++ {
		var ok bool
		pos, ok = skipName(packet, pos)
		if !ok {
			return QuickResponse{}, false
		}
		if pos+10 > len(packet) {
			return QuickResponse{}, false
		}
		ttl := binary.BigEndian.Uint32(packet[pos+4 : pos+8])
		if ttl < minTTL {
			minTTL = ttl
			found = true
		}
		rdlen := int(binary.BigEndian.Uint16(packet[pos+8 : pos+10]))
		pos += 10 + rdlen
		if pos > len(packet) {
			return QuickResponse{}, false
		}
	}

	if !found {
		minTTL = 0
	}
	return QuickResponse{Rcode: rcode, MinTTL: minTTL}, true
}

// skipName advances pos past a (possibly compressed) name and returns the
// position immediately following it. It does not chase pointers further
// than recording that one was seen, since only the byte length consumed in
// the *current* section matters to the caller.
func skipName(packet []byte, pos int) (int, bool) {
	for {
		if pos >= len(packet) {
			return 0, false
		}
		length := int(packet[pos])
		if length == 0 {
			return pos + 1, true
		}
		if length&0xC0 == 0xC0 {
			if pos+1 >= len(packet) {
				return 0, false
			}
			return pos + 2, true
		}
		if length&0xC0 != 0 {
			return 0, false
		}
		pos += 1 + length
		if pos > len(packet) {
			return 0, false
		}
	}
}
