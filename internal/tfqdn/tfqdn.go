// Package tfqdn implements the telescopic-FQDN codec: a mapping between an
// FQDN/URL byte string over the codec's known alphabet and a legal DNS
// label (lowercase letters, digits, and '-' only) that decodes back to the
// lowercased input. Bytes outside the known alphabet are copied through
// unchanged by Encode, so their output is not a legal label and does not
// decode.
//
// Encode never fails. Decode returns an empty string on any malformed input
// (truncated escape, or an escape/direct byte with no table entry); callers
// must treat an empty result as an error when the input was non-empty.
package tfqdn

// q-escape tokens, longest-match-first within each starting byte so that
// overlapping literals (smsf/smf, pcrf/pcf, udsf/udm/udr, https:///http://)
// resolve to the longer token. The follower byte is what appears right
// after 'q' in the encoded label.
var qTokensByLead = map[byte][]struct {
	lit      string
	follower byte
}{
	'.': {
		{".mcc", 'm'},
		{".5gc.mnc", '5'},
		{".3gppnetwork.org", '3'},
	},
	'a': {
		{"amf", 'a'},
		{"ausf", '9'},
	},
	'b': {{"bsf", 'b'}},
	'd': {{"dra", 'r'}},
	'h': {
		{"hss", 'l'},
		{"https://", 's'},
		{"http://", 'h'},
	},
	'i': {{"ipups", 'i'}},
	'm': {{"mme", 'o'}},
	'n': {
		{"nef", '8'},
		{"nrf", 'n'},
		{"nssf", 'k'},
	},
	'p': {
		{"pcrf", '1'},
		{"pcf", 'p'},
		{"pgw", 't'},
	},
	's': {
		{"scp", 'w'},
		{"secf", 'd'},
		{"sepp", 'e'},
		{"sgw", 'g'},
		{"smsf", 'x'},
		{"smf", 'f'},
	},
	'u': {
		{"udm", 'u'},
		{"udr", 'y'},
		{"udsf", 'z'},
		{"upf", '0'},
	},
}

// z-escape followers for bytes that cannot be passed through directly:
// the letters colliding with the three replacement/escape letters, and a
// closed set of FQDN-unsafe punctuation.
var zFollowerOf = map[byte]byte{
	'j': 'j', 'q': 'q', 'v': 'v', 'z': 'z',
	'%': 'a', '_': 'b', '!': 'c', '$': 'd', '\'': 'e', '(': 'f', ')': 'g',
	'*': 'h', ',': 'i', ';': 'k', '=': 'l', '[': 'm', ']': 'n', '/': 'o',
}

// Encode lowercases input and rewrites it into a legal DNS label. It never
// fails: any byte outside the known alphabet passes through unchanged.
func Encode(input string) string {
	lower := asciiLower(input)
	n := len(lower)
	out := make([]byte, 0, n+n/4+4)

	for pos := 0; pos < n; {
		c := lower[pos]

		if toks, ok := qTokensByLead[c]; ok {
			if lit, follower, matched := matchLongest(lower, pos, toks); matched {
				out = append(out, 'q', follower)
				pos += len(lit)
				continue
			}
		}

		switch c {
		case '.':
			out = append(out, 'v')
			pos++
		case ':':
			out = append(out, 'j')
			pos++
		case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9',
			'a', 'b', 'c', 'd', 'e', 'f', 'g', 'h', 'i', 'k', 'l', 'm', 'n', 'o',
			'p', 'r', 's', 't', 'u', 'w', 'x', 'y':
			out = append(out, c)
			pos++
		default:
			if follower, ok := zFollowerOf[c]; ok {
				out = append(out, 'z', follower)
			} else {
				out = append(out, c)
			}
			pos++
		}
	}
	return string(out)
}

func matchLongest(s string, pos int, toks []struct {
	lit      string
	follower byte
}) (string, byte, bool) {
	for _, t := range toks {
		if hasPrefixAt(s, pos, t.lit) {
			return t.lit, t.follower, true
		}
	}
	return "", 0, false
}

func hasPrefixAt(s string, pos int, lit string) bool {
	if pos+len(lit) > len(s) {
		return false
	}
	return s[pos:pos+len(lit)] == lit
}

func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// directDecodeTable maps a non-escape encoded byte to its decoded byte.
// A zero entry (the sentinel) marks "no entry" and fails decoding.
var directDecodeTable = buildDirectDecodeTable()

// qDecodeTable maps the byte following 'q' to the multi-byte token it
// stands for. An empty string marks "no entry".
var qDecodeTable = buildQDecodeTable()

// zDecodeTable maps the byte following 'z' to the single byte it stands
// for. Zero marks "no entry".
var zDecodeTable = buildZDecodeTable()

func buildDirectDecodeTable() [256]byte {
	var t [256]byte
	t['-'] = '-'
	for c := byte('0'); c <= '9'; c++ {
		t[c] = c
	}
	for _, c := range []byte("abcdefghiklmnoprstuwxy") {
		t[c] = c
	}
	t['j'] = ':' // j is the replacement letter for ':'
	t['v'] = '.' // v is the replacement letter for '.'
	return t
}

func buildQDecodeTable() [256]string {
	var t [256]string
	for lead, toks := range qTokensByLead {
		_ = lead
		for _, tok := range toks {
			t[tok.follower] = tok.lit
		}
	}
	return t
}

func buildZDecodeTable() [256]byte {
	var t [256]byte
	for c, follower := range zFollowerOf {
		t[follower] = c
	}
	return t
}

// Decode is the inverse of Encode. It returns "" if the input is truncated
// mid-escape, or any escape/direct byte has no table entry.
func Decode(input string) string {
	lower := asciiLower(input)
	n := len(lower)
	out := make([]byte, 0, n)

	for pos := 0; pos < n; {
		c := lower[pos]
		switch c {
		case 'q':
			if pos+1 >= n {
				return ""
			}
			lit := qDecodeTable[lower[pos+1]]
			if lit == "" {
				return ""
			}
			out = append(out, lit...)
			pos += 2
		case 'z':
			if pos+1 >= n {
				return ""
			}
			ch := zDecodeTable[lower[pos+1]]
			if ch == 0 {
				return ""
			}
			out = append(out, ch)
			pos += 2
		default:
			ch := directDecodeTable[c]
			if ch == 0 {
				return ""
			}
			out = append(out, ch)
			pos++
		}
	}
	return string(out)
}
