package deepstream

import "sort"

// TokenKind classifies one lexical unit produced by the scanner.
type TokenKind int

const (
	// TokenHeader identifies a recognised message header (e.g. "E|S").
	// The matched Header is carried on Token.Header.
	TokenHeader TokenKind = iota
	// TokenPayload is a run of bytes between a leading US and the next
	// US/RS/EOF. Token.Data excludes the leading US.
	TokenPayload
	// TokenMessageSeparator is a single RS byte.
	TokenMessageSeparator
	// TokenUnknown is anything that does not match a legal header at a
	// header position, or a run in payload position that neither starts
	// with US nor matches a legal header.
	TokenUnknown
	// TokenEOF marks the end of input.
	TokenEOF
)

// Token is one unit of scanner output together with its byte span in the
// original input, so parser errors can be localised precisely.
type Token struct {
	Kind   TokenKind
	Header Header // valid when Kind == TokenHeader
	Data   []byte // payload bytes (TokenPayload) or raw bytes (TokenUnknown)
	Offset int
	Length int
}

type headerBinary struct {
	binary []byte
	header Header
}

// sortedHeaders caches the header table's binary forms sorted by
// descending length, so longest-match can be applied by trying
// candidates from longest to shortest and taking the first hit.
var sortedHeaders = func() []headerBinary {
	rows := make([]headerBinary, len(headerTable))
	for i, row := range headerTable {
		rows[i] = headerBinary{binary: fromHumanReadable(row.human), header: row.header}
	}
	sort.Slice(rows, func(i, j int) bool {
		return len(rows[i].binary) > len(rows[j].binary)
	})
	return rows
}()

// Scanner is a deterministic longest-match recogniser over a byte buffer.
// The caller owns the buffer; the scanner never mutates it and never
// outlives it.
type Scanner struct {
	buf []byte
	pos int
	// atHeaderPos tracks whether the next non-separator byte should be
	// matched as a header (true) or as an argument payload (false). A
	// MESSAGE_SEPARATOR always resets it to true; a matched header
	// always clears it.
	atHeaderPos bool
}

// NewScanner wraps buf for tokenizing. buf must outlive every Token this
// Scanner produces (Token.Data references buf's backing array).
func NewScanner(buf []byte) *Scanner {
	return &Scanner{buf: buf, atHeaderPos: true}
}

// Next returns the next token. Once it returns a TokenEOF, subsequent
// calls keep returning TokenEOF at the same offset.
func (s *Scanner) Next() Token {
	if s.pos >= len(s.buf) {
		return Token{Kind: TokenEOF, Offset: s.pos, Length: 0}
	}

	// RS always terminates the current message and returns to header
	// position, regardless of what mode we were scanning in — this is
	// what lets the parser resynchronise after an error.
	if s.buf[s.pos] == recordSeparator {
		start := s.pos
		s.pos++
		s.absorbTrailingNewline()
		s.atHeaderPos = true
		return Token{Kind: TokenMessageSeparator, Offset: start, Length: s.pos - start}
	}

	if s.atHeaderPos {
		return s.scanHeaderPosition()
	}
	return s.scanBodyPosition()
}

func (s *Scanner) scanHeaderPosition() Token {
	start := s.pos
	if cand, ok := s.matchHeader(start); ok {
		s.pos += len(cand.binary)
		s.atHeaderPos = false
		return Token{Kind: TokenHeader, Header: cand.header, Offset: start, Length: s.pos - start}
	}

	// Consume through (not including) the next RS so the parser has a
	// single, precisely-spanned error to report; the scanner stays at
	// header position and will try again at the next word.
	end := start
	for end < len(s.buf) && s.buf[end] != recordSeparator {
		end++
	}
	if end == start {
		end = start + 1
	}
	tok := Token{Kind: TokenUnknown, Data: s.buf[start:end], Offset: start, Length: end - start}
	s.pos = end
	return tok
}

func (s *Scanner) scanBodyPosition() Token {
	start := s.pos

	if s.buf[start] == unitSeparator {
		end := start + 1
		for end < len(s.buf) && s.buf[end] != unitSeparator && s.buf[end] != recordSeparator {
			end++
		}
		tok := Token{Kind: TokenPayload, Data: s.buf[start+1 : end], Offset: start, Length: end - start}
		s.pos = end
		return tok
	}

	// A legal header showing up where an argument was expected (missing
	// its leading US) is reported as a header token so the parser can
	// flag it as an unexpected token without losing header identity.
	if cand, ok := s.matchHeader(start); ok {
		s.pos += len(cand.binary)
		return Token{Kind: TokenHeader, Header: cand.header, Offset: start, Length: s.pos - start}
	}

	end := start
	for end < len(s.buf) && s.buf[end] != unitSeparator && s.buf[end] != recordSeparator {
		end++
	}
	if end == start {
		end = start + 1
	}
	tok := Token{Kind: TokenUnknown, Data: s.buf[start:end], Offset: start, Length: end - start}
	s.pos = end
	return tok
}

// matchHeader tries every header's binary form at position pos, longest
// first, so a longer header sharing a prefix with a shorter one wins
// (e.g. "E|SP" over "E|S"). A match is accepted only when it is
// immediately followed by US, RS, or end-of-buffer, so a header is never
// matched as the prefix of a longer unknown word (e.g. "E|S" in "E|SX").
func (s *Scanner) matchHeader(pos int) (headerBinary, bool) {
	for _, cand := range sortedHeaders {
		n := len(cand.binary)
		if pos+n > len(s.buf) {
			continue
		}
		if !bytesEqual(s.buf[pos:pos+n], cand.binary) {
			continue
		}
		if pos+n < len(s.buf) {
			next := s.buf[pos+n]
			if next != unitSeparator && next != recordSeparator {
				continue
			}
		}
		return cand, true
	}
	return headerBinary{}, false
}

// absorbTrailingNewline silently skips a single '\n' immediately
// following an RS — some server implementations append one (spec.md
// §4.2) — without emitting a token for it.
func (s *Scanner) absorbTrailingNewline() {
	if s.pos < len(s.buf) && s.buf[s.pos] == '\n' {
		s.pos++
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
