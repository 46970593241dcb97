package deepstream

import "fmt"

// ParseErrorKind classifies a recoverable parse error (spec.md §4.3, §7).
type ParseErrorKind int

const (
	UnexpectedToken ParseErrorKind = iota
	UnexpectedEOF
	CorruptPayload
	InvalidNumberOfArguments
)

func (k ParseErrorKind) String() string {
	switch k {
	case UnexpectedToken:
		return "UNEXPECTED_TOKEN"
	case UnexpectedEOF:
		return "UNEXPECTED_EOF"
	case CorruptPayload:
		return "CORRUPT_PAYLOAD"
	case InvalidNumberOfArguments:
		return "INVALID_NUMBER_OF_ARGUMENTS"
	default:
		return "UNKNOWN_PARSE_ERROR"
	}
}

// ParseError is one recoverable parser anomaly, localised to a byte span
// in the buffer that was parsed.
type ParseError struct {
	Kind   ParseErrorKind
	Offset int
	Length int
}

func (e ParseError) Error() string {
	return fmt.Sprintf("%s at byte %d (len %d)", e.Kind, e.Offset, e.Length)
}

// argSpan is a half-open interval (in the source buffer) for one argument.
type argSpan struct {
	offset, length int
}

// Message is a reference to an immutable byte slice plus the header and
// argument spans parsed out of it. Messages borrow from the buffer they
// were parsed from — copy Argument(i) output, or use Arguments(), before
// the buffer is reused or mutated (spec.md §3, §5).
type Message struct {
	base      []byte
	Header    Header
	offset    int // offset of the header's first byte within base
	size      int // total byte length of this message, including header and trailing RS
	arguments []argSpan
}

// Topic, Action, IsAck are convenience passthroughs to the header.
func (m Message) Topic() Topic   { return m.Header.Topic }
func (m Message) Action() Action { return m.Header.Action }
func (m Message) IsAck() bool    { return m.Header.IsAck }

// NumArguments returns the number of parsed argument spans.
func (m Message) NumArguments() int { return len(m.arguments) }

// Argument returns the i-th argument, borrowing the underlying buffer.
// Panics if i is out of range, matching Go slice-indexing conventions.
func (m Message) Argument(i int) []byte {
	sp := m.arguments[i]
	return m.base[sp.offset : sp.offset+sp.length]
}

// Arguments copies every argument into independent Buffers, safe to
// retain beyond the lifetime of the source buffer.
func (m Message) Arguments() []Buffer {
	out := make([]Buffer, len(m.arguments))
	for i, sp := range m.arguments {
		out[i] = NewBuffer(m.base[sp.offset : sp.offset+sp.length])
	}
	return out
}

// Offset and Size describe this message's span within the source buffer.
func (m Message) Offset() int { return m.offset }
func (m Message) Size() int   { return m.size }

func (m Message) String() string {
	return fmt.Sprintf("%s(%d args)", m.Header, len(m.arguments))
}

// ParseResult is the output of Parse: the messages recovered and any
// recoverable errors encountered along the way, in offset order.
type ParseResult struct {
	Messages []Message
	Errors   []ParseError
}

// Parse tokenizes and assembles buf into messages, recovering from
// malformed input at the next header boundary (spec.md §4.3). It never
// panics on malformed input. Message and error spans are disjoint and in
// offset order, but they do not cover every byte: the tokens skipped
// while resynchronising to the next RS, the part of a message abandoned
// at an unexpected header token, and a stray RS outside any message
// belong to no span.
func Parse(buf []byte) ParseResult {
	p := &parserState{buf: buf, scanner: NewScanner(buf)}
	p.run()
	return ParseResult{Messages: p.messages, Errors: p.errors}
}

type parserState struct {
	buf     []byte
	scanner *Scanner

	tokenizingHeader bool
	messages         []Message
	errors           []ParseError

	// open message state, valid only while !tokenizingHeader
	openHeader Header
	openOffset int
	openArgs   []argSpan
}

func (p *parserState) run() {
	p.tokenizingHeader = true

	for {
		tok := p.scanner.Next()

		switch tok.Kind {
		case TokenEOF:
			if !p.tokenizingHeader {
				p.errors = append(p.errors, ParseError{Kind: UnexpectedEOF, Offset: p.openOffset, Length: tok.Offset - p.openOffset})
			}
			return

		case TokenUnknown:
			if p.tokenizingHeader {
				p.errors = append(p.errors, ParseError{Kind: UnexpectedToken, Offset: tok.Offset, Length: tok.Length})
			} else {
				p.errors = append(p.errors, ParseError{Kind: CorruptPayload, Offset: p.openOffset, Length: tok.Offset + tok.Length - p.openOffset})
				p.tokenizingHeader = true
			}
			p.resync()

		case TokenHeader:
			if p.tokenizingHeader {
				p.openHeader = tok.Header
				p.openOffset = tok.Offset
				p.openArgs = nil
				p.tokenizingHeader = false
			} else {
				// Header token while a message is open: unexpected,
				// abandon the open message and resynchronise.
				p.errors = append(p.errors, ParseError{Kind: UnexpectedToken, Offset: tok.Offset, Length: tok.Length})
				p.tokenizingHeader = true
				p.resync()
			}

		case TokenPayload:
			if !p.tokenizingHeader {
				p.openArgs = append(p.openArgs, argSpan{offset: tok.Offset + 1, length: tok.Length - 1})
			}
			// A PAYLOAD token can only occur in body position per the
			// scanner's own state machine, so tokenizingHeader is
			// always false here; the guard above is defensive.

		case TokenMessageSeparator:
			if p.tokenizingHeader {
				// Stray RS with no open message (e.g. right after a
				// resync, or a blank line) — ignore.
				continue
			}
			p.closeMessage(tok.Offset + tok.Length)
			p.tokenizingHeader = true
		}
	}
}

// resync consumes tokens until the next MESSAGE_SEPARATOR or EOF,
// discarding them, so the parser continues from a clean header
// position.
func (p *parserState) resync() {
	for {
		tok := p.scanner.Next()
		if tok.Kind == TokenMessageSeparator || tok.Kind == TokenEOF {
			return
		}
	}
}

func (p *parserState) closeMessage(endOffset int) {
	min, max, ok := headerArguments(p.openHeader)
	n := len(p.openArgs)
	if !ok || n < min || n > max {
		p.errors = append(p.errors, ParseError{Kind: InvalidNumberOfArguments, Offset: p.openOffset, Length: endOffset - p.openOffset})
		return
	}

	p.messages = append(p.messages, Message{
		base:      p.buf,
		Header:    p.openHeader,
		offset:    p.openOffset,
		size:      endOffset - p.openOffset,
		arguments: p.openArgs,
	})
}
