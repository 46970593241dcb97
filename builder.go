package deepstream

import "fmt"

// MessageBuilder assembles a single outgoing message. Arguments are
// appended in order; Build renders the header and arguments into their
// binary wire form with a trailing RS.
type MessageBuilder struct {
	header Header
	args   [][]byte
	err    error
}

// NewMessageBuilder starts building a message for h. h must be a
// recognised header (see headerTable); an unrecognised header is caught
// at Build time rather than here, matching the teacher's fail-late style
// for constructors.
func NewMessageBuilder(h Header) *MessageBuilder {
	return &MessageBuilder{header: h}
}

// AddArgument appends one argument. An argument containing a US or RS
// byte would corrupt the framing of every message after it, so it is
// rejected immediately and remembered as a sticky error.
func (b *MessageBuilder) AddArgument(arg []byte) *MessageBuilder {
	if b.err != nil {
		return b
	}
	for _, c := range arg {
		if c == unitSeparator || c == recordSeparator {
			b.err = fmt.Errorf("deepstream: argument contains a reserved separator byte (0x%02x)", c)
			return b
		}
	}
	cp := make([]byte, len(arg))
	copy(cp, arg)
	b.args = append(b.args, cp)
	return b
}

// AddArgumentString is a convenience wrapper around AddArgument.
func (b *MessageBuilder) AddArgumentString(arg string) *MessageBuilder {
	return b.AddArgument([]byte(arg))
}

// Size reports the exact byte length Build would produce, without
// rendering the message.
func (b *MessageBuilder) Size() (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	bin, ok := binaryHeader(b.header)
	if !ok {
		return 0, fmt.Errorf("deepstream: %s is not a recognised header", b.header)
	}
	n := len(bin)
	for _, a := range b.args {
		n += 1 + len(a) // leading US + argument bytes
	}
	n++ // trailing RS
	return n, nil
}

// Build renders the message to its binary wire form.
func (b *MessageBuilder) Build() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	bin, ok := binaryHeader(b.header)
	if !ok {
		return nil, fmt.Errorf("deepstream: %s is not a recognised header", b.header)
	}

	size, err := b.Size()
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, size)
	out = append(out, bin...)
	for _, a := range b.args {
		out = append(out, unitSeparator)
		out = append(out, a...)
	}
	out = append(out, recordSeparator)
	return out, nil
}
