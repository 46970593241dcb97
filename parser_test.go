package deepstream

import "testing"

func TestParseSingleMessage(t *testing.T) {
	buf := fromHumanReadable("E|EVT|foo|Sbar+")
	result := Parse(buf)

	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %+v", result.Errors)
	}
	if len(result.Messages) != 1 {
		t.Fatalf("got %d messages, want 1: %+v", len(result.Messages), result.Messages)
	}

	msg := result.Messages[0]
	if msg.Topic() != TopicEvent || msg.Action() != ActionEvent {
		t.Errorf("message header = %v, want EVENT/EVENT", msg.Header)
	}
	if msg.NumArguments() != 2 {
		t.Fatalf("got %d arguments, want 2", msg.NumArguments())
	}
	if string(msg.Argument(0)) != "foo" {
		t.Errorf("argument 0 = %q, want %q", msg.Argument(0), "foo")
	}
	if string(msg.Argument(1)) != "Sbar" {
		t.Errorf("argument 1 = %q, want %q", msg.Argument(1), "Sbar")
	}
}

func TestParseMultipleMessagesRoundTrip(t *testing.T) {
	buf := fromHumanReadable("C|PI+A|REQ|Sauth+E|S|news+")
	result := Parse(buf)

	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %+v", result.Errors)
	}
	if len(result.Messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(result.Messages))
	}

	// Every message's span must fall within buf and the spans must be
	// disjoint and in increasing order — the core round-trip property.
	prevEnd := 0
	for i, msg := range result.Messages {
		if msg.Offset() < prevEnd {
			t.Errorf("message %d overlaps the previous message's span", i)
		}
		if msg.Offset()+msg.Size() > len(buf) {
			t.Errorf("message %d span exceeds buffer length", i)
		}
		prevEnd = msg.Offset() + msg.Size()
	}
}

func TestParseUnknownTokenAtHeaderPositionRecovers(t *testing.T) {
	buf := fromHumanReadable("GARBAGE+E|S|news+")
	result := Parse(buf)

	if len(result.Errors) != 1 || result.Errors[0].Kind != UnexpectedToken {
		t.Fatalf("errors = %+v, want one UnexpectedToken", result.Errors)
	}
	if len(result.Messages) != 1 {
		t.Fatalf("got %d messages, want 1 (recovered after the bad token)", len(result.Messages))
	}
	if string(result.Messages[0].Argument(0)) != "news" {
		t.Errorf("recovered message argument = %q, want %q", result.Messages[0].Argument(0), "news")
	}
}

func TestParseHeaderFollowedByJunkRecovers(t *testing.T) {
	// The scanner matches a header only when US, RS or end of input
	// follows it, so "E|EVT" directly followed by other bytes is not a
	// header: the whole run up to the RS is one unknown token at header
	// position, reported as UNEXPECTED_TOKEN, and parsing recovers at
	// the next message.
	buf := []byte{}
	buf = append(buf, fromHumanReadable("E|EVT")...)
	buf = append(buf, '\x01', '\x02') // no leading US: the header is not matched
	buf = append(buf, recordSeparator)
	buf = append(buf, fromHumanReadable("E|S|ok+")...)

	result := Parse(buf)

	if len(result.Errors) != 1 || result.Errors[0].Kind != UnexpectedToken {
		t.Fatalf("errors = %+v, want one UnexpectedToken", result.Errors)
	}
	if len(result.Messages) != 1 || result.Messages[0].Topic() != TopicEvent || result.Messages[0].Action() != ActionSubscribe {
		t.Fatalf("messages = %+v, want one recovered E|S", result.Messages)
	}
}

func TestParseInvalidNumberOfArguments(t *testing.T) {
	// E|S declares exactly one argument; sending zero should be
	// rejected as INVALID_NUMBER_OF_ARGUMENTS, not silently accepted.
	buf := fromHumanReadable("E|S+")
	result := Parse(buf)

	if len(result.Messages) != 0 {
		t.Fatalf("got %d messages, want 0", len(result.Messages))
	}
	if len(result.Errors) != 1 || result.Errors[0].Kind != InvalidNumberOfArguments {
		t.Fatalf("errors = %+v, want one InvalidNumberOfArguments", result.Errors)
	}
}

func TestParseUnexpectedEOFMidMessage(t *testing.T) {
	buf := fromHumanReadable("E|EVT|foo")
	// Deliberately no trailing RS.
	result := Parse(buf)

	if len(result.Messages) != 0 {
		t.Fatalf("got %d messages, want 0 (message never closed)", len(result.Messages))
	}
	if len(result.Errors) != 1 || result.Errors[0].Kind != UnexpectedEOF {
		t.Fatalf("errors = %+v, want one UnexpectedEOF", result.Errors)
	}
}

func TestParseNeverPanicsOnRandomBytes(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("Parse panicked on malformed input: %v", r)
		}
	}()

	inputs := [][]byte{
		nil,
		{},
		{recordSeparator},
		{unitSeparator},
		[]byte("not a deepstream message at all"),
		append(fromHumanReadable("E|S"), 0xFF, 0xFE, 0x00),
	}
	for _, in := range inputs {
		Parse(in)
	}
}
