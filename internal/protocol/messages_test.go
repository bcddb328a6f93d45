package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageMediaChunk(t *testing.T) {
	raw := []byte(`{"type":"client_media_chunk","session_id":"s1","recorder_id":"r1","seq":3,"data_base64":"GkXfow=="}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	chunk, ok := msg.(ClientMediaChunk)
	if !ok {
		t.Fatalf("message type = %T, want ClientMediaChunk", msg)
	}
	if chunk.RecorderID != "r1" || chunk.Seq != 3 || chunk.Final {
		t.Fatalf("unexpected media chunk: %+v", chunk)
	}
}

func TestParseClientMessageFinalChunkMayBeEmpty(t *testing.T) {
	raw := []byte(`{"type":"client_media_chunk","session_id":"s1","recorder_id":"r1","seq":9,"final":true}`)
	if _, err := ParseClientMessage(raw); err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	raw = []byte(`{"type":"client_media_chunk","session_id":"s1","recorder_id":"r1","seq":9}`)
	if _, err := ParseClientMessage(raw); err == nil {
		t.Fatalf("ParseClientMessage() error = nil for empty non-final chunk")
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageControl(t *testing.T) {
	raw := []byte(`{"type":"client_control","session_id":"s1","action":"goto_question","question_index":2,"ts_ms":456}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.Action != ActionGoto || control.QuestionIndex == nil || *control.QuestionIndex != 2 {
		t.Fatalf("unexpected client control: %+v", control)
	}
	if control.TSMs != 456 {
		t.Fatalf("TSMs = %d, want %d", control.TSMs, 456)
	}
}

func TestParseClientMessageGotoNeedsIndex(t *testing.T) {
	raw := []byte(`{"type":"client_control","session_id":"s1","action":"goto_question"}`)
	if _, err := ParseClientMessage(raw); err == nil {
		t.Fatalf("ParseClientMessage() error = nil, want missing index")
	}
}

func TestParseClientMessageDeviceReplies(t *testing.T) {
	granted, err := ParseClientMessage([]byte(`{"type":"device_granted","session_id":"s1","request_id":"q1","stream_id":"st1","tracks":[{"kind":"video"},{"kind":"audio"}]}`))
	if err != nil {
		t.Fatalf("ParseClientMessage(granted) error = %v", err)
	}
	if g := granted.(DeviceGranted); len(g.Tracks) != 2 || g.StreamID != "st1" {
		t.Fatalf("unexpected grant: %+v", g)
	}

	denied, err := ParseClientMessage([]byte(`{"type":"device_denied","session_id":"s1","request_id":"q1","kind":"permission_denied"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage(denied) error = %v", err)
	}
	if d := denied.(DeviceDenied); d.Kind != "permission_denied" {
		t.Fatalf("unexpected denial: %+v", d)
	}

	if _, err := ParseClientMessage([]byte(`{"type":"device_granted","session_id":"s1","request_id":"q1"}`)); err == nil {
		t.Fatalf("grant without stream_id accepted")
	}
}
