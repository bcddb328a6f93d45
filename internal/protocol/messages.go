package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl    MessageType = "client_control"
	TypeClientMediaChunk MessageType = "client_media_chunk"
	TypeDeviceGranted    MessageType = "device_granted"
	TypeDeviceDenied     MessageType = "device_denied"
	TypeDeviceEnded      MessageType = "device_ended"

	TypeNavigate       MessageType = "navigate"
	TypePhaseEvent     MessageType = "phase_event"
	TypeTick           MessageType = "tick"
	TypeUploadProgress MessageType = "upload_progress"
	TypeDeviceRequest  MessageType = "device_request"
	TypeDeviceRelease  MessageType = "device_release"
	TypeRecorderStart  MessageType = "recorder_start"
	TypeRecorderStop   MessageType = "recorder_stop"
	TypeSystemEvent    MessageType = "system_event"
	TypeErrorEvent     MessageType = "error_event"
)

// Candidate actions carried by client_control.
const (
	ActionConsent     = "consent"
	ActionBegin       = "begin"
	ActionStop        = "stop"
	ActionRerecord    = "rerecord"
	ActionAccept      = "accept"
	ActionRetryUpload = "retry_upload"
	ActionCameraRetry = "camera_retry"
	ActionGoto        = "goto_question"
	ActionReviewAll   = "review_all"
	ActionSubmit      = "submit"
	ActionRefresh     = "refresh"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type          MessageType `json:"type"`
	SessionID     string      `json:"session_id"`
	Action        string      `json:"action"`
	QuestionIndex *int        `json:"question_index,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	TSMs          int64       `json:"ts_ms,omitempty"`
}

// ClientMediaChunk is one timeslice from the browser's recorder. Final marks
// the flush that follows recorder_stop.
type ClientMediaChunk struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	RecorderID string      `json:"recorder_id"`
	Seq        int         `json:"seq"`
	DataBase64 string      `json:"data_base64"`
	Final      bool        `json:"final,omitempty"`
}

type Track struct {
	Kind  string `json:"kind"`
	Label string `json:"label,omitempty"`
}

type DeviceGranted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id"`
	StreamID  string      `json:"stream_id"`
	MimeType  string      `json:"mime_type,omitempty"`
	Tracks    []Track     `json:"tracks"`
}

type DeviceDenied struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id"`
	Kind      string      `json:"kind"`
	Detail    string      `json:"detail,omitempty"`
}

// DeviceEnded reports tracks that stopped outside the gateway's control, for
// example the camera being unplugged.
type DeviceEnded struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	StreamID  string      `json:"stream_id"`
}

type Navigate struct {
	Type          MessageType `json:"type"`
	SessionID     string      `json:"session_id"`
	Route         string      `json:"route"`
	QuestionIndex int         `json:"question_index"`
	View          any         `json:"view,omitempty"`
}

type PhaseEvent struct {
	Type             MessageType `json:"type"`
	SessionID        string      `json:"session_id"`
	QuestionIndex    int         `json:"question_index"`
	Phase            string      `json:"phase"`
	Take             int         `json:"take"`
	PrepRemaining    int         `json:"prep_remaining"`
	ElapsedMS        int64       `json:"elapsed_ms"`
	RemainingMS      int64       `json:"remaining_ms"`
	PreviewURL       string      `json:"preview_url,omitempty"`
	UploadProgress   int         `json:"upload_progress"`
	LastUploadFailed bool        `json:"last_upload_failed"`
	UploadError      string      `json:"upload_error,omitempty"`
	DeviceError      string      `json:"device_error,omitempty"`
	Actions          []string    `json:"actions"`
}

type Tick struct {
	Type          MessageType `json:"type"`
	SessionID     string      `json:"session_id"`
	QuestionIndex int         `json:"question_index"`
	Phase         string      `json:"phase"`
	PrepRemaining int         `json:"prep_remaining"`
	ElapsedMS     int64       `json:"elapsed_ms"`
	RemainingMS   int64       `json:"remaining_ms"`
}

type UploadProgress struct {
	Type          MessageType `json:"type"`
	SessionID     string      `json:"session_id"`
	QuestionIndex int         `json:"question_index"`
	Percent       int         `json:"percent"`
}

type Constraints struct {
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	FacingMode string `json:"facing_mode"`
	Audio      bool   `json:"audio"`
}

type DeviceRequest struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	RequestID   string      `json:"request_id"`
	Constraints Constraints `json:"constraints"`
}

type DeviceRelease struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	StreamID  string      `json:"stream_id"`
}

type RecorderStart struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	StreamID    string      `json:"stream_id"`
	RecorderID  string      `json:"recorder_id"`
	TimesliceMS int64       `json:"timeslice_ms"`
}

type RecorderStop struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	RecorderID string      `json:"recorder_id"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		if msg.Action == ActionGoto && (msg.QuestionIndex == nil || *msg.QuestionIndex < 0) {
			return nil, errors.New("invalid client_control: goto_question needs question_index")
		}
		return msg, nil
	case TypeClientMediaChunk:
		var msg ClientMediaChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.RecorderID == "" || msg.Seq < 0 {
			return nil, errors.New("invalid client_media_chunk")
		}
		if msg.DataBase64 == "" && !msg.Final {
			return nil, errors.New("invalid client_media_chunk: empty data")
		}
		return msg, nil
	case TypeDeviceGranted:
		var msg DeviceGranted
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.RequestID == "" || msg.StreamID == "" {
			return nil, errors.New("invalid device_granted")
		}
		return msg, nil
	case TypeDeviceDenied:
		var msg DeviceDenied
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.RequestID == "" {
			return nil, errors.New("invalid device_denied")
		}
		return msg, nil
	case TypeDeviceEnded:
		var msg DeviceEnded
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.StreamID == "" {
			return nil, errors.New("invalid device_ended")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
