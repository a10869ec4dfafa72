package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the version of the controller-worker channel protocol.
// Increment this when making breaking changes to channel frames.
const ProtocolVersion = "3"

// Wire frames (remote server <-> worker)
const (
	KindPing         = "PING"
	KindPong         = "PONG"
	KindFetchTask    = "FETCH_TASK"
	KindTaskQueue    = "TASK_QUEUE"
	KindTaskAssigned = "TASK_ASSIGNED"
	KindTaskResult   = "TASK_RESULT"
)

// Channel frames (worker -> controller)
const (
	KindWorkerAlive    = "OFFSCREEN_ALIVE"
	KindWSConnected    = "WS_CONNECTED"
	KindWSDisconnected = "WS_DISCONNECTED"
	KindWSError        = "WS_ERROR"
	KindLog            = "LOG"
	KindLoginExpired   = "LOGIN_EXPIRED"
)

// Channel commands (controller -> worker)
const (
	KindHello      = "HELLO"
	KindReconnect  = "RECONNECT"
	KindDisconnect = "DISCONNECT"
)

// Local commands (callers, page probes and the CLI -> controller)
const (
	KindNavigateAndCapture = "NAVIGATE_AND_CAPTURE"
	KindInterceptedData    = "INTERCEPTED_DATA"
	KindArmRestart         = "ARM_RESTART"
	KindRestartWorker      = "RESTART_WORKER"
	KindSetConfig          = "SET_CONFIG"
	KindGetStatus          = "GET_STATUS"
	KindGetCapture         = "GET_CAPTURE"
)

// Connection states
const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// Log levels
const (
	LevelInfo    LogLevel = "info"
	LevelWarn    LogLevel = "warn"
	LevelError   LogLevel = "error"
	LevelSuccess LogLevel = "success"
)

// CloseAbnormal is reported when a socket dropped without a close frame.
const CloseAbnormal = 1006

// ErrMissingType is returned when a frame has no type field.
var ErrMissingType = errors.New("missing type field")

// ParseMessage decodes a single frame. It returns the frame kind and a
// pointer to the matching message struct.
func ParseMessage(data []byte) (string, Message, error) {
	var peek struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return "", nil, err
	}
	if peek.Type == "" {
		return "", nil, ErrMissingType
	}

	msg := newMessage(peek.Type)
	if msg == nil {
		return peek.Type, nil, fmt.Errorf("unknown message type %q", peek.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return "", nil, fmt.Errorf("decode %s: %w", peek.Type, err)
	}
	return peek.Type, msg, nil
}

func newMessage(kind string) Message {
	switch kind {
	case KindPing:
		return &Ping{}
	case KindPong:
		return &Pong{}
	case KindFetchTask:
		return &FetchTask{}
	case KindTaskQueue:
		return &TaskQueue{}
	case KindTaskAssigned:
		return &TaskAssigned{}
	case KindTaskResult:
		return &TaskResultMessage{}
	case KindWorkerAlive:
		return &WorkerAlive{}
	case KindWSConnected:
		return &WSConnected{}
	case KindWSDisconnected:
		return &WSDisconnected{}
	case KindWSError:
		return &WSError{}
	case KindLog:
		return &Log{}
	case KindLoginExpired:
		return &LoginExpired{}
	case KindHello:
		return &Hello{}
	case KindReconnect:
		return &Reconnect{}
	case KindDisconnect:
		return &Disconnect{}
	case KindNavigateAndCapture:
		return &NavigateAndCapture{}
	case KindInterceptedData:
		return &InterceptedData{}
	case KindArmRestart:
		return &ArmRestart{}
	case KindRestartWorker:
		return &RestartWorker{}
	case KindSetConfig:
		return &SetConfig{}
	case KindGetStatus:
		return &GetStatus{}
	case KindGetCapture:
		return &GetCapture{}
	default:
		return nil
	}
}

// Marshal stamps the frame type and encodes the message.
func Marshal(msg Message) ([]byte, error) {
	msg.stamp()
	return json.Marshal(msg)
}
