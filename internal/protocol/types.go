package protocol

import (
	"encoding/json"
)

// Message is implemented by every frame. The unexported stamp method keeps
// the set closed, so routers can switch over it exhaustively.
type Message interface {
	Kind() string
	stamp()
}

// ConnectionState is the connection manager's socket state.
type ConnectionState string

// LogLevel is the severity of an activity log entry.
type LogLevel string

// TaskRequest is the outbound HTTP call a task asks for.
type TaskRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// BodyBytes returns the request body. A JSON string body is unquoted, any
// other JSON value is sent as-is.
func (r TaskRequest) BodyBytes() []byte {
	if len(r.Body) == 0 || string(r.Body) == "null" {
		return nil
	}
	if r.Body[0] == '"' {
		var s string
		if err := json.Unmarshal(r.Body, &s); err == nil {
			return []byte(s)
		}
	}
	return []byte(r.Body)
}

// TaskDescriptor is a unit of remotely dispatched work.
type TaskDescriptor struct {
	TaskID   string      `json:"taskId"`
	Platform string      `json:"platform"`
	Request  TaskRequest `json:"request"`
}

// TaskResponse is the HTTP response captured for a task.
type TaskResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// TaskResult is the single terminal outcome of a TaskDescriptor.
type TaskResult struct {
	TaskID       string        `json:"taskId"`
	Success      bool          `json:"success"`
	Response     *TaskResponse `json:"response,omitempty"`
	Error        string        `json:"error,omitempty"`
	DurationMs   int64         `json:"durationMs"`
	Retries      int           `json:"retries"`
	LoginExpired bool          `json:"loginExpired"`
}

// CapturePayload is produced by page-level probes and forwarded verbatim.
type CapturePayload struct {
	URL   string `json:"url"`
	Body  string `json:"body"`
	IsSSR bool   `json:"isSSR"`
}

// LogEntry is one record in the persisted activity log.
type LogEntry struct {
	Timestamp Timestamp `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// Snapshot is the aggregate state the dashboard reads.
type Snapshot struct {
	Connected      bool              `json:"connected"`
	State          ConnectionState   `json:"state"`
	URL            string            `json:"url,omitempty"`
	Badge          string            `json:"badge,omitempty"`
	TaskCount      int64             `json:"taskCount"`
	LastSync       Timestamp         `json:"lastSync,omitempty"`
	ActiveTask     string            `json:"activeTask,omitempty"`
	LoginExpired   map[string]bool   `json:"loginExpired,omitempty"`
	TaskQueue      json.RawMessage   `json:"taskQueue,omitempty"`
	WorkerDegraded string            `json:"workerDegraded,omitempty"`
	Configured     bool              `json:"configured"`
	Logs           []LogEntry        `json:"logs,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// Response is the controller's reply to a local command.
type Response struct {
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Payload *CapturePayload `json:"payload,omitempty"`
	Status  *Snapshot       `json:"status,omitempty"`
}

// Wire frames

type Ping struct {
	Type string `json:"type"`
}

type Pong struct {
	Type string `json:"type"`
}

type FetchTask struct {
	Type string `json:"type"`
	TaskDescriptor
}

type TaskQueue struct {
	Type  string          `json:"type"`
	Tasks json.RawMessage `json:"tasks"`
}

type TaskAssigned struct {
	Type     string `json:"type"`
	TaskID   string `json:"taskId,omitempty"`
	Platform string `json:"platform,omitempty"`
}

type TaskResultMessage struct {
	Type string `json:"type"`
	TaskResult
}

// Channel frames

type WorkerAlive struct {
	Type     string    `json:"type"`
	WorkerID string    `json:"workerId"`
	At       Timestamp `json:"at"`
}

type WSConnected struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type WSDisconnected struct {
	Type   string `json:"type"`
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

type WSError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type Log struct {
	Type    string   `json:"type"`
	Message string   `json:"message"`
	Level   LogLevel `json:"level"`
}

type LoginExpired struct {
	Type     string `json:"type"`
	Platform string `json:"platform"`
	TaskID   string `json:"taskId"`
}

type Hello struct {
	Type            string `json:"type"`
	Token           string `json:"token"`
	ProtocolVersion string `json:"protocolVersion"`
}

type Reconnect struct {
	Type string `json:"type"`
}

type Disconnect struct {
	Type string `json:"type"`
}

// Local commands

type NavigateAndCapture struct {
	Type        string `json:"type"`
	URL         string `json:"url"`
	Platform    string `json:"platform"`
	WaitPattern string `json:"waitPattern,omitempty"`
}

type InterceptedData struct {
	Type     string         `json:"type"`
	Platform string         `json:"platform"`
	Payload  CapturePayload `json:"payload"`
}

type ArmRestart struct {
	Type string `json:"type"`
}

type RestartWorker struct {
	Type   string `json:"type"`
	Manual bool   `json:"manual"`
}

type SetConfig struct {
	Type      string `json:"type"`
	ServerURL string `json:"serverUrl"`
	Token     string `json:"token"`
}

type GetStatus struct {
	Type string `json:"type"`
}

type GetCapture struct {
	Type     string `json:"type"`
	Platform string `json:"platform"`
}

func (*Ping) Kind() string               { return KindPing }
func (*Pong) Kind() string               { return KindPong }
func (*FetchTask) Kind() string          { return KindFetchTask }
func (*TaskQueue) Kind() string          { return KindTaskQueue }
func (*TaskAssigned) Kind() string       { return KindTaskAssigned }
func (*TaskResultMessage) Kind() string  { return KindTaskResult }
func (*WorkerAlive) Kind() string        { return KindWorkerAlive }
func (*WSConnected) Kind() string        { return KindWSConnected }
func (*WSDisconnected) Kind() string     { return KindWSDisconnected }
func (*WSError) Kind() string            { return KindWSError }
func (*Log) Kind() string                { return KindLog }
func (*LoginExpired) Kind() string       { return KindLoginExpired }
func (*Hello) Kind() string              { return KindHello }
func (*Reconnect) Kind() string          { return KindReconnect }
func (*Disconnect) Kind() string         { return KindDisconnect }
func (*NavigateAndCapture) Kind() string { return KindNavigateAndCapture }
func (*InterceptedData) Kind() string    { return KindInterceptedData }
func (*ArmRestart) Kind() string         { return KindArmRestart }
func (*RestartWorker) Kind() string      { return KindRestartWorker }
func (*SetConfig) Kind() string          { return KindSetConfig }
func (*GetStatus) Kind() string          { return KindGetStatus }
func (*GetCapture) Kind() string         { return KindGetCapture }

func (m *Ping) stamp()               { m.Type = KindPing }
func (m *Pong) stamp()               { m.Type = KindPong }
func (m *FetchTask) stamp()          { m.Type = KindFetchTask }
func (m *TaskQueue) stamp()          { m.Type = KindTaskQueue }
func (m *TaskAssigned) stamp()       { m.Type = KindTaskAssigned }
func (m *TaskResultMessage) stamp()  { m.Type = KindTaskResult }
func (m *WorkerAlive) stamp()        { m.Type = KindWorkerAlive }
func (m *WSConnected) stamp()        { m.Type = KindWSConnected }
func (m *WSDisconnected) stamp()     { m.Type = KindWSDisconnected }
func (m *WSError) stamp()            { m.Type = KindWSError }
func (m *Log) stamp()                { m.Type = KindLog }
func (m *LoginExpired) stamp()       { m.Type = KindLoginExpired }
func (m *Hello) stamp()              { m.Type = KindHello }
func (m *Reconnect) stamp()          { m.Type = KindReconnect }
func (m *Disconnect) stamp()         { m.Type = KindDisconnect }
func (m *NavigateAndCapture) stamp() { m.Type = KindNavigateAndCapture }
func (m *InterceptedData) stamp()    { m.Type = KindInterceptedData }
func (m *ArmRestart) stamp()         { m.Type = KindArmRestart }
func (m *RestartWorker) stamp()      { m.Type = KindRestartWorker }
func (m *SetConfig) stamp()          { m.Type = KindSetConfig }
func (m *GetStatus) stamp()          { m.Type = KindGetStatus }
func (m *GetCapture) stamp()         { m.Type = KindGetCapture }
