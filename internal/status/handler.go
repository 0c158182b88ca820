package status

import (
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/cefsiem/cef-agent/internal/state"
)

// UploadResultData describes one upload attempt.
type UploadResultData struct {
	Path                 string    `json:"path"`
	OK                   bool      `json:"ok"`
	Error                string    `json:"error,omitempty"`
	LastSuccessfulUpload time.Time `json:"last_successful_upload,omitzero"`
	Attempts             int       `json:"attempts"`
}

// HeartbeatData describes one heartbeat.
type HeartbeatData struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// SweepCompleteData describes a finished retry sweep.
type SweepCompleteData struct {
	Attempted int `json:"attempted"`
	Failed    int `json:"failed"`
}

// Handler turns loop outcomes into status messages. It implements agent.Observer.
type Handler struct {
	server *Server
	logger *log.Logger
}

// NewHandler creates a Handler broadcasting through server.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[status] ", log.LstdFlags)
	}
	return &Handler{server: server, logger: logger}
}

// UploadCompleted broadcasts an upload_result message.
func (h *Handler) UploadCompleted(rec state.Record, err error) {
	data := UploadResultData{
		Path:                 rec.Path,
		OK:                   !rec.UploadFailed,
		LastSuccessfulUpload: rec.LastSuccessfulUpload,
		Attempts:             rec.Attempts,
	}
	if rec.UploadFailed {
		data.Error = rec.LastError
	}
	h.send(MessageTypeUploadResult, data)
}

// HeartbeatCompleted broadcasts a heartbeat message.
func (h *Handler) HeartbeatCompleted(err error) {
	data := HeartbeatData{OK: err == nil}
	if err != nil {
		data.Error = err.Error()
	}
	h.send(MessageTypeHeartbeat, data)
}

// SweepCompleted broadcasts a sweep_complete message.
func (h *Handler) SweepCompleted(attempted, failed int) {
	h.send(MessageTypeSweepComplete, SweepCompleteData{Attempted: attempted, Failed: failed})
}

func (h *Handler) send(typ MessageType, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}

	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}
