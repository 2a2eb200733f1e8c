package network

import (
	"fmt"
	"time"
)

// ConnectionStatistics holds statistics for a connection
type ConnectionStatistics struct {
	ConnectionID  uint64          `json:"connection_id"`
	State         ConnectionState `json:"state"`
	RemoteAddr    string          `json:"remote_addr"`
	BytesRead     int64           `json:"bytes_read"`
	BytesWritten  int64           `json:"bytes_written"`
	FramesRead    int64           `json:"frames_read"`
	FramesWritten int64           `json:"frames_written"`
	ConnectedAt   time.Time       `json:"connected_at"`
	LastActivity  time.Time       `json:"last_activity"`
}

// String returns the string representation of connection statistics
func (cs ConnectionStatistics) String() string {
	return fmt.Sprintf("Connection[%d] State=%s BytesR/W=%d/%d FramesR/W=%d/%d LastActivity=%s Remote=%s",
		cs.ConnectionID, cs.State, cs.BytesRead, cs.BytesWritten,
		cs.FramesRead, cs.FramesWritten, cs.LastActivity.Format(time.RFC3339),
		cs.RemoteAddr)
}

// ConnectionManagerStatistics holds statistics for the connection manager.
// Byte and frame totals include connections that are already closed.
type ConnectionManagerStatistics struct {
	TotalConnections    int64         `json:"total_connections"`
	ActiveConnections   int64         `json:"active_connections"`
	RejectedConnections int64         `json:"rejected_connections"`
	BytesRead           int64         `json:"bytes_read"`
	BytesWritten        int64         `json:"bytes_written"`
	FramesRead          int64         `json:"frames_read"`
	FramesWritten       int64         `json:"frames_written"`
	StartTime           time.Time     `json:"start_time"`
	Uptime              time.Duration `json:"uptime"`
}

// String returns the string representation of connection manager statistics
func (cms ConnectionManagerStatistics) String() string {
	return fmt.Sprintf("ConnectionManager Total=%d Active=%d Rejected=%d Bytes=%d/%d Frames=%d/%d Uptime=%s",
		cms.TotalConnections, cms.ActiveConnections, cms.RejectedConnections,
		cms.BytesRead, cms.BytesWritten, cms.FramesRead, cms.FramesWritten,
		cms.Uptime.Truncate(time.Second))
}
