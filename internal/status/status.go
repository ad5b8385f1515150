package status

// Status is the lifecycle of a torrent within the storage engine. It is an
// int32 alias so callers can hold it in an atomic.
type Status = int32

const (
	Pending Status = iota
	Active
	Completed
	Failed
	Stopped
)

// Name returns a human-readable form for logs.
func Name(s Status) string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}
