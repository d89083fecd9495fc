package mgmt

import (
	"fmt"
	"strconv"
	"strings"
)

// WorkerType identifies this worker family in worker ids.
const WorkerType = "zerog"

// idDelim separates the worker-id fields. It never occurs in hostnames or
// service names, so splitting on it is unambiguous.
const idDelim = "+$"

// WorkerID identifies one worker process across the fleet. Its string form
// is also the name of the worker's control tube.
type WorkerID struct {
	WorkerType  string
	Host        string
	ServiceName string
	PID         int
}

// MakeWorkerID builds the canonical id string for a worker process.
func MakeWorkerID(host, serviceName string, pid int) string {
	return WorkerID{WorkerType: WorkerType, Host: host, ServiceName: serviceName, PID: pid}.String()
}

func (w WorkerID) String() string {
	return fmt.Sprintf("%s%s%s%s%s%s%d", w.WorkerType, idDelim, w.Host, idDelim, w.ServiceName, idDelim, w.PID)
}

// ParseWorkerID parses the canonical form; ok is false for anything else,
// which is how tube listings are filtered down to worker control tubes.
func ParseWorkerID(s string) (WorkerID, bool) {
	parts := strings.Split(s, idDelim)
	if len(parts) != 4 {
		return WorkerID{}, false
	}
	pid, err := strconv.Atoi(parts[3])
	if err != nil {
		return WorkerID{}, false
	}
	id := WorkerID{WorkerType: parts[0], Host: parts[1], ServiceName: parts[2], PID: pid}
	if id.WorkerType == "" || id.Host == "" || id.ServiceName == "" {
		return WorkerID{}, false
	}
	return id, true
}
