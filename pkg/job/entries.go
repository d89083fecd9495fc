package job

import "github.com/motivemetrics/zerog/lib/isotime"

// Event is an audit entry recording something that happened while processing
// a job. The streams on a job record are append-only.
type Event struct {
	TimeStamp isotime.Time `json:"timeStamp"`
	Msg       string       `json:"msg"`
}

// Warning is an audit entry for a non-fatal problem.
type Warning struct {
	TimeStamp isotime.Time `json:"timeStamp"`
	Msg       string       `json:"msg"`
}

// Error is an audit entry for a failure; errorCount on the job always equals
// the number of these entries.
type Error struct {
	TimeStamp isotime.Time `json:"timeStamp"`
	ErrorCode int          `json:"errorCode"`
	Msg       string       `json:"msg"`
}

func makeEvent(msg string) Event {
	return Event{TimeStamp: isotime.Now(), Msg: msg}
}

func makeWarning(msg string) Warning {
	return Warning{TimeStamp: isotime.Now(), Msg: msg}
}

func makeError(code int, msg string) Error {
	return Error{TimeStamp: isotime.Now(), ErrorCode: code, Msg: msg}
}
