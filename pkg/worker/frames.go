package worker

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
)

// Frame types exchanged on the parent pipe.
const (
	// FrameReady is sent by the child once its run loop is up.
	FrameReady = "ready"
	// FrameRunningJobUUID is sent by the child with the uuid being run, or ""
	// at end of run.
	FrameRunningJobUUID = "runningJobUuid"
	// FrameDrain is sent by the parent to stop the child leasing new jobs.
	FrameDrain = "drain"
)

// Frame is one newline-delimited JSON message on the parent pipe.
type Frame struct {
	Type  string `json:"type"`
	Value string `json:"value,omitempty"`
}

// FrameWriter writes frames as newline-delimited JSON. Safe for concurrent
// use.
type FrameWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{enc: json.NewEncoder(w)}
}

func (w *FrameWriter) Write(frame Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(frame)
}

// FrameReader decodes newline-delimited JSON frames off a pipe in the
// background. Malformed lines are logged and dropped; the channel closes
// when the pipe does.
type FrameReader struct {
	frames chan Frame
}

func NewFrameReader(r io.Reader) *FrameReader {
	fr := &FrameReader{frames: make(chan Frame, 16)}
	go fr.scan(r)
	return fr
}

// Frames yields decoded frames until the underlying pipe closes.
func (fr *FrameReader) Frames() <-chan Frame {
	return fr.frames
}

func (fr *FrameReader) scan(r io.Reader) {
	defer close(fr.frames)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			log.Warnw("dropping malformed pipe frame", "line", string(line), "error", err)
			continue
		}
		fr.frames <- frame
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		log.Debugw("pipe closed", "error", err)
	}
}
