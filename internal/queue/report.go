package queue

import "time"

// DetectionReport is a single match event the correlator forwards to the
// collector: which process was stopped, which file was involved, and which
// pattern and verdict triggered the response.
type DetectionReport struct {
	Pid         int32
	Comm        string
	Path        string
	PatternName string
	Verdict     string
	Timestamp   time.Time
	Detail      map[string]any
}
