package messaging

// Subject constants for detection events.
// Follow the pattern: {domain}.{resource}.{action}
const (
	SubjectRunsCompleted  = "detection.runs.completed"  // Every finished rule run
	SubjectSignalsCreated = "detection.signals.created" // Runs that created at least one signal

	// SubjectAll matches every detection subject.
	SubjectAll = "detection.>"
)
