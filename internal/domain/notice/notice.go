// Package notice carries user-facing messages raised by the intake workflow.
package notice

// Level is the severity shown to the clinician
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is a toast-level message. DraftID is empty for batch-wide messages.
type Notice struct {
	Level   Level  `json:"level"`
	DraftID string `json:"draft_id,omitempty"`
	Message string `json:"message"`
}

func Info(msg string) Notice    { return Notice{Level: LevelInfo, Message: msg} }
func Success(msg string) Notice { return Notice{Level: LevelSuccess, Message: msg} }
func Warning(msg string) Notice { return Notice{Level: LevelWarning, Message: msg} }
func Error(msg string) Notice   { return Notice{Level: LevelError, Message: msg} }

// For attaches the notice to a draft patient
func (n Notice) For(draftID string) Notice {
	n.DraftID = draftID
	return n
}
