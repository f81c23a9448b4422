package core

// Logger is the logging interface used across the app.
// Expected args: error, map[string]interface{} (extra fields) or any value worth printing.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})
}

// Person identifies who triggered a logged event (Rollbar "person").
type Person struct {
	ID       string
	Username string
	Email    string
}
