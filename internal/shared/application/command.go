package application

// Command is a request to change state. The name is used for logging and
// metric labels.
type Command interface {
	CommandName() string
}
