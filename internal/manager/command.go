package manager

// CommandKind identifies a watch command.
type CommandKind int

const (
	// CommandAdd starts watching Paths. Glob patterns are expanded.
	CommandAdd CommandKind = iota + 1
	// CommandRemove stops watching Paths.
	CommandRemove
	// CommandShutdown stops the loop.
	CommandShutdown
)

// String returns the lowercase name of the command.
func (k CommandKind) String() string {
	switch k {
	case CommandAdd:
		return "add"
	case CommandRemove:
		return "remove"
	case CommandShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Command is one entry of the manager's queue.
type Command struct {
	Kind  CommandKind
	Paths []string
}
