package channel

import (
	"github.com/suiteview/suiteview/tree"
)

// Wire protocol shared by the server and the websocket client. Commands
// travel client to server, messages server to client. Both are single JSON
// objects per websocket frame.

// CommandType identifies a client command.
type CommandType string

const (
	// CommandRun requests execution of a branch or leaf.
	CommandRun CommandType = "run"
	// CommandSetEnvironment requests an environment transition.
	CommandSetEnvironment CommandType = "set_environment"
)

// Command is a client-to-server request addressed by nodeid.
type Command struct {
	Type   CommandType   `json:"type"`
	Nodeid tree.Nodeid   `json:"nodeid"`
	State  tree.EnvState `json:"state,omitempty"`
}

// MessageType identifies a server push.
type MessageType string

const (
	// MessageUpdate carries a partial-tree patch.
	MessageUpdate MessageType = "update"
	// MessageError reports a rejected command back to the issuing client.
	MessageError MessageType = "error"
)

// Message is a server-to-client push.
type Message struct {
	Type  MessageType      `json:"type"`
	Tree  *tree.BranchNode `json:"tree,omitempty"`
	Error string           `json:"error,omitempty"`
}
