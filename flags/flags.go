package flags

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

const EnvVarPrefix = "SUITEVIEW"

func prefixEnvVars(name string) []string {
	return []string{EnvVarPrefix + "_" + name}
}

var (
	Directory = &cli.StringFlag{
		Name:    "directory",
		Value:   ".",
		EnvVars: prefixEnvVars("DIRECTORY"),
		Usage:   "Path to the suite directory from which to discover tests",
	}
	Host = &cli.StringFlag{
		Name:    "host",
		Value:   "127.0.0.1",
		EnvVars: prefixEnvVars("HOST"),
		Usage:   "Host interface the server binds to",
	}
	Port = &cli.IntFlag{
		Name:    "port",
		Value:   5000,
		EnvVars: prefixEnvVars("PORT"),
		Usage:   "Port the server listens on",
	}
	Watch = &cli.BoolFlag{
		Name:    "watch",
		Value:   true,
		EnvVars: prefixEnvVars("WATCH"),
		Usage:   "Watch the suite directory and recollect changed packages",
	}
	GoBinary = &cli.StringFlag{
		Name:    "go-binary",
		Value:   "go",
		EnvVars: prefixEnvVars("GO_BINARY"),
		Usage:   "Path to the Go binary to use for listing and running tests",
	}
	ConfigFile = &cli.StringFlag{
		Name:    "config",
		Value:   "",
		EnvVars: prefixEnvVars("CONFIG"),
		Usage:   "Path to an optional YAML config file (flags override it)",
	}
	LogLevel = &cli.StringFlag{
		Name:    "log-level",
		Value:   "info",
		EnvVars: prefixEnvVars("LOG_LEVEL"),
		Usage:   "Log level: debug, info, warn, error",
	}
	LogFormat = &cli.StringFlag{
		Name:    "log-format",
		Value:   "text",
		EnvVars: prefixEnvVars("LOG_FORMAT"),
		Usage:   "Log format: text or json",
	}
	ServerURL = &cli.StringFlag{
		Name:    "server-url",
		Value:   "http://127.0.0.1:5000",
		EnvVars: prefixEnvVars("SERVER_URL"),
		Usage:   "Base URL of the server to attach to",
	}
)

// Flags are the flags of the serve command.
var Flags = []cli.Flag{
	Directory,
	Host,
	Port,
	Watch,
	GoBinary,
	ConfigFile,
	LogLevel,
	LogFormat,
}

// AttachFlags are the flags of the commands that talk to a running server.
var AttachFlags = []cli.Flag{
	ServerURL,
	LogLevel,
	LogFormat,
}

// CheckRequired validates flag values that cli cannot check itself.
func CheckRequired(ctx *cli.Context) error {
	if ctx.String(Directory.Name) == "" {
		return fmt.Errorf("flag %s is required", Directory.Name)
	}
	if port := ctx.Int(Port.Name); port <= 0 || port > 65535 {
		return fmt.Errorf("flag %s must be a valid port, got %d", Port.Name, port)
	}
	return nil
}
