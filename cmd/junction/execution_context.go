package main

import (
	"sync"

	"github.com/spf13/cobra"

	"github.com/junctionhq/junction/internal/logging"
)

// annotationPlainOutput marks commands whose output is for humans at a
// terminal: they print plain text and skip the structured-log bootstrap.
// Everything else logs through slog so fatal errors from services land
// in the same stream as their runtime logs.
const annotationPlainOutput = "junction_plain_output"

// commandExecutionContext records which command is running and how its
// fatal-path errors should be rendered.
type commandExecutionContext struct {
	CommandPath       string
	UsesStructuredLog bool
}

var (
	commandExecutionMu      sync.RWMutex
	currentCommandExecution commandExecutionContext
)

func setCommandExecutionContext(ctx commandExecutionContext) {
	commandExecutionMu.Lock()
	defer commandExecutionMu.Unlock()
	currentCommandExecution = ctx
}

func resetCommandExecutionContext() {
	setCommandExecutionContext(commandExecutionContext{})
}

func currentCommandExecutionContext() commandExecutionContext {
	commandExecutionMu.RLock()
	defer commandExecutionMu.RUnlock()
	return currentCommandExecution
}

// commandUsesStructuredLogging reports whether cmd (or any parent) opted
// out of structured logging via the plain-output annotation.
func commandUsesStructuredLogging(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations[annotationPlainOutput] == "true" {
			return false
		}
	}
	return true
}

func plainOutputAnnotations() map[string]string {
	return map[string]string{annotationPlainOutput: "true"}
}

// init installs the pre-run hook that records the execution context and,
// for structured commands, installs the process-wide slog default before
// the command body runs.
func init() {
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		structured := commandUsesStructuredLogging(cmd)
		setCommandExecutionContext(commandExecutionContext{
			CommandPath:       cmd.CommandPath(),
			UsesStructuredLog: structured,
		})
		if !structured {
			return nil
		}
		_, err := logging.BootstrapFromEnv(logging.BootstrapOptions{Command: cmd.CommandPath()})
		return err
	}
}
