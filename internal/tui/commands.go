package tui

import "strings"

// Command represents a parsed slash command.
type Command struct {
	Name string
	Args []string
}

// ParseCommand parses a slash command string into a Command.
// Returns nil if the input is not a valid command.
func ParseCommand(input string) *Command {
	input = strings.TrimSpace(input)
	if input == "" || input[0] != '/' {
		return nil
	}

	parts := strings.Fields(input)
	return &Command{
		Name: parts[0],
		Args: parts[1:],
	}
}

// Rest returns the arguments joined back into one string.
func (c *Command) Rest() string {
	return strings.Join(c.Args, " ")
}

var commandHelp = []struct {
	usage string
	desc  string
}{
	{"/boot", "Boot, install and start the dev server"},
	{"/chat <message>", "Send a chat turn"},
	{"/agent <goal>", "Run the agent against the sandbox"},
	{"/mode chat|agent", "Set the mode plain text is sent in"},
	{"/rollback", "Roll back the last failed run"},
	{"/diff", "Toggle the last run's change tree"},
	{"/clear", "Clear the conversation"},
	{"/export <file>", "Write the conversation as JSON"},
	{"/help", "Toggle this help"},
	{"/quit", "Quit"},
}
