package macro

import "strings"

// ParseCommand parses a single command string of the form
// "name key=value key2=value2" into a Command. A bare name yields a
// command without parameters. Key=value splitting only applies when the
// first field is a library command; anything else is kept verbatim so
// raw macro lines like `x = 1;` survive as passthrough text.
func ParseCommand(spec string) Command {
	spec = strings.TrimSpace(spec)
	fields := strings.Fields(spec)
	if len(fields) < 2 || !strings.Contains(spec, "=") || !IsKnown(fields[0]) {
		return Command{Name: spec}
	}

	cmd := Command{Name: fields[0]}
	for _, field := range fields[1:] {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		if cmd.Parameters == nil {
			cmd.Parameters = make(map[string]string)
		}
		cmd.Parameters[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return cmd
}

// ParseScript splits a whitespace-separated command script into commands.
// Each token is a command name; unknown names pass through as raw macro
// text when built.
func ParseScript(script string) []Command {
	var commands []Command
	for _, token := range strings.Fields(script) {
		commands = append(commands, Command{Name: token})
	}
	return commands
}

// ParseCommandList parses a list of command specs, each in ParseCommand
// form, preserving order.
func ParseCommandList(specs []string) []Command {
	commands := make([]Command, 0, len(specs))
	for _, spec := range specs {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		commands = append(commands, ParseCommand(spec))
	}
	return commands
}
