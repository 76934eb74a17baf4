package repl

import "strings"

// CommandCategory groups meta-commands in help output.
type CommandCategory int

const (
	CategoryGeneral    CommandCategory = iota // Help and leaving
	CategoryConnection                        // Database switching
	CategorySchema                            // Introspection listings
	CategoryData                              // Dump and restore
	CategoryHistory                           // History and editor
	CategorySettings                          // \set
)

// String returns the category name.
func (c CommandCategory) String() string {
	names := []string{"General", "Connection", "Introspection", "Data", "History", "Settings"}
	if int(c) < len(names) {
		return names[c]
	}
	return "Unknown"
}

// CommandInfo holds metadata about a meta-command.
type CommandInfo struct {
	Name        string          // Primary name (e.g., `\help`)
	Aliases     []string        // Alternative names (e.g., `\?`)
	Description string          // Short description
	Usage       string          // Example usage
	Category    CommandCategory // Help grouping
	// Verbose marks commands that accept a trailing + (\d+).
	Verbose bool
}

// CommandRegistry holds every meta-command.
var CommandRegistry = []CommandInfo{
	{
		Name:        `\help`,
		Aliases:     []string{`\?`, `\h`},
		Description: "Show this help",
		Usage:       `\?`,
		Category:    CategoryGeneral,
	},
	{
		Name:        `\quit`,
		Aliases:     []string{`\q`, `\exit`},
		Description: "Leave the shell",
		Usage:       `\q`,
		Category:    CategoryGeneral,
	},
	{
		Name:        `\last-error`,
		Aliases:     []string{`\E`},
		Description: "Show the last error with code, details and hint",
		Usage:       `\E`,
		Category:    CategoryGeneral,
	},
	{
		Name:        `\connect`,
		Aliases:     []string{`\c`},
		Description: "Switch to another database",
		Usage:       `\c DBNAME`,
		Category:    CategoryConnection,
	},
	{
		Name:        `\list-databases`,
		Aliases:     []string{`\l`},
		Description: "List databases",
		Usage:       `\l`,
		Category:    CategorySchema,
	},
	{
		Name:        `\list-object-types`,
		Aliases:     []string{`\lt`},
		Description: "List object types, optionally matching a pattern",
		Usage:       `\lt [PATTERN]`,
		Category:    CategorySchema,
	},
	{
		Name:        `\list-modules`,
		Aliases:     []string{`\lm`},
		Description: "List modules",
		Usage:       `\lm`,
		Category:    CategorySchema,
	},
	{
		Name:        `\list-roles`,
		Aliases:     []string{`\lr`},
		Description: "List roles",
		Usage:       `\lr`,
		Category:    CategorySchema,
	},
	{
		Name:        `\describe`,
		Aliases:     []string{`\d`},
		Description: "Describe a schema object (+ for verbose)",
		Usage:       `\d[+] NAME`,
		Category:    CategorySchema,
		Verbose:     true,
	},
	{
		Name:        `\dump`,
		Description: "Dump the current database to a file",
		Usage:       `\dump FILENAME`,
		Category:    CategoryData,
	},
	{
		Name:        `\restore`,
		Description: "Restore a dump into the current (empty) database",
		Usage:       `\restore FILENAME`,
		Category:    CategoryData,
	},
	{
		Name:        `\history`,
		Aliases:     []string{`\s`},
		Description: "Show numbered history",
		Usage:       `\s`,
		Category:    CategoryHistory,
	},
	{
		Name:        `\edit`,
		Aliases:     []string{`\e`},
		Description: "Edit history entry N (or the current input) in $EDITOR",
		Usage:       `\e [N]`,
		Category:    CategoryHistory,
	},
	{
		Name:        `\set`,
		Description: "Show or change settings",
		Usage:       `\set [OPTION [VALUE]]`,
		Category:    CategorySettings,
	},
}

// FindCommand looks up a command by name or alias.
func FindCommand(name string) *CommandInfo {
	for i := range CommandRegistry {
		cmd := &CommandRegistry[i]
		if cmd.Name == name {
			return cmd
		}
		for _, alias := range cmd.Aliases {
			if alias == name {
				return cmd
			}
		}
	}
	return nil
}

// GetCommandsByCategory returns commands filtered by category.
func GetCommandsByCategory(category CommandCategory) []CommandInfo {
	var result []CommandInfo
	for _, cmd := range CommandRegistry {
		if cmd.Category == category {
			result = append(result, cmd)
		}
	}
	return result
}

// MetaCommand is a parsed backslash command.
type MetaCommand struct {
	Info    *CommandInfo
	Name    string // as typed, without the + suffix
	Verbose bool
	Args    []string
}

// IsMeta reports whether input starts with a backslash command.
func IsMeta(input string) bool {
	return strings.HasPrefix(strings.TrimLeft(input, " \t\r\n"), `\`)
}

// ParseMeta splits a backslash command line. Unknown commands return a
// MetaCommand with a nil Info.
func ParseMeta(input string) MetaCommand {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return MetaCommand{}
	}
	name := fields[0]
	mc := MetaCommand{Name: name, Args: fields[1:]}
	if info := FindCommand(name); info != nil {
		mc.Info = info
		return mc
	}
	if base, ok := strings.CutSuffix(name, "+"); ok {
		if info := FindCommand(base); info != nil && info.Verbose {
			mc.Info, mc.Name, mc.Verbose = info, base, true
		}
	}
	return mc
}
