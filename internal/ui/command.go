package ui

import (
	"strconv"
	"strings"
)

const helpText = "commands: /send <path>  /cancel  /save [n]  /analyze [n]  /files  /topic  /leave  /help  /quit"

// command is one parsed input line. Name is empty for chat text.
type command struct {
	Name string
	Arg  string
}

func parseCommand(line string) command {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") || strings.HasPrefix(line, "//") {
		return command{Arg: strings.TrimPrefix(line, "/")}
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	return command{Name: strings.ToLower(name), Arg: strings.TrimSpace(arg)}
}

// fileIndex resolves a 1-based file number. An empty arg selects the newest.
func fileIndex(arg string, count int) (int, bool) {
	if count == 0 {
		return 0, false
	}
	if arg == "" {
		return count - 1, true
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > count {
		return 0, false
	}
	return n - 1, true
}
