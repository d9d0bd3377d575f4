// Package main implements a mock agent binary that speaks the automaker
// stdin/stdout line protocol. It generates simulated progress, tool use and
// file edits for testing the engine without a real AI provider.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
)

// input is one line received on stdin.
type input struct {
	Type        string   `json:"type"` // "prompt" or "message"
	Text        string   `json:"text"`
	Attachments []string `json:"attachments,omitempty"`
}

// toolUse is the structured stdout line reporting a tool invocation.
type toolUse struct {
	Tool  string                 `json:"tool"`
	Input map[string]interface{} `json:"input"`
}

func main() {
	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg input
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "prompt":
			if done := runScenario(msg.Text, interrupted); done {
				return
			}
		case "message":
			progress("acknowledged follow-up: " + firstLine(msg.Text))
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: scanner error: %v\n", err)
		os.Exit(1)
	}
}

// runScenario plays the scenario named in the prompt. Returns true when the
// process should exit.
func runScenario(prompt string, interrupted <-chan os.Signal) bool {
	switch {
	case strings.Contains(prompt, "scenario:error"):
		progress("starting work")
		fmt.Fprintln(os.Stderr, "mock-agent: simulated provider failure")
		os.Exit(1)
		return true

	case strings.Contains(prompt, "scenario:hang"):
		progress("working, will not finish on my own")
		<-interrupted
		progress("interrupted, unwinding")
		return true

	case strings.Contains(prompt, "scenario:interactive"):
		progress("first pass done, waiting for feedback")
		// The caller's next "message" line resumes the loop in main.
		return false

	default:
		progress("reading the feature description")
		tool("read_file", map[string]interface{}{"path": "README.md"})
		if err := writeArtifact(prompt); err != nil {
			fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
			os.Exit(1)
		}
		tool("edit_file", map[string]interface{}{"path": "MOCK_CHANGES.md"})
		progress("done")
		return true
	}
}

// writeArtifact leaves a visible change in the workspace so commit and diff
// paths have something to chew on.
func writeArtifact(prompt string) error {
	content := "# Mock agent changes\n\nPrompt:\n" + prompt + "\n"
	return os.WriteFile("MOCK_CHANGES.md", []byte(content), 0o644)
}

func progress(text string) {
	fmt.Println(text)
}

func tool(name string, input map[string]interface{}) {
	data, err := json.Marshal(toolUse{Tool: name, Input: input})
	if err != nil {
		return
	}
	fmt.Println(string(data))
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx != -1 {
		return s[:idx]
	}
	return s
}
