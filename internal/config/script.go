package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Step is one recorded exchange. An empty Command matches any command.
type Step struct {
	Command  string `yaml:"command"`
	Response string `yaml:"response"`
}

// Script is the content of runtime.script_file: the exchanges replayed by the
// card and SAM readers of the script backend.
type Script struct {
	Card []Step `yaml:"card"`
	SAM  []Step `yaml:"sam"`
}

// LoadScript reads and checks a script file.
func LoadScript(path string) (*Script, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var s Script
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse script yaml: %w", err)
	}
	if len(s.Card) == 0 {
		return nil, fmt.Errorf("script.card must hold at least one exchange")
	}
	for i, step := range s.Card {
		if _, _, err := step.Decode(); err != nil {
			return nil, fmt.Errorf("script.card[%d]: %w", i, err)
		}
	}
	for i, step := range s.SAM {
		if _, _, err := step.Decode(); err != nil {
			return nil, fmt.Errorf("script.sam[%d]: %w", i, err)
		}
	}
	return &s, nil
}

// Decode returns the command and response bytes of the step.
func (s Step) Decode() (command, response []byte, err error) {
	if command, err = decodeHex(s.Command); err != nil {
		return nil, nil, fmt.Errorf("command: %w", err)
	}
	if response, err = decodeHex(s.Response); err != nil {
		return nil, nil, fmt.Errorf("response: %w", err)
	}
	if len(response) < 2 {
		return nil, nil, fmt.Errorf("response must end with a status word")
	}
	return command, response, nil
}

func decodeHex(s string) ([]byte, error) {
	clean := strings.Join(strings.Fields(s), "")
	if clean == "" {
		return nil, nil
	}
	return hex.DecodeString(clean)
}
