package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrMalformedFrontMatter indicates an opening fence without a closing one.
var ErrMalformedFrontMatter = errors.New("instructions: malformed frontmatter")

// InstructionMeta is the optional YAML frontmatter of an instruction file.
type InstructionMeta struct {
	Title       string   `yaml:"title"`
	Model       string   `yaml:"model,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty"`
}

// Instruction is the per-stage system instruction text.
type Instruction struct {
	Key  string
	Meta InstructionMeta
	Body string
}

// Instructions maps instruction keys (file stems) to their content.
type Instructions map[string]Instruction

// Get returns the instruction for key, or an empty one.
func (i Instructions) Get(key string) Instruction {
	if inst, ok := i[key]; ok {
		return inst
	}
	return Instruction{Key: key}
}

// ParseInstruction splits an optional `---` fenced YAML header from the body.
func ParseInstruction(key string, content []byte) (Instruction, error) {
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	inst := Instruction{Key: key}
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		inst.Body = strings.TrimSpace(string(normalized))
		return inst, nil
	}
	parts := bytes.SplitN(normalized[4:], []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return Instruction{}, fmt.Errorf("%s: %w", key, ErrMalformedFrontMatter)
	}
	if err := yaml.Unmarshal(parts[0], &inst.Meta); err != nil {
		return Instruction{}, fmt.Errorf("instructions: parse frontmatter of %s: %w", key, err)
	}
	inst.Body = strings.TrimSpace(string(parts[1]))
	return inst, nil
}

// LoadInstructions reads every *.md file in dir. A missing directory yields
// an empty set, so stages run with no system instruction.
func LoadInstructions(dir string) (Instructions, error) {
	out := Instructions{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("read instructions dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".md" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read instruction %s: %w", entry.Name(), err)
		}
		key := strings.TrimSuffix(entry.Name(), ".md")
		inst, err := ParseInstruction(key, data)
		if err != nil {
			return nil, err
		}
		out[key] = inst
	}
	return out, nil
}
