package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	nfvoerrors "github.com/alexisbeaulieu97/nfvo/pkg/errors"
)

var yamlLineRegex = regexp.MustCompile(`line (\d+)`)

// LoadSettings reads, defaults and validates the service settings file.
func LoadSettings(path string) (*Settings, error) {
	var s Settings
	if err := decodeFile(path, &s); err != nil {
		return nil, err
	}
	s.applyDefaults()
	if err := ValidateSettings(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadScenario reads and validates a scenario descriptor.
func LoadScenario(path string) (*Scenario, error) {
	var sc Scenario
	if err := decodeFile(path, &sc); err != nil {
		return nil, err
	}
	if err := ValidateScenario(&sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

// LoadInstance reads and validates an instance descriptor.
func LoadInstance(path string) (*Instance, error) {
	var inst Instance
	if err := decodeFile(path, &inst); err != nil {
		return nil, err
	}
	if err := ValidateInstance(&inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// decodeFile strictly decodes one YAML document; unknown fields are errors.
func decodeFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return nfvoerrors.NewParseError(path, 0, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nfvoerrors.NewParseError(path, 0, fmt.Errorf("document is empty"))
		}
		return nfvoerrors.NewParseError(path, extractLine(err), err)
	}
	return nil
}

func extractLine(err error) int {
	if err == nil {
		return 0
	}

	matches := yamlLineRegex.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return 0
	}

	var line int
	if _, scanErr := fmt.Sscanf(matches[1], "%d", &line); scanErr != nil {
		return 0
	}
	return line
}
