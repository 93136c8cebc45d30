package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

const (
	colorValue = color.FgCyan
	colorWarn  = color.FgYellow
)

// printFields writes one "key: value" line per field, in key order
func (gs *globalState) printFields(fields map[string]string) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	value := gs.color(colorValue)
	for _, k := range keys {
		fmt.Fprintf(gs.stdout, "%s: %s\n", k, value.Sprint(fields[k]))
	}
}

func yamlPrint(w io.Writer, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("could not marshal YAML: %w", err)
	}
	_, err = w.Write(data)
	return err
}
