package main

import (
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/term"
)

// printJSON writes v to stdout, indented when a human is watching.
func printJSON(v any) error {
	var data []byte
	var err error
	if term.IsTerminal(int(os.Stdout.Fd())) {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	_, err = fmt.Fprintln(os.Stdout, string(data))
	return err
}
