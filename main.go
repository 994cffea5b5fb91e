package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/teeguard/go-sgx-ra/ra/types"
)

// Reads a recorded attestation report JSON from the path given on the command
// line and pretty-prints the parsed structure, including the embedded quote
// body.
func main() {
	if err := inspectReport(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func inspectReport() error {
	if len(os.Args) != 2 {
		return fmt.Errorf("usage: %s <report.json>", os.Args[0])
	}

	raw, err := os.ReadFile(os.Args[1])
	if err != nil {
		return err
	}

	var report types.IASReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return err
	}

	prettyPrint, err := json.MarshalIndent(report, "", " ")
	if err != nil {
		return err
	}

	fmt.Println(string(prettyPrint))

	return nil
}
