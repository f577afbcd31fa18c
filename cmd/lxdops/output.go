package main

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/canonical/lxdops/pkg/lxdops/bulk"
	"github.com/canonical/lxdops/pkg/lxdops/core"
)

func checkOutputFormat(format string) error {
	switch format {
	case "text", "json", "yaml":
		return nil
	}
	return fmt.Errorf("unknown output format %q, want text, json or yaml", format)
}

// render writes v as json or yaml, or calls text for the human format
func render(w io.Writer, format string, v interface{}, text func(io.Writer) error) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return text(w)
	}
}

// bulkReport is what bulk commands print
type bulkReport struct {
	Results []bulk.Result `json:"results" yaml:"results"`
	Skipped []string      `json:"skipped,omitempty" yaml:"skipped,omitempty"`
}

func printBulk(w io.Writer, format string, report bulkReport) error {
	return render(w, format, report, func(w io.Writer) error {
		for _, r := range report.Results {
			if r.Success {
				fmt.Fprintf(w, "  ✓ %s\n", r.Name)
				continue
			}
			fmt.Fprintf(w, "  ✗ %s: %s\n", r.Name, r.Message)
		}
		for _, name := range report.Skipped {
			fmt.Fprintf(w, "  - %s (skipped)\n", name)
		}
		summary := bulk.Summarize(report.Results)
		fmt.Fprintf(w, "\n%d succeeded, %d failed\n", summary.Succeeded, summary.Failed)
		return nil
	})
}

func printOperation(w io.Writer, format string, op *core.Operation) error {
	return render(w, format, op, func(w io.Writer) error {
		fmt.Fprintf(w, "Operation %s (%s): %s\n", op.ID, op.Description, op.Status)
		if op.Err != "" {
			fmt.Fprintf(w, "  Error: %s\n", op.Err)
		}
		return nil
	})
}

// bulkError turns a run with failures into a non-zero exit
func bulkError(results []bulk.Result, err error) error {
	if err != nil {
		return err
	}
	if s := bulk.Summarize(results); !s.AllSucceeded() {
		return fmt.Errorf("%d of %d failed", s.Failed, s.Total)
	}
	return nil
}
