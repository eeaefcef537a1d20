package cmd

import (
	"fmt"
	"io"

	"github.com/plexsphere/splitwg/internal/steps"
)

// printReport writes one line per step that did something worth seeing.
func printReport(w io.Writer, r steps.Report) {
	for _, res := range r.Results {
		switch res.Outcome {
		case steps.Applied:
			fmt.Fprintf(w, "  ok    %-32s %s\n", res.Name, res.Resource)
		case steps.Warned:
			fmt.Fprintf(w, "  warn  %-32s %s: %v\n", res.Name, res.Resource, res.Err)
		case steps.Failed:
			fmt.Fprintf(w, "  FAIL  %-32s %s: %v\n", res.Name, res.Resource, res.Err)
		}
	}
}
