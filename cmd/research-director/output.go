package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mikeboe/research-director/pkg/research"
)

// writeOutputs saves report_<unix>.md when a report exists and sources.json
// for the verified sources.
func writeOutputs(dir string, state *research.State) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	if state.Report != "" {
		reportFilename := filepath.Join(dir, fmt.Sprintf("report_%d.md", state.UpdatedAt.Unix()))
		if err := os.WriteFile(reportFilename, []byte(state.Report), 0o644); err != nil {
			return fmt.Errorf("failed to save report: %w", err)
		}
		fmt.Printf("Report saved to %s\n", reportFilename)
	}

	sourcesData, err := json.MarshalIndent(state.Sources(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sources: %w", err)
	}
	sourcesFilename := filepath.Join(dir, "sources.json")
	if err := os.WriteFile(sourcesFilename, sourcesData, 0o644); err != nil {
		return fmt.Errorf("failed to save sources.json: %w", err)
	}
	return nil
}

func printState(w io.Writer, state *research.State) {
	p := state.Progress()
	fmt.Fprintf(w, "ID:          %s\n", state.ID)
	fmt.Fprintf(w, "Query:       %s\n", state.Query)
	fmt.Fprintf(w, "Status:      %s\n", state.Status)
	fmt.Fprintf(w, "Iterations:  %d\n", state.IterationCount)
	fmt.Fprintf(w, "Sub-queries: %d  Searches: %d  Collected: %d  Verified: %d\n",
		p.SubQueries, p.SearchResults, p.Collected, p.Verified)
	if state.Error != "" {
		fmt.Fprintf(w, "Error:       %s\n", state.Error)
	}
	for i, s := range state.Sources() {
		fmt.Fprintf(w, "%2d. [%.2f] %s\n    %s\n", i+1, s.Reliability, s.Title, s.URL)
	}
	if state.Summary != "" {
		fmt.Fprintf(w, "\nSummary:\n%s\n", state.Summary)
	}
}
