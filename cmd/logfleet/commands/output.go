package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/logfleet/logfleet/pkg/deploy"
)

var stdout io.Writer = os.Stdout

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable writes rows under header, or v as JSON when --json is set.
func printTable(v any, header []string, rows [][]string) error {
	if jsonOutput {
		return printJSON(v)
	}
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	return w.Flush()
}

// printOutcomes reports per-instance results and fails when any instance failed.
func printOutcomes(outcomes []deploy.Outcome) error {
	rows := make([][]string, 0, len(outcomes))
	for _, out := range outcomes {
		result := "ok"
		if !out.Success {
			result = "FAILED: " + out.Message()
		}
		rows = append(rows, []string{
			strconv.FormatInt(out.InstanceID, 10),
			strconv.FormatInt(out.MachineID, 10),
			string(out.Operation),
			out.TaskID,
			result,
		})
	}
	if err := printTable(outcomes, []string{"INSTANCE", "MACHINE", "OPERATION", "TASK", "RESULT"}, rows); err != nil {
		return err
	}
	if failed := deploy.Failed(outcomes); len(failed) > 0 {
		return fmt.Errorf("%d of %d instances failed", len(failed), len(outcomes))
	}
	return nil
}

func parseID(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return v, nil
}

func readOptional(path string) (*string, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	s := string(b)
	return &s, nil
}
