package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ntropish/larder/pkg/types"
)

func newQueryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query <sql> [param...]",
		Short: "Run a statement and print every produced row",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runQuery,
	}
}

func runQuery(cmd *cobra.Command, args []string) error {
	params := parseParams(args[1:])

	s, err := openSession(cmd.Context())
	if err != nil {
		return exitError(exitSysError, fmt.Sprintf("open storage: %s", err))
	}
	defer s.Close()

	res, err := s.All(cmd.Context(), args[0], params...)
	if err != nil {
		return exitError(exitUserError, err.Error())
	}

	if flags.jsonMode {
		return printJSON(cmd, map[string]any{"columns": res.Columns, "rows": res.Rows})
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
	if len(res.Columns) > 0 {
		fmt.Fprintln(w, strings.Join(res.Columns, "\t"))
	}
	for _, row := range res.Rows {
		fmt.Fprintln(w, joinRow(row))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "(%d rows)\n", len(res.Rows))
	return nil
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <sql> [param...]",
		Short: "Run a statement and print at most one row",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runGet,
	}
}

func runGet(cmd *cobra.Command, args []string) error {
	params := parseParams(args[1:])

	s, err := openSession(cmd.Context())
	if err != nil {
		return exitError(exitSysError, fmt.Sprintf("open storage: %s", err))
	}
	defer s.Close()

	res, err := s.Get(cmd.Context(), args[0], params...)
	if err != nil {
		return exitError(exitUserError, err.Error())
	}

	if flags.jsonMode {
		return printJSON(cmd, map[string]any{"columns": res.Columns, "row": res.Row})
	}
	if res.Row == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "(no row)")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.Join(res.Columns, "\t"))
	fmt.Fprintln(cmd.OutOrStdout(), joinRow(res.Row))
	return nil
}

// parseParams converts CLI arguments to protocol values: integers and
// floats when they parse as such, the literal "null" to null, everything
// else as text.
func parseParams(args []string) []types.Value {
	params := make([]types.Value, len(args))
	for i, a := range args {
		params[i] = parseParam(a)
	}
	return params
}

func parseParam(a string) types.Value {
	if a == "null" {
		return types.Null()
	}
	if i, err := strconv.ParseInt(a, 10, 64); err == nil {
		return types.Integer(i)
	}
	if f, err := strconv.ParseFloat(a, 64); err == nil {
		return types.Float(f)
	}
	return types.Text(a)
}

func joinRow(row []types.Value) string {
	cells := make([]string, len(row))
	for i, v := range row {
		cells[i] = v.String()
	}
	return strings.Join(cells, "\t")
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
