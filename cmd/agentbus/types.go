package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/agentbus/schema"
)

var typesCmd = &cobra.Command{
	Use:   "types",
	Short: "List message types and their payload fields",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TYPE\tREQUIRED\tOPTIONAL")
		for _, t := range schema.Types() {
			def, _ := schema.Lookup(t)
			fmt.Fprintf(w, "%s\t%s\t%s\n", t, strings.Join(def.Required, ","), strings.Join(def.Optional, ","))
		}
		return w.Flush()
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <type> [payload.json]",
	Short: "Validate a JSON payload against a message type",
	Long:  "Validate a JSON payload against a message type. The payload is read from the file, or stdin when omitted or \"-\".",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(typesCmd, validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	typ, err := schema.ParseType(args[0])
	if err != nil {
		return err
	}

	var data []byte
	if len(args) == 1 || args[1] == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(args[1])
	}
	if err != nil {
		return fmt.Errorf("reading payload: %w", err)
	}

	payload, err := decodePayload(data)
	if err != nil {
		return err
	}
	if res := schema.Validate(typ, payload); !res.Valid {
		return res.Err()
	}
	fmt.Fprintf(cmd.OutOrStdout(), "valid %s\n", typ)
	return nil
}

func decodePayload(data []byte) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	return payload, nil
}
