package display

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// JSONEnv forces JSON output when set to a non-empty value, for scripts
// that cannot pass --json to every command.
const JSONEnv = "DOCPULSE_JSON"

// ShouldOutputJSON reports whether a command should print JSON
func ShouldOutputJSON(cmd *cobra.Command) bool {
	if cmd == nil {
		return os.Getenv(JSONEnv) != ""
	}

	if cmd.Flags().Changed("json") {
		jsonFlag, _ := cmd.Flags().GetBool("json")
		return jsonFlag
	}
	if globalFlag, _ := cmd.Root().PersistentFlags().GetBool("json"); globalFlag {
		return true
	}
	return os.Getenv(JSONEnv) != ""
}

// OutputJSON marshals and prints v
func OutputJSON(v interface{}) error {
	data, err := MarshalJSON(v)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
