package display

import (
	"encoding/json"
	"os"
)

// CompactEnv selects single-line JSON, for log shippers
const CompactEnv = "DOCPULSE_JSON_COMPACT"

// MarshalJSON marshals indented JSON for people and compact JSON when
// CompactEnv is set
func MarshalJSON(v interface{}) ([]byte, error) {
	if os.Getenv(CompactEnv) != "" {
		return json.Marshal(v)
	}
	return json.MarshalIndent(v, "", "  ")
}
