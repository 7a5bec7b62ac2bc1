package common

import (
	"encoding/json"
	"fmt"
	"os"
)

type ciResult struct {
	OK      bool     `json:"ok"`
	Name    string   `json:"name"`
	Details []string `json:"details,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// PrintCIResult emits one machine-readable JSON line summarizing a tool run.
func PrintCIResult(ok bool, name string, details []string, err error) {
	result := ciResult{OK: ok, Name: name, Details: details}
	if err != nil {
		result.Error = err.Error()
	}
	payload, merr := json.Marshal(result)
	if merr != nil {
		fmt.Fprintf(os.Stderr, "marshal ci result: %v\n", merr)
		return
	}
	fmt.Println(string(payload))
}
