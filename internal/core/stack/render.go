package stack

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// documentHeader marks the compose file as generated. Redeploys replace
// it wholesale.
const documentHeader = "# Generated by pressmux. Manual edits are overwritten on redeploy.\n"

// Render marshals a stack document to YAML, ready to be written as the
// site directory's compose file.
func Render(doc Document) ([]byte, error) {
	if len(doc.Services) == 0 {
		return nil, ErrNoServices
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal stack document: %w", err)
	}

	return append([]byte(documentHeader), out...), nil
}
