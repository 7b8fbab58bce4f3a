package audit

import (
	"encoding/json"
	"fmt"

	"github.com/agent2allow/agent2allow/pkg/models"
)

// ExportLines serializes entries as newline-delimited JSON, one entry per
// line, losslessly: parsing each line yields exactly the queried entries.
func ExportLines(entries []models.AuditEntry) ([]string, error) {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		b, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("export entry %d: %w", e.ID, err)
		}
		lines = append(lines, string(b))
	}
	return lines, nil
}
