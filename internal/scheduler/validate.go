package scheduler

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/specflow/internal/spec"
)

// ValidateForDispatch checks a spec just before it is handed to an agent.
// A failing spec is skipped and reported; it never consumes a slot. The
// graph must be freshly built so the dependency check sees current
// statuses.
func ValidateForDispatch(s *spec.Spec, g *spec.Graph) error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("spec has an empty ID")
	}
	if strings.TrimSpace(s.Body) == "" {
		return fmt.Errorf("spec %s has an empty body", s.ID)
	}
	if !strings.Contains(s.Body, "# ") {
		return fmt.Errorf("spec %s has no title heading", s.ID)
	}
	if !s.Status.IsRetryable() {
		return fmt.Errorf("spec %s has status %s and cannot be dispatched", s.ID, s.Status)
	}
	if s.RequiresApproval() {
		return fmt.Errorf("spec %s requires approval", s.ID)
	}
	if blocking := g.BlockingDependencies(s.ID); len(blocking) > 0 {
		ids := make([]string, len(blocking))
		for i, b := range blocking {
			ids[i] = b.SpecID
		}
		return fmt.Errorf("spec %s is blocked by: %s", s.ID, strings.Join(ids, ", "))
	}
	return nil
}
