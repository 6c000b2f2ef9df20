package scheduler

import (
	"testing"

	"github.com/Iron-Ham/specflow/internal/spec"
)

func validSpec(id string) *spec.Spec {
	return &spec.Spec{
		ID:          id,
		Frontmatter: spec.Frontmatter{Status: spec.StatusPending},
		Body:        "# " + id + "\n\nDo the work.\n",
	}
}

func TestValidateForDispatch(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*spec.Spec) []*spec.Spec // returns extra specs for the graph
		wantErr bool
	}{
		{"valid", func(s *spec.Spec) []*spec.Spec { return nil }, false},
		{"empty body", func(s *spec.Spec) []*spec.Spec {
			s.Body = "  \n"
			return nil
		}, true},
		{"no title", func(s *spec.Spec) []*spec.Spec {
			s.Body = "just prose\n"
			return nil
		}, true},
		{"wrong status", func(s *spec.Spec) []*spec.Spec {
			s.Status = spec.StatusCompleted
			return nil
		}, true},
		{"needs approval", func(s *spec.Spec) []*spec.Spec {
			s.Approval = &spec.Approval{Required: true, Status: spec.ApprovalPending}
			return nil
		}, true},
		{"blocked by dependency", func(s *spec.Spec) []*spec.Spec {
			s.DependsOn = []string{"dep"}
			dep := validSpec("dep")
			dep.Status = spec.StatusInProgress
			return []*spec.Spec{dep}
		}, true},
		{"satisfied dependency", func(s *spec.Spec) []*spec.Spec {
			s.DependsOn = []string{"dep"}
			dep := validSpec("dep")
			dep.Status = spec.StatusCompleted
			return []*spec.Spec{dep}
		}, false},
		{"failed spec is dispatchable", func(s *spec.Spec) []*spec.Spec {
			s.Status = spec.StatusFailed
			return nil
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSpec("042")
			extra := tt.mutate(s)
			g := spec.NewGraph(append(extra, s))

			err := ValidateForDispatch(s, g)
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
