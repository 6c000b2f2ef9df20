// Package spec defines the spec record: a markdown file with YAML
// frontmatter describing a unit of work, plus the dependency graph and the
// status state machine that govern its lifecycle.
package spec

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/specflow/internal/errors"
)

// ApprovalStatus tracks the human approval gate on a spec.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Approval is the optional approval gate stored in frontmatter.
type Approval struct {
	Required bool           `yaml:"required,omitempty"`
	Status   ApprovalStatus `yaml:"status,omitempty"`
	By       string         `yaml:"by,omitempty"`
	At       *time.Time     `yaml:"at,omitempty"`
}

// RetryState records failure bookkeeping across attempts.
type RetryState struct {
	Attempts  int    `yaml:"attempts,omitempty"`
	LastError string `yaml:"last_error,omitempty"`
}

// Frontmatter is the structured header of a spec file. Fields this tool
// does not understand are preserved verbatim through Extra so round-trips
// never drop data written by other tools or humans.
type Frontmatter struct {
	Status         Status         `yaml:"status"`
	DependsOn      []string       `yaml:"depends_on,omitempty"`
	Members        []string       `yaml:"members,omitempty"`
	Branch         string         `yaml:"branch,omitempty"`
	Commits        []string       `yaml:"commits,omitempty"`
	CompletedAt    *time.Time     `yaml:"completed_at,omitempty"`
	Approval       *Approval      `yaml:"approval,omitempty"`
	RetryState     *RetryState    `yaml:"retry_state,omitempty"`
	AllowNoCommits bool           `yaml:"allow_no_commits,omitempty"`
	Extra          map[string]any `yaml:",inline"`
}

// Spec is one unit of work: frontmatter plus a free-form markdown body.
// The ID is derived from the filename and never stored in the file.
type Spec struct {
	ID string
	Frontmatter
	Body string
}

const frontmatterDelimiter = "---"

// Parse decodes a spec file into a Spec. The expected layout is a YAML
// frontmatter block fenced by "---" lines followed by a markdown body.
// A missing status defaults to pending.
func Parse(id string, data []byte) (*Spec, error) {
	content := string(data)
	if !strings.HasPrefix(content, frontmatterDelimiter+"\n") {
		return nil, errors.NewSpecError("missing frontmatter delimiter", errors.ErrSpecCorrupted).WithSpecID(id)
	}

	rest := content[len(frontmatterDelimiter)+1:]
	end := strings.Index(rest, "\n"+frontmatterDelimiter+"\n")
	var header, body string
	switch {
	case end >= 0:
		header = rest[:end+1]
		body = rest[end+len(frontmatterDelimiter)+2:]
	case strings.HasSuffix(rest, "\n"+frontmatterDelimiter):
		header = rest[:len(rest)-len(frontmatterDelimiter)]
	default:
		return nil, errors.NewSpecError("unterminated frontmatter", errors.ErrSpecCorrupted).WithSpecID(id)
	}

	var fm Frontmatter
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return nil, errors.NewSpecError(fmt.Sprintf("invalid frontmatter: %v", err), errors.ErrSpecCorrupted).WithSpecID(id)
	}

	if fm.Status == "" {
		fm.Status = StatusPending
	} else if _, err := ParseStatus(string(fm.Status)); err != nil {
		return nil, errors.NewSpecError(err.Error(), errors.ErrSpecCorrupted).WithSpecID(id)
	}

	return &Spec{ID: id, Frontmatter: fm, Body: body}, nil
}

// Marshal serializes the spec back to its file form. Structured fields are
// written canonically; the body is emitted verbatim.
func (s *Spec) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(frontmatterDelimiter + "\n")

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&s.Frontmatter); err != nil {
		return nil, fmt.Errorf("failed to encode frontmatter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize frontmatter: %w", err)
	}

	buf.WriteString(frontmatterDelimiter + "\n")
	buf.WriteString(s.Body)
	return buf.Bytes(), nil
}

// Title returns the first level-one heading of the body, or the ID when the
// body has none.
func (s *Spec) Title() string {
	for _, line := range strings.Split(s.Body, "\n") {
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
	}
	return s.ID
}

// IsDriver reports whether the spec coordinates member specs.
func (s *Spec) IsDriver() bool {
	return len(s.Members) > 0
}

// RequiresApproval reports whether the approval gate is enabled and not yet
// satisfied.
func (s *Spec) RequiresApproval() bool {
	return s.Approval != nil && s.Approval.Required && s.Approval.Status != ApprovalApproved
}

// Approve satisfies the approval gate.
func (s *Spec) Approve(by string, at time.Time) {
	if s.Approval == nil {
		s.Approval = &Approval{Required: true}
	}
	s.Approval.Status = ApprovalApproved
	s.Approval.By = by
	s.Approval.At = &at
}

// RecordFailure bumps the retry bookkeeping with the latest error.
func (s *Spec) RecordFailure(msg string) {
	if s.RetryState == nil {
		s.RetryState = &RetryState{}
	}
	s.RetryState.Attempts++
	s.RetryState.LastError = msg
}

// maxTranscriptChars bounds how much agent output a spec file records;
// the full log stays in the worktree while it exists.
const maxTranscriptChars = 5000

// AppendTranscript records the agent's captured output in the body under
// an "## Agent Output" heading. Oversized transcripts are truncated with
// the original length noted. Empty output appends nothing.
func (s *Spec) AppendTranscript(output string, at time.Time) {
	if strings.TrimSpace(output) == "" {
		return
	}
	if len(output) > maxTranscriptChars {
		output = fmt.Sprintf("%s\n\n... (output truncated, %d chars total)",
			output[:maxTranscriptChars], len(output))
	}
	s.Body += fmt.Sprintf("\n\n## Agent Output\n\n%s\n\n```\n%s\n```\n",
		at.Format(time.RFC3339), strings.TrimRight(output, "\n"))
}

var (
	uncheckedBox = regexp.MustCompile(`(?m)^(\s*)- \[ \] `)
	checkedBox   = regexp.MustCompile(`(?m)^(\s*)- \[[xX]\] `)
)

const criteriaHeading = "## Acceptance Criteria"

// criteriaSection returns the acceptance criteria section of the body and
// its byte offsets, or ok=false when the body has no such section. The
// section runs from the heading to the next level-two heading or EOF.
func (s *Spec) criteriaSection() (section string, start, end int, ok bool) {
	idx := strings.Index(s.Body, criteriaHeading)
	if idx < 0 {
		return "", 0, 0, false
	}
	// Only match the heading at the start of a line.
	if idx > 0 && s.Body[idx-1] != '\n' {
		return "", 0, 0, false
	}
	rest := s.Body[idx+len(criteriaHeading):]
	next := strings.Index(rest, "\n## ")
	if next < 0 {
		return s.Body[idx:], idx, len(s.Body), true
	}
	end = idx + len(criteriaHeading) + next + 1
	return s.Body[idx:end], idx, end, true
}

// HasAcceptanceCriteria reports whether the body contains an acceptance
// criteria section with at least one checkbox.
func (s *Spec) HasAcceptanceCriteria() bool {
	total, _ := s.Criteria()
	return total > 0
}

// Criteria returns the total number of checkboxes and how many are checked
// inside the acceptance criteria section.
func (s *Spec) Criteria() (total, checked int) {
	section, _, _, ok := s.criteriaSection()
	if !ok {
		return 0, 0
	}
	unchecked := len(uncheckedBox.FindAllString(section, -1))
	checked = len(checkedBox.FindAllString(section, -1))
	return unchecked + checked, checked
}

// UncheckedCriteria returns how many acceptance boxes remain unchecked.
func (s *Spec) UncheckedCriteria() int {
	total, checked := s.Criteria()
	return total - checked
}

// AutoCheckCriteria marks every unchecked acceptance box as checked and
// returns how many boxes were flipped.
func (s *Spec) AutoCheckCriteria() int {
	section, start, end, ok := s.criteriaSection()
	if !ok {
		return 0
	}
	flipped := len(uncheckedBox.FindAllString(section, -1))
	if flipped == 0 {
		return 0
	}
	updated := uncheckedBox.ReplaceAllString(section, "${1}- [x] ")
	s.Body = s.Body[:start] + updated + s.Body[end:]
	return flipped
}
