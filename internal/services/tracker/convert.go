package tracker

import (
	"time"

	"github.com/google/go-github/v57/github"

	"github.com/xelth-com/ecktrackgo/internal/models"
)

// Record is the provider-neutral form of a remote entity. The sync engine and
// webhook processor only ever see Records, never go-github types.
type Record struct {
	Kind      string
	Number    int
	NodeID    string
	Title     string
	Body      string
	State     string
	Assignees []string
	Labels    []string
	DueOn     *time.Time
	UpdatedAt time.Time
}

// FieldMap returns the record's synchronized fields in canonical form
func (r *Record) FieldMap() models.JSONB {
	m := models.JSONB{
		models.FieldTitle:     r.Title,
		models.FieldBody:      r.Body,
		models.FieldState:     r.State,
		models.FieldAssignees: r.Assignees,
		models.FieldLabels:    r.Labels,
	}
	if r.DueOn != nil {
		m[models.FieldDueOn] = r.DueOn.UTC().Format(time.RFC3339)
	} else {
		m[models.FieldDueOn] = nil
	}
	return m
}

// ConvertIssue maps a remote issue onto a Record
func ConvertIssue(issue *github.Issue) Record {
	assignees := make([]string, 0, len(issue.Assignees))
	for _, user := range issue.Assignees {
		assignees = append(assignees, user.GetLogin())
	}
	labels := make([]string, 0, len(issue.Labels))
	for _, label := range issue.Labels {
		labels = append(labels, label.GetName())
	}

	return Record{
		Kind:      models.KindIssue,
		Number:    issue.GetNumber(),
		NodeID:    issue.GetNodeID(),
		Title:     issue.GetTitle(),
		Body:      issue.GetBody(),
		State:     issue.GetState(),
		Assignees: assignees,
		Labels:    labels,
		UpdatedAt: issue.GetUpdatedAt().Time,
	}
}

// ConvertMilestone maps a remote milestone onto a Record. The milestone
// description fills the shared body field.
func ConvertMilestone(m *github.Milestone) Record {
	rec := Record{
		Kind:      models.KindMilestone,
		Number:    m.GetNumber(),
		NodeID:    m.GetNodeID(),
		Title:     m.GetTitle(),
		Body:      m.GetDescription(),
		State:     m.GetState(),
		Assignees: []string{},
		Labels:    []string{},
		UpdatedAt: m.GetUpdatedAt().Time,
	}
	if m.DueOn != nil {
		due := m.DueOn.Time
		rec.DueOn = &due
	}
	return rec
}

// ConvertProject maps a classic repository project onto a Record. The project
// name fills the shared title field.
func ConvertProject(p *github.Project) Record {
	return Record{
		Kind:      models.KindProject,
		Number:    p.GetNumber(),
		NodeID:    p.GetNodeID(),
		Title:     p.GetName(),
		Body:      p.GetBody(),
		State:     p.GetState(),
		Assignees: []string{},
		Labels:    []string{},
		UpdatedAt: p.GetUpdatedAt().Time,
	}
}
