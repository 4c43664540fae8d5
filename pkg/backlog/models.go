// Package backlog defines the Scrum work-item model: epics, stories,
// sprints, and the per-project aggregate that owns them.
package backlog

import (
	"fmt"
	"sort"
	"time"

	"agentflow/pkg/utils"
)

// EpicStatus is the lifecycle status of an epic.
type EpicStatus string

const (
	EpicDraft    EpicStatus = "draft"
	EpicActive   EpicStatus = "active"
	EpicComplete EpicStatus = "complete"
)

// StoryStatus is the lifecycle status of a story.
type StoryStatus string

const (
	StoryBacklog    StoryStatus = "backlog"
	StoryInSprint   StoryStatus = "in_sprint"
	StoryInProgress StoryStatus = "in_progress"
	StoryDone       StoryStatus = "done"
)

// SprintStatus is the lifecycle status of a sprint.
type SprintStatus string

const (
	SprintPlanned  SprintStatus = "planned"
	SprintActive   SprintStatus = "active"
	SprintReview   SprintStatus = "review"
	SprintComplete SprintStatus = "complete"
)

// Priority bounds for stories; 1 is highest.
const (
	PriorityHighest = 1
	PriorityLowest  = 5
	PriorityDefault = 3
)

// Epic is a high-level initiative aggregating stories.
type Epic struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      EpicStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Story is a unit of plannable work.
type Story struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	EpicID      string      `json:"epic_id,omitempty"`
	SprintID    string      `json:"sprint_id,omitempty"`
	Priority    int         `json:"priority"`
	Status      StoryStatus `json:"status"`
	TDDCycleID  string      `json:"tdd_cycle_id,omitempty"`
	// TestStatus mirrors the story's TDD cycle state ("design",
	// "test_red", ... or "aborted").
	TestStatus string    `json:"test_status,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Sprint is an ordered selection of stories with a goal.
type Sprint struct {
	ID          string       `json:"id"`
	Goal        string       `json:"goal"`
	StoryIDs    []string     `json:"story_ids"`
	Status      SprintStatus `json:"status"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// ProjectData aggregates the backlog of a single project.
type ProjectData struct {
	Epics   []*Epic   `json:"epics"`
	Stories []*Story  `json:"stories"`
	Sprints []*Sprint `json:"sprints"`
}

// NewProjectData returns an empty backlog.
func NewProjectData() *ProjectData {
	return &ProjectData{}
}

// TitleFromDescription derives a story or epic title from its
// description when no explicit title was given.
func TitleFromDescription(title, description string) string {
	if title != "" {
		return title
	}
	if len(description) > 50 {
		return description[:50] + "..."
	}
	return description
}

// NewEpic creates an epic with a generated id.
func NewEpic(title, description string) *Epic {
	return &Epic{
		ID:          utils.NewID("epic"),
		Title:       TitleFromDescription(title, description),
		Description: description,
		Status:      EpicActive,
		CreatedAt:   time.Now().UTC(),
	}
}

// NewStory creates a backlog story with a generated id. A priority
// outside the valid range is replaced by PriorityDefault.
func NewStory(title, description, epicID string, priority int) *Story {
	if priority < PriorityHighest || priority > PriorityLowest {
		priority = PriorityDefault
	}
	return &Story{
		ID:          utils.NewID("story"),
		Title:       TitleFromDescription(title, description),
		Description: description,
		EpicID:      epicID,
		Priority:    priority,
		Status:      StoryBacklog,
		CreatedAt:   time.Now().UTC(),
	}
}

// NewSprint creates a planned sprint over the given stories.
func NewSprint(goal string, storyIDs []string) *Sprint {
	return &Sprint{
		ID:       utils.NewID("sprint"),
		Goal:     goal,
		StoryIDs: append([]string{}, storyIDs...),
		Status:   SprintPlanned,
	}
}

// EpicByID returns the epic with the given id, or nil.
func (d *ProjectData) EpicByID(id string) *Epic {
	for _, e := range d.Epics {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// StoryByID returns the story with the given id, or nil.
func (d *ProjectData) StoryByID(id string) *Story {
	for _, s := range d.Stories {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// SprintByID returns the sprint with the given id, or nil.
func (d *ProjectData) SprintByID(id string) *Sprint {
	for _, s := range d.Sprints {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// ActiveSprint returns the sprint with status active, or nil.
// At most one sprint is active at a time.
func (d *ProjectData) ActiveSprint() *Sprint {
	for _, s := range d.Sprints {
		if s.Status == SprintActive {
			return s
		}
	}
	return nil
}

// BacklogStories returns stories still in the backlog, ordered by
// priority (highest first) then id for a stable listing.
func (d *ProjectData) BacklogStories() []*Story {
	var out []*Story
	for _, s := range d.Stories {
		if s.Status == StoryBacklog {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// StoriesBySprint returns the stories assigned to the given sprint in
// the sprint's declared order.
func (d *ProjectData) StoriesBySprint(sprintID string) []*Story {
	sprint := d.SprintByID(sprintID)
	if sprint == nil {
		return nil
	}
	var out []*Story
	for _, id := range sprint.StoryIDs {
		if s := d.StoryByID(id); s != nil {
			out = append(out, s)
		}
	}
	return out
}

// ActivateSprint marks the sprint active and its stories in progress.
// Fails when another sprint is already active.
func (d *ProjectData) ActivateSprint(sprintID string) error {
	sprint := d.SprintByID(sprintID)
	if sprint == nil {
		return fmt.Errorf("sprint not found: %s", sprintID)
	}
	if active := d.ActiveSprint(); active != nil && active.ID != sprintID {
		return fmt.Errorf("sprint %s is already active", active.ID)
	}
	now := time.Now().UTC()
	sprint.Status = SprintActive
	sprint.StartedAt = &now
	for _, id := range sprint.StoryIDs {
		if s := d.StoryByID(id); s != nil {
			s.Status = StoryInProgress
		}
	}
	return nil
}

// CompleteSprint closes the active sprint and marks its stories done.
func (d *ProjectData) CompleteSprint() error {
	sprint := d.ActiveSprint()
	if sprint == nil {
		// Review-state sprints are also closable.
		for _, s := range d.Sprints {
			if s.Status == SprintReview {
				sprint = s
				break
			}
		}
	}
	if sprint == nil {
		return fmt.Errorf("no active sprint to complete")
	}
	now := time.Now().UTC()
	sprint.Status = SprintComplete
	sprint.CompletedAt = &now
	for _, id := range sprint.StoryIDs {
		if s := d.StoryByID(id); s != nil {
			s.Status = StoryDone
		}
	}
	return nil
}
