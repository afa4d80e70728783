// Package plan generates the fixed 56-day study calendar from the curriculum
// and a start date. Generation is pure; only the Done flag changes afterwards.
package plan

import (
	"fmt"
	"sort"
	"time"

	"github.com/eightweek/companion/internal/domain/curriculum"
	"github.com/eightweek/companion/internal/domain/shared"
)

// Calendar shape.
const (
	Weeks        = 8
	DaysPerWeek  = 7
	Days         = Weeks * DaysPerWeek
	LearningDays = 5

	// TasksPerWeek is five learn/filler slots, one reinforce day and the
	// two-task review day.
	TasksPerWeek = LearningDays + 1 + 2
	TaskCount    = Weeks * TasksPerWeek
)

// Kind classifies a task slot.
type Kind string

const (
	KindLearn     Kind = "learn"
	KindReview    Kind = "review"
	KindReinforce Kind = "reinforce"
	KindPlan      Kind = "plan"
)

// IsValid checks if the kind is one of the known kinds.
func (k Kind) IsValid() bool {
	switch k {
	case KindLearn, KindReview, KindReinforce, KindPlan:
		return true
	}
	return false
}

// DailyTask is one generated calendar slot.
type DailyTask struct {
	ID        string     `json:"id"`
	Date      shared.Day `json:"date"`
	Week      int        `json:"week"`
	Kind      Kind       `json:"kind"`
	TopicID   string     `json:"topicId,omitempty"`
	Title     string     `json:"title"`
	Prereq    string     `json:"prereq,omitempty"`
	Done      bool       `json:"done"`
	UpdatedAt time.Time  `json:"updatedAt,omitempty"`
}

// TaskID derives the stable id of a slot from its date, kind and topic.
func TaskID(date shared.Day, kind Kind, topicID string) string {
	if topicID == "" {
		return fmt.Sprintf("%s-%s", date, kind)
	}
	return fmt.Sprintf("%s-%s-%s", date, kind, topicID)
}

// Generate builds the full calendar starting at start.
//
// For each offset 0..55, week = offset/7+1 and dow = offset%7:
//   - dow 0-4 take the next unscheduled topic of that week, or a reinforce filler
//   - dow 5 is a reinforce (flash review) day
//   - dow 6 yields a review & retrospective task and a planning task
func Generate(c *curriculum.Curriculum, start shared.Day) []DailyTask {
	tasks := make([]DailyTask, 0, TaskCount)
	queues := make(map[int][]curriculum.Topic, Weeks)
	for w := 1; w <= Weeks; w++ {
		queues[w] = c.Week(w)
	}

	for offset := 0; offset < Days; offset++ {
		date := start.AddDays(offset)
		week := offset/DaysPerWeek + 1
		dow := offset % DaysPerWeek

		switch {
		case dow < LearningDays:
			queue := queues[week]
			if len(queue) == 0 {
				tasks = append(tasks, newTask(date, week, KindReinforce, "",
					fmt.Sprintf("Reinforce week %d topics", week), ""))
				continue
			}
			topic := queue[0]
			queues[week] = queue[1:]
			tasks = append(tasks, newTask(date, week, KindLearn, topic.ID,
				"Learn: "+topic.Title, prereqText(c, topic)))
		case dow == LearningDays:
			tasks = append(tasks, newTask(date, week, KindReinforce, "",
				fmt.Sprintf("Flash review: week %d", week), ""))
		default:
			tasks = append(tasks,
				newTask(date, week, KindReview, "", fmt.Sprintf("Review & retrospective: week %d", week), ""),
				newTask(date, week, KindPlan, "", "Plan next week's study slots", ""),
			)
		}
	}
	return tasks
}

func newTask(date shared.Day, week int, kind Kind, topicID, title, prereq string) DailyTask {
	return DailyTask{
		ID:      TaskID(date, kind, topicID),
		Date:    date,
		Week:    week,
		Kind:    kind,
		TopicID: topicID,
		Title:   title,
		Prereq:  prereq,
	}
}

func prereqText(c *curriculum.Curriculum, t curriculum.Topic) string {
	if t.Prereq == "" {
		return ""
	}
	if p, ok := c.Topic(t.Prereq); ok {
		return "Revisit " + p.Title + " first"
	}
	return "Revisit " + t.Prereq + " first"
}

// Toggle flips Done on the task with id and stamps it. It returns the
// updated task and false when no task matched.
func Toggle(tasks []DailyTask, id string, at time.Time) (DailyTask, bool) {
	for i := range tasks {
		if tasks[i].ID == id {
			tasks[i].Done = !tasks[i].Done
			tasks[i].UpdatedAt = at
			return tasks[i], true
		}
	}
	return DailyTask{}, false
}

// OnDay returns the tasks scheduled for day.
func OnDay(tasks []DailyTask, day shared.Day) []DailyTask {
	var out []DailyTask
	for _, t := range tasks {
		if t.Date == day {
			out = append(out, t)
		}
	}
	return out
}

// Find returns the task with id.
func Find(tasks []DailyTask, id string) (DailyTask, bool) {
	for _, t := range tasks {
		if t.ID == id {
			return t, true
		}
	}
	return DailyTask{}, false
}

// Clone returns an independent copy of tasks.
func Clone(tasks []DailyTask) []DailyTask {
	out := make([]DailyTask, len(tasks))
	copy(out, tasks)
	return out
}

var kindOrder = map[Kind]int{KindLearn: 0, KindReinforce: 1, KindReview: 2, KindPlan: 3}

// Sort orders tasks by date, and within a day the way Generate emits them.
func Sort(tasks []DailyTask) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Date != tasks[j].Date {
			return tasks[i].Date.Before(tasks[j].Date)
		}
		return kindOrder[tasks[i].Kind] < kindOrder[tasks[j].Kind]
	})
}

// Progress summarises completion of a task list.
type Progress struct {
	Total int `json:"total"`
	Done  int `json:"done"`
}

// Summarize counts done tasks.
func Summarize(tasks []DailyTask) Progress {
	p := Progress{Total: len(tasks)}
	for _, t := range tasks {
		if t.Done {
			p.Done++
		}
	}
	return p
}
