package prompts

import (
	"fmt"
	"strings"
	"time"
)

// TaskName is the prompts table key of the per-cycle task prompt.
const TaskName = "task"

const taskTemplate = `Evaluate the current weather and thermostat state.
Decide if any adjustments should be made to optimize comfort and energy efficiency.
Gather all necessary data first, then make your decision.`

// DefaultTask returns the stored form of the task prompt.
func DefaultTask() string {
	return taskTemplate
}

// TaskPrompt appends the cycle's local time and trigger to the task
// text so the model can reason about time of day.
func TaskPrompt(task string, now time.Time, trigger string) string {
	if task == "" {
		task = taskTemplate
	}
	return fmt.Sprintf("%s\n\nCurrent local time: %s (%s).\nTrigger: %s.",
		task,
		now.Format("Monday 15:04"),
		now.Format("MST"),
		trigger,
	)
}

// Observation is one tool result gathered before reasoning began.
type Observation struct {
	Tool   string
	Result string
}

// WithObservations appends the already gathered tool results to a task
// prompt. Calling one of these tools again returns the same result.
func WithObservations(task string, obs []Observation) string {
	if len(obs) == 0 {
		return task
	}
	var b strings.Builder
	b.WriteString(task)
	b.WriteString("\n\n## Data gathered this cycle\n")
	for _, o := range obs {
		fmt.Fprintf(&b, "\n### %s\n%s\n", o.Tool, strings.TrimSpace(o.Result))
	}
	return b.String()
}
