package usage

import "fmt"

// Choice is the user's answer to the limit-reached prompt.
type Choice string

const (
	ChoiceUpgrade  Choice = "upgrade"
	ChoiceContinue Choice = "continue"
)

func (c Choice) Valid() bool {
	return c == ChoiceUpgrade || c == ChoiceContinue
}

// PromptOption is one button of the limit-reached prompt.
type PromptOption struct {
	Choice Choice `json:"choice"`
	Label  string `json:"label"`
}

// Prompt is the upgrade-or-continue choice shown once the daily limit is hit.
type Prompt struct {
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Options []PromptOption `json:"options"`
}

// LimitReachedPrompt describes the prompt for a profile limited to limit
// voice messages per day.
func LimitReachedPrompt(limit int) Prompt {
	return Prompt{
		Title:   "Daily voice limit reached",
		Message: fmt.Sprintf("You've sent %d voice messages today. Upgrade to Premium for unlimited voice messages, or keep reflecting with text.", limit),
		Options: []PromptOption{
			{Choice: ChoiceUpgrade, Label: "Upgrade to Premium"},
			{Choice: ChoiceContinue, Label: "Continue with text"},
		},
	}
}
