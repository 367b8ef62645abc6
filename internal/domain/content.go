package domain

// Option is one selectable answer for a timed question.
type Option struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Question is a timed-mode item. Expected holds the ID of the correct
// option; submissions are compared against it by equality.
type Question struct {
	ID       string   `json:"id"`
	Prompt   string   `json:"prompt"`
	Options  []Option `json:"options"`
	Expected string   `json:"expected"`
}

// StepOption is one rescuer choice in a pair-mode step. Feedback is the
// text written back into the session for both roles to read.
type StepOption struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Correct  bool   `json:"correct"`
	Feedback string `json:"feedback"`
}

// Step is one pair-mode scenario beat with a prompt per role.
type Step struct {
	ID            string       `json:"id"`
	VictimPrompt  string       `json:"victimPrompt"`
	RescuerPrompt string       `json:"rescuerPrompt"`
	Options       []StepOption `json:"options"`
}

// Pack is an ordered, immutable content sequence. Timed sessions index
// Questions; pair sessions index Steps. The engine only ever reads by index.
type Pack struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
	Steps     []Step     `json:"steps"`
}

// Length returns the number of phases the pack supports for a mode.
func (p Pack) Length(mode Mode) int {
	if mode == ModePair {
		return len(p.Steps)
	}
	return len(p.Questions)
}

// QuestionAt returns the timed question for a phase index.
func (p Pack) QuestionAt(i int) (Question, error) {
	if i < 0 || i >= len(p.Questions) {
		return Question{}, ErrPhaseOutOfRange
	}
	return p.Questions[i], nil
}

// StepAt returns the pair step for a phase index.
func (p Pack) StepAt(i int) (Step, error) {
	if i < 0 || i >= len(p.Steps) {
		return Step{}, ErrPhaseOutOfRange
	}
	return p.Steps[i], nil
}

// OptionByID resolves a rescuer selection; ok is false for unknown IDs.
func (s Step) OptionByID(id string) (StepOption, bool) {
	for _, opt := range s.Options {
		if opt.ID == id {
			return opt, true
		}
	}
	return StepOption{}, false
}
