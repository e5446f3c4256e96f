package tui

import (
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// FeedbackSubmittedMsg is sent when the user submits reject feedback.
type FeedbackSubmittedMsg struct {
	SpecID   string
	Feedback string
}

// FeedbackCancelledMsg is sent when the user abandons the feedback prompt.
type FeedbackCancelledMsg struct{}

// FeedbackField collects the feedback for a rejection.
type FeedbackField struct {
	input  textinput.Model
	specID string
	width  int
}

// NewFeedbackField creates a FeedbackField for one spec.
func NewFeedbackField(specID string) *FeedbackField {
	ti := textinput.New()
	ti.Placeholder = "What should change? Enter to reject, Esc to cancel"
	ti.Focus()
	ti.CharLimit = 2000
	ti.Width = 60

	return &FeedbackField{
		input:  ti,
		specID: specID,
		width:  80,
	}
}

// SetWidth sets the width of the input field.
func (f *FeedbackField) SetWidth(width int) {
	f.width = width
	f.input.Width = width - 4
}

// Value returns the current text.
func (f *FeedbackField) Value() string {
	return f.input.Value()
}

// Update handles messages for the input field.
func (f *FeedbackField) Update(msg tea.Msg) (*FeedbackField, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.String() {
		case "enter":
			text := f.input.Value()
			if text == "" {
				return f, nil
			}
			id := f.specID
			return f, func() tea.Msg {
				return FeedbackSubmittedMsg{SpecID: id, Feedback: text}
			}
		case "esc":
			return f, func() tea.Msg { return FeedbackCancelledMsg{} }
		}
	}

	var cmd tea.Cmd
	f.input, cmd = f.input.Update(msg)
	return f, cmd
}

// View renders the input field.
func (f *FeedbackField) View() string {
	promptStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("39")).
		Bold(true)

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1).
		Width(f.width - 2)

	prompt := promptStyle.Render("reject " + f.specID + " > ")
	return boxStyle.Render(prompt + f.input.View())
}
