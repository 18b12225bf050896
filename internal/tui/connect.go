package tui

import (
	"fmt"
	"strings"
	"unicode/utf8"

	tea "github.com/charmbracelet/bubbletea"
	log "github.com/sirupsen/logrus"

	"github.com/scrylabs/scry/internal/browser"
	"github.com/scrylabs/scry/internal/connect"
	"github.com/scrylabs/scry/internal/llm"
)

// handleConnectKey routes keystrokes to the orchestrator while the
// connection dialog is open.
func (a App) handleConnectKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	orch := a.shared.orch
	state := orch.State()

	switch msg.String() {
	case "esc":
		orch.Cancel()
		a.drainShared()
		return a, nil
	case "enter":
		orch.Confirm()
		a.drainShared()
		return a, nil
	case "up":
		orch.MoveSelection(-1)
		return a, nil
	case "down":
		orch.MoveSelection(1)
		return a, nil
	case "left":
		orch.MoveCursor(-1)
		return a, nil
	case "right":
		orch.MoveCursor(1)
		return a, nil
	case "backspace":
		orch.Backspace()
		return a, nil
	case "ctrl+v":
		text, err := readClipboard()
		if err != nil {
			log.WithError(err).Debug("clipboard read failed")
			return a, nil
		}
		orch.Paste(text)
		return a, nil
	}

	// The polling screen has no text entry, so plain letters become
	// shortcuts there.
	if polling, ok := state.(connect.Polling); ok {
		switch msg.String() {
		case "c":
			if err := copyToClipboard(polling.UserCode); err != nil {
				log.WithError(err).Debug("clipboard write failed")
			}
			return a, nil
		case "o":
			if err := browser.OpenURL(polling.VerificationURI); err != nil {
				log.WithError(err).Debug("browser open failed")
			}
			return a, nil
		}
		return a, nil
	}

	if msg.Type == tea.KeyRunes {
		for _, r := range msg.Runes {
			orch.TypeRune(r)
		}
	} else if msg.Type == tea.KeySpace {
		orch.TypeRune(' ')
	}
	return a, nil
}

// renderConnect draws the connection dialog for the current state. The
// type switch is exhaustive over the state set.
func (a App) renderConnect() string {
	switch s := a.shared.orch.State().(type) {
	case connect.Idle:
		return ""
	case connect.HaveCredential:
		return a.renderHaveCredential(s)
	case connect.ChoosingAuthMethod:
		return a.renderChoosingAuthMethod(s)
	case connect.ChoosingEntryMethod:
		return a.renderChoosingEntryMethod(s)
	case connect.EnteringKey:
		return a.renderEnteringKey(s)
	case connect.ValidatingKey:
		return renderSpinnerDialog(s.Provider, "Validating credential...")
	case connect.EnteringAuthCode:
		return a.renderEnteringAuthCode(s)
	case connect.ExchangingCode:
		return renderSpinnerDialog(s.Provider, "Exchanging code for tokens...")
	case connect.RequestingDeviceCode:
		return renderSpinnerDialog(s.Provider, "Requesting device code...")
	case connect.Polling:
		return a.renderPolling(s)
	case connect.SelectingModel:
		return a.renderSelectingModel(s)
	}
	return ""
}

func renderSpinnerDialog(p llm.Provider, text string) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(p.DisplayName()))
	sb.WriteString("\n")
	sb.WriteString(warningStyle.Render(text))
	sb.WriteString("\n\n")
	sb.WriteString(helpStyle.Render("esc cancel"))
	return dialogStyle.Render(sb.String())
}

func renderOptionList(options []string, selected int) string {
	var sb strings.Builder
	for i, opt := range options {
		if i == selected {
			sb.WriteString(listSelectedStyle.Render(opt))
		} else {
			sb.WriteString(listItemStyle.Render(opt))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func (a App) renderHaveCredential(s connect.HaveCredential) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(s.Provider.DisplayName()))
	sb.WriteString("\n")
	sb.WriteString(subtitleStyle.Render("Stored credential: " + s.MaskedKey))
	sb.WriteString("\n\n")

	options := []string{"Use existing credential", "Enter new credential"}
	if s.Model != "" {
		options = append(options, fmt.Sprintf("Change model (current: %s)", s.Model))
	}
	sb.WriteString(renderOptionList(options, s.Selected))
	sb.WriteString("\n")
	sb.WriteString(helpStyle.Render("enter confirm · esc cancel"))
	return dialogStyle.Render(sb.String())
}

func (a App) renderChoosingAuthMethod(s connect.ChoosingAuthMethod) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(s.Provider.DisplayName()))
	sb.WriteString("\n")
	sb.WriteString(renderOptionList([]string{
		"Claude Pro/Max subscription (browser sign-in)",
		"Create an API key (browser sign-in)",
		"Enter an API key manually",
	}, s.Selected))
	sb.WriteString("\n")
	sb.WriteString(helpStyle.Render("enter confirm · esc cancel"))
	return dialogStyle.Render(sb.String())
}

func (a App) renderChoosingEntryMethod(s connect.ChoosingEntryMethod) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(s.Provider.DisplayName()))
	sb.WriteString("\n")
	sb.WriteString(renderOptionList([]string{
		"Enter an API key manually",
		"Open the key creation page",
		"Cancel",
	}, s.Selected))
	sb.WriteString("\n")
	sb.WriteString(helpStyle.Render("enter confirm · esc cancel"))
	return dialogStyle.Render(sb.String())
}

// renderInputField draws a single-line input with a block cursor. The
// cursor is a byte offset that always lands on a rune boundary, so the
// rune under it is decoded rather than sliced byte-wise.
func renderInputField(input string, cursor int) string {
	if cursor >= len(input) {
		return chatTextStyle.Render(input) + listSelectedStyle.Render(" ")
	}
	before := input[:cursor]
	at, size := utf8.DecodeRuneInString(input[cursor:])
	after := input[cursor+size:]
	return chatTextStyle.Render(before) + listSelectedStyle.Render(string(at)) + chatTextStyle.Render(after)
}

func (a App) renderEnteringKey(s connect.EnteringKey) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(s.Provider.DisplayName()))
	sb.WriteString("\n")
	sb.WriteString(subtitleStyle.Render("Paste or type your API key"))
	sb.WriteString("\n\n")
	sb.WriteString("  " + renderInputField(s.Input, s.Cursor))
	sb.WriteString("\n")
	if s.Err != "" {
		sb.WriteString("\n")
		sb.WriteString(errorStyle.Render(s.Err))
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	sb.WriteString(helpStyle.Render("enter submit · ctrl+v paste · esc cancel"))
	return dialogStyle.Render(sb.String())
}

func (a App) renderEnteringAuthCode(s connect.EnteringAuthCode) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(s.Provider.DisplayName()))
	sb.WriteString("\n")
	sb.WriteString(subtitleStyle.Render("Sign in via the browser, then paste the code shown on the callback page"))
	sb.WriteString("\n\n")
	sb.WriteString("  " + renderInputField(s.Input, s.Cursor))
	sb.WriteString("\n")
	if s.Err != "" {
		sb.WriteString("\n")
		sb.WriteString(errorStyle.Render(s.Err))
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	sb.WriteString(helpStyle.Render("enter submit · ctrl+v paste · esc cancel"))
	return dialogStyle.Render(sb.String())
}

func (a App) renderPolling(s connect.Polling) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(s.Provider.DisplayName()))
	sb.WriteString("\n")
	sb.WriteString(subtitleStyle.Render("Enter this code at " + s.VerificationURI))
	sb.WriteString("\n\n")
	sb.WriteString(userCodeStyle.Render(s.UserCode))
	sb.WriteString("\n\n")
	minutes := s.SecondsRemaining / 60
	seconds := s.SecondsRemaining % 60
	sb.WriteString(warningStyle.Render(fmt.Sprintf("Waiting for approval... %d:%02d remaining", minutes, seconds)))
	sb.WriteString("\n\n")
	sb.WriteString(helpStyle.Render("c copy code · o open browser · esc cancel"))
	return dialogStyle.Render(sb.String())
}

func (a App) renderSelectingModel(s connect.SelectingModel) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(s.Provider.DisplayName() + " · choose a model"))
	sb.WriteString("\n")
	options := make([]string, 0, len(s.Options))
	for _, opt := range s.Options {
		label := opt.Display
		if opt.ID != "" && opt.ID != opt.Display {
			label += "  " + subtitleStyle.Render(opt.ID)
		}
		options = append(options, label)
	}
	sb.WriteString(renderOptionList(options, s.Selected))
	sb.WriteString("\n")
	sb.WriteString(helpStyle.Render("enter confirm · esc cancel"))
	return dialogStyle.Render(sb.String())
}
