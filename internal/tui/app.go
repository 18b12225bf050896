package tui

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	log "github.com/sirupsen/logrus"

	"github.com/scrylabs/scry/internal/auth"
	"github.com/scrylabs/scry/internal/config"
	"github.com/scrylabs/scry/internal/connect"
	"github.com/scrylabs/scry/internal/llm"
)

const toastLifetime = 4 * time.Second

type toast struct {
	notice  connect.Notice
	expires time.Time
}

// shared holds state mutated by orchestrator callbacks. All callbacks fire
// synchronously inside orchestrator methods, which the app only calls from
// Update, so a plain struct behind a pointer is safe.
type shared struct {
	orch    *connect.Orchestrator
	notices []connect.Notice

	// configured is set by the orchestrator's completion callback and
	// consumed by Update on the next pass.
	configured *configuredEvent
}

type configuredEvent struct {
	provider llm.Provider
	cred     auth.Credential
	model    string
}

// App is the root bubbletea model: a chat transcript with a provider
// picker and a connection dialog layered on top.
type App struct {
	cfg       *config.Config
	storePath string

	shared *shared

	// Active backend, nil until the user connects a provider.
	provider llm.LlmProvider

	transcript []llm.ChatMessage
	streaming  bool
	partial    strings.Builder
	events     <-chan llm.StreamEvent
	cancelChat context.CancelFunc

	viewport viewport.Model
	input    textinput.Model

	picking      bool
	pickerCursor int

	toasts []toast

	width  int
	height int
	ready  bool
}

type (
	tickMsg        time.Time
	streamEventMsg struct {
		event llm.StreamEvent
		ok    bool
	}
)

// NewApp creates the root TUI application model.
func NewApp(cfg *config.Config, storePath string) App {
	if cfg == nil {
		cfg = config.Default()
	}

	ti := textinput.New()
	ti.Placeholder = "Type a message, ctrl+p to connect a provider"
	ti.CharLimit = 4096
	ti.Prompt = "> "
	ti.Focus()

	sh := &shared{}
	sh.orch = connect.New(connect.Config{
		StorePath: storePath,
		Notify: func(n connect.Notice) {
			sh.notices = append(sh.notices, n)
		},
		Configured: func(p llm.Provider, cred auth.Credential, model string) {
			sh.configured = &configuredEvent{provider: p, cred: cred, model: model}
		},
	})

	app := App{
		cfg:       cfg,
		storePath: storePath,
		shared:    sh,
		input:     ti,
	}
	app.restoreProvider()
	return app
}

// restoreProvider picks up a stored credential for the first configured
// provider so a returning user lands straight in the chat.
func (a *App) restoreProvider() {
	store, err := auth.LoadFrom(a.storePath)
	if err != nil {
		log.WithError(err).Debug("no credential store to restore from")
		return
	}
	for _, p := range llm.All() {
		cred, ok := store.Get(p.StorageKey())
		if !ok || cred.IsExpired() {
			continue
		}
		a.provider = a.buildProvider(p, cred, cred.Model)
		log.WithField("provider", p.DisplayName()).Info("restored stored connection")
		return
	}
}

// buildProvider constructs the backend adapter for a credential, applying
// any config file overrides.
func (a *App) buildProvider(p llm.Provider, cred auth.Credential, model string) llm.LlmProvider {
	overrides := a.cfg.Provider(p.StorageKey())
	if model == "" {
		model = overrides.Model
	}

	switch p {
	case llm.Anthropic:
		ap := llm.NewAnthropicProvider(cred).WithStorePath(a.storePath)
		if model != "" {
			ap = ap.WithModel(model)
		}
		if overrides.BaseURL != "" {
			ap = ap.WithBaseURL(overrides.BaseURL)
		}
		return ap
	case llm.GitHubCopilot:
		cp := llm.NewCopilotProvider(cred.Token())
		if model != "" {
			cp = cp.WithModel(model)
		}
		if overrides.BaseURL != "" {
			cp = cp.WithBaseURL(overrides.BaseURL)
		}
		return cp
	case llm.OpenRouter:
		op := llm.NewOpenRouterProvider(cred.Token())
		if model != "" {
			op = op.WithModel(model)
		}
		if overrides.BaseURL != "" {
			op = op.WithBaseURL(overrides.BaseURL)
		}
		return op
	case llm.Ollama:
		ol := llm.NewOllamaProvider()
		if model != "" {
			ol = ol.WithModel(model)
		}
		if overrides.BaseURL != "" {
			ol = ol.WithBaseURL(overrides.BaseURL)
		}
		return ol
	}
	return nil
}

func (a App) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, tick())
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		contentH := a.height - 4 // status bar, input, toast line
		if contentH < 1 {
			contentH = 1
		}
		if !a.ready {
			a.viewport = viewport.New(a.width, contentH)
			a.ready = true
		} else {
			a.viewport.Width = a.width
			a.viewport.Height = contentH
		}
		a.input.Width = a.width - 4
		a.refreshTranscript()
		return a, nil

	case tickMsg:
		a.shared.orch.Tick()
		a.shared.orch.PollTasks()
		a.drainShared()
		a.pruneToasts()
		return a, tick()

	case streamEventMsg:
		return a.handleStreamEvent(msg)

	case tea.KeyMsg:
		return a.handleKey(msg)
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

// drainShared moves orchestrator callback output into the model.
func (a *App) drainShared() {
	for _, n := range a.shared.notices {
		a.toasts = append(a.toasts, toast{notice: n, expires: time.Now().Add(toastLifetime)})
	}
	a.shared.notices = a.shared.notices[:0]

	if ev := a.shared.configured; ev != nil {
		a.shared.configured = nil
		a.provider = a.buildProvider(ev.provider, ev.cred, ev.model)
		a.input.Placeholder = "Type a message"
	}
}

func (a *App) pruneToasts() {
	now := time.Now()
	kept := a.toasts[:0]
	for _, t := range a.toasts {
		if t.expires.After(now) {
			kept = append(kept, t)
		}
	}
	a.toasts = kept
}

func (a App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		if a.cancelChat != nil {
			a.cancelChat()
		}
		return a, tea.Quit
	}

	if a.shared.orch.Active() {
		return a.handleConnectKey(msg)
	}

	if a.picking {
		return a.handlePickerKey(msg)
	}

	switch msg.String() {
	case "ctrl+p":
		a.picking = true
		a.pickerCursor = 0
		return a, nil
	case "ctrl+l":
		a.transcript = nil
		a.refreshTranscript()
		return a, nil
	case "esc":
		if a.streaming {
			return a.stopStreaming("response cancelled"), nil
		}
		return a, nil
	case "enter":
		return a.sendMessage()
	case "up", "down", "pgup", "pgdown":
		var cmd tea.Cmd
		a.viewport, cmd = a.viewport.Update(msg)
		return a, cmd
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

func (a App) handlePickerKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	providers := llm.All()
	switch msg.String() {
	case "esc":
		a.picking = false
		return a, nil
	case "up":
		if a.pickerCursor > 0 {
			a.pickerCursor--
		}
		return a, nil
	case "down":
		if a.pickerCursor < len(providers)-1 {
			a.pickerCursor++
		}
		return a, nil
	case "enter":
		a.picking = false
		a.shared.orch.StartConnection(providers[a.pickerCursor])
		a.drainShared()
		return a, nil
	}
	return a, nil
}

func (a App) sendMessage() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(a.input.Value())
	if text == "" || a.streaming {
		return a, nil
	}
	if a.provider == nil || !a.provider.IsConfigured() {
		a.toasts = append(a.toasts, toast{
			notice:  connect.Notice{Text: "Connect a provider first (ctrl+p)", IsError: true},
			expires: time.Now().Add(toastLifetime),
		})
		return a, nil
	}

	a.input.SetValue("")
	a.transcript = append(a.transcript, llm.ChatMessage{Role: "user", Content: text})
	a.refreshTranscript()

	messages := a.outgoingMessages()
	ctx, cancel := context.WithCancel(context.Background())
	a.cancelChat = cancel
	a.events = a.provider.StreamChat(ctx, messages)
	a.streaming = true
	a.partial.Reset()
	return a, waitForStream(a.events)
}

// outgoingMessages prepends the configured system prompt to the transcript.
func (a App) outgoingMessages() []llm.ChatMessage {
	if strings.TrimSpace(a.cfg.Chat.SystemPrompt) == "" {
		return a.transcript
	}
	out := make([]llm.ChatMessage, 0, len(a.transcript)+1)
	out = append(out, llm.ChatMessage{Role: "system", Content: a.cfg.Chat.SystemPrompt})
	return append(out, a.transcript...)
}

func waitForStream(ch <-chan llm.StreamEvent) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		return streamEventMsg{event: ev, ok: ok}
	}
}

func (a App) handleStreamEvent(msg streamEventMsg) (tea.Model, tea.Cmd) {
	if !a.streaming {
		return a, nil
	}
	if !msg.ok {
		return a.stopStreaming(""), nil
	}

	switch msg.event.Kind {
	case llm.EventToken:
		a.partial.WriteString(msg.event.Text)
		a.refreshTranscript()
		return a, waitForStream(a.events)
	case llm.EventDone:
		return a.stopStreaming(""), nil
	case llm.EventAuthError:
		model := a.stopStreaming("")
		app := model.(App)
		app.purgeCredential()
		app.toasts = append(app.toasts, toast{
			notice:  connect.Notice{Text: "Credential rejected: " + msg.event.Text + " (reconnect with ctrl+p)", IsError: true},
			expires: time.Now().Add(toastLifetime),
		})
		return app, nil
	case llm.EventError:
		model := a.stopStreaming("")
		app := model.(App)
		app.toasts = append(app.toasts, toast{
			notice:  connect.Notice{Text: msg.event.Text, IsError: true},
			expires: time.Now().Add(toastLifetime),
		})
		return app, nil
	}
	return a, waitForStream(a.events)
}

// purgeCredential removes the active provider's stored credential after
// the upstream rejected it, so the next connection starts fresh instead
// of reusing a dead token. The provider is dropped too.
func (a *App) purgeCredential() {
	if a.provider == nil {
		return
	}
	key := a.provider.ProviderKind().StorageKey()
	a.provider = nil
	a.input.Placeholder = "Type a message, ctrl+p to connect a provider"

	store, err := auth.LoadFrom(a.storePath)
	if err != nil {
		log.WithError(err).Warn("cannot purge rejected credential, store unreadable")
		return
	}
	if !store.Has(key) {
		return
	}
	store.Remove(key)
	if err := store.SaveTo(a.storePath); err != nil {
		log.WithError(err).Warn("failed to persist credential purge")
		return
	}
	log.WithField("provider", key).Info("purged rejected credential")
}

// stopStreaming commits any partial response to the transcript and tears
// down the stream. A non-empty note becomes a toast.
func (a App) stopStreaming(note string) tea.Model {
	if a.cancelChat != nil {
		a.cancelChat()
		a.cancelChat = nil
	}
	if a.partial.Len() > 0 {
		a.transcript = append(a.transcript, llm.ChatMessage{Role: "assistant", Content: a.partial.String()})
	}
	a.partial.Reset()
	a.streaming = false
	a.events = nil
	if note != "" {
		a.toasts = append(a.toasts, toast{
			notice:  connect.Notice{Text: note},
			expires: time.Now().Add(toastLifetime),
		})
	}
	a.refreshTranscript()
	return a
}

func (a App) View() string {
	if !a.ready {
		return "Starting scry..."
	}

	var sb strings.Builder

	switch {
	case a.shared.orch.Active():
		sb.WriteString(a.renderConnect())
	case a.picking:
		sb.WriteString(a.renderPicker())
	default:
		sb.WriteString(a.viewport.View())
		sb.WriteString("\n")
		sb.WriteString(a.input.View())
	}

	sb.WriteString("\n")
	sb.WriteString(a.renderToasts())
	sb.WriteString("\n")
	sb.WriteString(a.renderStatusBar())

	return sb.String()
}

func (a App) renderPicker() string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Connect a provider"))
	sb.WriteString("\n")

	store, err := auth.LoadFrom(a.storePath)
	if err != nil {
		store = auth.NewStore()
	}

	for i, p := range llm.All() {
		label := p.DisplayName()
		if store.Has(p.StorageKey()) {
			label += "  " + successStyle.Render("(connected)")
		} else if !p.RequiresAPIKey() && p.OAuth() == llm.OAuthNone {
			label += "  " + subtitleStyle.Render("(no key needed)")
		}
		if i == a.pickerCursor {
			sb.WriteString(listSelectedStyle.Render(label))
		} else {
			sb.WriteString(listItemStyle.Render(label))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	sb.WriteString(helpStyle.Render("enter select · esc close"))
	return dialogStyle.Render(sb.String())
}

func (a App) renderToasts() string {
	if len(a.toasts) == 0 {
		return ""
	}
	parts := make([]string, 0, len(a.toasts))
	for _, t := range a.toasts {
		if t.notice.IsError {
			parts = append(parts, errorStyle.Render(t.notice.Text))
		} else {
			parts = append(parts, successStyle.Render(t.notice.Text))
		}
	}
	return strings.Join(parts, "  ")
}

func (a App) renderStatusBar() string {
	left := "scry"
	if a.provider != nil {
		left = fmt.Sprintf("scry · %s · %s", a.provider.DisplayName(), a.provider.Model())
	}
	if a.streaming {
		left += " · streaming"
	}
	right := "ctrl+p providers · ctrl+l clear · ctrl+c quit"

	width := a.width
	if width < 1 {
		width = 1
	}
	contentWidth := width - 2
	if contentWidth < 0 {
		contentWidth = 0
	}
	gap := contentWidth - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 0 {
		right = ""
		gap = contentWidth - lipgloss.Width(left)
		if gap < 0 {
			gap = 0
		}
	}
	return statusBarStyle.Width(width).Render(left + strings.Repeat(" ", gap) + right)
}

func (a *App) refreshTranscript() {
	if !a.ready {
		return
	}
	var sb strings.Builder
	for _, m := range a.transcript {
		switch m.Role {
		case "user":
			sb.WriteString(userLabelStyle.Render("you"))
		default:
			sb.WriteString(assistantLabelStyle.Render("assistant"))
		}
		sb.WriteString("\n")
		sb.WriteString(chatTextStyle.Render(m.Content))
		sb.WriteString("\n\n")
	}
	if a.streaming {
		sb.WriteString(assistantLabelStyle.Render("assistant"))
		sb.WriteString("\n")
		sb.WriteString(chatTextStyle.Render(a.partial.String()))
		sb.WriteString(warningStyle.Render(" ▌"))
		sb.WriteString("\n")
	}
	a.viewport.SetContent(sb.String())
	a.viewport.GotoBottom()
}

// copyToClipboard is a seam for tests and headless environments.
var copyToClipboard = clipboard.WriteAll

// readClipboard is the paste counterpart.
var readClipboard = clipboard.ReadAll

// Run starts the TUI application.
// output specifies where bubbletea renders. If nil, defaults to os.Stdout.
func Run(cfg *config.Config, storePath string, output io.Writer) error {
	if output == nil {
		output = os.Stdout
	}
	app := NewApp(cfg, storePath)
	p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithOutput(output))
	_, err := p.Run()
	return err
}
