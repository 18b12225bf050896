package connect

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/scrylabs/scry/internal/auth"
	"github.com/scrylabs/scry/internal/browser"
	"github.com/scrylabs/scry/internal/llm"
)

// Notice is a transient message for the UI's toast area.
type Notice struct {
	Text    string
	IsError bool
}

// Config wires the orchestrator to its collaborators. Zero-value fields
// get working defaults; tests replace them with fakes.
type Config struct {
	// StorePath is where the credential file lives. Empty uses the
	// per-OS default.
	StorePath string
	// Validate proves a credential against the live API. Defaults to
	// llm.NewValidator().
	Validate func(ctx context.Context, provider llm.Provider, cred auth.Credential) error
	// OpenURL opens a browser. Defaults to the real opener.
	OpenURL func(url string) error
	// Notify receives toast messages. Defaults to a log-only sink.
	Notify func(n Notice)
	// Configured is called when a connection completes, with the
	// credential and chosen model ("" for the provider default).
	Configured func(provider llm.Provider, cred auth.Credential, model string)
	// DeviceConfig is the device-flow target. Defaults to GitHub's.
	DeviceConfig auth.DeviceCodeConfig
	// NewDeviceFlow builds the device flow client. Defaults to
	// auth.NewDeviceCodeFlow; tests substitute a flow with a fake clock.
	NewDeviceFlow func(cfg auth.DeviceCodeConfig) *auth.DeviceCodeFlow
	// Exchange swaps a pasted auth code for tokens. Defaults to the
	// flow's own ExchangeCode.
	Exchange func(ctx context.Context, flow *auth.AuthCodeFlow, input string) (*auth.TokenResponse, error)
}

// Orchestrator owns the connection state machine. All methods must be
// called from the UI goroutine; background work happens on tasks whose
// handles are polled by PollTasks. At most one task per flow kind is
// outstanding, which also serializes credential-file mutations.
type Orchestrator struct {
	cfg   Config
	state State

	// Live protocol objects for the current attempt.
	authFlow   *auth.AuthCodeFlow
	deviceFlow *auth.DeviceCodeFlow
	deviceCode *auth.DeviceCode

	// lastCodeInput is what the user pasted into the auth-code dialog, so
	// a pre-network format failure re-opens the dialog with it intact.
	lastCodeInput string

	// One handle field per flow kind; a non-nil field means that flow has
	// a task in flight and starting another is refused.
	validateTask   *Handle[auth.Credential]
	exchangeTask   *Handle[*auth.TokenResponse]
	deviceReqTask  *Handle[*auth.DeviceCode]
	devicePollTask *Handle[*auth.TokenResponse]

	// validatedThisSession tracks storage keys whose stored token already
	// passed a live check since startup, so reuse skips re-validation.
	validatedThisSession map[string]bool
}

// New creates an orchestrator in the Idle state.
func New(cfg Config) *Orchestrator {
	if cfg.Validate == nil {
		v := llm.NewValidator()
		cfg.Validate = v.Validate
	}
	if cfg.OpenURL == nil {
		cfg.OpenURL = browser.OpenURL
	}
	if cfg.Notify == nil {
		cfg.Notify = func(n Notice) {
			if n.IsError {
				log.Warn(n.Text)
			} else {
				log.Info(n.Text)
			}
		}
	}
	if cfg.Configured == nil {
		cfg.Configured = func(llm.Provider, auth.Credential, string) {}
	}
	if cfg.DeviceConfig == (auth.DeviceCodeConfig{}) {
		cfg.DeviceConfig = auth.GitHubCopilotConfig()
	}
	if cfg.NewDeviceFlow == nil {
		cfg.NewDeviceFlow = auth.NewDeviceCodeFlow
	}
	if cfg.Exchange == nil {
		cfg.Exchange = func(ctx context.Context, flow *auth.AuthCodeFlow, input string) (*auth.TokenResponse, error) {
			return flow.ExchangeCode(ctx, input)
		}
	}
	if cfg.StorePath == "" {
		if path, err := auth.DefaultStorePath(); err == nil {
			cfg.StorePath = path
		}
	}
	return &Orchestrator{
		cfg:                  cfg,
		state:                Idle{},
		validatedThisSession: make(map[string]bool),
	}
}

// State returns the current state for rendering. Treat it as read-only.
func (o *Orchestrator) State() State { return o.state }

// Active reports whether a connection dialog is open.
func (o *Orchestrator) Active() bool {
	_, idle := o.state.(Idle)
	return !idle
}

func (o *Orchestrator) toast(text string) {
	o.cfg.Notify(Notice{Text: text})
}

func (o *Orchestrator) toastErr(text string) {
	o.cfg.Notify(Notice{Text: text, IsError: true})
}

// loadStore reads the credential file, surfacing parse errors instead of
// quietly discarding stored secrets.
func (o *Orchestrator) loadStore() (*auth.Store, error) {
	return auth.LoadFrom(o.cfg.StorePath)
}

// StartConnection opens the connection dialog for a provider. The route
// depends on what is stored and how the provider authenticates.
func (o *Orchestrator) StartConnection(p llm.Provider) {
	if o.Active() {
		log.Debug("connection dialog already open, ignoring start")
		return
	}

	store, err := o.loadStore()
	if err != nil {
		o.toastErr(fmt.Sprintf("Cannot read credentials: %v", err))
		return
	}

	if cred, ok := store.Get(p.StorageKey()); ok && !cred.IsExpired() {
		o.state = HaveCredential{
			Provider:  p,
			MaskedKey: maskToken(cred.Token()),
			Model:     cred.Model,
		}
		return
	}

	switch {
	case p.OAuth() == llm.OAuthAuthCode:
		o.state = ChoosingAuthMethod{Provider: p}
	case p.OAuth() == llm.OAuthDeviceCode:
		o.startDeviceRequest(p)
	case !p.RequiresAPIKey():
		o.complete(p, auth.NewAPIKey(""), "")
	default:
		o.state = ChoosingEntryMethod{Provider: p}
	}
}

// Cancel abandons the dialog from any state. Pending task handles are
// cancelled and dropped; a request already on the wire may still complete
// and be discarded.
func (o *Orchestrator) Cancel() {
	o.dropTasks()
	o.authFlow = nil
	o.deviceFlow = nil
	o.deviceCode = nil
	o.state = Idle{}
}

func (o *Orchestrator) dropTasks() {
	if o.validateTask != nil {
		o.validateTask.Cancel()
		o.validateTask = nil
	}
	if o.exchangeTask != nil {
		o.exchangeTask.Cancel()
		o.exchangeTask = nil
	}
	if o.deviceReqTask != nil {
		o.deviceReqTask.Cancel()
		o.deviceReqTask = nil
	}
	if o.devicePollTask != nil {
		o.devicePollTask.Cancel()
		o.devicePollTask = nil
	}
}

// MoveSelection moves the highlighted option in menu states.
func (o *Orchestrator) MoveSelection(delta int) {
	clamp := func(sel, n int) int {
		sel += delta
		if sel < 0 {
			sel = 0
		}
		if sel > n-1 {
			sel = n - 1
		}
		return sel
	}
	switch s := o.state.(type) {
	case HaveCredential:
		s.Selected = clamp(s.Selected, len(haveCredentialOptions(s)))
		o.state = s
	case ChoosingAuthMethod:
		s.Selected = clamp(s.Selected, 3)
		o.state = s
	case ChoosingEntryMethod:
		s.Selected = clamp(s.Selected, 3)
		o.state = s
	case SelectingModel:
		s.Selected = clamp(s.Selected, len(s.Options))
		o.state = s
	}
}

// TypeRune appends input in text-entry states.
func (o *Orchestrator) TypeRune(r rune) {
	switch s := o.state.(type) {
	case EnteringKey:
		s.Input = s.Input[:s.Cursor] + string(r) + s.Input[s.Cursor:]
		s.Cursor += len(string(r))
		s.Err = ""
		o.state = s
	case EnteringAuthCode:
		s.Input = s.Input[:s.Cursor] + string(r) + s.Input[s.Cursor:]
		s.Cursor += len(string(r))
		s.Err = ""
		o.state = s
	}
}

// Paste inserts a whole string at the cursor in text-entry states.
func (o *Orchestrator) Paste(text string) {
	for _, r := range text {
		if r == '\n' || r == '\r' {
			continue
		}
		o.TypeRune(r)
	}
}

// Backspace deletes the rune before the cursor in text-entry states.
func (o *Orchestrator) Backspace() {
	del := func(input string, cursor int) (string, int) {
		if cursor == 0 {
			return input, cursor
		}
		runes := []rune(input[:cursor])
		cut := len(string(runes[len(runes)-1]))
		return input[:cursor-cut] + input[cursor:], cursor - cut
	}
	switch s := o.state.(type) {
	case EnteringKey:
		s.Input, s.Cursor = del(s.Input, s.Cursor)
		o.state = s
	case EnteringAuthCode:
		s.Input, s.Cursor = del(s.Input, s.Cursor)
		o.state = s
	}
}

// MoveCursor moves the text cursor by delta runes.
func (o *Orchestrator) MoveCursor(delta int) {
	move := func(input string, cursor int) int {
		runes := []rune(input)
		pos := len([]rune(input[:cursor]))
		pos += delta
		if pos < 0 {
			pos = 0
		}
		if pos > len(runes) {
			pos = len(runes)
		}
		return len(string(runes[:pos]))
	}
	switch s := o.state.(type) {
	case EnteringKey:
		s.Cursor = move(s.Input, s.Cursor)
		o.state = s
	case EnteringAuthCode:
		s.Cursor = move(s.Input, s.Cursor)
		o.state = s
	}
}

// Confirm acts on the current state's primary action (Enter).
func (o *Orchestrator) Confirm() {
	switch s := o.state.(type) {
	case HaveCredential:
		o.confirmHaveCredential(s)
	case ChoosingAuthMethod:
		o.confirmAuthMethod(s)
	case ChoosingEntryMethod:
		o.confirmEntryMethod(s)
	case EnteringKey:
		o.submitKey(s)
	case EnteringAuthCode:
		o.submitAuthCode(s)
	case SelectingModel:
		o.confirmModel(s)
	}
}

// haveCredentialOptions returns the menu for a stored credential. "Change
// model" only appears when a model is cached.
func haveCredentialOptions(s HaveCredential) []string {
	opts := []string{"Use existing credential", "Enter new credential"}
	if s.Model != "" {
		opts = append(opts, "Change model")
	}
	return opts
}

func (o *Orchestrator) confirmHaveCredential(s HaveCredential) {
	switch s.Selected {
	case 0: // use existing
		store, err := o.loadStore()
		if err != nil {
			o.toastErr(fmt.Sprintf("Cannot read credentials: %v", err))
			o.state = Idle{}
			return
		}
		cred, ok := store.Get(s.Provider.StorageKey())
		if !ok || cred.IsExpired() {
			o.toastErr("Stored credential is gone or expired")
			o.state = Idle{}
			return
		}
		needsModel := s.Provider.NeedsModelSelection() && cred.Model == ""
		if needsModel || !o.validatedThisSession[s.Provider.StorageKey()] {
			o.startValidation(s.Provider, cred, "", 0)
			return
		}
		o.complete(s.Provider, cred, cred.Model)
	case 1: // enter new
		switch {
		case s.Provider.OAuth() == llm.OAuthAuthCode:
			o.state = ChoosingAuthMethod{Provider: s.Provider}
		case s.Provider.OAuth() == llm.OAuthDeviceCode:
			o.startDeviceRequest(s.Provider)
		default:
			o.state = EnteringKey{Provider: s.Provider}
		}
	case 2: // change model, stored credential stays
		o.state = SelectingModel{
			Provider: s.Provider,
			Options:  s.Provider.ModelOptions(),
			Selected: selectedModelIndex(s.Provider, s.Model),
		}
	}
}

func (o *Orchestrator) confirmAuthMethod(s ChoosingAuthMethod) {
	switch s.Selected {
	case 0, 1:
		method := auth.MethodClaudePro
		if s.Selected == 1 {
			method = auth.MethodCreateKey
		}
		flow, err := auth.NewAuthCodeFlow(method)
		if err != nil {
			o.toastErr(fmt.Sprintf("Cannot start OAuth: %v", err))
			o.state = Idle{}
			return
		}
		o.authFlow = flow
		if err := o.cfg.OpenURL(flow.AuthURL()); err != nil {
			o.toast("Could not open browser. Copy the URL from the dialog instead.")
		}
		o.state = EnteringAuthCode{Provider: s.Provider, Method: method}
	case 2:
		o.state = EnteringKey{Provider: s.Provider}
	}
}

func (o *Orchestrator) confirmEntryMethod(s ChoosingEntryMethod) {
	switch s.Selected {
	case 0:
		o.state = EnteringKey{Provider: s.Provider}
	case 1:
		if url := s.Provider.KeyCreationURL(); url != "" {
			if err := o.cfg.OpenURL(url); err != nil {
				o.toastErr("Could not open browser")
			}
		}
		// Stay put so the user can come back and paste the new key.
	case 2:
		o.Cancel()
	}
}

func (o *Orchestrator) submitKey(s EnteringKey) {
	if msg := s.Provider.ValidateKeyFormat(s.Input); msg != "" {
		s.Err = msg
		o.state = s
		return
	}
	o.startValidation(s.Provider, auth.NewAPIKey(strings.TrimSpace(s.Input)), s.Input, s.Cursor)
}

// startValidation spawns the live credential check and moves to
// ValidatingKey. input and cursor are the entry-field contents being
// validated, empty when re-checking a stored credential.
func (o *Orchestrator) startValidation(p llm.Provider, cred auth.Credential, input string, cursor int) {
	if o.validateTask != nil {
		log.Warn("validation already in flight, refusing to start another")
		return
	}
	o.validateTask = spawn(context.Background(), func(ctx context.Context) (auth.Credential, error) {
		if err := o.cfg.Validate(ctx, p, cred); err != nil {
			return auth.Credential{}, err
		}
		return cred, nil
	})
	o.state = ValidatingKey{Provider: p, Input: input, Cursor: cursor}
}

func (o *Orchestrator) submitAuthCode(s EnteringAuthCode) {
	if o.exchangeTask != nil {
		log.Warn("code exchange already in flight, refusing to start another")
		return
	}
	flow := o.authFlow
	if flow == nil {
		o.toastErr("OAuth attempt was lost, please start over")
		o.state = Idle{}
		return
	}
	input := s.Input
	o.lastCodeInput = input
	o.exchangeTask = spawn(context.Background(), func(ctx context.Context) (*auth.TokenResponse, error) {
		return o.cfg.Exchange(ctx, flow, input)
	})
	o.state = ExchangingCode{Provider: s.Provider}
}

// startDeviceRequest spawns the device authorization request.
func (o *Orchestrator) startDeviceRequest(p llm.Provider) {
	if o.deviceReqTask != nil {
		log.Warn("device code request already in flight, refusing to start another")
		return
	}
	flow := o.cfg.NewDeviceFlow(o.cfg.DeviceConfig)
	o.deviceFlow = flow
	o.deviceReqTask = spawn(context.Background(), func(ctx context.Context) (*auth.DeviceCode, error) {
		return flow.RequestDeviceCode(ctx)
	})
	o.state = RequestingDeviceCode{Provider: p}
}

// startDevicePoll spawns the RFC 8628 poll loop for a received code.
func (o *Orchestrator) startDevicePoll(p llm.Provider, code *auth.DeviceCode) {
	if o.devicePollTask != nil {
		log.Warn("device poll already in flight, refusing to start another")
		return
	}
	flow := o.deviceFlow
	o.deviceCode = code
	o.devicePollTask = spawn(context.Background(), func(ctx context.Context) (*auth.TokenResponse, error) {
		return flow.PollForToken(ctx, code, nil)
	})
	o.state = Polling{
		Provider:         p,
		UserCode:         code.UserCode,
		VerificationURI:  code.VerificationURI,
		SecondsRemaining: int(code.ExpiresIn),
	}
}

func (o *Orchestrator) confirmModel(s SelectingModel) {
	if len(s.Options) == 0 {
		o.toastErr("No models available")
		o.state = Idle{}
		return
	}
	model := s.Options[s.Selected].ID

	if s.Token != nil {
		cred := auth.NewOAuth(s.Token.AccessToken, s.Token.RefreshToken, s.Token.ExpiresAt())
		cred.Model = model
		o.persistAndComplete(s.Provider, cred, model)
		return
	}

	// Re-selecting a model for a stored credential.
	store, err := o.loadStore()
	if err != nil {
		o.toastErr(fmt.Sprintf("Cannot read credentials: %v", err))
		o.state = Idle{}
		return
	}
	cred, ok := store.Get(s.Provider.StorageKey())
	if !ok {
		o.toastErr("Stored credential is gone")
		o.state = Idle{}
		return
	}
	cred.Model = model
	o.persistAndComplete(s.Provider, cred, model)
}

// persistAndComplete writes the credential and finishes the connection.
func (o *Orchestrator) persistAndComplete(p llm.Provider, cred auth.Credential, model string) {
	store, err := o.loadStore()
	if err != nil {
		o.toastErr(fmt.Sprintf("Cannot read credentials: %v", err))
		o.state = Idle{}
		return
	}
	store.Set(p.StorageKey(), cred)
	if err := store.SaveTo(o.cfg.StorePath); err != nil {
		o.toastErr(fmt.Sprintf("Failed to save credential: %v", err))
		o.state = Idle{}
		return
	}
	o.complete(p, cred, model)
}

// complete configures the active provider and closes the dialog.
func (o *Orchestrator) complete(p llm.Provider, cred auth.Credential, model string) {
	o.validatedThisSession[p.StorageKey()] = true
	o.authFlow = nil
	o.deviceFlow = nil
	o.deviceCode = nil
	o.state = Idle{}
	o.cfg.Configured(p, cred, model)
	o.toast(fmt.Sprintf("Connected to %s", p.DisplayName()))
}

// Tick advances per-second countdowns. During device polling the counter
// decrements while positive; a call that finds it already at zero cancels
// the poll and closes the dialog with a timeout error.
func (o *Orchestrator) Tick() {
	s, ok := o.state.(Polling)
	if !ok {
		return
	}
	if s.SecondsRemaining > 0 {
		s.SecondsRemaining--
		o.state = s
		return
	}
	if o.devicePollTask != nil {
		o.devicePollTask.Cancel()
		o.devicePollTask = nil
	}
	o.toastErr("Device authorization timed out")
	o.state = Idle{}
}

// PollTasks checks every outstanding task handle without blocking. Called
// once per UI tick.
func (o *Orchestrator) PollTasks() {
	o.pollValidation()
	o.pollExchange()
	o.pollDeviceRequest()
	o.pollDevicePoll()
}

func (o *Orchestrator) pollValidation() {
	if o.validateTask == nil {
		return
	}
	cred, err, ready := o.validateTask.Poll()
	if !ready {
		return
	}
	o.validateTask = nil

	s, inState := o.state.(ValidatingKey)
	if !inState {
		// Cancelled or superseded; discard the result.
		return
	}
	if err != nil {
		// Back to entry with the input preserved so the user edits rather
		// than retypes.
		o.state = EnteringKey{Provider: s.Provider, Input: s.Input, Cursor: s.Cursor, Err: friendlyError(err)}
		return
	}

	if s.Provider.NeedsModelSelection() && cred.Model == "" && cred.Type == auth.CredentialTypeOAuth {
		o.state = SelectingModel{Provider: s.Provider, Options: s.Provider.ModelOptions()}
		return
	}
	o.persistAndComplete(s.Provider, cred, cred.Model)
}

func (o *Orchestrator) pollExchange() {
	if o.exchangeTask == nil {
		return
	}
	token, err, ready := o.exchangeTask.Poll()
	if !ready {
		return
	}
	o.exchangeTask = nil

	s, inState := o.state.(ExchangingCode)
	if !inState {
		return
	}
	if err != nil {
		// A format failure never reached the network, so the attempt is
		// still live and the user can fix the paste.
		if auth.IsFormatError(err) && o.authFlow != nil {
			o.state = EnteringAuthCode{
				Provider: s.Provider,
				Method:   o.authFlow.Method(),
				Input:    o.lastCodeInput,
				Cursor:   len(o.lastCodeInput),
				Err:      friendlyError(err),
			}
			return
		}
		// Anything past that point consumed the single-use code; back to
		// Idle, not to code entry.
		o.toastErr(friendlyError(err))
		o.authFlow = nil
		o.state = Idle{}
		return
	}

	if s.Provider.NeedsModelSelection() {
		o.state = SelectingModel{Provider: s.Provider, Options: s.Provider.ModelOptions(), Token: token}
		return
	}
	cred := auth.NewOAuth(token.AccessToken, token.RefreshToken, token.ExpiresAt())
	o.persistAndComplete(s.Provider, cred, "")
}

func (o *Orchestrator) pollDeviceRequest() {
	if o.deviceReqTask == nil {
		return
	}
	code, err, ready := o.deviceReqTask.Poll()
	if !ready {
		return
	}
	o.deviceReqTask = nil

	s, inState := o.state.(RequestingDeviceCode)
	if !inState {
		return
	}
	if err != nil {
		o.toastErr(friendlyError(err))
		o.state = Idle{}
		return
	}
	o.startDevicePoll(s.Provider, code)
}

func (o *Orchestrator) pollDevicePoll() {
	if o.devicePollTask == nil {
		return
	}
	token, err, ready := o.devicePollTask.Poll()
	if !ready {
		return
	}
	o.devicePollTask = nil

	s, inState := o.state.(Polling)
	if !inState {
		return
	}
	if err != nil {
		o.toastErr(friendlyError(err))
		o.state = Idle{}
		return
	}

	if s.Provider.NeedsModelSelection() {
		o.state = SelectingModel{Provider: s.Provider, Options: s.Provider.ModelOptions(), Token: token}
		return
	}
	cred := auth.NewOAuth(token.AccessToken, token.RefreshToken, token.ExpiresAt())
	o.persistAndComplete(s.Provider, cred, "")
}

// maskToken shows just enough of a secret to be recognizable.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "••••••••"
	}
	return token[:8] + "…" + token[len(token)-4:]
}

func selectedModelIndex(p llm.Provider, model string) int {
	for i, opt := range p.ModelOptions() {
		if opt.ID == model {
			return i
		}
	}
	return 0
}

func friendlyError(err error) string {
	switch {
	case auth.IsCSRFError(err):
		return "State mismatch - the pasted code belongs to a different attempt"
	case auth.IsFormatError(err):
		return err.Error()
	case err == auth.ErrDeviceCodeExpired:
		return "The device code expired before authorization completed"
	case err == auth.ErrAccessDenied:
		return "Authorization was declined"
	case err == ErrTaskClosed:
		return "Something went wrong, please try again"
	default:
		return err.Error()
	}
}

