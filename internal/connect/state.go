// Package connect implements the connection state machine that takes a
// provider from "nothing stored" to "credential persisted, provider
// configured". All network work runs on background tasks polled once per
// UI tick, so no method here ever blocks.
package connect

import (
	"github.com/scrylabs/scry/internal/auth"
	"github.com/scrylabs/scry/internal/llm"
)

// State is the connection dialog's current position. It is a closed set:
// every implementation lives in this file, and consumers type-switch over
// the concrete states so the compiler surfaces unhandled ones.
type State interface {
	connectState()
}

// Idle means no connection dialog is open.
type Idle struct{}

// HaveCredential offers reuse of a stored, non-expired credential.
type HaveCredential struct {
	Provider  llm.Provider
	MaskedKey string
	// Model is the cached model choice, "" when none was stored.
	Model    string
	Selected int
}

// ChoosingAuthMethod offers the PKCE provider's three ways in:
// subscription OAuth, create-key OAuth, or manual key entry.
type ChoosingAuthMethod struct {
	Provider llm.Provider
	Selected int
}

// ChoosingEntryMethod offers manual entry or opening the key-creation page
// for plain API-key providers.
type ChoosingEntryMethod struct {
	Provider llm.Provider
	Selected int
}

// EnteringKey is the API key input field.
type EnteringKey struct {
	Provider llm.Provider
	Input    string
	Cursor   int
	// Err is the inline message from a failed format check or a failed
	// validation attempt.
	Err string
}

// ValidatingKey means a live validation request is in flight. Input and
// Cursor carry the submitted text so a failed check re-opens the entry
// dialog pre-filled instead of forcing the user to retype.
type ValidatingKey struct {
	Provider llm.Provider
	Input    string
	Cursor   int
}

// EnteringAuthCode is the paste field for the browser-delivered
// "{code}#{state}" string.
type EnteringAuthCode struct {
	Provider llm.Provider
	Method   auth.AuthMethod
	Input    string
	Cursor   int
	Err      string
}

// ExchangingCode means the code-for-token exchange is in flight.
type ExchangingCode struct {
	Provider llm.Provider
}

// RequestingDeviceCode means the device authorization request is in
// flight.
type RequestingDeviceCode struct {
	Provider llm.Provider
}

// Polling shows the user code while the poll loop runs. SecondsRemaining
// is a countdown to the device code's expiry, driven by Tick.
type Polling struct {
	Provider         llm.Provider
	UserCode         string
	VerificationURI  string
	SecondsRemaining int
}

// SelectingModel is the model picker shown after a successful OAuth
// connection, or directly from HaveCredential when changing the model of
// a stored credential.
type SelectingModel struct {
	Provider llm.Provider
	Options  []llm.ModelOption
	Selected int
	// Token is the freshly obtained token to persist with the chosen
	// model; nil when re-selecting a model for an already stored
	// credential.
	Token *auth.TokenResponse
}

func (Idle) connectState()                 {}
func (HaveCredential) connectState()       {}
func (ChoosingAuthMethod) connectState()   {}
func (ChoosingEntryMethod) connectState()  {}
func (EnteringKey) connectState()          {}
func (ValidatingKey) connectState()        {}
func (EnteringAuthCode) connectState()     {}
func (ExchangingCode) connectState()       {}
func (RequestingDeviceCode) connectState() {}
func (Polling) connectState()              {}
func (SelectingModel) connectState()       {}
