// internal/bridge/dialogs.go
package bridge

import (
	"github.com/xkilldash9x/browserhost/internal/native"
	"go.uber.org/zap"
)

const unloadDialogTitle = "Are you sure you want to leave this page?"

// Dialog is a JavaScript dialog as presented to the host.
type Dialog struct {
	Type          native.DialogType
	Title         string
	Message       string
	DefaultPrompt string
}

// DialogHandler shows dialogs on behalf of pages. Both methods run on the
// host loop goroutine and may pump it while the user answers.
type DialogHandler interface {
	ShowDialog(d Dialog) (ok bool, input string)
	// PromptCredentials is consulted when no authentication listener
	// supplied credentials.
	PromptCredentials(location, realm string) (user, password string, ok bool)
}

// AutoDialogs answers every dialog without user interaction: alerts and
// confirms are accepted, prompts return their default text, and
// credentials are refused.
type AutoDialogs struct {
	Logger *zap.Logger
}

func (a AutoDialogs) ShowDialog(d Dialog) (bool, string) {
	if a.Logger != nil {
		a.Logger.Debug("Answering JavaScript dialog",
			zap.Stringer("type", d.Type),
			zap.String("title", d.Title),
			zap.String("message", d.Message),
		)
	}
	return true, d.DefaultPrompt
}

func (a AutoDialogs) PromptCredentials(location, realm string) (string, string, bool) {
	if a.Logger != nil {
		a.Logger.Debug("Refusing credential prompt", zap.String("location", location), zap.String("realm", realm))
	}
	return "", "", false
}
