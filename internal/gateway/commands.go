package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/rahul/stepwise/internal/chat"
	"github.com/rahul/stepwise/internal/observability"
	"github.com/rahul/stepwise/internal/process"
	"github.com/rahul/stepwise/internal/wizard"
)

const busyReply = "Still working on your last message, one moment..."

const helpText = `Commands:
%[1]sstart - begin a new session
%[1]sstartover - discard the conversation
%[1]stryagain - reset and describe your idea again
%[1]sedit - revise the enhanced prompt
%[1]suse - build steps from the current prompt
%[1]sapprove - start running the steps
%[1]sback - go back one screen
%[1]sdone - complete the current step
%[1]sinput <text> - answer a step that needs input
%[1]schoose <step id> - pick the next step
%[1]sfinish - mark the whole process complete
%[1]sstatus - show where you are`

// Dispatcher maps chat text to wizard actions for the chat gateways. Plain
// text is a submission; text starting with Prefix is a command.
type Dispatcher struct {
	Manager *wizard.Manager
	Prefix  string
	Timeout time.Duration
}

// parseCommand splits "/use@bot args" into ("use", "args").
func parseCommand(prefix, text string) (cmd, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, prefix) {
		return "", "", false
	}
	body := strings.TrimPrefix(text, prefix)
	cmd, args, _ = strings.Cut(body, " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	return strings.ToLower(cmd), strings.TrimSpace(args), cmd != ""
}

// Handle runs one incoming chat message and returns the direct reply, which
// may be empty when the answer arrives as a wizard event.
func (d *Dispatcher) Handle(ctx context.Context, sessionID, text string) string {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	cmd, args, isCmd := parseCommand(d.Prefix, text)
	if !isCmd {
		return d.submit(ctx, sessionID, text)
	}
	observability.SetLastAction(cmd)

	if cmd == "start" {
		w := d.Manager.Create(sessionID)
		if err := w.Start(); err != nil {
			return d.reply(w, err)
		}
		return ""
	}
	if cmd == "help" {
		return fmt.Sprintf(helpText, d.Prefix)
	}

	w := d.Manager.GetOrCreate(sessionID)
	switch cmd {
	case "startover":
		return d.reply(w, w.StartOver())
	case "tryagain":
		reset, err := w.TryAgain()
		if err != nil {
			return d.reply(w, err)
		}
		if !reset {
			return "Nothing to reset. What do you want to accomplish?"
		}
		return ""
	case "edit":
		prefill, err := w.Edit()
		if err != nil {
			return d.reply(w, err)
		}
		return "Send the revised prompt. Current version:\n\n" + prefill
	case "use":
		p, err := w.UsePrompt(ctx)
		if err != nil {
			return d.reply(w, err)
		}
		return fmt.Sprintf("%s\n\nSend %sapprove to start or %sback to keep refining.", p.Render(), d.Prefix, d.Prefix)
	case "approve":
		if err := w.Approve(); err != nil {
			return d.reply(w, err)
		}
		return d.progress(w)
	case "back":
		if err := w.Back(); err != nil {
			return d.reply(w, err)
		}
		return fmt.Sprintf("Back to %s.", w.Phase())
	case "done":
		cur, err := currentStep(w)
		if err != nil {
			return d.reply(w, err)
		}
		return d.afterStep(w, w.CompleteStep(cur.ID))
	case "input":
		cur, err := currentStep(w)
		if err != nil {
			return d.reply(w, err)
		}
		return d.afterStep(w, w.SubmitHumanInput(cur.ID, args))
	case "choose":
		return d.afterStep(w, w.Choose(args))
	case "finish":
		return d.afterStep(w, w.MarkComplete())
	case "status":
		return d.status(w)
	default:
		return fmt.Sprintf("Unknown command %s%s. Send %shelp for the list.", d.Prefix, cmd, d.Prefix)
	}
}

func (d *Dispatcher) submit(ctx context.Context, sessionID, text string) string {
	w := d.Manager.GetOrCreate(sessionID)
	if w.Phase() == wizard.PhaseWelcome {
		if err := w.Start(); err != nil {
			return d.reply(w, err)
		}
	}
	observability.SetLastAction("submit")
	if err := w.Submit(ctx, text); err != nil {
		return d.reply(w, err)
	}
	snap := w.Snapshot()
	if snap.Chat.Error != "" {
		return snap.Chat.Error
	}
	if snap.Chat.Phase == chat.PhaseFinal {
		return fmt.Sprintf("Send %suse to build the steps, %sedit to revise, or %stryagain to start fresh.", d.Prefix, d.Prefix, d.Prefix)
	}
	return ""
}

// reply turns an action error into user-facing text.
func (d *Dispatcher) reply(w *wizard.Wizard, err error) string {
	if err == nil {
		return ""
	}
	snap := w.Snapshot()
	switch {
	case errors.Is(err, chat.ErrBusy):
		return busyReply
	case errors.Is(err, wizard.ErrDenied):
		return snap.Banner
	case errors.Is(err, chat.ErrEmptyInput):
		return "Please type something first."
	case errors.Is(err, wizard.ErrNoPrompt):
		return "Tell me what you want to accomplish first."
	case errors.Is(err, chat.ErrNothingToEdit):
		return "There is no enhanced prompt to edit yet."
	case errors.Is(err, wizard.ErrWrongPhase):
		return fmt.Sprintf("That isn't available right now (current screen: %s). Send %sstatus for details.", snap.Phase, d.Prefix)
	case errors.Is(err, process.ErrNeedsHumanInput):
		return fmt.Sprintf("This step needs your input. Reply with %sinput <text>.", d.Prefix)
	case errors.Is(err, process.ErrEmptyHumanInput):
		return fmt.Sprintf("Usage: %sinput <text>", d.Prefix)
	case snap.Chat.Error != "":
		return snap.Chat.Error
	}
	log.Printf("[Dispatcher %s] %v", w.ID(), err)
	return "Sorry, that didn't work: " + err.Error()
}

func (d *Dispatcher) afterStep(w *wizard.Wizard, err error) string {
	if err != nil {
		return d.reply(w, err)
	}
	return d.progress(w)
}

func (d *Dispatcher) progress(w *wizard.Wizard) string {
	snap := w.Snapshot()
	if snap.Process == nil {
		return ""
	}
	out := snap.Process.Render()
	if snap.Process.Status == process.StatusCompleted {
		return out + "\n\nProcess complete."
	}
	if cur := snap.Process.Current(); cur != nil {
		out += "\n\nCurrent step: " + cur.Title
		if cur.Description != "" {
			out += "\n" + cur.Description
		}
		if cur.Status == process.StepWaitingForHuman {
			out += fmt.Sprintf("\nReply with %sinput <text> to continue.", d.Prefix)
		} else {
			out += fmt.Sprintf("\nSend %sdone when finished.", d.Prefix)
		}
		if len(cur.NextSteps) > 1 {
			out += fmt.Sprintf("\nNext options: %s (use %schoose <id>)", strings.Join(cur.NextSteps, ", "), d.Prefix)
		}
	}
	return out
}

func (d *Dispatcher) status(w *wizard.Wizard) string {
	snap := w.Snapshot()
	out := fmt.Sprintf("Screen: %s", snap.Phase)
	if snap.Phase == wizard.PhaseRefinement {
		out += fmt.Sprintf("\nConversation: %s", snap.Chat.Phase)
		if snap.Chat.Finalized != nil {
			out += "\nEnhanced prompt:\n" + snap.Chat.Finalized.EnhancedPrompt
		}
	}
	if snap.Process != nil && (snap.Phase == wizard.PhaseReview || snap.Phase == wizard.PhaseExecution) {
		out += "\n\n" + d.progress(w)
	}
	return out
}

func currentStep(w *wizard.Wizard) (*process.Step, error) {
	snap := w.Snapshot()
	if snap.Phase != wizard.PhaseExecution || snap.Process == nil {
		return nil, wizard.ErrWrongPhase
	}
	cur := snap.Process.Current()
	if cur == nil {
		return nil, fmt.Errorf("%w: no current step", process.ErrInvalidTransition)
	}
	return cur, nil
}
