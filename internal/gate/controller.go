package gate

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"gatebot/internal/registry"
	"gatebot/internal/transport"
	"gatebot/pkg/logx"
	"gatebot/pkg/tgui"
)

// Callback actions owned by the gate.
const (
	CallbackRecheck = "gate:recheck"
	CallbackProceed = "gate:proceed"
)

type LinkButton struct {
	Text string
	URL  string
}

// UI holds the rendered-content configuration for the gate flow.
type UI struct {
	Welcome        Welcome
	JoinPromptText string
	RecheckText    string // label on the "check again" button
}

type Welcome struct {
	Text     string
	PhotoURL string
	Buttons  []LinkButton
}

// Controller orchestrates the join gate for each interaction. It holds no
// per-user state: every interaction re-reads the channel set and re-verifies.
type Controller struct {
	reg      registry.Registry
	set      *ChannelSet
	dir      *Directory
	verifier *Verifier
	adapter  transport.Adapter
	log      logx.Logger

	uiMu sync.RWMutex
	ui   UI
}

func NewController(reg registry.Registry, set *ChannelSet, dir *Directory, verifier *Verifier, adapter transport.Adapter, ui UI, log logx.Logger) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{reg: reg, set: set, dir: dir, verifier: verifier, adapter: adapter, ui: ui, log: log}
}

// SetUI swaps the rendered texts and buttons. Safe during hot reload.
func (c *Controller) SetUI(ui UI) {
	c.uiMu.Lock()
	c.ui = ui
	c.uiMu.Unlock()
}

func (c *Controller) currentUI() UI {
	c.uiMu.RLock()
	defer c.uiMu.RUnlock()
	return c.ui
}

// HandleStart runs the gate for a /start interaction.
//
// The registry upsert happens first and unconditionally: the registry must
// reflect everyone who ever touched the bot, not only admitted users. A render
// failure afterwards never undoes it (independent failure domains).
func (c *Controller) HandleStart(ctx context.Context, msg *transport.Message) error {
	if err := c.recordSender(ctx, msg); err != nil {
		// Surface a generic failure; details stay in the log.
		c.log.Error("registry upsert failed", logx.Int64("user_id", msg.FromID), logx.Err(err))
		_, _ = c.adapter.SendText(ctx, transport.ChatTarget{ChatID: msg.ChatID},
			"An error occurred. Please try again later.", nil)
		return err
	}

	to := transport.ChatTarget{ChatID: msg.ChatID}
	verdict := c.verifier.Verify(ctx, msg.FromID, c.set.Snapshot())
	if verdict.OK {
		return c.sendWelcome(ctx, to)
	}
	return c.sendJoinPrompt(ctx, to, verdict.Missing)
}

// HandleRecheck re-runs verification when the user presses "check again".
// On pass the gate message is edited into the admitted card; on fail the user
// gets a callback alert and the prompt stays.
func (c *Controller) HandleRecheck(ctx context.Context, cb *transport.Callback) error {
	if err := c.reg.UpsertUser(ctx, cb.FromID, cb.FromUsername); err != nil {
		c.log.Error("registry upsert failed", logx.Int64("user_id", cb.FromID), logx.Err(err))
	}

	verdict := c.verifier.Verify(ctx, cb.FromID, c.set.Snapshot())
	if !verdict.OK {
		return c.adapter.AnswerCallback(ctx, cb.ID, "Please join all required channels first.", true)
	}

	_ = c.adapter.AnswerCallback(ctx, cb.ID, "", false)

	markup := tgui.NewInline().
		Row(tgui.Btn("Get started", CallbackProceed)).
		Markup()
	ref := transport.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
	return c.adapter.EditText(ctx, ref,
		"Thank you for joining! Press the button below to continue.",
		&transport.SendOptions{ReplyMarkupAdapter: markup})
}

// HandleProceed renders the welcome card after an admitted re-check.
func (c *Controller) HandleProceed(ctx context.Context, cb *transport.Callback) error {
	_ = c.adapter.AnswerCallback(ctx, cb.ID, "", false)
	return c.sendWelcome(ctx, transport.ChatTarget{ChatID: cb.ChatID})
}

func (c *Controller) recordSender(ctx context.Context, msg *transport.Message) error {
	if err := c.reg.UpsertUser(ctx, msg.FromID, msg.FromUsername); err != nil {
		return err
	}
	if msg.IsGroup {
		if err := c.reg.UpsertChat(ctx, msg.ChatID, msg.ChatTitle); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) sendWelcome(ctx context.Context, to transport.ChatTarget) error {
	ui := c.currentUI()
	kb := tgui.NewInline()
	for _, b := range ui.Welcome.Buttons {
		kb.Row(tgui.URLBtn(b.Text, b.URL))
	}
	opt := &transport.SendOptions{
		ParseMode:          "HTML",
		ReplyMarkupAdapter: kb.Markup(),
	}

	var err error
	if ui.Welcome.PhotoURL != "" {
		_, err = c.adapter.SendPhoto(ctx, to, ui.Welcome.PhotoURL, ui.Welcome.Text, opt)
	} else {
		_, err = c.adapter.SendText(ctx, to, ui.Welcome.Text, opt)
	}
	if err != nil {
		c.log.Warn("welcome render failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
	return err
}

func (c *Controller) sendJoinPrompt(ctx context.Context, to transport.ChatTarget, missing []ChannelCheck) error {
	kb := tgui.NewInline()
	for _, check := range missing {
		label, url := c.channelButton(check.ChannelID)
		if url != "" {
			kb.Row(tgui.URLBtn("Join "+label, url))
		} else {
			kb.Row(tgui.Btn(label+" (ask an admin for an invite)", CallbackRecheck))
		}
	}
	kb.Row(tgui.Btn(c.recheckLabel(), CallbackRecheck))

	_, err := c.adapter.SendText(ctx, to, c.currentUI().JoinPromptText, &transport.SendOptions{
		ParseMode:          "HTML",
		ReplyMarkupAdapter: kb.Markup(),
	})
	if err != nil {
		c.log.Warn("join prompt render failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
	return err
}

func (c *Controller) channelButton(id int64) (label, url string) {
	info, ok := c.dir.Get(id)
	if !ok {
		return "channel " + strconv.FormatInt(id, 10), ""
	}
	label = info.Title
	if label == "" {
		label = "channel " + strconv.FormatInt(id, 10)
	}
	switch {
	case info.InviteLink != "":
		url = info.InviteLink
	case info.Username != "":
		url = fmt.Sprintf("https://t.me/%s", info.Username)
	}
	return label, url
}

func (c *Controller) recheckLabel() string {
	if txt := c.currentUI().RecheckText; txt != "" {
		return txt
	}
	return "I joined, check again"
}
