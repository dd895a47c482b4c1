package app

import (
	"duochat/internal/service/chatsync"

	"github.com/rivo/tview"
)

type entryPage struct {
	c      *App
	root   *tview.Flex
	login  *tview.Form
	create *tview.Form
	status *tview.TextView
}

func newEntryPage(c *App) *entryPage {
	p := &entryPage{c: c}

	p.status = tview.NewTextView().SetDynamicColors(true).SetTextAlign(tview.AlignCenter)

	p.login = tview.NewForm().
		AddInputField("Username", "", 32, nil, nil).
		AddPasswordField("Password", "", 32, '*', nil)
	p.login.AddButton("Login", p.submitLogin)
	p.login.SetBorder(true).SetTitle(" Login ")

	p.create = tview.NewForm().
		AddInputField("Username", "", 32, nil, nil).
		AddPasswordField("Password", "", 32, '*', nil).
		AddPasswordField("Confirm password", "", 32, '*', nil)
	p.create.AddButton("Create account", p.submitCreate)
	p.create.SetBorder(true).SetTitle(" New account ")

	forms := tview.NewFlex().
		AddItem(p.login, 0, 1, true).
		AddItem(p.create, 0, 1, false)

	p.root = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(tview.NewTextView().SetText("duochat").SetTextAlign(tview.AlignCenter), 1, 0, false).
		AddItem(forms, 0, 1, true).
		AddItem(p.status, 1, 0, false)
	return p
}

func (p *entryPage) focus() tview.Primitive {
	return p.login
}

func (p *entryPage) reset() {
	for _, f := range []*tview.Form{p.login, p.create} {
		for i := 0; i < f.GetFormItemCount(); i++ {
			if in, ok := f.GetFormItem(i).(*tview.InputField); ok {
				in.SetText("")
			}
		}
	}
}

func (p *entryPage) showError(msg string) {
	p.status.SetText("[red]" + tview.Escape(msg) + "[-]")
}

func fieldText(f *tview.Form, label string) string {
	if in, ok := f.GetFormItemByLabel(label).(*tview.InputField); ok {
		return in.GetText()
	}
	return ""
}

func (p *entryPage) submitLogin() {
	username := fieldText(p.login, "Username")
	password := fieldText(p.login, "Password")
	p.status.SetText("Logging in...")

	go func() {
		if err := p.c.auth.Login(p.c.ctx, username, password); err != nil {
			p.c.app.QueueUpdateDraw(func() { p.showError(chatsync.ErrorMessage(err)) })
			return
		}
		p.c.app.QueueUpdateDraw(func() { p.status.SetText("") })
		p.c.toDashboard()
	}()
}

func (p *entryPage) submitCreate() {
	username := fieldText(p.create, "Username")
	password := fieldText(p.create, "Password")
	confirm := fieldText(p.create, "Confirm password")
	p.status.SetText("Creating account...")

	go func() {
		if err := p.c.auth.CreateAccount(p.c.ctx, username, password, confirm); err != nil {
			p.c.app.QueueUpdateDraw(func() { p.showError(chatsync.ErrorMessage(err)) })
			return
		}
		p.c.app.QueueUpdateDraw(func() { p.status.SetText("") })
		p.c.toDashboard()
	}()
}
