package app

import (
	"fmt"

	"duochat/internal/service/chatsync"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

type dashboardPage struct {
	c      *App
	root   *tview.Flex
	chats  *tview.List
	input  *tview.InputField
	status *tview.TextView
}

func newDashboardPage(c *App) *dashboardPage {
	p := &dashboardPage{c: c}

	p.chats = tview.NewList().ShowSecondaryText(false)
	p.chats.SetBorder(true).SetTitle(" Conversations ")

	p.input = tview.NewInputField().
		SetLabel("Start conversation with: ").
		SetFieldWidth(32)
	p.input.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter {
			p.startConversation(p.input.GetText())
		}
	})

	logout := tview.NewButton("Logout").SetSelectedFunc(p.logout)
	p.status = tview.NewTextView().SetDynamicColors(true)

	bottom := tview.NewFlex().
		AddItem(p.input, 0, 1, false).
		AddItem(logout, 10, 0, false)

	p.root = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(p.chats, 0, 1, true).
		AddItem(bottom, 1, 0, false).
		AddItem(p.status, 1, 0, false)

	focusables := []tview.Primitive{p.chats, p.input, logout}
	p.root.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		if ev.Key() != tcell.KeyTab {
			return ev
		}
		for i, f := range focusables {
			if f.HasFocus() {
				c.app.SetFocus(focusables[(i+1)%len(focusables)])
				return nil
			}
		}
		c.app.SetFocus(p.chats)
		return nil
	})
	return p
}

func (p *dashboardPage) focus() tview.Primitive {
	return p.chats
}

func (p *dashboardPage) setUser(username string) {
	p.root.SetTitle(fmt.Sprintf(" %s ", username))
	p.chats.SetTitle(fmt.Sprintf(" Conversations of %s ", username))
	p.status.SetText("")
}

func (p *dashboardPage) setStatus(msg string) {
	p.status.SetText("[red]" + tview.Escape(msg) + "[-]")
}

func (p *dashboardPage) setChats(chats []string) {
	p.chats.Clear()
	for _, other := range chats {
		p.chats.AddItem(other, "", 0, func() {
			go p.c.openChat(other)
		})
	}
	if len(chats) == 0 {
		p.status.SetText("No conversations yet. Tab to start one.")
	}
}

func (p *dashboardPage) startConversation(name string) {
	go func() {
		other, err := p.c.list.Create(p.c.ctx, name)
		if err != nil {
			if msg := chatsync.ErrorMessage(err); msg != "" {
				p.c.app.QueueUpdateDraw(func() { p.setStatus(msg) })
			}
			return
		}
		p.c.app.QueueUpdateDraw(func() { p.input.SetText("") })
		p.c.openChat(other)
	}()
}

func (p *dashboardPage) logout() {
	go func() {
		_ = p.c.auth.Logout(p.c.ctx)
	}()
}
