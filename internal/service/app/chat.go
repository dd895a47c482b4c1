package app

import (
	"fmt"

	"duochat/internal/model"
	"duochat/internal/service/chatsync"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

const (
	colMessage = iota
	colLikes
)

type chatPage struct {
	c        *App
	root     *tview.Flex
	table    *tview.Table
	input    *tview.InputField
	status   *tview.TextView
	view     *chatsync.ConversationView
	self     string
	other    string
	messages []model.Message
}

func newChatPage(c *App) *chatPage {
	p := &chatPage{c: c}

	p.table = tview.NewTable().SetSelectable(true, false)
	p.table.SetBorder(true)
	p.table.SetSelectionChangedFunc(func(int, int) { p.renderLikes() })
	p.table.SetSelectedFunc(func(row, _ int) { p.toggleLike(row) })

	p.input = tview.NewInputField().SetLabel("Message: ").SetFieldWidth(0)
	p.input.SetBorder(true).SetTitle(" New Message ")
	p.input.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter {
			p.send(p.input.GetText())
		}
	})

	p.status = tview.NewTextView().SetDynamicColors(true).
		SetText("Enter: send / like selected   Tab: switch focus   Esc: back")

	p.root = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(p.table, 0, 1, false).
		AddItem(p.input, 3, 0, true).
		AddItem(p.status, 1, 0, false)

	p.root.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		switch ev.Key() {
		case tcell.KeyEscape:
			p.view = nil
			go c.toDashboard()
			return nil
		case tcell.KeyTab:
			if p.input.HasFocus() {
				c.app.SetFocus(p.table)
			} else {
				c.app.SetFocus(p.input)
			}
			return nil
		}
		return ev
	})
	return p
}

func (p *chatPage) focus() tview.Primitive {
	return p.input
}

func (p *chatPage) open(view *chatsync.ConversationView, other string) {
	sess, _ := p.c.sessions.Current()
	p.view = view
	p.self = sess.Username
	p.other = other
	p.messages = nil
	p.table.Clear()
	p.table.SetTitle(fmt.Sprintf(" Chat with %s ", other))
	p.input.SetText("")
	p.render(view, view.Messages.Messages())
}

// render replaces the table with msgs, keeping the selection on the same
// row when possible. Lists from any view but the open one are dropped.
func (p *chatPage) render(from *chatsync.ConversationView, msgs []model.Message) {
	if from == nil || from != p.view {
		return
	}
	row, _ := p.table.GetSelection()
	follow := row >= len(p.messages)-1

	p.messages = msgs
	p.table.Clear()
	for i, m := range msgs {
		align := tview.AlignLeft
		who := fmt.Sprintf("[green]%s[-]", tview.Escape(p.other))
		if p.view.Messages.SideOf(m) == chatsync.SideRight {
			align = tview.AlignRight
			who = "[yellow]You[-]"
		}
		text := fmt.Sprintf("%s %s [gray]%s[-]", who, tview.Escape(m.Body), m.Timestamp.Local().Format("15:04"))
		p.table.SetCell(i, colMessage, tview.NewTableCell(text).SetAlign(align).SetExpansion(1))
		p.table.SetCell(i, colLikes, tview.NewTableCell("").SetAlign(tview.AlignRight))
	}

	switch {
	case len(msgs) == 0:
	case follow:
		p.table.Select(len(msgs)-1, colMessage)
		p.table.ScrollToEnd()
	case row < len(msgs):
		p.table.Select(row, colMessage)
	}
	p.renderLikes()
}

// renderLikes shows counts, and the effect of a toggle on the selected
// message.
func (p *chatPage) renderLikes() {
	selected, _ := p.table.GetSelection()
	for i, m := range p.messages {
		hovered := i == selected && p.table.HasFocus()
		label := chatsync.LikeLabel(m, p.self, hovered)
		if cell := p.table.GetCell(i, colLikes); cell != nil {
			cell.SetText(" " + label)
		}
	}
}

func (p *chatPage) toggleLike(row int) {
	if p.view == nil || row < 0 || row >= len(p.messages) {
		return
	}
	view, id := p.view, p.messages[row].ID.Hex()
	go func() {
		if err := view.ToggleLike(id); err != nil && model.IsValidation(err) {
			p.c.app.QueueUpdateDraw(func() { p.status.SetText("[red]" + tview.Escape(chatsync.ErrorMessage(err)) + "[-]") })
		}
	}()
}

func (p *chatPage) send(body string) {
	if p.view == nil {
		return
	}
	view := p.view
	p.input.SetText("")
	go func() {
		if err := view.Send(body); err != nil && model.IsValidation(err) {
			p.c.app.QueueUpdateDraw(func() { p.status.SetText("[red]" + tview.Escape(chatsync.ErrorMessage(err)) + "[-]") })
		}
	}()
}
