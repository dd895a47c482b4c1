package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"duochat/internal/model"
	"duochat/internal/service/api"
	"duochat/internal/service/chatsync"
	"duochat/internal/service/notify"
	"duochat/internal/service/session"
	"duochat/internal/utils/log"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

const (
	pageEntry     = "entry"
	pageDashboard = "dashboard"
	pageChat      = "chat"
)

type (
	// App is the terminal client. It is the session's Navigator: an
	// invalidated session always lands back on the entry page.
	App struct {
		app   *tview.Application
		pages *tview.Pages

		client   *api.Client
		sessions *session.Manager
		auth     *chatsync.Auth
		list     *chatsync.ConversationList

		entry *entryPage
		dash  *dashboardPage
		room  *chatPage

		ctx context.Context

		mu       sync.Mutex
		notifier *notify.Channel
		view     *chatsync.ConversationView
	}
)

func NewApp(client *api.Client, sessions *session.Manager) *App {
	c := &App{
		app:      tview.NewApplication(),
		pages:    tview.NewPages(),
		client:   client,
		sessions: sessions,
		auth:     chatsync.NewAuth(client, sessions),
		list:     chatsync.NewConversationList(client, sessions),
		ctx:      context.Background(),
	}
	sessions.SetNavigator(c)

	c.entry = newEntryPage(c)
	c.dash = newDashboardPage(c)
	c.room = newChatPage(c)
	c.pages.
		AddPage(pageEntry, c.entry.root, true, false).
		AddPage(pageDashboard, c.dash.root, true, false).
		AddPage(pageChat, c.room.root, true, false)
	return c
}

// Run restores a persisted session, if any, and blocks until the user
// quits or ctx is done.
func (c *App) Run(ctx context.Context) error {
	c.ctx = ctx

	restored, err := c.sessions.Restore()
	if err != nil {
		log.Warn("restore session failed", zap.Error(err))
	}
	if restored {
		c.toDashboard()
	} else {
		c.pages.SwitchToPage(pageEntry)
		c.app.SetFocus(c.entry.focus())
	}

	go func() {
		<-ctx.Done()
		c.app.Stop()
	}()

	c.app.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		if ev.Key() == tcell.KeyCtrlC {
			c.app.Stop()
			return nil
		}
		return ev
	})
	return c.app.SetRoot(c.pages, true).EnableMouse(true).Run()
}

// Stop releases the notification channel and any open conversation.
func (c *App) Stop() {
	c.closeView()
	c.closeNotifier()
}

// ToEntry implements session.Navigator.
func (c *App) ToEntry() {
	c.closeView()
	c.closeNotifier()
	c.app.QueueUpdateDraw(func() {
		c.entry.reset()
		c.pages.SwitchToPage(pageEntry)
		c.app.SetFocus(c.entry.focus())
	})
}

func (c *App) toDashboard() {
	c.closeView()
	c.ensureNotifier()

	sess, _ := c.sessions.Current()
	c.app.QueueUpdateDraw(func() {
		c.dash.setUser(sess.Username)
		c.pages.SwitchToPage(pageDashboard)
		c.app.SetFocus(c.dash.focus())
	})
	go c.refreshChats()
}

func (c *App) refreshChats() {
	chats, err := c.list.Fetch(c.ctx)
	if err != nil {
		if !errors.Is(err, model.ErrAuthInvalid) && !errors.Is(err, model.ErrNoSession) {
			c.app.QueueUpdateDraw(func() { c.dash.setStatus("Could not load conversations") })
		}
		return
	}
	c.app.QueueUpdateDraw(func() { c.dash.setChats(chats) })
}

func (c *App) openChat(other string) {
	c.closeView()

	// renders queued before the view is known are dropped; open draws
	// the cached list instead
	var opened atomic.Pointer[chatsync.ConversationView]
	deps := chatsync.Deps{Backend: c.client, Sessions: c.sessions, Notifier: c.currentNotifier()}
	view, err := chatsync.OpenConversation(c.ctx, deps, other, func(msgs []model.Message) {
		c.app.QueueUpdateDraw(func() { c.room.render(opened.Load(), msgs) })
	})
	if err != nil {
		log.Warn("open conversation failed", zap.String("with", other), zap.Error(err))
		if model.IsValidation(err) || errors.Is(err, notify.ErrClosed) {
			c.app.QueueUpdateDraw(func() { c.dash.setStatus("Could not open conversation") })
		}
		return
	}

	opened.Store(view)

	c.mu.Lock()
	c.view = view
	c.mu.Unlock()

	c.app.QueueUpdateDraw(func() {
		c.room.open(view, other)
		c.pages.SwitchToPage(pageChat)
		c.app.SetFocus(c.room.focus())
	})
}

func (c *App) closeView() {
	c.mu.Lock()
	view := c.view
	c.view = nil
	c.mu.Unlock()
	if view != nil {
		view.Close()
	}
}

// ensureNotifier opens the notification channel for the current session.
// Without it conversations still work but only refresh on user action.
func (c *App) ensureNotifier() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notifier != nil {
		return
	}

	sess, ok := c.sessions.Current()
	if !ok {
		return
	}
	endpoint := notify.URL(c.client.BaseURL(), sess.Username)
	ch, err := notify.Open(c.ctx, notify.CookieDialer(endpoint, c.client.Cookies))
	if errors.Is(err, model.ErrAuthInvalid) {
		log.Warn("notification channel rejected session", zap.Error(err))
		go c.sessions.Invalidate()
		return
	}
	if err != nil {
		log.Warn("notification channel unavailable", zap.Error(err))
		return
	}
	c.notifier = ch
	go c.watchNotifier(ch)
}

// watchNotifier ends the session when the server stops accepting the
// channel's credentials.
func (c *App) watchNotifier(ch *notify.Channel) {
	<-ch.Done()
	if !errors.Is(ch.Err(), model.ErrAuthInvalid) {
		return
	}

	c.mu.Lock()
	current := c.notifier == ch
	c.mu.Unlock()
	if current {
		log.Warn("notification channel lost its session", zap.Error(ch.Err()))
		c.sessions.Invalidate()
	}
}

func (c *App) currentNotifier() chatsync.Notifier {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notifier == nil {
		return offline{}
	}
	return c.notifier
}

func (c *App) closeNotifier() {
	c.mu.Lock()
	ch := c.notifier
	c.notifier = nil
	c.mu.Unlock()
	if ch != nil {
		if err := ch.Close(); err != nil {
			log.Debug("close notification channel", zap.Error(err))
		}
	}
}

// offline stands in for the notification channel when it could not be
// opened.
type offline struct{}

func (offline) Subscribe(string, string, func(model.Frame)) (func() error, error) {
	return func() error { return nil }, nil
}

func (offline) Refresh() error { return nil }
