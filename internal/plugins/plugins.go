// Package plugins holds the built-in message handlers and the catalog that
// maps their factory names to constructors.
package plugins

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/nextlevelbuilder/qbot/internal/bus"
	"github.com/nextlevelbuilder/qbot/internal/config"
	"github.com/nextlevelbuilder/qbot/internal/dispatch"
	"github.com/nextlevelbuilder/qbot/internal/notify"
	"github.com/nextlevelbuilder/qbot/internal/plugin"
	"github.com/nextlevelbuilder/qbot/internal/presence"
	"github.com/nextlevelbuilder/qbot/internal/store"
)

// Factory names.
const (
	NameCommands        = "commands"
	NameRebate          = "rebate"
	NameSubscription    = "subscription"
	NameArchive         = "archive"
	NameOfflineNotifier = "offline_notifier"
)

const author = "QBot Team"

// Registry is the administrative view of the dispatcher used by commands.
type Registry interface {
	Plugins() []plugin.Plugin
	Get(name string) (plugin.Plugin, bool)
	Enable(ctx context.Context, name string) error
	Disable(ctx context.Context, name string) error
	ModulesInfo() string
}

// Deps is what plugins may reach outside their own state.
// Registry may be assigned after Catalog is built; factories read it lazily.
type Deps struct {
	Bus      bus.EventPublisher
	Presence *presence.Registry
	Stores   *store.Stores
	Notifier notify.Notifier
	Registry Registry
	Bots     config.BotsConfig
	HTTP     *http.Client
}

func (d *Deps) httpClient() *http.Client {
	if d.HTTP != nil {
		return d.HTTP
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// isAdmin reports whether userID may run administrative commands.
func (d *Deps) isAdmin(userID int64) bool {
	return slices.Contains(d.Bots.Admins, userID)
}

// isBot reports whether userID is one of our own accounts.
func (d *Deps) isBot(userID int64) bool {
	if slices.Contains(d.Bots.Priority, userID) {
		return true
	}
	return d.Presence != nil && d.Presence.IsOnline(userID)
}

// shouldRespond applies leader election for mc's conversation.
func (d *Deps) shouldRespond(mc *plugin.Context) bool {
	if d.Presence == nil {
		return true
	}
	return d.Presence.ShouldRespond(mc.SelfID, d.Bots.Priority, mc.GroupID)
}

// Catalog returns the built-in factories bound to deps.
func Catalog(deps *Deps) dispatch.Catalog {
	return dispatch.Catalog{
		NameCommands:        func() (plugin.Plugin, error) { return NewCommands(deps), nil },
		NameRebate:          func() (plugin.Plugin, error) { return NewRebate(deps), nil },
		NameSubscription:    func() (plugin.Plugin, error) { return NewSubscription(deps), nil },
		NameArchive:         func() (plugin.Plugin, error) { return NewArchive(deps), nil },
		NameOfflineNotifier: func() (plugin.Plugin, error) { return NewOfflineNotifier(deps), nil },
	}
}
