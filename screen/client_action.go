package screen

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/golang/glog"
)

type ClientActionType string

const (
	ClientActionNew      ClientActionType = "new"
	ClientActionDelete   ClientActionType = "delete"
	ClientActionRemove   ClientActionType = "remove"
	ClientActionCopy     ClientActionType = "copy"
	ClientActionNext     ClientActionType = "next"
	ClientActionPrevious ClientActionType = "previous"
	ClientActionReload   ClientActionType = "reload"
	ClientActionSwitch   ClientActionType = "switch"
	ClientActionToggle   ClientActionType = "toggle"
)

// an action the server asks the client to run after a button
type ClientAction struct {
	Type ClientActionType
	// for `switch`
	ViewType ViewType
	// for `toggle`
	ViewId int64
}

// parses a comma separated list, e.g. `reload,switch form,toggle:12`
// unknown actions are logged and skipped
func ParseClientActions(s string) []ClientAction {
	actions := []ClientAction{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		action, ok := parseClientAction(part)
		if !ok {
			glog.Infof("[screen]unknown client action %q\n", part)
			continue
		}
		actions = append(actions, action)
	}
	return actions
}

func parseClientAction(s string) (ClientAction, bool) {
	switch ClientActionType(s) {
	case ClientActionNew, ClientActionDelete, ClientActionRemove, ClientActionCopy,
		ClientActionNext, ClientActionPrevious, ClientActionReload:
		return ClientAction{Type: ClientActionType(s)}, true
	}
	if viewType, ok := strings.CutPrefix(s, "switch"); ok {
		viewType = strings.TrimSpace(viewType)
		if viewType == "" {
			return ClientAction{}, false
		}
		return ClientAction{Type: ClientActionSwitch, ViewType: ViewType(viewType)}, true
	}
	if viewId, ok := strings.CutPrefix(s, "toggle:"); ok {
		id, err := strconv.ParseInt(strings.TrimSpace(viewId), 10, 64)
		if err != nil {
			return ClientAction{}, false
		}
		return ClientAction{Type: ClientActionToggle, ViewId: id}, true
	}
	return ClientAction{}, false
}

// runs every action of `s` in order
// a failing action does not stop the following ones
func (self *Screen) ClientAction(ctx context.Context, s string) error {
	errs := []error{}
	for _, action := range ParseClientActions(s) {
		if err := self.runClientAction(ctx, action); err != nil {
			glog.V(1).Infof("[screen]client action %s error = %s\n", action.Type, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (self *Screen) runClientAction(ctx context.Context, action ClientAction) error {
	switch action.Type {
	case ClientActionNew:
		_, err := self.New(ctx)
		return err
	case ClientActionDelete:
		// a child screen deletes through the parent save
		return self.Remove(ctx, self.parent == nil, false)
	case ClientActionRemove:
		if self.parent == nil {
			return nil
		}
		return self.Remove(ctx, false, true)
	case ClientActionCopy:
		return self.Copy(ctx)
	case ClientActionNext:
		return self.DisplayNext(ctx)
	case ClientActionPrevious:
		return self.DisplayPrev(ctx)
	case ClientActionReload:
		view := self.CurrentView()
		if view != nil && view.ViewType().listing() && self.parent == nil {
			_, err := self.SearchFilter(ctx, self.searchText)
			return err
		}
		return nil
	case ClientActionSwitch:
		return self.SwitchView(ctx, action.ViewType, 0)
	case ClientActionToggle:
		return self.SwitchView(ctx, "", action.ViewId)
	default:
		return nil
	}
}
