package screen

import (
	"context"
	"encoding/json"

	"golang.org/x/exp/slices"

	"bringyour.com/erpclient/model"
	"bringyour.com/erpclient/rpc"
)

var treeStateLog = rpc.VLogFn(1, "[tree state]")

const treeStateModel = "ir.ui.view_tree_state"

type treeStateKey struct {
	// false for a top level screen
	hasParent     bool
	parentId      int64
	childrenField string
}

// expand and select state of a tree view
type TreeState struct {
	// the write timestamp of the parent when the state was taken
	Timestamp string
	Expanded  [][]int64
	Selected  [][]int64
}

func (self *Screen) treeStateKey(view TreeView) (treeStateKey, string, bool) {
	key := treeStateKey{
		childrenField: view.ChildrenField(),
	}
	timestamp := ""
	if self.parent != nil {
		if self.parent.Id() < 0 {
			// an unsaved parent has no state
			return key, "", false
		}
		key.hasParent = true
		key.parentId = self.parent.Id()
		timestamp = self.parent.Timestamp()
	}
	return key, timestamp, true
}

// the cached state for the current view
// nil when none was taken or fetched yet
func (self *Screen) TreeState() *TreeState {
	treeView, ok := self.CurrentView().(TreeView)
	if !ok {
		return nil
	}
	key, _, ok := self.treeStateKey(treeView)
	if !ok {
		return nil
	}
	return self.treeStates[key]
}

// drops every cached state, the next display fetches them again
func (self *Screen) InvalidateTreeState() {
	clear(self.treeStates)
	clear(self.treeStatesDone)
}

// the domain identifying the records of the view on the server
func (self *Screen) treeDomain() (string, error) {
	domain := slices.Clone(self.domain)
	if self.parent != nil {
		relationField := ""
		if group := self.parent.Group(); group != nil {
			if field, ok := group.Fields()[self.parentField]; ok {
				relationField = field.RelationField
			}
		}
		if relationField != "" {
			domain = append(domain, []any{relationField, "=", self.parent.Id()})
		}
	}
	if domain == nil {
		domain = []any{}
	}
	domainBytes, err := json.Marshal(domain)
	if err != nil {
		return "", err
	}
	return string(domainBytes), nil
}

// replaces placeholder ids replaced by a create since the state was taken
func (self *Screen) remapTreeStates() {
	if len(self.idRemaps) == 0 {
		return
	}
	remap := func(paths [][]int64) {
		for _, path := range paths {
			for i, id := range path {
				if newId, ok := self.idRemaps[id]; ok {
					path[i] = newId
				}
			}
		}
	}
	for _, state := range self.treeStates {
		remap(state.Expanded)
		remap(state.Selected)
	}
	clear(self.idRemaps)
}

// applies the state of the current view once per display cycle
// a state taken for another parent timestamp is stale and discarded.
// The server is asked at most once per key.
func (self *Screen) applyTreeState(ctx context.Context) {
	self.remapTreeStates()

	treeView, ok := self.CurrentView().(TreeView)
	if !ok {
		return
	}
	if self.treeStatesDone[self.currentView] {
		return
	}
	if !treeView.TreeState() {
		self.treeStatesDone[self.currentView] = true
		return
	}
	key, timestamp, ok := self.treeStateKey(treeView)
	if !ok {
		return
	}

	state, cached := self.treeStates[key]
	if cached && state.Timestamp != timestamp {
		treeStateLog("discard stale state %s %v", self.modelName, key)
		state = nil
	}
	if state == nil && !cached && self.settings.SaveTreeState {
		state = self.fetchTreeState(ctx, treeView)
		state.Timestamp = timestamp
		self.treeStates[key] = state
	}
	if state == nil {
		state = &TreeState{Timestamp: timestamp}
		self.treeStates[key] = state
	}

	treeView.ExpandNodes(state.Expanded)
	treeView.SelectNodes(state.Selected)
	self.treeStatesDone[self.currentView] = true
}

func (self *Screen) fetchTreeState(ctx context.Context, treeView TreeView) *TreeState {
	state := &TreeState{}
	domain, err := self.treeDomain()
	if err != nil {
		treeStateLog("domain %s error = %s", self.modelName, err)
		return state
	}
	result, err := rpc.Execute[[]string](
		ctx,
		self.executor,
		modelMethod(treeStateModel, "get"),
		self.modelName,
		domain,
		treeView.ChildrenField(),
	)
	if err != nil || len(result) != 2 {
		treeStateLog("get %s error = %v", self.modelName, err)
		return state
	}
	if err := json.Unmarshal([]byte(result[0]), &state.Expanded); err != nil {
		treeStateLog("expanded %s error = %s", self.modelName, err)
	}
	if err := json.Unmarshal([]byte(result[1]), &state.Selected); err != nil {
		treeStateLog("selected %s error = %s", self.modelName, err)
	}
	return state
}

// takes the state of every tree view
// `store` also persists it on the server for views that keep their state
func (self *Screen) SaveTreeState(ctx context.Context, store bool) {
	if !self.settings.SaveTreeState {
		return
	}
	for _, view := range self.views {
		treeView, ok := view.(TreeView)
		if !ok {
			continue
		}
		key, timestamp, ok := self.treeStateKey(treeView)
		if !ok {
			continue
		}
		expanded := treeView.ExpandedPaths()
		selected := treeView.SelectedPaths()
		self.treeStates[key] = &TreeState{
			Timestamp: timestamp,
			Expanded:  expanded,
			Selected:  selected,
		}
		if store && treeView.TreeState() {
			self.storeTreeState(ctx, treeView, expanded, selected)
		}
	}
}

func (self *Screen) storeTreeState(ctx context.Context, treeView TreeView, expanded [][]int64, selected [][]int64) {
	domain, err := self.treeDomain()
	if err != nil {
		treeStateLog("domain %s error = %s", self.modelName, err)
		return
	}
	expandedBytes, err := json.Marshal(nonNilPaths(expanded))
	if err != nil {
		return
	}
	selectedBytes, err := json.Marshal(nonNilPaths(selected))
	if err != nil {
		return
	}
	_, err = self.executor.Execute(
		ctx,
		modelMethod(treeStateModel, "set"),
		self.modelName,
		domain,
		treeView.ChildrenField(),
		string(expandedBytes),
		string(selectedBytes),
	)
	if err != nil {
		treeStateLog("set %s error = %s", self.modelName, err)
	}
}

func nonNilPaths(paths [][]int64) [][]int64 {
	if paths == nil {
		return [][]int64{}
	}
	return paths
}

// the ids from the top level record down to `record`
func TreePath(record *model.Record) []int64 {
	path := []int64{}
	for _, item := range record.Path() {
		path = append(path, item.Id)
	}
	return path
}
