package screen

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"bringyour.com/erpclient/model"
	"bringyour.com/erpclient/rpc"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

type testCall struct {
	Method string
	Args   []any
}

type testHandler func(args []any) (any, error)

// an in memory server for the generic model methods
type testExecutor struct {
	stateLock sync.Mutex
	calls     []testCall
	nextId    int64
	rows      map[string]map[int64]map[string]any
	handlers  map[string]testHandler
}

func newTestExecutor() *testExecutor {
	return &testExecutor{
		nextId:   100,
		rows:     map[string]map[int64]map[string]any{},
		handlers: map[string]testHandler{},
	}
}

func (self *testExecutor) Put(modelName string, id int64, values map[string]any) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.rows[modelName] == nil {
		self.rows[modelName] = map[int64]map[string]any{}
	}
	self.rows[modelName][id] = maps.Clone(values)
}

func (self *testExecutor) Handle(method string, handler testHandler) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.handlers[method] = handler
}

func (self *testExecutor) Calls(method string) []testCall {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	calls := []testCall{}
	for _, call := range self.calls {
		if method == "" || call.Method == method {
			calls = append(calls, call)
		}
	}
	return calls
}

func (self *testExecutor) Reset() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.calls = nil
}

func (self *testExecutor) Execute(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	self.stateLock.Lock()
	self.calls = append(self.calls, testCall{Method: method, Args: args})
	handler, ok := self.handlers[method]
	self.stateLock.Unlock()

	var result any
	var err error
	if ok {
		result, err = handler(args)
	} else {
		result, err = self.generic(method, args)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

func (self *testExecutor) generic(method string, args []any) (any, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := strings.LastIndex(method, ".")
	modelName := strings.TrimPrefix(method[:i], "model.")
	name := method[i+1:]
	rows := self.rows[modelName]
	if rows == nil {
		rows = map[int64]map[string]any{}
		self.rows[modelName] = rows
	}
	sortedIds := func() []int64 {
		ids := []int64{}
		for id := range rows {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		return ids
	}

	switch name {
	case "search":
		ids := sortedIds()
		offset := min(args[1].(int), len(ids))
		ids = ids[offset:]
		if limit, ok := args[2].(int); ok && limit < len(ids) {
			ids = ids[:limit]
		}
		return ids, nil
	case "search_count":
		return len(rows), nil
	case "read":
		out := []map[string]any{}
		for _, id := range args[0].([]int64) {
			row, ok := rows[id]
			if !ok {
				continue
			}
			values := map[string]any{
				"id":         id,
				"_timestamp": fmt.Sprintf("ts%d", id),
			}
			for _, field := range args[1].([]string) {
				if value, ok := row[field]; ok {
					values[field] = value
				}
			}
			out = append(out, values)
		}
		return out, nil
	case "create":
		ids := []int64{}
		for _, values := range args[0].([]any) {
			id := self.nextId
			self.nextId += 1
			rows[id] = maps.Clone(values.(map[string]any))
			ids = append(ids, id)
		}
		return ids, nil
	case "write":
		for _, id := range args[0].([]int64) {
			if row, ok := rows[id]; ok {
				maps.Copy(row, args[1].(map[string]any))
			}
		}
		return nil, nil
	case "delete":
		for _, id := range args[0].([]int64) {
			delete(rows, id)
		}
		return nil, nil
	case "default_get":
		return map[string]any{}, nil
	}
	return nil, &rpc.ServerFault{Code: "NotFound", Message: method}
}

type testView struct {
	viewType ViewType
	viewId   int64
	editable bool
	fields   []string

	selected  []*model.Record
	displayed *model.Record
	displays  int
	setValues int
}

func (self *testView) ViewType() ViewType {
	return self.viewType
}

func (self *testView) ViewId() int64 {
	return self.viewId
}

func (self *testView) Editable() bool {
	return self.editable
}

func (self *testView) Fields() []string {
	return self.fields
}

func (self *testView) SetValue(record *model.Record) {
	self.setValues += 1
}

func (self *testView) Display(record *model.Record, group *model.Group) {
	self.displayed = record
	self.displays += 1
}

func (self *testView) SelectedRecords() []*model.Record {
	return self.selected
}

func (self *testView) Reset() {
	self.selected = nil
}

type testTreeView struct {
	*testView
	treeState     bool
	editableTop   bool
	childrenField string

	expandedPaths [][]int64
	selectedPaths [][]int64

	expandedNodes [][]int64
	selectedNodes [][]int64
}

func (self *testTreeView) ChildrenField() string {
	return self.childrenField
}

func (self *testTreeView) TreeState() bool {
	return self.treeState
}

func (self *testTreeView) EditableTop() bool {
	return self.editableTop
}

func (self *testTreeView) ExpandedPaths() [][]int64 {
	return self.expandedPaths
}

func (self *testTreeView) SelectedPaths() [][]int64 {
	return self.selectedPaths
}

func (self *testTreeView) ExpandNodes(paths [][]int64) {
	self.expandedNodes = paths
}

func (self *testTreeView) SelectNodes(paths [][]int64) {
	self.selectedNodes = paths
}

func newFormView() *testView {
	return &testView{
		viewType: ViewTypeForm,
		viewId:   2,
		editable: true,
		fields:   []string{"name", "code", "amount"},
	}
}

func newTreeView() *testTreeView {
	return &testTreeView{
		testView: &testView{
			viewType: ViewTypeTree,
			viewId:   1,
			editable: false,
			fields:   []string{"name", "code"},
		},
	}
}

// a parser that matches the text against `name`
type testParser struct{}

func (self *testParser) Parse(text string) ([]any, error) {
	if text == "" {
		return []any{}, nil
	}
	if strings.HasPrefix(text, "(") {
		return nil, fmt.Errorf("unbalanced")
	}
	return []any{[]any{"name", "ilike", "%" + text + "%"}}, nil
}

func (self *testParser) String(domain []any) string {
	return fmt.Sprint(domain)
}

func (self *testParser) Complete(text string) []string {
	return []string{text + "a", text + "b"}
}

type testConfirmer struct {
	answer   bool
	messages []string
}

func (self *testConfirmer) Confirm(message string) bool {
	self.messages = append(self.messages, message)
	return self.answer
}

// collects posted callbacks, run explicitly by the test
type testDispatcher struct {
	stateLock sync.Mutex
	callbacks []func()
}

func (self *testDispatcher) Post(callback func()) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.callbacks = append(self.callbacks, callback)
	return true
}

// runs the next posted callback, waiting for it up to `timeout`
func (self *testDispatcher) RunNext(timeout time.Duration) bool {
	end := time.Now().Add(timeout)
	for time.Now().Before(end) {
		self.stateLock.Lock()
		var callback func()
		if 0 < len(self.callbacks) {
			callback = self.callbacks[0]
			self.callbacks = self.callbacks[1:]
		}
		self.stateLock.Unlock()
		if callback != nil {
			callback()
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func partyFields() map[string]*model.FieldDefinition {
	return map[string]*model.FieldDefinition{
		"name": {
			Name:     "name",
			String:   "Name",
			Type:     model.FieldTypeChar,
			Required: true,
		},
		"code": {
			Name: "code",
			Type: model.FieldTypeChar,
		},
		"amount": {
			Name:   "amount",
			String: "Amount",
			Type:   model.FieldTypeInteger,
		},
		"lines": {
			Name:          "lines",
			String:        "Lines",
			Type:          model.FieldTypeOne2Many,
			Relation:      "party.line",
			RelationField: "party",
			Fields: map[string]*model.FieldDefinition{
				"description": {
					Name:     "description",
					Type:     model.FieldTypeChar,
					Required: true,
				},
			},
		},
	}
}

func putParties(executor *testExecutor, n int) {
	for id := int64(1); id <= int64(n); id += 1 {
		executor.Put("party.party", id, map[string]any{
			"name":   fmt.Sprintf("party %d", id),
			"code":   fmt.Sprintf("p%d", id),
			"amount": 10 * id,
			"lines":  []int64{},
		})
	}
}

func newTestScreen(executor *testExecutor, limit int, views ...View) *Screen {
	settings := DefaultScreenSettings()
	settings.Limit = limit
	screen := NewScreen(executor, "party.party", partyFields(), map[string]any{"language": "en"}, settings)
	for _, view := range views {
		screen.AddView(view)
	}
	return screen
}
