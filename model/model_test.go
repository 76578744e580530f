package model

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/exp/maps"

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
// `handlers` override a method, keyed by the full method name
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

func (self *testExecutor) Calls() []testCall {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	calls := make([]testCall, len(self.calls))
	copy(calls, self.calls)
	return calls
}

func (self *testExecutor) Methods() []string {
	methods := []string{}
	for _, call := range self.Calls() {
		methods = append(methods, call.Method)
	}
	return methods
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

	switch name {
	case "read":
		out := []map[string]any{}
		for _, id := range toIds(args[0]) {
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
		for _, id := range toIds(args[0]) {
			row, ok := rows[id]
			if !ok {
				return nil, &rpc.ServerFault{Code: "UserError", Message: "missing record"}
			}
			maps.Copy(row, args[1].(map[string]any))
		}
		return nil, nil
	case "delete":
		for _, id := range toIds(args[0]) {
			delete(rows, id)
		}
		return nil, nil
	case "default_get":
		return map[string]any{}, nil
	}
	return nil, &rpc.ServerFault{Code: "NotFound", Message: method}
}

func partyFields() map[string]*FieldDefinition {
	return map[string]*FieldDefinition{
		"name": {
			Name:     "name",
			Type:     FieldTypeChar,
			Required: true,
		},
		"code": {
			Name: "code",
			Type: FieldTypeChar,
		},
		"amount": {
			Name: "amount",
			Type: FieldTypeInteger,
		},
		"lines": {
			Name:          "lines",
			Type:          FieldTypeOne2Many,
			Relation:      "party.line",
			RelationField: "party",
			Fields: map[string]*FieldDefinition{
				"description": {
					Name:     "description",
					Type:     FieldTypeChar,
					Required: true,
				},
				"quantity": {
					Name: "quantity",
					Type: FieldTypeInteger,
				},
			},
		},
	}
}

// a group of parties 1 and 2 with every field loaded
func newTestPartyGroup(ctx context.Context, executor *testExecutor) *Group {
	executor.Put("party.party", 1, map[string]any{"name": "A", "code": "a", "amount": 10, "lines": []int64{11, 12}})
	executor.Put("party.party", 2, map[string]any{"name": "B", "code": "b", "amount": 20, "lines": []int64{}})
	executor.Put("party.line", 11, map[string]any{"description": "one", "quantity": 1})
	executor.Put("party.line", 12, map[string]any{"description": "two", "quantity": 2})

	group := NewGroupWithDefaults(executor, "party.party", partyFields(), map[string]any{"language": "en"})
	group.Load([]int64{1, 2}, false)
	if err := group.LoadFields(ctx, group.Records(), []string{"name", "code", "amount", "lines"}); err != nil {
		panic(err)
	}
	executor.Reset()
	return group
}
