package model

import (
	"context"
	"fmt"
	"reflect"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"bringyour.com/erpclient/rpc"
)

// one step of a record path, from the root group down
// `Field` is the x2many field of the parent that holds the record, empty at the root
type PathItem struct {
	Field string
	Id    int64
}

// one remote entity instance
// a negative id is a local placeholder until the first save
// `group` and `parent` are lookup handles. The group owns the record, never the reverse.
// Records are not safe for concurrent use. All access happens on the ui loop.
type Record struct {
	id    int64
	group *Group
	// set for records of a child group
	parent *Record

	values         map[string]any
	originalValues map[string]any
	// fields set by the user since the last save or load
	modifiedFields map[string]bool
	loadedFields   map[string]bool
	invalidFields  map[string]Validity
	// write timestamp of the last read, the optimistic concurrency token
	timestamp string

	children map[string]*Group
	// set when a descendant changed since the last children validation
	childrenStale bool
	childrenValid bool

	// the error of the last failed save
	saveErr   error
	destroyed bool
}

func newRecord(group *Group, id int64) *Record {
	return &Record{
		id:             id,
		group:          group,
		parent:         group.parent,
		values:         map[string]any{},
		originalValues: map[string]any{},
		modifiedFields: map[string]bool{},
		loadedFields:   map[string]bool{},
		invalidFields:  map[string]Validity{},
		children:       map[string]*Group{},
		childrenStale:  true,
	}
}

func (self *Record) Id() int64 {
	return self.id
}

func (self *Record) ModelName() string {
	return self.group.modelName
}

// nil once the record is destroyed
func (self *Record) Group() *Group {
	return self.group
}

func (self *Record) Parent() *Record {
	return self.parent
}

func (self *Record) Timestamp() string {
	return self.timestamp
}

func (self *Record) Destroyed() bool {
	return self.destroyed
}

func (self *Record) Loaded(field string) bool {
	return self.loadedFields[field]
}

func (self *Record) field(name string) *FieldDefinition {
	if self.group == nil {
		return nil
	}
	return self.group.fields[name]
}

func (self *Record) Get(field string) any {
	if child, ok := self.children[field]; ok {
		return child.Ids()
	}
	return cloneValue(self.values[field])
}

// all current values
func (self *Record) Values() map[string]any {
	values := cloneValues(self.values)
	for field, child := range self.children {
		values[field] = child.Ids()
	}
	return values
}

func (self *Record) OriginalValues() map[string]any {
	return cloneValues(self.originalValues)
}

// a pure local update
// marks the field modified and the validity of the record and its ancestors stale
func (self *Record) Set(field string, value any) {
	if self.destroyed {
		glog.Infof("[record]set %s on destroyed record %d\n", field, self.id)
		return
	}
	value = normalizeValue(self.group.fields, field, value)
	if child, ok := self.children[field]; ok {
		// an explicit id list replaces the child records
		child.Load(toIds(value), true)
	} else {
		self.values[field] = value
	}
	self.modifiedFields[field] = true
	self.saveErr = nil
	delete(self.invalidFields, field)
	self.markChildrenStale()
	self.group.notify(&GroupEvent{
		Type:   GroupEventRecordModified,
		Record: self,
		Field:  field,
	})
}

func (self *Record) markChildrenStale() {
	for record := self.parent; record != nil; record = record.parent {
		record.childrenStale = true
	}
}

// the fields set by the user since the last save or load
func (self *Record) ModifiedFields() []string {
	return sortedKeys(self.modifiedFields)
}

// the fields whose current value differs from the original value
func (self *Record) DirtyFields() []string {
	dirty := map[string]bool{}
	for field, value := range self.values {
		if _, ok := self.children[field]; ok {
			continue
		}
		original, ok := self.originalValues[field]
		if !ok || !reflect.DeepEqual(value, original) {
			dirty[field] = true
		}
	}
	for field := range self.originalValues {
		if _, ok := self.values[field]; !ok {
			if _, ok := self.children[field]; !ok {
				dirty[field] = true
			}
		}
	}
	for field, child := range self.children {
		if child.Modified() || !idsEqual(child.Ids(), toIds(self.originalValues[field])) {
			dirty[field] = true
		}
	}
	return sortedKeys(dirty)
}

// true iff the record was never saved or any field differs from its original value
func (self *Record) Modified() bool {
	return self.id < 0 || 0 < len(self.DirtyFields())
}

func (self *Record) InvalidFields() map[string]Validity {
	return maps.Clone(self.invalidFields)
}

// a record is valid when no field is invalid and the last save did not fail
func (self *Record) Valid() bool {
	return len(self.invalidFields) == 0 && self.saveErr == nil
}

func (self *Record) SaveErr() error {
	return self.saveErr
}

// evaluates required and domain constraints locally
// `fields` nil validates every known field
// `preValidate` is an extra domain, e.g. the pre validation domain of a button
func (self *Record) Validate(fields []string, preValidate []any) bool {
	if self.destroyed {
		return false
	}
	if fields == nil {
		fields = self.knownFields()
	}
	for _, field := range fields {
		delete(self.invalidFields, field)
	}
	validated := map[string]bool{}
	for _, field := range fields {
		validated[field] = true
	}

	values := self.Values()
	for _, field := range fields {
		definition := self.field(field)
		if definition == nil {
			continue
		}
		if definition.Required && definition.IsEmpty(values[field]) {
			self.invalidFields[field] = ValidityRequired
			continue
		}
		if 0 < len(definition.Domain) && definition.Type != FieldTypeMany2One && !definition.IsX2Many() {
			if !EvalDomain(definition.Domain, values) {
				self.invalidFields[field] = ValidityDomain
			}
		}
	}

	domain := AndDomains(self.group.domain, preValidate)
	for _, field := range InvalidDomainFields(domain, values) {
		if validated[field] {
			if _, ok := self.invalidFields[field]; !ok {
				self.invalidFields[field] = ValidityDomain
			}
		}
	}

	if self.childrenStale {
		self.childrenValid = true
		for _, child := range self.children {
			for _, record := range child.records {
				if !record.Validate(nil, nil) {
					self.childrenValid = false
				}
			}
		}
		self.childrenStale = false
	}
	if !self.childrenValid {
		for field, child := range self.children {
			if !validated[field] {
				continue
			}
			for _, record := range child.records {
				if !record.Valid() {
					self.invalidFields[field] = ValidityChildren
					break
				}
			}
		}
	}

	for _, field := range fields {
		if _, ok := self.invalidFields[field]; ok {
			return false
		}
	}
	return true
}

func (self *Record) knownFields() []string {
	known := map[string]bool{}
	for field := range self.values {
		known[field] = true
	}
	for field := range self.children {
		known[field] = true
	}
	if self.id < 0 && self.group != nil {
		for field := range self.group.fields {
			known[field] = true
		}
	}
	return sortedKeys(known)
}

// restores every field from the original values
func (self *Record) Cancel() {
	if self.destroyed {
		return
	}
	self.values = cloneValues(self.originalValues)
	self.modifiedFields = map[string]bool{}
	self.invalidFields = map[string]Validity{}
	self.saveErr = nil
	for field, child := range self.children {
		child.cancel(toIds(self.originalValues[field]))
		delete(self.values, field)
	}
	self.childrenStale = true
	self.group.notify(&GroupEvent{
		Type:   GroupEventRecordModified,
		Record: self,
	})
}

// the values sent to on change calls, x2many fields as ids
func (self *Record) OnChangeValues(fields ...string) map[string]any {
	values := self.Values()
	if 0 < len(fields) {
		selected := map[string]any{}
		for _, field := range fields {
			if value, ok := values[field]; ok {
				selected[field] = value
			}
		}
		values = selected
	}
	values["id"] = self.id
	if self.parent != nil && self.group.relationField != "" {
		values[self.group.relationField] = self.parent.id
	}
	return values
}

// folds server computed values into the record
// the server is authoritative for these values so the user modified mark is cleared
func (self *Record) SetOnChange(values map[string]any) {
	if self.destroyed {
		return
	}
	fields := []string{}
	for field, value := range values {
		if field == "id" {
			continue
		}
		value = normalizeValue(self.group.fields, field, value)
		if child, ok := self.children[field]; ok {
			child.Load(toIds(value), true)
		} else {
			self.values[field] = value
		}
		delete(self.modifiedFields, field)
		fields = append(fields, field)
	}
	slices.Sort(fields)
	self.Validate(fields, nil)
	self.group.notify(&GroupEvent{
		Type:   GroupEventRecordModified,
		Record: self,
	})
}

// runs the server on change methods triggered by the changed fields
// one `on_change` call for the fields that declare it, then one `on_change_with`
// call for the fields that depend on any changed field
func (self *Record) OnChange(ctx context.Context, changed ...string) error {
	if self.destroyed {
		return ErrRecordDestroyed
	}
	group := self.group

	onChangeFields := []string{}
	onChangeArgs := map[string]bool{}
	for _, field := range changed {
		definition := self.field(field)
		if definition == nil || !definition.OnChange {
			continue
		}
		onChangeFields = append(onChangeFields, field)
		onChangeArgs[field] = true
		for _, depend := range definition.Depends {
			onChangeArgs[depend] = true
		}
	}
	if 0 < len(onChangeFields) {
		changes, err := rpc.Execute[[]map[string]any](
			ctx,
			group.executor,
			method(group.modelName, "on_change"),
			self.OnChangeValues(sortedKeys(onChangeArgs)...),
			onChangeFields,
			group.Context(),
		)
		if err != nil {
			return fmt.Errorf("on_change %v: %w", onChangeFields, err)
		}
		for _, change := range changes {
			self.SetOnChange(change)
		}
	}

	withFields := []string{}
	withArgs := map[string]bool{}
	for _, name := range sortedKeys(group.fields) {
		definition := group.fields[name]
		if !definition.OnChangeWith || slices.Contains(changed, name) {
			continue
		}
		for _, depend := range definition.Depends {
			if slices.Contains(changed, depend) {
				withFields = append(withFields, name)
				for _, depend := range definition.Depends {
					withArgs[depend] = true
				}
				break
			}
		}
	}
	if 0 < len(withFields) {
		changes, err := rpc.Execute[map[string]any](
			ctx,
			group.executor,
			method(group.modelName, "on_change_with"),
			self.OnChangeValues(sortedKeys(withArgs)...),
			withFields,
			group.Context(),
		)
		if err != nil {
			return fmt.Errorf("on_change_with %v: %w", withFields, err)
		}
		self.SetOnChange(changes)
	}
	return nil
}

// `model,id` -> timestamp for the records of this tree that were read
func (self *Record) Timestamps() map[string]string {
	timestamps := map[string]string{}
	if self.timestamp != "" && 0 <= self.id {
		timestamps[fmt.Sprintf("%s,%d", self.group.modelName, self.id)] = self.timestamp
	}
	for _, child := range self.children {
		for _, record := range child.records {
			maps.Copy(timestamps, record.Timestamps())
		}
	}
	return timestamps
}

// persists the record, returning its server id
// a new record is created with all values, a persisted record writes only its dirty fields.
// Saving an unmodified persisted record is a noop.
// Records of a child group are saved through their root record.
func (self *Record) Save(ctx context.Context, forceReload bool) (int64, error) {
	if self.destroyed {
		return 0, ErrRecordDestroyed
	}
	if self.parent != nil {
		root := self.Root()
		if _, err := root.Save(ctx, forceReload); err != nil {
			return 0, err
		}
		return self.id, nil
	}
	if !self.Modified() {
		if forceReload && 0 <= self.id {
			if err := self.group.Reload(ctx, []int64{self.id}); err != nil {
				return 0, err
			}
		}
		return self.id, nil
	}
	if !self.Validate(nil, nil) {
		err := &ValidationError{Fields: self.InvalidFields()}
		return 0, &SaveError{RecordId: self.id, Err: err}
	}

	group := self.group
	dirtyFields := self.DirtyFields()
	hasChildren := false
	for field := range self.children {
		if slices.Contains(dirtyFields, field) {
			hasChildren = true
		}
	}

	if self.id < 0 {
		values := self.saveValues(nil)
		ids, err := rpc.Execute[[]int64](ctx, group.executor, method(group.modelName, "create"), []any{values}, group.Context())
		if err == nil && len(ids) != 1 {
			err = fmt.Errorf("create returned %d ids", len(ids))
		}
		if err != nil {
			glog.V(1).Infof("[record]create %s error = %s\n", group.modelName, err)
			self.saveErr = saveError(self.id, err)
			return 0, self.saveErr
		}
		group.changeId(self, ids[0])
	} else {
		values := self.saveValues(dirtyFields)
		context := group.Context()
		context["_timestamp"] = self.Timestamps()
		_, err := group.executor.Execute(ctx, method(group.modelName, "write"), []int64{self.id}, values, context)
		if err != nil {
			glog.V(1).Infof("[record]write %s %d error = %s\n", group.modelName, self.id, err)
			self.saveErr = saveError(self.id, err)
			return 0, self.saveErr
		}
	}

	self.commit()
	self.saveErr = nil

	if forceReload || hasChildren {
		if err := group.Reload(ctx, []int64{self.id}); err != nil {
			// the save itself succeeded
			glog.Infof("[record]reload after save %s %d error = %s\n", group.modelName, self.id, err)
		}
	}
	return self.id, nil
}

// the values of a create or write call
// `fields` nil sends every value
func (self *Record) saveValues(fields []string) map[string]any {
	values := map[string]any{}
	add := func(field string) {
		if field == "id" || field == "_timestamp" {
			return
		}
		if self.parent != nil && field == self.group.relationField {
			// set by the server from the parent
			return
		}
		definition := self.field(field)
		if definition != nil && definition.Readonly {
			return
		}
		if child, ok := self.children[field]; ok {
			if definition != nil && definition.Type == FieldTypeMany2Many {
				values[field] = many2manyCommands(toIds(self.originalValues[field]), child.Ids())
			} else {
				values[field] = child.commands()
			}
			return
		}
		value := self.values[field]
		if definition != nil && definition.Type == FieldTypeMany2Many {
			values[field] = many2manyCommands(toIds(self.originalValues[field]), toIds(value))
			return
		}
		if definition != nil && definition.Type == FieldTypeOne2Many {
			// an unloaded child group with plain ids
			values[field] = [][]any{{"add", toIds(value)}}
			return
		}
		values[field] = value
	}
	if fields == nil {
		for _, field := range sortedKeys(self.values) {
			add(field)
		}
		for _, field := range sortedKeys(self.children) {
			add(field)
		}
	} else {
		for _, field := range fields {
			add(field)
		}
	}
	return values
}

func many2manyCommands(original []int64, current []int64) [][]any {
	commands := [][]any{}
	added := []int64{}
	for _, id := range current {
		if !slices.Contains(original, id) {
			added = append(added, id)
		}
	}
	removed := []int64{}
	for _, id := range original {
		if !slices.Contains(current, id) {
			removed = append(removed, id)
		}
	}
	if 0 < len(added) {
		commands = append(commands, []any{"add", added})
	}
	if 0 < len(removed) {
		commands = append(commands, []any{"remove", removed})
	}
	return commands
}

// the current values become the original values
func (self *Record) commit() {
	for field, child := range self.children {
		self.values[field] = child.Ids()
	}
	self.originalValues = cloneValues(self.values)
	for field := range self.children {
		delete(self.values, field)
	}
	self.modifiedFields = map[string]bool{}
}

// overwrites fields from a server read
// when `overwrite` is false fields that are already loaded are kept
func (self *Record) setFields(values map[string]any, overwrite bool) []*Group {
	reloaded := []*Group{}
	for field, value := range values {
		switch field {
		case "id":
			continue
		case "_timestamp":
			if value != nil {
				self.timestamp = fmt.Sprint(value)
			}
			continue
		}
		if !overwrite && self.loadedFields[field] {
			continue
		}
		value = normalizeValue(self.group.fields, field, value)
		if !overwrite && self.modifiedFields[field] {
			// keep the local edit
			self.originalValues[field] = cloneValue(value)
			self.loadedFields[field] = true
			continue
		}
		self.originalValues[field] = cloneValue(value)
		self.loadedFields[field] = true
		delete(self.modifiedFields, field)
		delete(self.invalidFields, field)
		if child, ok := self.children[field]; ok {
			child.Load(toIds(value), false)
			reloaded = append(reloaded, child)
		} else {
			self.values[field] = value
		}
	}
	self.childrenStale = true
	return reloaded
}

// the group holding the values of an x2many field
// created on first access from the loaded ids
func (self *Record) ChildGroup(field string) (*Group, error) {
	if self.destroyed {
		return nil, ErrRecordDestroyed
	}
	if child, ok := self.children[field]; ok {
		return child, nil
	}
	definition := self.field(field)
	if definition == nil || !definition.IsX2Many() {
		return nil, fmt.Errorf("%s.%s is not an x2many field", self.group.modelName, field)
	}
	child := newChildGroup(self, field, definition)
	child.Load(toIds(self.values[field]), false)
	self.children[field] = child
	delete(self.values, field)
	if _, ok := self.originalValues[field]; !ok {
		self.originalValues[field] = []int64{}
	}
	return child, nil
}

func (self *Record) Root() *Record {
	root := self
	for root.parent != nil {
		root = root.parent
	}
	return root
}

// the number of ancestors
func (self *Record) Depth() int {
	depth := 0
	for parent := self.parent; parent != nil; parent = parent.parent {
		depth += 1
	}
	return depth
}

// the path from the root group to this record
func (self *Record) Path() []PathItem {
	path := []PathItem{}
	for record := self; record != nil; record = record.parent {
		field := ""
		if record.group != nil {
			field = record.group.childField
		}
		path = append(path, PathItem{Field: field, Id: record.id})
	}
	slices.Reverse(path)
	return path
}

func (self *Record) destroy() {
	for _, child := range self.children {
		for _, record := range child.records {
			record.destroy()
		}
	}
	self.destroyed = true
	self.group = nil
	self.parent = nil
}

func (self *Record) String() string {
	if self.group == nil {
		return fmt.Sprintf("destroyed,%d", self.id)
	}
	return fmt.Sprintf("%s,%d", self.group.modelName, self.id)
}
