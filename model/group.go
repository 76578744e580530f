package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"bringyour.com/erpclient/rpc"
)

type GroupEventType string

const (
	GroupEventRecordModified  GroupEventType = "record-modified"
	GroupEventListChanged     GroupEventType = "list-changed"
	GroupEventCleared         GroupEventType = "cleared"
	GroupEventRecordIdChanged GroupEventType = "record-id-changed"
)

type GroupEvent struct {
	Type   GroupEventType
	Record *Record
	// the field set by the user, for RecordModified
	Field string
	// the placeholder id replaced on create, for RecordIdChanged
	PreviousId int64
}

type GroupListener = func(event *GroupEvent)

func DefaultGroupSettings() *GroupSettings {
	return &GroupSettings{
		ReadChunk: 1000,
	}
}

type GroupSettings struct {
	// the max ids per read call
	ReadChunk int
}

// negative placeholder ids, shared by a root group and all of its child groups
// ids are never reused, even after the record is deleted
type idAllocator struct {
	last int64
}

func (self *idAllocator) next() int64 {
	self.last -= 1
	return self.last
}

// an ordered collection of records of one model
// the group exclusively owns its records. Moving a record between groups goes through `Add`.
// Groups are not safe for concurrent use. All access happens on the ui loop.
type Group struct {
	executor rpc.Executor
	settings *GroupSettings

	modelName string
	fields    map[string]*FieldDefinition
	context   map[string]any
	domain    []any

	// set for the group of an x2many field
	parent        *Record
	childField    string
	relationField string

	records []*Record
	byId    map[int64]*Record
	// removed from the list, deleted server side on the parent save
	deleted []*Record
	// removed from the list, unlinked from the parent on the parent save
	removed []*Record

	// fields ever loaded for this group's records
	loadedFieldNames map[string]bool
	// methods returning the ids to reload after a write
	onWrite []string

	ids       *idAllocator
	listeners *rpc.CallbackList[GroupListener]
}

func NewGroupWithDefaults(
	executor rpc.Executor,
	modelName string,
	fields map[string]*FieldDefinition,
	context map[string]any,
) *Group {
	return NewGroup(executor, modelName, fields, context, DefaultGroupSettings())
}

func NewGroup(
	executor rpc.Executor,
	modelName string,
	fields map[string]*FieldDefinition,
	context map[string]any,
	settings *GroupSettings,
) *Group {
	if fields == nil {
		fields = map[string]*FieldDefinition{}
	}
	return &Group{
		executor:         executor,
		settings:         settings,
		modelName:        modelName,
		fields:           fields,
		context:          maps.Clone(context),
		byId:             map[int64]*Record{},
		loadedFieldNames: map[string]bool{},
		ids:              &idAllocator{},
		listeners:        rpc.NewCallbackList[GroupListener](),
	}
}

func newChildGroup(parent *Record, field string, definition *FieldDefinition) *Group {
	parentGroup := parent.group
	child := NewGroup(
		parentGroup.executor,
		definition.Relation,
		definition.Fields,
		parentGroup.context,
		parentGroup.settings,
	)
	child.parent = parent
	child.childField = field
	child.relationField = definition.RelationField
	child.ids = parentGroup.ids
	return child
}

func (self *Group) ModelName() string {
	return self.modelName
}

func (self *Group) Fields() map[string]*FieldDefinition {
	return self.fields
}

func (self *Group) AddFields(fields map[string]*FieldDefinition) {
	maps.Copy(self.fields, fields)
}

// a copy of the group rpc context
func (self *Group) Context() map[string]any {
	context := maps.Clone(self.context)
	if context == nil {
		context = map[string]any{}
	}
	return context
}

func (self *Group) SetContext(context map[string]any) {
	self.context = maps.Clone(context)
}

func (self *Group) Domain() []any {
	return self.domain
}

func (self *Group) SetDomain(domain []any) {
	self.domain = domain
}

func (self *Group) Parent() *Record {
	return self.parent
}

func (self *Group) ChildField() string {
	return self.childField
}

func (self *Group) SetOnWrite(methodName string) {
	if methodName != "" && !slices.Contains(self.onWrite, methodName) {
		self.onWrite = append(self.onWrite, methodName)
	}
}

func (self *Group) AddListener(listener GroupListener) func() {
	return self.listeners.Add(listener)
}

func (self *Group) notify(event *GroupEvent) {
	for _, listener := range self.listeners.Get() {
		rpc.HandleError("group", func() {
			listener(event)
		})
	}
	// a change in a child group modifies the parent record
	if self.parent != nil && self.parent.group != nil {
		self.parent.group.notify(&GroupEvent{
			Type:   GroupEventRecordModified,
			Record: self.parent,
			Field:  self.childField,
		})
	}
}

func (self *Group) Len() int {
	return len(self.records)
}

func (self *Group) Records() []*Record {
	return slices.Clone(self.records)
}

func (self *Group) At(i int) *Record {
	if i < 0 || len(self.records) <= i {
		return nil
	}
	return self.records[i]
}

func (self *Group) Ids() []int64 {
	ids := make([]int64, len(self.records))
	for i, record := range self.records {
		ids[i] = record.id
	}
	return ids
}

// nil when the id is not in the group
func (self *Group) Get(id int64) *Record {
	return self.byId[id]
}

func (self *Group) Index(record *Record) int {
	return slices.Index(self.records, record)
}

func (self *Group) Contains(record *Record) bool {
	return record != nil && record.group == self && 0 <= self.Index(record)
}

func (self *Group) Deleted() []*Record {
	return slices.Clone(self.deleted)
}

func (self *Group) Removed() []*Record {
	return slices.Clone(self.removed)
}

// true when any record is modified or the list lost records since the last save
func (self *Group) Modified() bool {
	if 0 < len(self.deleted) || 0 < len(self.removed) {
		return true
	}
	for _, record := range self.records {
		if record.Modified() {
			return true
		}
	}
	return false
}

// resolves a path produced by `Record.Path`
// nil when any step is missing
func (self *Group) GetByPath(path []PathItem) *Record {
	group := self
	var record *Record
	for i, item := range path {
		if 0 < i {
			if record == nil {
				return nil
			}
			child, ok := record.children[item.Field]
			if !ok {
				return nil
			}
			group = child
		}
		record = group.Get(item.Id)
	}
	return record
}

func (self *Group) Clear() {
	for _, record := range self.records {
		record.destroy()
	}
	self.records = nil
	self.byId = map[int64]*Record{}
	self.deleted = nil
	self.removed = nil
	self.notify(&GroupEvent{
		Type: GroupEventCleared,
	})
}

// replaces the record set with bare records for `ids`
// field values are fetched later with `LoadFields`
// `modified` reports the change to the parent record as a user modification
func (self *Group) Load(ids []int64, modified bool) {
	previous := self.records
	self.records = make([]*Record, 0, len(ids))
	self.byId = map[int64]*Record{}
	self.deleted = nil
	self.removed = nil
	for _, record := range previous {
		record.destroy()
	}
	for _, id := range ids {
		if _, ok := self.byId[id]; ok {
			glog.V(1).Infof("[group]load %s skip duplicate id %d\n", self.modelName, id)
			continue
		}
		record := newRecord(self, id)
		self.records = append(self.records, record)
		self.byId[id] = record
	}
	self.notify(&GroupEvent{
		Type: GroupEventListChanged,
	})
	if modified && self.parent != nil {
		self.parent.modifiedFields[self.childField] = true
	}
}

// reads `fields` for every record lacking any of them
func (self *Group) LoadFields(ctx context.Context, records []*Record, fields []string) error {
	for _, field := range fields {
		self.loadedFieldNames[field] = true
	}
	missing := []*Record{}
	for _, record := range records {
		if record.group != self || record.id < 0 {
			continue
		}
		for _, field := range fields {
			if !record.loadedFields[field] {
				missing = append(missing, record)
				break
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return self.read(ctx, missing, fields, false)
}

func (self *Group) read(ctx context.Context, records []*Record, fields []string, overwrite bool) error {
	readFields := slices.Clone(fields)
	if !slices.Contains(readFields, "_timestamp") {
		readFields = append(readFields, "_timestamp")
	}

	if overwrite {
		// a reload must observe the server state
		ctx = rpc.WithoutCache(ctx)
	}

	reloaded := []*Group{}
	for i := 0; i < len(records); i += self.settings.ReadChunk {
		chunk := records[i:min(i+self.settings.ReadChunk, len(records))]
		ids := make([]int64, len(chunk))
		for j, record := range chunk {
			ids[j] = record.id
		}
		rows, err := rpc.Execute[[]map[string]any](ctx, self.executor, method(self.modelName, "read"), ids, readFields, self.Context())
		if err != nil {
			return err
		}
		for _, row := range rows {
			id, ok := toInt64(row["id"])
			if !ok {
				continue
			}
			record := self.Get(id)
			if record == nil {
				continue
			}
			reloaded = append(reloaded, record.setFields(row, overwrite)...)
			self.notify(&GroupEvent{
				Type:   GroupEventRecordModified,
				Record: record,
			})
		}
	}

	for _, child := range reloaded {
		if err := child.LoadFields(ctx, child.records, sortedKeys(child.loadedFieldNames)); err != nil {
			return err
		}
	}
	return nil
}

func (self *Group) fieldNames(records []*Record) []string {
	names := maps.Clone(self.loadedFieldNames)
	for _, record := range records {
		for field := range record.loadedFields {
			names[field] = true
		}
		for field := range record.values {
			names[field] = true
		}
		for field := range record.children {
			names[field] = true
		}
	}
	if len(names) == 0 {
		for field := range self.fields {
			names[field] = true
		}
	}
	delete(names, "id")
	delete(names, "_timestamp")
	return sortedKeys(names)
}

// re-reads the given records from the server and overwrites their values
// records not in `ids` keep their local edits
func (self *Group) Reload(ctx context.Context, ids []int64) error {
	records := []*Record{}
	for _, id := range ids {
		if record := self.Get(id); record != nil && 0 <= id {
			records = append(records, record)
		}
	}
	if len(records) == 0 {
		return nil
	}
	return self.read(ctx, records, self.fieldNames(records), true)
}

// reloads records written by a button, including the ids the `on_write` methods report
func (self *Group) Written(ctx context.Context, ids []int64) error {
	reload := slices.Clone(ids)
	for _, onWrite := range self.onWrite {
		writtenIds, err := rpc.Execute[[]int64](ctx, self.executor, method(self.modelName, onWrite), ids, self.Context())
		if err != nil {
			glog.Infof("[group]%s error = %s\n", onWrite, err)
			continue
		}
		for _, id := range writtenIds {
			if !slices.Contains(reload, id) {
				reload = append(reload, id)
			}
		}
	}
	return self.Reload(ctx, reload)
}

func (self *Group) insert(record *Record, position int) {
	if position < 0 || len(self.records) < position {
		position = len(self.records)
	}
	self.records = slices.Insert(self.records, position, record)
	self.byId[record.id] = record
}

// appends a new record with the next placeholder id at `position`
// -1 appends, 0 inserts at the top
func (self *Group) New(ctx context.Context, useDefaults bool, position int) (*Record, error) {
	record := newRecord(self, self.ids.next())
	if useDefaults && 0 < len(self.fields) {
		defaults, err := rpc.Execute[map[string]any](
			ctx,
			self.executor,
			method(self.modelName, "default_get"),
			sortedKeys(self.fields),
			self.Context(),
		)
		if err != nil {
			return nil, fmt.Errorf("default_get: %w", err)
		}
		for field, value := range defaults {
			record.values[field] = normalizeValue(self.fields, field, value)
		}
	}
	if self.parent != nil && self.relationField != "" {
		record.values[self.relationField] = self.parent.id
	}
	self.insert(record, position)
	self.notify(&GroupEvent{
		Type:   GroupEventListChanged,
		Record: record,
	})
	return record, nil
}

// transfers ownership of `record` into this group
func (self *Group) Add(record *Record, position int) error {
	if record.destroyed {
		return ErrRecordDestroyed
	}
	if record.group == self && self.Contains(record) {
		return nil
	}
	if existing := self.Get(record.id); existing != nil {
		return fmt.Errorf("%s: record %d already in group", self.modelName, record.id)
	}
	if record.group != nil {
		record.group.detach(record)
	}
	record.group = self
	record.parent = self.parent
	self.insert(record, position)
	record.markChildrenStale()
	self.notify(&GroupEvent{
		Type:   GroupEventListChanged,
		Record: record,
	})
	return nil
}

func (self *Group) detach(record *Record) {
	if i := self.Index(record); 0 <= i {
		self.records = slices.Delete(self.records, i, i+1)
	}
	if self.byId[record.id] == record {
		delete(self.byId, record.id)
	}
	self.deleted = slices.DeleteFunc(self.deleted, func(r *Record) bool { return r == record })
	self.removed = slices.DeleteFunc(self.removed, func(r *Record) bool { return r == record })
}

// detaches the record without a server delete
// in a child group a persisted record is tracked for the parent save:
// `detachOnly` unlinks it from the parent, otherwise the parent save deletes it
func (self *Group) Remove(record *Record, detachOnly bool) {
	if !self.Contains(record) {
		return
	}
	self.detach(record)
	if self.parent != nil && 0 <= record.id {
		if detachOnly {
			self.removed = append(self.removed, record)
		} else {
			self.deleted = append(self.deleted, record)
		}
	} else {
		record.destroy()
	}
	record.markChildrenStale()
	self.notify(&GroupEvent{
		Type:   GroupEventListChanged,
		Record: record,
	})
}

// restores a record tracked by `Remove`
func (self *Group) Unremove(record *Record) {
	if !slices.Contains(self.deleted, record) && !slices.Contains(self.removed, record) {
		return
	}
	self.detach(record)
	self.insert(record, -1)
	self.notify(&GroupEvent{
		Type:   GroupEventListChanged,
		Record: record,
	})
}

type SaveOutcome struct {
	Record *Record
	// the persisted id, valid only when `Err` is nil
	Id  int64
	Err error
}

// saves every modified record in list order
// a failed record does not block its siblings. The error joins every failure.
func (self *Group) Save(ctx context.Context) ([]SaveOutcome, error) {
	outcomes := []SaveOutcome{}
	errs := []error{}
	for _, record := range slices.Clone(self.records) {
		if !record.Modified() {
			continue
		}
		id, err := record.Save(ctx, false)
		outcomes = append(outcomes, SaveOutcome{
			Record: record,
			Id:     id,
			Err:    err,
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return outcomes, errors.Join(errs...)
}

// deletes the records server side, deepest first
// one delete call per depth level and model. On the first failure nothing is removed
// from memory and the error reports which ids failed and which were already deleted.
func (self *Group) Delete(ctx context.Context, records []*Record) error {
	type batch struct {
		depth     int
		modelName string
		executor  rpc.Executor
		context   map[string]any
		records   []*Record
	}
	batches := []*batch{}
	persisted := []*Record{}
	for _, record := range records {
		if record.destroyed {
			continue
		}
		if record.id < 0 {
			continue
		}
		persisted = append(persisted, record)
	}
	slices.SortStableFunc(persisted, func(a *Record, b *Record) int {
		return b.Depth() - a.Depth()
	})
	for _, record := range persisted {
		depth := record.Depth()
		var current *batch
		for _, b := range batches {
			if b.depth == depth && b.modelName == record.group.modelName {
				current = b
				break
			}
		}
		if current == nil {
			current = &batch{
				depth:     depth,
				modelName: record.group.modelName,
				executor:  record.group.executor,
				context:   record.group.Context(),
			}
			batches = append(batches, current)
		}
		current.records = append(current.records, record)
	}

	deleted := []int64{}
	for i, b := range batches {
		ids := make([]int64, len(b.records))
		for j, record := range b.records {
			ids[j] = record.id
		}
		_, err := b.executor.Execute(ctx, method(b.modelName, "delete"), ids, b.context)
		if err != nil {
			glog.V(1).Infof("[group]delete %s %v error = %s\n", b.modelName, ids, err)
			failed := slices.Clone(ids)
			for _, rest := range batches[i+1:] {
				for _, record := range rest.records {
					failed = append(failed, record.id)
				}
			}
			return &DeleteError{
				Failed:  failed,
				Deleted: deleted,
				Err:     err,
			}
		}
		deleted = append(deleted, ids...)
	}

	for _, record := range records {
		if record.destroyed {
			continue
		}
		group := record.group
		group.detach(record)
		if parent := group.parent; parent != nil && 0 <= record.id {
			// the server no longer links the child
			original := toIds(parent.originalValues[group.childField])
			parent.originalValues[group.childField] = slices.DeleteFunc(original, func(id int64) bool {
				return id == record.id
			})
		}
		record.destroy()
		group.notify(&GroupEvent{
			Type: GroupEventListChanged,
		})
	}
	return nil
}

// replaces a placeholder id after create
func (self *Group) changeId(record *Record, id int64) {
	previousId := record.id
	if self.byId[previousId] == record {
		delete(self.byId, previousId)
	}
	record.id = id
	self.byId[id] = record
	self.notify(&GroupEvent{
		Type:       GroupEventRecordIdChanged,
		Record:     record,
		PreviousId: previousId,
	})
}

// the x2many commands of the parent save
func (self *Group) commands() [][]any {
	commands := [][]any{}
	toCreate := []map[string]any{}
	for _, record := range self.records {
		if record.id < 0 {
			toCreate = append(toCreate, record.saveValues(nil))
		}
	}
	if 0 < len(toCreate) {
		commands = append(commands, []any{"create", toCreate})
	}
	for _, record := range self.records {
		if 0 <= record.id {
			if dirtyFields := record.DirtyFields(); 0 < len(dirtyFields) {
				commands = append(commands, []any{"write", []int64{record.id}, record.saveValues(dirtyFields)})
			}
		}
	}
	// existing records the user added to the list
	added := []int64{}
	original := []int64{}
	if self.parent != nil {
		original = toIds(self.parent.originalValues[self.childField])
	}
	for _, record := range self.records {
		if 0 <= record.id && !slices.Contains(original, record.id) {
			added = append(added, record.id)
		}
	}
	if 0 < len(added) {
		commands = append(commands, []any{"add", added})
	}
	if 0 < len(self.removed) {
		commands = append(commands, []any{"remove", recordIds(self.removed)})
	}
	if 0 < len(self.deleted) {
		commands = append(commands, []any{"delete", recordIds(self.deleted)})
	}
	return commands
}

// restores the list to `ids`, dropping new records and restoring removed ones
func (self *Group) cancel(ids []int64) {
	all := map[int64]*Record{}
	for _, records := range [][]*Record{self.records, self.deleted, self.removed} {
		for _, record := range records {
			all[record.id] = record
		}
	}
	self.records = make([]*Record, 0, len(ids))
	self.byId = map[int64]*Record{}
	self.deleted = nil
	self.removed = nil
	for _, id := range ids {
		record, ok := all[id]
		if ok {
			delete(all, id)
			record.Cancel()
		} else {
			record = newRecord(self, id)
		}
		self.records = append(self.records, record)
		self.byId[id] = record
	}
	for _, record := range all {
		record.destroy()
	}
	self.notify(&GroupEvent{
		Type: GroupEventListChanged,
	})
}

func recordIds(records []*Record) []int64 {
	ids := make([]int64, len(records))
	for i, record := range records {
		ids[i] = record.id
	}
	return ids
}
