package screen

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/golang/glog"

	"bringyour.com/erpclient/model"
	"bringyour.com/erpclient/rpc"
)

var (
	ErrNoCurrentRecord = errors.New("no current record")
	ErrNoView          = errors.New("no view")
	// the user declined a confirmation
	ErrCancelled = errors.New("cancelled")
	// child screens show the records of their parent and never search
	ErrChildScreen  = errors.New("search on a child screen")
	ErrNoDispatcher = errors.New("no dispatcher")
)

const maxInvalidMessages = 5

func DefaultScreenSettings() *ScreenSettings {
	return &ScreenSettings{
		Limit:         1000,
		SaveTreeState: true,
		Group:         model.DefaultGroupSettings(),
	}
}

type ScreenSettings struct {
	// the page size of a search, 0 for no limit
	Limit int
	// e.g. `[["name", "ASC"]]`, nil for the model order
	Order         []any
	SaveTreeState bool
	Group         *model.GroupSettings
}

// binds one group to its views
// a screen lives on the ui loop. Only `SearchFilterAsync` leaves it, and its completion
// is posted back through the dispatcher.
type Screen struct {
	executor rpc.Executor
	settings *ScreenSettings

	modelName string
	fields    map[string]*model.FieldDefinition
	context   map[string]any

	// set for the screen of an x2many field
	parent      *model.Record
	parentField string

	group               *model.Group
	removeGroupListener func()
	onWrite             []string

	views         []View
	currentView   int
	currentRecord *model.Record

	domain        []any
	tabDomain     []any
	parser        DomainParser
	confirmer     Confirmer
	actionHandler ActionHandler
	dispatcher    rpc.Dispatcher

	offset      int
	searchText  string
	searchCount int64
	prevEnabled bool
	nextEnabled bool
	// incremented on every search, late completions of older searches are dropped
	generation uint64

	treeStates     map[treeStateKey]*TreeState
	treeStatesDone map[int]bool
	// placeholder ids replaced since the last display
	idRemaps map[int64]int64
}

func NewScreenWithDefaults(
	executor rpc.Executor,
	modelName string,
	fields map[string]*model.FieldDefinition,
	context map[string]any,
) *Screen {
	return NewScreen(executor, modelName, fields, context, DefaultScreenSettings())
}

func NewScreen(
	executor rpc.Executor,
	modelName string,
	fields map[string]*model.FieldDefinition,
	context map[string]any,
	settings *ScreenSettings,
) *Screen {
	screen := newScreen(executor, modelName, fields, context, settings)
	screen.setGroup(model.NewGroup(executor, modelName, fields, context, settings.Group))
	return screen
}

// a screen over the records of `field` of `parent`
func NewChildScreen(
	executor rpc.Executor,
	parent *model.Record,
	field string,
	settings *ScreenSettings,
) (*Screen, error) {
	group, err := parent.ChildGroup(field)
	if err != nil {
		return nil, err
	}
	screen := newScreen(executor, group.ModelName(), group.Fields(), group.Context(), settings)
	screen.parent = parent
	screen.parentField = field
	screen.setGroup(group)
	return screen, nil
}

func newScreen(
	executor rpc.Executor,
	modelName string,
	fields map[string]*model.FieldDefinition,
	context map[string]any,
	settings *ScreenSettings,
) *Screen {
	return &Screen{
		executor:       executor,
		settings:       settings,
		modelName:      modelName,
		fields:         fields,
		context:        rpc.MergeContext(nil, context),
		treeStates:     map[treeStateKey]*TreeState{},
		treeStatesDone: map[int]bool{},
		idRemaps:       map[int64]int64{},
	}
}

func (self *Screen) setGroup(group *model.Group) {
	if self.removeGroupListener != nil {
		self.removeGroupListener()
	}
	self.group = group
	self.removeGroupListener = group.AddListener(self.groupEvent)
	self.currentRecord = nil
}

// a search replaces the group of a top level screen
func (self *Screen) newGroup() {
	previous := self.group
	group := model.NewGroup(self.executor, self.modelName, self.fields, self.context, self.settings.Group)
	group.SetDomain(self.domain)
	for _, onWrite := range self.onWrite {
		group.SetOnWrite(onWrite)
	}
	self.setGroup(group)
	if previous != nil {
		previous.Clear()
	}
}

func (self *Screen) groupEvent(event *model.GroupEvent) {
	switch event.Type {
	case model.GroupEventRecordIdChanged:
		self.idRemaps[event.PreviousId] = event.Record.Id()
		clear(self.treeStatesDone)
	}
}

func (self *Screen) ModelName() string {
	return self.modelName
}

func (self *Screen) Group() *model.Group {
	return self.group
}

func (self *Screen) Parent() *model.Record {
	return self.parent
}

func (self *Screen) Context() map[string]any {
	return self.group.Context()
}

func (self *Screen) SetContext(context map[string]any) {
	self.context = rpc.MergeContext(nil, context)
	self.group.SetContext(context)
}

// the static domain, combined with every search
func (self *Screen) SetDomain(domain []any) {
	self.domain = domain
	if self.parent == nil {
		self.group.SetDomain(domain)
	}
}

func (self *Screen) Domain() []any {
	return self.domain
}

// the domain of the active tab filter
func (self *Screen) SetTabDomain(domain []any) {
	self.tabDomain = domain
}

func (self *Screen) SetDomainParser(parser DomainParser) {
	self.parser = parser
}

func (self *Screen) SetConfirmer(confirmer Confirmer) {
	self.confirmer = confirmer
}

func (self *Screen) SetActionHandler(actionHandler ActionHandler) {
	self.actionHandler = actionHandler
}

func (self *Screen) SetDispatcher(dispatcher rpc.Dispatcher) {
	self.dispatcher = dispatcher
}

func (self *Screen) SetOnWrite(methodName string) {
	if methodName == "" {
		return
	}
	self.onWrite = append(self.onWrite, methodName)
	self.group.SetOnWrite(methodName)
}

func (self *Screen) AddView(view View) {
	self.views = append(self.views, view)
}

func (self *Screen) Views() []View {
	return self.views
}

// nil when the screen has no view
func (self *Screen) CurrentView() View {
	if len(self.views) == 0 {
		return nil
	}
	return self.views[self.currentView]
}

func (self *Screen) CurrentRecord() *model.Record {
	return self.currentRecord
}

func (self *Screen) SetCurrentRecord(record *model.Record) {
	self.currentRecord = record
}

func (self *Screen) Offset() int {
	return self.offset
}

func (self *Screen) SetOffset(offset int) {
	self.offset = max(0, offset)
}

func (self *Screen) Limit() int {
	return self.settings.Limit
}

// the server total of the last search
func (self *Screen) SearchCount() int64 {
	return self.searchCount
}

func (self *Screen) PrevEnabled() bool {
	return self.prevEnabled
}

func (self *Screen) NextEnabled() bool {
	return self.nextEnabled
}

func (self *Screen) Generation() uint64 {
	return self.generation
}

// the records the current view acts on
func (self *Screen) SelectedRecords() []*model.Record {
	if view := self.CurrentView(); view != nil {
		if records := view.SelectedRecords(); 0 < len(records) {
			return records
		}
	}
	if self.currentRecord != nil {
		return []*model.Record{self.currentRecord}
	}
	return nil
}

func (self *Screen) searchDomain(text string) ([]any, error) {
	var domain []any
	if self.parser != nil {
		parsed, err := self.parser.Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parse search %q: %w", text, err)
		}
		domain = parsed
	}
	return model.AndDomains(domain, self.domain, self.tabDomain), nil
}

type searchQuery struct {
	modelName string
	domain    []any
	offset    int
	limit     int
	order     []any
	context   map[string]any
}

func (self *Screen) query(domain []any) *searchQuery {
	return &searchQuery{
		modelName: self.modelName,
		domain:    domain,
		offset:    self.offset,
		limit:     self.settings.Limit,
		order:     self.settings.Order,
		context:   self.group.Context(),
	}
}

// the ids of one page, and the total when the page is full
func search(ctx context.Context, executor rpc.Executor, query *searchQuery) ([]int64, int64, error) {
	var limit any
	if 0 < query.limit {
		limit = query.limit
	}
	ids, err := rpc.Execute[[]int64](
		ctx,
		executor,
		modelMethod(query.modelName, "search"),
		query.domain,
		query.offset,
		limit,
		query.order,
		query.context,
	)
	if err != nil {
		return nil, 0, err
	}
	count := int64(len(ids))
	if 0 < query.limit && len(ids) == query.limit {
		count, err = rpc.Execute[int64](
			ctx,
			executor,
			modelMethod(query.modelName, "search_count"),
			query.domain,
			query.context,
		)
		if err != nil {
			glog.V(1).Infof("[screen]search_count %s error = %s\n", query.modelName, err)
			count = 0
		}
	}
	return ids, count, nil
}

func (self *Screen) checkSearch() error {
	if self.parent != nil {
		return ErrChildScreen
	}
	if self.Modified() {
		return model.ErrUnsavedChanges
	}
	return nil
}

// searches one page and loads it into a new group
// returns the number of matched ids on the page
func (self *Screen) SearchFilter(ctx context.Context, text string) (int, error) {
	if err := self.checkSearch(); err != nil {
		return 0, err
	}
	domain, err := self.searchDomain(text)
	if err != nil {
		return 0, err
	}
	self.generation += 1
	query := self.query(domain)
	ids, count, err := search(ctx, self.executor, query)
	if err != nil {
		return 0, err
	}
	if err := self.applySearch(ctx, text, query, ids, count); err != nil {
		return len(ids), err
	}
	return len(ids), nil
}

// like `SearchFilter` with the rpc in the background
// the callback runs on the dispatcher, and never for a search superseded by a newer one
func (self *Screen) SearchFilterAsync(ctx context.Context, text string, callback func(int, error)) {
	if self.dispatcher == nil {
		callback(0, ErrNoDispatcher)
		return
	}
	if err := self.checkSearch(); err != nil {
		callback(0, err)
		return
	}
	domain, err := self.searchDomain(text)
	if err != nil {
		callback(0, err)
		return
	}
	self.generation += 1
	generation := self.generation
	query := self.query(domain)
	executor := self.executor
	dispatcher := self.dispatcher

	go func() {
		ids, count, err := search(ctx, executor, query)
		complete := func() {
			if generation != self.generation {
				glog.Infof("[screen]discard stale search %d (current %d)\n", generation, self.generation)
				return
			}
			if err == nil {
				err = self.applySearch(ctx, text, query, ids, count)
			}
			callback(len(ids), err)
		}
		if !dispatcher.Post(func() {
			rpc.HandleError("screen", complete)
		}) {
			glog.Infof("[screen]search %d completed after the loop closed\n", generation)
		}
	}()
}

func (self *Screen) applySearch(ctx context.Context, text string, query *searchQuery, ids []int64, count int64) error {
	self.searchText = text
	self.searchCount = count
	self.prevEnabled = 0 < query.offset
	self.nextEnabled = 0 < query.limit && len(ids) == query.limit && int64(query.limit+query.offset) < count
	self.newGroup()
	return self.Load(ctx, ids)
}

func (self *Screen) SearchPrev(ctx context.Context, text string) (int, error) {
	if 0 < self.settings.Limit {
		self.SetOffset(self.offset - self.settings.Limit)
	}
	return self.SearchFilter(ctx, text)
}

func (self *Screen) SearchNext(ctx context.Context, text string) (int, error) {
	if 0 < self.settings.Limit {
		self.SetOffset(self.offset + self.settings.Limit)
	}
	return self.SearchFilter(ctx, text)
}

func (self *Screen) SearchComplete(text string) []string {
	if self.parser == nil {
		return nil
	}
	return self.parser.Complete(text)
}

// the text of the last applied search
func (self *Screen) SearchText() string {
	return self.searchText
}

// replaces the records of the group with `ids` and displays the first one
func (self *Screen) Load(ctx context.Context, ids []int64) error {
	clear(self.treeStatesDone)
	self.group.Load(ids, false)
	for _, view := range self.views {
		view.Reset()
	}
	self.currentRecord = nil
	if 0 < len(ids) {
		if view := self.CurrentView(); view == nil || view.ViewType() != ViewTypeCalendar {
			self.currentRecord = self.group.Get(ids[0])
		}
	}
	return self.Display(ctx)
}

// loads the fields of the current view and renders it
func (self *Screen) Display(ctx context.Context) error {
	view := self.CurrentView()
	if self.currentRecord != nil && (self.currentRecord.Destroyed() || self.currentRecord.Group() == nil) {
		self.currentRecord = nil
	}
	if self.currentRecord == nil && 0 < self.group.Len() {
		if view == nil || view.ViewType() != ViewTypeCalendar {
			self.currentRecord = self.group.At(0)
		}
	}
	if view == nil {
		return nil
	}

	var loadErr error
	if view.ViewType().listing() {
		loadErr = self.group.LoadFields(ctx, self.group.Records(), view.Fields())
	} else if self.currentRecord != nil {
		group := self.currentRecord.Group()
		loadErr = group.LoadFields(ctx, []*model.Record{self.currentRecord}, view.Fields())
	}
	if loadErr != nil {
		glog.V(1).Infof("[screen]load fields %s error = %s\n", self.modelName, loadErr)
	}

	view.Display(self.currentRecord, self.group)
	self.applyTreeState(ctx)
	return loadErr
}

// flushes the current view then moves to the next view matching `viewType` or `viewId`
// an editable view with an invalid current record stays active
func (self *Screen) SwitchView(ctx context.Context, viewType ViewType, viewId int64) error {
	if len(self.views) == 0 {
		return ErrNoView
	}
	view := self.CurrentView()
	if record := self.currentRecord; record != nil {
		view.SetValue(record)
		if record.Destroyed() || record.Group() == nil {
			self.currentRecord = nil
		} else if view.Editable() && !record.Validate(view.Fields(), nil) {
			view.Display(record, self.group)
			return &model.ValidationError{Fields: record.InvalidFields()}
		}
	}

	if viewType == "" || view.ViewType() != viewType || (viewId != 0 && view.ViewId() != viewId) {
		for i := 0; i < len(self.views); i += 1 {
			self.currentView = (self.currentView + 1) % len(self.views)
			next := self.views[self.currentView]
			if viewId != 0 {
				if next.ViewId() == viewId {
					break
				}
			} else if viewType == "" || next.ViewType() == viewType {
				break
			}
		}
	}
	return self.Display(ctx)
}

// adds a record with defaults, switching to an editable view first
func (self *Screen) New(ctx context.Context) (*model.Record, error) {
	view := self.CurrentView()
	if view != nil && !view.Editable() {
		if err := self.SwitchView(ctx, ViewTypeForm, 0); err != nil {
			return nil, err
		}
		view = self.CurrentView()
		if view.ViewType() != ViewTypeForm {
			return nil, fmt.Errorf("%s: no editable view", self.modelName)
		}
	}
	group := self.group
	if self.currentRecord != nil && self.currentRecord.Group() != nil {
		group = self.currentRecord.Group()
	}
	position := -1
	if treeView, ok := view.(TreeView); ok && treeView.EditableTop() {
		position = 0
	}
	record, err := group.New(ctx, true, position)
	if err != nil {
		return nil, err
	}
	self.currentRecord = record
	if err := self.Display(ctx); err != nil {
		return record, err
	}
	return record, nil
}

// the path of `record` relative to the screen group
func (self *Screen) relativePath(record *model.Record) []model.PathItem {
	path := record.Path()
	depth := 0
	if parent := self.group.Parent(); parent != nil {
		depth = parent.Depth() + 1
	}
	if len(path) < depth {
		return nil
	}
	return path[depth:]
}

// saves the current record, or the whole group from a list view
func (self *Screen) SaveCurrent(ctx context.Context) error {
	view := self.CurrentView()
	if view == nil {
		return ErrNoView
	}
	if self.currentRecord == nil {
		if view.ViewType() == ViewTypeTree && 0 < self.group.Len() {
			self.currentRecord = self.group.At(0)
		} else {
			return nil
		}
	}
	record := self.currentRecord
	view.SetValue(record)
	path := self.relativePath(record)

	var saveErr error
	var recordId int64
	if view.ViewType() == ViewTypeTree {
		_, saveErr = self.group.Save(ctx)
		recordId = record.Id()
	} else if record.Validate(view.Fields(), nil) {
		recordId, saveErr = record.Save(ctx, true)
	} else {
		view.Display(record, self.group)
		return &model.ValidationError{Fields: record.InvalidFields()}
	}

	if 0 < len(path) && saveErr == nil {
		path[len(path)-1].Id = recordId
	}
	self.currentRecord = self.group.GetByPath(path)
	if err := self.Display(ctx); err != nil && saveErr == nil {
		return err
	}
	return saveErr
}

// discards the edits of the current record, a new record is removed
func (self *Screen) CancelCurrent(ctx context.Context) error {
	record := self.currentRecord
	if record == nil {
		return nil
	}
	record.Cancel()
	if record.Id() < 0 {
		return self.remove(ctx, false, false, []*model.Record{record})
	}
	return self.Display(ctx)
}

// removes the selected records from the screen
// `delete` deletes them server side first, `detach` only unlinks them from the parent
func (self *Screen) Remove(ctx context.Context, delete bool, detach bool) error {
	return self.remove(ctx, delete, detach, self.SelectedRecords())
}

func (self *Screen) remove(ctx context.Context, delete bool, detach bool, records []*model.Record) error {
	if len(records) == 0 {
		return nil
	}
	top := records[0]
	topGroup := top.Group()
	if topGroup == nil {
		return model.ErrRecordDestroyed
	}
	index := topGroup.Index(top)
	path := self.relativePath(top)

	if delete {
		if err := self.group.Delete(ctx, records); err != nil {
			return err
		}
	}

	self.currentRecord = nil
	for _, record := range records {
		if group := record.Group(); group != nil && !record.Destroyed() {
			group.Remove(record, detach)
		}
	}

	if 0 < index && 0 < len(path) {
		if previous := topGroup.At(index - 1); previous != nil {
			path[len(path)-1].Id = previous.Id()
		}
	} else if 0 < len(path) {
		path = path[:len(path)-1]
	}
	if 0 < len(path) {
		self.currentRecord = self.group.GetByPath(path)
	} else if 0 < self.group.Len() {
		self.currentRecord = self.group.At(0)
	}
	return self.Display(ctx)
}

// restores the selected records removed from their x2many
func (self *Screen) Unremove(ctx context.Context) error {
	for _, record := range self.SelectedRecords() {
		if group := record.Group(); group != nil {
			group.Unremove(record)
		}
	}
	return self.Display(ctx)
}

// duplicates the selected records server side and loads the copies
func (self *Screen) Copy(ctx context.Context) error {
	ids := []int64{}
	for _, record := range self.SelectedRecords() {
		if 0 <= record.Id() {
			ids = append(ids, record.Id())
		}
	}
	if len(ids) == 0 {
		return ErrNoCurrentRecord
	}
	newIds, err := rpc.Execute[[]int64](
		ctx,
		self.executor,
		modelMethod(self.modelName, "copy"),
		ids,
		map[string]any{},
		self.group.Context(),
	)
	if err != nil {
		return err
	}
	return self.Load(ctx, newIds)
}

// re-reads `ids` from the server
// `written` also reloads what the on write methods of the group report
func (self *Screen) Reload(ctx context.Context, ids []int64, written bool) error {
	var err error
	if written {
		err = self.group.Written(ctx, ids)
	} else {
		err = self.group.Reload(ctx, ids)
	}
	if err != nil {
		return err
	}
	if self.parent != nil {
		root := self.parent.Root()
		if group := root.Group(); group != nil && 0 <= root.Id() {
			if err := group.Reload(ctx, []int64{root.Id()}); err != nil {
				return err
			}
		}
	}
	return self.Display(ctx)
}

// true when a save would send anything
func (self *Screen) Modified() bool {
	view := self.CurrentView()
	if view != nil && view.ViewType() == ViewTypeTree {
		return self.group.Modified()
	}
	if self.currentRecord != nil && !self.currentRecord.Destroyed() {
		return self.currentRecord.Modified()
	}
	return false
}

func (self *Screen) DisplayNext(ctx context.Context) error {
	return self.displayStep(ctx, 1)
}

func (self *Screen) DisplayPrev(ctx context.Context) error {
	return self.displayStep(ctx, -1)
}

func (self *Screen) displayStep(ctx context.Context, step int) error {
	view := self.CurrentView()
	record := self.currentRecord
	if view != nil && record != nil {
		view.SetValue(record)
	}
	switch {
	case record != nil && record.Group() != nil:
		group := record.Group()
		if next := group.At(group.Index(record) + step); next != nil {
			self.currentRecord = next
		}
	case 0 < step:
		self.currentRecord = self.group.At(0)
	default:
		self.currentRecord = self.group.At(self.group.Len() - 1)
	}
	return self.Display(ctx)
}

// the propagation of a widget edit: set, on change, validate, display
func (self *Screen) OnUserEdit(ctx context.Context, field string, value any) error {
	record := self.currentRecord
	if record == nil {
		return ErrNoCurrentRecord
	}
	record.Set(field, value)
	err := record.OnChange(ctx, field)
	if err != nil {
		glog.V(1).Infof("[screen]on change %s.%s error = %s\n", self.modelName, field, err)
	}
	record.Validate([]string{field}, nil)
	if displayErr := self.Display(ctx); err == nil {
		err = displayErr
	}
	return err
}

// a user readable summary of the invalid fields of `record`
func (self *Screen) InvalidMessage(record *model.Record) string {
	if record == nil {
		record = self.currentRecord
	}
	if record == nil {
		return ""
	}
	fields := map[string]*model.FieldDefinition{}
	if group := record.Group(); group != nil {
		fields = group.Fields()
	}
	invalidFields := record.InvalidFields()
	names := make([]string, 0, len(invalidFields))
	for name := range invalidFields {
		names = append(names, name)
	}
	sort.Strings(names)

	messages := []string{}
	for _, name := range names {
		label := name
		if field, ok := fields[name]; ok && field.String != "" {
			label = field.String
		}
		switch invalidFields[name] {
		case model.ValidityRequired:
			messages = append(messages, fmt.Sprintf("%q is required", label))
		case model.ValidityChildren:
			messages = append(messages, fmt.Sprintf("The values of %q are not valid", label))
		default:
			messages = append(messages, fmt.Sprintf("%q is not valid according to its domain", label))
		}
	}
	if maxInvalidMessages < len(messages) {
		messages = append(messages[:maxInvalidMessages], "...")
	}
	return strings.Join(messages, "\n")
}

// releases the group of a top level screen
func (self *Screen) Close() {
	if self.removeGroupListener != nil {
		self.removeGroupListener()
		self.removeGroupListener = nil
	}
	if self.parent == nil {
		self.group.Clear()
	}
	self.currentRecord = nil
}

func modelMethod(modelName string, name string) string {
	return fmt.Sprintf("model.%s.%s", modelName, name)
}
